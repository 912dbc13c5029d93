package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/models"
)

// UpsertOnInsert stores msg unless a record with the same message id exists.
// nextSeq is called only when an insert is attempted, so a sequence number is
// consumed at most once per new message. The returned record is whatever is
// stored after the call; created reports whether this call inserted it.
func (d *Database) UpsertOnInsert(ctx context.Context, msg *models.Message, nextSeq func() int64) (*models.Message, bool, error) {
	if msg == nil || msg.MessageID == "" {
		return nil, false, apperrors.NewInvalidInputError("messageId", "message id is required")
	}

	existing, err := d.GetMessage(ctx, msg.MessageID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	text, err := d.encryptor.Encrypt(msg.Text)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encrypt message text: %w", err)
	}

	now := d.now()
	status := msg.Status
	if status == "" {
		status = models.StatusPending
	}
	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}

	seq := nextSeq()
	var inserted int64
	err = d.withRetry(ctx, "insert message", func() error {
		n, execErr := d.conn.exec(ctx, InsertMessageIfAbsentQuery,
			msg.MessageID,
			text,
			msg.Sender,
			seq,
			string(status),
			msg.Attempts,
			false,
			false,
			timestamp.UnixMilli(),
			now.UnixMilli(),
			now.UnixMilli(),
		)
		inserted = n
		return execErr
	})
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("insert message", err)
	}

	stored, err := d.GetMessage(ctx, msg.MessageID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, apperrors.NewDatabaseError("insert message", fmt.Errorf("message %s vanished after insert", msg.MessageID))
	}
	return stored, inserted == 1, nil
}

// GetMessage returns the stored message or nil when absent.
func (d *Database) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	msg, err := d.scanMessage(d.conn.queryRow(ctx, SelectMessageByIDQuery, messageID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get message", err)
	}
	return msg, nil
}

// UpdateStatus applies update unconditionally.
func (d *Database) UpdateStatus(ctx context.Context, messageID string, update models.StatusUpdate) (*models.Message, error) {
	msg, applied, err := d.TransitionStatus(ctx, messageID, nil, update)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}
	return msg, nil
}

// TransitionStatus applies update only while the stored status is one of
// from (any status when from is empty). It returns the stored record and
// whether the update was applied. A missing message yields (nil, false, nil).
func (d *Database) TransitionStatus(ctx context.Context, messageID string, from []models.MessageStatus, update models.StatusUpdate) (*models.Message, bool, error) {
	sets, args := updateAssignments(update, d.now())

	query := "UPDATE messages SET " + strings.Join(sets, ", ") + " WHERE message_id = ?"
	args = append(args, messageID)
	if len(from) > 0 {
		query += " AND status IN (" + placeholders(len(from)) + ")"
		for _, s := range from {
			args = append(args, string(s))
		}
	}

	var affected int64
	err := d.withRetry(ctx, "update message status", func() error {
		n, execErr := d.conn.exec(ctx, query, args...)
		affected = n
		return execErr
	})
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("update message status", err)
	}

	msg, err := d.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	return msg, affected > 0, nil
}

func updateAssignments(u models.StatusUpdate, now time.Time) ([]string, []any) {
	var sets []string
	var args []any
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.Attempts != nil {
		set("attempts", *u.Attempts)
	}
	if u.Delivered != nil {
		set("delivered", *u.Delivered)
	}
	if u.Acknowledged != nil {
		set("acknowledged", *u.Acknowledged)
	}
	if u.DeliveredAt != nil {
		set("delivered_at", u.DeliveredAt.UnixMilli())
	}
	if u.LastAttemptAt != nil {
		set("last_attempt_at", u.LastAttemptAt.UnixMilli())
	}
	switch {
	case u.Error != nil:
		set("error_message", u.Error.Message)
		set("error_code", u.Error.Code)
		set("error_at", u.Error.Timestamp.UnixMilli())
	case u.ClearError:
		set("error_message", nil)
		set("error_code", nil)
		set("error_at", nil)
	}
	set("updated_at", now.UnixMilli())
	return sets, args
}

// FindByStatus lists messages matching filter in sequence order.
func (d *Database) FindByStatus(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error) {
	where, args := filterClause(filter, nil, nil)
	query := "SELECT " + messageColumns + " FROM messages" + where + " ORDER BY sequence_number ASC"
	return d.queryMessages(ctx, "find messages by status", query, args...)
}

// FindByTimeRange lists messages whose timestamp falls in [start, end],
// oldest first.
func (d *Database) FindByTimeRange(ctx context.Context, start, end time.Time, filter models.MessageFilter) ([]*models.Message, error) {
	if end.Before(start) {
		return nil, apperrors.NewInvalidInputError("end", "end must not be before start")
	}
	where, args := filterClause(filter, &start, &end)
	query := "SELECT " + messageColumns + " FROM messages" + where + " ORDER BY timestamp ASC, sequence_number ASC"
	return d.queryMessages(ctx, "find messages by time range", query, args...)
}

// ListMessages returns one page of messages, newest first, and the total
// number of matches.
func (d *Database) ListMessages(ctx context.Context, q models.MessageQuery) ([]*models.Message, int64, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	where, args := filterClause(q.MessageFilter, q.Start, q.End)

	var total int64
	if err := d.conn.queryRow(ctx, "SELECT COUNT(*) FROM messages"+where, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.NewDatabaseError("count messages", err)
	}

	query := "SELECT " + messageColumns + " FROM messages" + where +
		" ORDER BY timestamp DESC, sequence_number DESC LIMIT ? OFFSET ?"
	pageArgs := append(append([]any{}, args...), limit, (page-1)*limit)
	msgs, err := d.queryMessages(ctx, "list messages", query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// DeleteOlderThan removes up to limit messages in a terminal status whose
// last update is before cutoff. In-flight statuses are never deleted.
func (d *Database) DeleteOlderThan(ctx context.Context, cutoff time.Time, status models.MessageStatus, limit int) (int64, error) {
	if !status.Terminal() {
		return 0, apperrors.NewInvalidInputError("status", fmt.Sprintf("refusing to delete messages in status %q", status))
	}
	if limit <= 0 {
		limit = constants.DefaultCleanupBatchSize
	}

	var deleted int64
	err := d.withRetry(ctx, "delete old messages", func() error {
		n, execErr := d.conn.exec(ctx, DeleteTerminalOlderThanQuery, string(status), cutoff.UnixMilli(), limit)
		deleted = n
		return execErr
	})
	if err != nil {
		return 0, apperrors.NewDatabaseError("delete old messages", err)
	}
	return deleted, nil
}

// MaxSequenceNumber returns the highest assigned sequence number, or 0.
func (d *Database) MaxSequenceNumber(ctx context.Context) (int64, error) {
	var seq int64
	if err := d.conn.queryRow(ctx, SelectMaxSequenceQuery).Scan(&seq); err != nil {
		return 0, apperrors.NewDatabaseError("max sequence number", err)
	}
	return seq, nil
}

// CountByStatus returns the number of messages per status.
func (d *Database) CountByStatus(ctx context.Context) ([]models.StatusCount, error) {
	rows, err := d.conn.query(ctx, CountByStatusQuery)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count by status", err)
	}
	defer rows.Close()

	var counts []models.StatusCount
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.NewDatabaseError("count by status", err)
		}
		counts = append(counts, models.StatusCount{Status: models.MessageStatus(status), Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("count by status", err)
	}
	return counts, nil
}

// CountStale counts messages stuck in status since before cutoff.
func (d *Database) CountStale(ctx context.Context, status models.MessageStatus, cutoff time.Time) (int64, error) {
	var count int64
	if err := d.conn.queryRow(ctx, CountStaleQuery, string(status), cutoff.UnixMilli()).Scan(&count); err != nil {
		return 0, apperrors.NewDatabaseError("count stale messages", err)
	}
	return count, nil
}

// Statistics summarizes messages whose timestamp falls in [start, end].
func (d *Database) Statistics(ctx context.Context, start, end time.Time) (*models.DeliveryStatistics, error) {
	stats := &models.DeliveryStatistics{}
	err := d.conn.queryRow(ctx, StatisticsQuery, start.UnixMilli(), end.UnixMilli()).
		Scan(&stats.Total, &stats.Delivered, &stats.Failed, &stats.AverageAttempts)
	if err != nil {
		return nil, apperrors.NewDatabaseError("delivery statistics", err)
	}
	stats.InFlight = stats.Total - stats.Delivered - stats.Failed
	if stats.Total > 0 {
		stats.DeliveryRate = float64(stats.Delivered) / float64(stats.Total)
	}
	return stats, nil
}

func filterClause(filter models.MessageFilter, start, end *time.Time) (string, []any) {
	var conds []string
	var args []any
	if filter.Sender != "" {
		conds = append(conds, "sender = ?")
		args = append(args, filter.Sender)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if start != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, start.UnixMilli())
	}
	if end != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, end.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (d *Database) queryMessages(ctx context.Context, operation, query string, args ...any) ([]*models.Message, error) {
	rows, err := d.conn.query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(operation, err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := d.scanMessage(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError(operation, err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(operation, err)
	}
	return msgs, nil
}

func (d *Database) scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg                                 models.Message
		status                              string
		timestamp, createdAt, updatedAt     int64
		deliveredAt, lastAttemptAt, errorAt sql.NullInt64
		errorMessage, errorCode             sql.NullString
	)

	err := row.Scan(
		&msg.MessageID,
		&msg.Text,
		&msg.Sender,
		&msg.SequenceNumber,
		&status,
		&msg.Attempts,
		&msg.Delivered,
		&msg.Acknowledged,
		&timestamp,
		&deliveredAt,
		&lastAttemptAt,
		&errorMessage,
		&errorCode,
		&errorAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	text, err := d.encryptor.Decrypt(msg.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message text: %w", err)
	}
	msg.Text = text
	msg.Status = models.MessageStatus(status)
	msg.Timestamp = fromMillis(timestamp)
	msg.CreatedAt = fromMillis(createdAt)
	msg.UpdatedAt = fromMillis(updatedAt)
	msg.DeliveredAt = nullMillis(deliveredAt)
	msg.LastAttemptAt = nullMillis(lastAttemptAt)
	if errorMessage.Valid || errorCode.Valid {
		msg.Error = &models.MessageError{
			Message: errorMessage.String,
			Code:    errorCode.String,
		}
		if errorAt.Valid {
			msg.Error.Timestamp = fromMillis(errorAt.Int64)
		}
	}
	return &msg, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
