package database

const messageColumns = `message_id, text, sender, sequence_number, status, attempts,
		delivered, acknowledged, timestamp, delivered_at, last_attempt_at,
		error_message, error_code, error_at, created_at, updated_at`

// Message queries
const (
	InsertMessageIfAbsentQuery = `
		INSERT INTO messages (
			message_id, text, sender, sequence_number, status, attempts,
			delivered, acknowledged, timestamp, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`

	SelectMessageByIDQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE message_id = ?
	`

	SelectMaxSequenceQuery = `
		SELECT COALESCE(MAX(sequence_number), 0) FROM messages
	`

	DeleteTerminalOlderThanQuery = `
		DELETE FROM messages
		WHERE message_id IN (
			SELECT message_id FROM messages
			WHERE status = ? AND updated_at < ?
			ORDER BY updated_at
			LIMIT ?
		)
	`

	CountByStatusQuery = `
		SELECT status, COUNT(*) FROM messages GROUP BY status ORDER BY status
	`

	CountStaleQuery = `
		SELECT COUNT(*) FROM messages
		WHERE status = ? AND updated_at < ?
	`

	StatisticsQuery = `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			CAST(COALESCE(AVG(attempts), 0) AS DOUBLE PRECISION)
		FROM messages
		WHERE timestamp >= ? AND timestamp <= ?
	`
)
