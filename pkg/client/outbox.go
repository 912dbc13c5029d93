// Package client is the chat side of the relay protocol: an outbox that
// retries unconfirmed messages, a reconnecting WebSocket connection and
// helpers for relaying WebRTC handshakes.
package client

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/clock"
	apperrors "chatrelay/internal/errors"
	"chatrelay/pkg/constants"
	"chatrelay/pkg/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Emitter sends one event to the server.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// OutboxOptions configures an Outbox. Zero values take the package
// defaults.
type OutboxOptions struct {
	UserID           string
	RetryInterval    time.Duration
	MaxRetryAttempts int
	MaxHistory       int
	Store            Store
	Clock            clock.Clock
	Logger           *logrus.Logger

	// NewID generates the random part of message ids.
	NewID func() string

	// OnMessage is called after a history entry is added or changed.
	OnMessage func(protocol.ReceiveMessage)
	// OnFailed is called when a pending message gives up.
	OnFailed func(PendingEntry)
}

// SweepResult reports what one retry sweep did.
type SweepResult struct {
	Resent int
	Failed int
}

// Outbox tracks messages this user sent until the server confirms them,
// and keeps a bounded history of received messages ordered by sequence
// number.
type Outbox struct {
	opts   OutboxOptions
	out    Emitter
	logger *logrus.Logger

	mu      sync.Mutex
	pending map[string]*PendingEntry
	history []protocol.ReceiveMessage
	seen    map[string]map[string]struct{}
}

// NewOutbox restores pending entries from opts.Store.
func NewOutbox(out Emitter, opts OutboxOptions) (*Outbox, error) {
	if opts.UserID == "" {
		return nil, apperrors.NewInvalidInputError("userId", "user id is required")
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Duration(constants.DefaultRetryIntervalMs) * time.Millisecond
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = constants.DefaultMaxRetryAttempts
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = constants.DefaultMaxHistory
	}
	if opts.Store == nil {
		opts.Store = &MemoryStore{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	o := &Outbox{
		opts:    opts,
		out:     out,
		logger:  opts.Logger,
		pending: make(map[string]*PendingEntry),
		seen:    make(map[string]map[string]struct{}),
	}

	snap, err := opts.Store.Load()
	if err != nil {
		return nil, err
	}
	for i := range snap.Pending {
		e := snap.Pending[i]
		if e.Status == protocol.StatusDelivered || e.Status == protocol.StatusFailed {
			continue
		}
		o.pending[e.MessageID] = &e
	}
	if len(o.pending) > 0 {
		o.logger.WithField("count", len(o.pending)).Info("Restored pending messages")
	}
	return o, nil
}

// Send records text as pending and hands it to the server in the
// background. The id is returned before the network send completes.
func (o *Outbox) Send(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperrors.NewInvalidInputError("text", "message text is empty")
	}
	if len(text) > constants.MaxTextLength {
		return "", apperrors.NewInvalidInputError("text", "message text is too long")
	}

	now := o.opts.Clock.Now()
	entry := &PendingEntry{
		MessageID:   o.opts.UserID + "-" + o.opts.NewID(),
		Text:        text,
		Sender:      o.opts.UserID,
		Status:      protocol.StatusPending,
		Timestamp:   now,
		LastAttempt: now,
	}

	o.mu.Lock()
	o.pending[entry.MessageID] = entry
	o.persistLocked()
	o.mu.Unlock()

	msg := sendPayload(*entry, false)
	go o.emit(context.WithoutCancel(ctx), protocol.EventSendMessage, msg)
	return entry.MessageID, nil
}

// Sweep resends every pending entry below the attempt cap and gives up on
// the rest.
func (o *Outbox) Sweep(ctx context.Context) SweepResult {
	now := o.opts.Clock.Now()

	o.mu.Lock()
	var resend []protocol.SendMessage
	var failed []PendingEntry
	for _, e := range o.sortedPendingLocked() {
		if e.Attempts >= o.opts.MaxRetryAttempts {
			e.Status = protocol.StatusFailed
			delete(o.pending, e.MessageID)
			o.setHistoryStatusLocked(e.MessageID, protocol.StatusFailed, 0)
			failed = append(failed, *e)
			continue
		}
		e.Attempts++
		e.Status = protocol.StatusRetrying
		e.LastAttempt = now
		resend = append(resend, sendPayload(*e, true))
	}
	if len(resend) > 0 || len(failed) > 0 {
		o.persistLocked()
	}
	o.mu.Unlock()

	for _, msg := range resend {
		o.emit(ctx, protocol.EventSendMessage, msg)
	}
	for _, e := range failed {
		o.logger.WithFields(logrus.Fields{
			"message_id": e.MessageID,
			"attempts":   e.Attempts,
		}).Warn("Message failed after max retry attempts")
		if o.opts.OnFailed != nil {
			o.opts.OnFailed(e)
		}
	}
	return SweepResult{Resent: len(resend), Failed: len(failed)}
}

// Run sweeps every RetryInterval until ctx ends.
func (o *Outbox) Run(ctx context.Context) {
	ticker := o.opts.Clock.NewTicker(o.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// HandleReceive merges a delivered message into history. A delivery whose
// (messageId, deduplicationId) pair was already seen is dropped and
// reported false. Anything else is acknowledged as delivered.
func (o *Outbox) HandleReceive(ctx context.Context, msg protocol.ReceiveMessage) bool {
	o.mu.Lock()
	ids, known := o.seen[msg.MessageID]
	if _, dup := ids[msg.DeduplicationID]; known && dup {
		o.mu.Unlock()
		return false
	}
	if !known {
		ids = make(map[string]struct{})
		o.seen[msg.MessageID] = ids
	}
	ids[msg.DeduplicationID] = struct{}{}

	if i := o.historyIndexLocked(msg.MessageID); i >= 0 {
		if prev := o.history[i]; settled(prev.Status) {
			msg.Status, msg.Delivered, msg.Acknowledged = prev.Status, prev.Delivered, prev.Acknowledged
		}
		o.history[i] = msg
	} else {
		o.history = append(o.history, msg)
		sort.SliceStable(o.history, func(a, b int) bool {
			return o.history[a].SequenceNumber < o.history[b].SequenceNumber
		})
		for len(o.history) > o.opts.MaxHistory {
			delete(o.seen, o.history[0].MessageID)
			o.history = o.history[1:]
		}
	}

	if e, ok := o.pending[msg.MessageID]; ok && msg.Status != "" && e.Status != msg.Status {
		e.Status = msg.Status
		o.persistLocked()
	}
	o.mu.Unlock()

	if o.opts.OnMessage != nil {
		o.opts.OnMessage(msg)
	}
	if msg.RequiresAck {
		o.emit(ctx, protocol.EventMessageAck, protocol.MessageAck{
			MessageID: msg.MessageID,
			Status:    protocol.StatusDelivered,
		})
	}
	return true
}

func settled(status string) bool {
	return status == protocol.StatusDelivered || status == protocol.StatusFailed
}

// HandleAck applies a server confirmation. An empty status means
// delivered.
func (o *Outbox) HandleAck(ack protocol.MessageAck) {
	status := ack.Status
	if status == "" {
		status = protocol.StatusDelivered
	}
	o.settle(ack.MessageID, status, ack.SequenceNumber)
}

// HandleStatus applies a terminal status announcement.
func (o *Outbox) HandleStatus(st protocol.MessageStatus) {
	o.settle(st.MessageID, st.Status, 0)
}

func (o *Outbox) settle(messageID, status string, seq int64) {
	o.mu.Lock()
	msg, changed := o.setHistoryStatusLocked(messageID, status, seq)

	var gaveUp *PendingEntry
	if e, ok := o.pending[messageID]; ok {
		e.Status = status
		if settled(status) {
			delete(o.pending, messageID)
			if status == protocol.StatusFailed {
				copied := *e
				gaveUp = &copied
			}
		}
		o.persistLocked()
	}
	o.mu.Unlock()

	if changed && o.opts.OnMessage != nil {
		o.opts.OnMessage(msg)
	}
	if gaveUp != nil && o.opts.OnFailed != nil {
		o.opts.OnFailed(*gaveUp)
	}
}

// OnConnect registers the user and resends everything still pending.
func (o *Outbox) OnConnect(ctx context.Context) error {
	reg := protocol.RegisterUser{UserID: o.opts.UserID, Timestamp: protocol.Millis(o.opts.Clock.Now())}
	if err := o.out.Emit(ctx, protocol.EventRegisterUser, reg); err != nil {
		return err
	}

	o.mu.Lock()
	var resend []protocol.SendMessage
	for _, e := range o.sortedPendingLocked() {
		resend = append(resend, sendPayload(*e, true))
	}
	o.mu.Unlock()

	for _, msg := range resend {
		o.emit(ctx, protocol.EventSendMessage, msg)
	}
	if len(resend) > 0 {
		o.logger.WithField("count", len(resend)).Info("Resent pending messages after connect")
	}
	return nil
}

// Pending returns the unconfirmed entries, oldest first.
func (o *Outbox) Pending() []PendingEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := o.sortedPendingLocked()
	out := make([]PendingEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

// History returns received messages ordered by sequence number.
func (o *Outbox) History() []protocol.ReceiveMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.ReceiveMessage(nil), o.history...)
}

func (o *Outbox) emit(ctx context.Context, event string, payload any) {
	if err := o.out.Emit(ctx, event, payload); err != nil {
		o.logger.WithError(err).WithField("event", event).Debug("Emit failed, will retry on next sweep")
	}
}

func (o *Outbox) sortedPendingLocked() []*PendingEntry {
	entries := make([]*PendingEntry, 0, len(o.pending))
	for _, e := range o.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].MessageID < entries[j].MessageID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries
}

func (o *Outbox) historyIndexLocked(messageID string) int {
	for i := range o.history {
		if o.history[i].MessageID == messageID {
			return i
		}
	}
	return -1
}

func (o *Outbox) setHistoryStatusLocked(messageID, status string, seq int64) (protocol.ReceiveMessage, bool) {
	i := o.historyIndexLocked(messageID)
	if i < 0 {
		return protocol.ReceiveMessage{}, false
	}
	m := &o.history[i]
	m.Status = status
	m.Delivered = status == protocol.StatusDelivered
	m.Acknowledged = true
	if seq > 0 {
		m.SequenceNumber = seq
	}
	return *m, true
}

func (o *Outbox) persistLocked() {
	snap := Snapshot{Pending: make([]PendingEntry, 0, len(o.pending))}
	for _, e := range o.sortedPendingLocked() {
		snap.Pending = append(snap.Pending, *e)
	}
	if err := o.opts.Store.Save(snap); err != nil {
		o.logger.WithError(err).Warn("Failed to persist outbox")
	}
}

func sendPayload(e PendingEntry, retry bool) protocol.SendMessage {
	return protocol.SendMessage{
		Text:      e.Text,
		Sender:    e.Sender,
		MessageID: e.MessageID,
		Timestamp: protocol.Millis(e.Timestamp),
		IsRetry:   retry,
	}
}
