// Package delivery owns the chat message state machine: it accepts
// submissions, applies acknowledgments, replays pending messages and drives
// redelivery through the durable queue.
package delivery

import (
	"context"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/constants"
	"chatrelay/internal/models"
	"chatrelay/internal/queue"
	"chatrelay/internal/retry"

	"github.com/sirupsen/logrus"
)

// MessageRepository is the durable message store.
type MessageRepository interface {
	UpsertOnInsert(ctx context.Context, msg *models.Message, nextSeq func() int64) (*models.Message, bool, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	UpdateStatus(ctx context.Context, messageID string, update models.StatusUpdate) (*models.Message, error)
	TransitionStatus(ctx context.Context, messageID string, from []models.MessageStatus, update models.StatusUpdate) (*models.Message, bool, error)
	FindByStatus(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error)
	FindByTimeRange(ctx context.Context, start, end time.Time, filter models.MessageFilter) ([]*models.Message, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, status models.MessageStatus, limit int) (int64, error)
	MaxSequenceNumber(ctx context.Context) (int64, error)
}

// Queue schedules delayed redelivery jobs keyed by message id.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload queue.Payload, delay time.Duration, maxAttempts int) (*queue.Handle, error)
	Remove(ctx context.Context, id string) error
}

// Broadcaster sends events to connected clients.
type Broadcaster interface {
	Broadcast(event string, payload any)
	Emit(connID, event string, payload any) error
}

// DropPolicy decides whether a first submission is deliberately lost.
type DropPolicy interface {
	Drop() bool
}

// inFlight lists the statuses a message may leave. Delivered and failed
// are terminal.
var inFlight = []models.MessageStatus{
	models.StatusPending,
	models.StatusSending,
	models.StatusRetrying,
}

// queued lists the statuses that rely on a queue job to make progress.
var queued = []models.MessageStatus{
	models.StatusSending,
	models.StatusRetrying,
}

// Options configure a Coordinator. Zero values take the package defaults.
type Options struct {
	MaxAttempts int
	Policy      retry.Policy
	Drop        DropPolicy
	Clock       clock.Clock
	Logger      *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = constants.DefaultMaxAttempts
	}
	if o.Policy.BaseDelay <= 0 {
		o.Policy = retry.Exponential(
			time.Duration(constants.DefaultBaseDelayMs)*time.Millisecond,
			time.Duration(constants.DefaultMaxBackoffMs)*time.Millisecond,
		)
	}
	if o.Drop == nil {
		o.Drop = NewRandomDrop(0)
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// OptionsFromConfig builds coordinator options from the delivery config.
func OptionsFromConfig(cfg models.DeliveryConfig) Options {
	return Options{
		MaxAttempts: cfg.MaxAttempts,
		Policy: retry.Exponential(
			time.Duration(cfg.BaseDelayMs)*time.Millisecond,
			time.Duration(cfg.MaxBackoffMs)*time.Millisecond,
		),
		Drop: NewRandomDrop(cfg.DropRate),
	}
}
