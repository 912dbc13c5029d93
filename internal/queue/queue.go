// Package queue provides the durable delayed job queue used to redeliver
// chat messages. RedisQueue survives process restarts; MemoryQueue keeps the
// same contract in process for tests and single-node setups without Redis.
package queue

import (
	"context"
	"errors"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/constants"
	"chatrelay/internal/retry"

	"github.com/sirupsen/logrus"
)

var (
	ErrClosed         = errors.New("queue: closed")
	ErrAlreadyRunning = errors.New("queue: already running")
	ErrInvalidJob     = errors.New("queue: job id is required")
)

// Payload is the body carried by a delivery job.
type Payload struct {
	MessageID string `json:"messageId"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID           string
	Payload      Payload
	AttemptsMade int
	MaxAttempts  int
	Progress     float64
	FailedReason string
	CreatedAt    time.Time
	RunAt        time.Time
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    string
	RunAt time.Time
}

type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event reports a job lifecycle transition to the Handler.
type Event struct {
	Type EventType
	Job  Job
	Err  error
}

// Handler processes jobs. Process returns the job's progress in [0, 1]; a
// non-nil error schedules another attempt until MaxAttempts is reached, at
// which point the job is dead-lettered and reported as EventFailed.
type Handler interface {
	Process(ctx context.Context, job *Job) (float64, error)
	OnEvent(ev Event)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// Queue is implemented by RedisQueue and MemoryQueue.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload Payload, delay time.Duration, maxAttempts int) (*Handle, error)
	Remove(ctx context.Context, id string) error
	Run(ctx context.Context, h Handler) error
	Pause(ctx context.Context) error
	Close() error
	Stats(ctx context.Context) (Stats, error)
}

// Options tune queue behavior. Zero values take the package defaults.
type Options struct {
	Prefix       string
	Policy       retry.Policy
	PollInterval time.Duration
	LockTimeout  time.Duration
	BatchSize    int
	KeepFailed   int
	Clock        clock.Clock
	Logger       *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = constants.DefaultQueuePrefix
	}
	if o.Policy.BaseDelay <= 0 {
		o.Policy = retry.Exponential(
			time.Duration(constants.DefaultBaseDelayMs)*time.Millisecond,
			time.Duration(constants.DefaultMaxBackoffMs)*time.Millisecond,
		)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Duration(constants.DefaultQueuePollIntervalMs) * time.Millisecond
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = time.Duration(constants.DefaultQueueLockTimeoutSec) * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = constants.DefaultQueueBatchSize
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = constants.DefaultQueueKeepFailed
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// retryDelay is the wait before the next attempt of a job that has failed
// attemptsMade times.
func (o Options) retryDelay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return o.Policy.Delay(attemptsMade - 1)
}

func normalizeMaxAttempts(n int) int {
	if n <= 0 {
		return constants.DefaultMaxAttempts
	}
	return n
}

// runHandler calls h.Process, turning a panic into a job error.
func runHandler(ctx context.Context, h Handler, job *Job) (progress float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return h.Process(ctx, job)
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return "job handler panicked: " + formatPanic(p.value)
}

func formatPanic(v any) string {
	switch t := v.(type) {
	case error:
		return t.Error()
	case string:
		return t
	default:
		return "unknown panic"
	}
}
