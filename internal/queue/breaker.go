package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/clock"

	"github.com/sirupsen/logrus"
)

// BreakerState is the position of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const defaultHalfOpenCalls = 3

// Breaker stops calling a failing backend for a cool-down period after
// maxFailures consecutive errors, then lets a few probe calls through.
type Breaker struct {
	name          string
	maxFailures   int
	timeout       time.Duration
	halfOpenCalls int
	clock         clock.Clock
	logger        *logrus.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	probes      int
	successes   int
	requests    int64
	rejected    int64
	lastFailure time.Time
}

func NewBreaker(name string, maxFailures int, timeout time.Duration, c clock.Clock, logger *logrus.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Breaker{
		name:          name,
		maxFailures:   maxFailures,
		timeout:       timeout,
		halfOpenCalls: defaultHalfOpenCalls,
		clock:         c,
		logger:        logger,
	}
}

// BreakerError is returned instead of calling the backend while the
// breaker is open.
type BreakerError struct {
	Name  string
	State BreakerState
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// Execute runs fn unless the breaker rejects the call.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if state, ok := b.allow(); !ok {
		return &BreakerError{Name: b.name, State: state}
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() (BreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case BreakerOpen:
		b.rejected++
		return b.state, false
	case BreakerHalfOpen:
		if b.probes >= b.halfOpenCalls {
			b.rejected++
			return b.state, false
		}
		b.probes++
	}
	b.requests++
	return b.state, true
}

// advanceLocked moves an open breaker to half-open once the timeout passed.
func (b *Breaker) advanceLocked() {
	if b.state != BreakerOpen || b.clock.Now().Sub(b.lastFailure) < b.timeout {
		return
	}
	b.state = BreakerHalfOpen
	b.probes = 0
	b.successes = 0
	b.logger.WithFields(logrus.Fields{
		"circuit_breaker": b.name,
		"state":           b.state.String(),
	}).Info("Circuit breaker transitioned to half-open")
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = b.clock.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
			b.trip()
		}
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenCalls {
			b.state = BreakerClosed
			b.failures = 0
			b.logger.WithField("circuit_breaker", b.name).Info("Circuit breaker closed after successful recovery")
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *Breaker) trip() {
	if b.state != BreakerOpen {
		b.logger.WithFields(logrus.Fields{
			"circuit_breaker": b.name,
			"failures":        b.failures,
			"state":           BreakerOpen.String(),
		}).Warn("Circuit breaker opened due to failures")
	}
	b.state = BreakerOpen
}

// State returns the current state, promoting open to half-open when due.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// BreakerStats is a snapshot of a breaker.
type BreakerStats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Requests    int64     `json:"requests"`
	Rejected    int64     `json:"rejected"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		Requests:    b.requests,
		Rejected:    b.rejected,
		LastFailure: b.lastFailure,
	}
}

// GuardedQueue routes Enqueue and Remove through a Breaker so a dead Redis
// fails fast instead of stalling every submission.
type GuardedQueue struct {
	Queue
	breaker *Breaker
}

func WithBreaker(q Queue, b *Breaker) *GuardedQueue {
	return &GuardedQueue{Queue: q, breaker: b}
}

func (g *GuardedQueue) Enqueue(ctx context.Context, id string, payload Payload, delay time.Duration, maxAttempts int) (*Handle, error) {
	var h *Handle
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		h, err = g.Queue.Enqueue(ctx, id, payload, delay, maxAttempts)
		return err
	})
	return h, err
}

func (g *GuardedQueue) Remove(ctx context.Context, id string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Queue.Remove(ctx, id)
	})
}

// Breaker exposes the guard for health reporting.
func (g *GuardedQueue) Breaker() *Breaker { return g.breaker }
