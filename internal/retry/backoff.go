package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Policy computes the delay before retry number attempt (0-based):
// min(BaseDelay * Multiplier^attempt, MaxDelay). A Multiplier of 1 gives a
// fixed interval.
type Policy struct {
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"`
}

// Exponential returns a doubling policy capped at max.
func Exponential(base, max time.Duration) Policy {
	return Policy{BaseDelay: base, MaxDelay: max, Multiplier: 2.0}
}

// Fixed returns a policy that always waits interval.
func Fixed(interval time.Duration) Policy {
	return Policy{BaseDelay: interval, MaxDelay: interval, Multiplier: 1.0}
}

// Delay returns the wait before the retry that follows attempt previous
// attempts.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// +/-25% jitter, never below zero or above the cap
	if p.Jitter {
		jitter := delay * 0.25
		delay += (secureFloat64() - 0.5) * 2 * jitter
		if delay < 0 {
			delay = float64(p.BaseDelay)
		}
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns a sensible default configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Policy returns the delay policy described by the config.
func (c BackoffConfig) Policy() Policy {
	return Policy{
		BaseDelay:  c.InitialDelay,
		MaxDelay:   c.MaxDelay,
		Multiplier: c.Multiplier,
		Jitter:     c.Jitter,
	}
}

// Backoff runs an operation until it succeeds or MaxAttempts is reached,
// sleeping according to the config's Policy between attempts.
type Backoff struct {
	config BackoffConfig
	policy Policy
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{
		config: config,
		policy: config.Policy(),
	}
}

// Retry executes the operation with exponential backoff retry logic
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation with exponential backoff, using a predicate to determine if errors are retryable
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == b.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.GetNextDelay(attempt)):
		}
	}

	return lastErr
}

// GetNextDelay returns the delay used after the given 1-based attempt.
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.policy.Delay(attempt - 1)
}

// secureFloat64 generates a cryptographically secure float64 between 0 and 1
func secureFloat64() float64 {
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}
	return float64(n.Uint64()) / float64(math.MaxUint64)
}
