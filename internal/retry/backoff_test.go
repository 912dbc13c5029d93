package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func quickBackoff(attempts int) *Backoff {
	return NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  attempts,
	})
}

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	if cfg.InitialDelay != 100*time.Millisecond || cfg.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected delays: %+v", cfg)
	}
	if cfg.Multiplier != 2 || cfg.MaxAttempts != 5 || !cfg.Jitter {
		t.Fatalf("unexpected shape: %+v", cfg)
	}
}

func TestBackoff_Retry(t *testing.T) {
	errLocked := errors.New("database is locked")

	tests := []struct {
		name      string
		attempts  int
		failFirst int
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", attempts: 3, failFirst: 0, wantCalls: 1},
		{name: "recovers", attempts: 3, failFirst: 2, wantCalls: 3},
		{name: "exhausted", attempts: 3, failFirst: 10, wantCalls: 3, wantErr: true},
		{name: "single attempt", attempts: 1, failFirst: 1, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := quickBackoff(tt.attempts).Retry(context.Background(), func() error {
				calls++
				if calls <= tt.failFirst {
					return errLocked
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr && !errors.Is(err, errLocked) {
				t.Errorf("expected last error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestBackoff_RetryWithPredicate(t *testing.T) {
	permanent := errors.New("unique constraint")
	calls := 0
	err := quickBackoff(5).RetryWithPredicate(context.Background(), func() error {
		calls++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestBackoff_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := quickBackoff(3).Retry(ctx, func() error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("operation ran %d times after cancel", calls)
	}
}

func TestBackoff_CancelledWhileWaiting(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1, MaxAttempts: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Retry(ctx, func() error { return errors.New("connection refused") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("backoff ignored the context while sleeping")
	}
}

func TestBackoff_GetNextDelay(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, MaxAttempts: 5})

	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.GetNextDelay(i + 1); got != w {
			t.Errorf("after attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicy_ExponentialDelays(t *testing.T) {
	p := Exponential(2*time.Second, 30*time.Second)

	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, want := range expected {
		if got := p.Delay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestPolicy_FixedInterval(t *testing.T) {
	p := Fixed(2 * time.Second)
	for attempt := 0; attempt < 5; attempt++ {
		if got := p.Delay(attempt); got != 2*time.Second {
			t.Errorf("attempt %d: expected 2s, got %v", attempt, got)
		}
	}
}

func TestPolicy_NegativeAttemptTreatedAsFirst(t *testing.T) {
	p := Exponential(time.Second, time.Minute)
	if got := p.Delay(-3); got != time.Second {
		t.Errorf("Expected 1s, got %v", got)
	}
}

func TestPolicy_MultiplierBelowOneIsFixed(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 0}
	if got := p.Delay(4); got != time.Second {
		t.Errorf("Expected 1s, got %v", got)
	}
}

func TestPolicy_JitterStaysWithinBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 150*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("delay %v outside +/-25%% of 200ms", d)
		}
	}
}

func TestBackoffConfig_Policy(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 3}
	p := cfg.Policy()
	if p.Delay(2) != 9*time.Second {
		t.Errorf("Expected 9s, got %v", p.Delay(2))
	}
}
