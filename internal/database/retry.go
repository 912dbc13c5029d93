package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/retry"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// DefaultRetry is the backoff applied to single writes that hit lock
// contention or a dropped connection.
func DefaultRetry() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultBackoffInitialMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultBackoffMaxSec) * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	}
}

// WithRetry replaces the write retry backoff.
func WithRetry(cfg retry.BackoffConfig) Option {
	return func(d *Database) { d.retry = cfg }
}

// withRetry runs fn until it succeeds, fails permanently or the backoff is
// used up. The error is prefixed with op.
func (d *Database) withRetry(ctx context.Context, op string, fn func() error) error {
	cfg := d.retry
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	attempts := 0
	err := retry.NewBackoff(cfg).RetryWithPredicate(ctx, func() error {
		attempts++
		return fn()
	}, isTransient)
	switch {
	case err == nil:
		return nil
	case isTransient(err):
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isTransient reports whether err is worth another try: sqlite busy/locked
// and I/O errors, postgres serialization failures, deadlocks and
// connection exceptions, and network resets or timeouts.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
