package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*Logger, *test.Hook) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	return WrapLogger(base), hook
}

func TestLogger_LogError_AppError(t *testing.T) {
	logger, hook := newTestLogger()

	err := NewMaxAttemptsError("m-42", 5)
	logger.LogError(err, "Message delivery failed", logrus.Fields{"job_id": "m-42"})

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "Message delivery failed", entry.Message)
	assert.Equal(t, ErrCodeMaxAttemptsExceeded, entry.Data["error_code"])
	assert.Equal(t, false, entry.Data["retryable"])
	assert.Equal(t, 5, entry.Data["attempts"])
	assert.Equal(t, "m-42", entry.Data["job_id"], "caller fields are logged as given")
	assert.Same(t, err, entry.Data[logrus.ErrorKey])
}

func TestLogger_MasksAppErrorContext(t *testing.T) {
	logger, hook := newTestLogger()

	err := NewTransientDeliveryError("alice-5f0c2a9e-1b7d-4c55-9a47-0d2e8b6c1f3a", "awaiting ack")
	logger.LogWarn(err, "Delivery job failed")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "*lice-****...1f3a", entry.Data["message_id"])
	assert.Equal(t, true, entry.Data["retryable"])
}

func TestLogger_WrappedAppError(t *testing.T) {
	logger, hook := newTestLogger()

	wrapped := fmt.Errorf("process job: %w", NewQueueError("enqueue", errors.New("connection refused")))
	logger.LogError(wrapped, "Queue unavailable")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, ErrCodeQueue, entry.Data["error_code"])
	assert.Equal(t, "enqueue", entry.Data["operation"])
}

func TestLogger_PlainError(t *testing.T) {
	logger, hook := newTestLogger()

	logger.LogError(errors.New("boom"), "Unexpected failure", logrus.Fields{"component": "hub"})

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.NotContains(t, entry.Data, "error_code")
	assert.NotContains(t, entry.Data, "retryable")
	assert.Equal(t, "hub", entry.Data["component"])
}

func TestLogger_LogRetryableError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level logrus.Level
	}{
		{name: "transient delivery", err: NewTransientDeliveryError("m1", "awaiting ack"), level: logrus.WarnLevel},
		{name: "infrastructure", err: NewInfrastructureError("repository", errors.New("locked")), level: logrus.WarnLevel},
		{name: "invalid input", err: NewInvalidInputError("text", "text is required"), level: logrus.ErrorLevel},
		{name: "not found", err: NewNotFoundError("message", "m1"), level: logrus.ErrorLevel},
		{name: "plain", err: errors.New("boom"), level: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := newTestLogger()
			logger.LogRetryableError(tt.err, "Request failed")
			require.Len(t, hook.AllEntries(), 1)
			assert.Equal(t, tt.level, hook.LastEntry().Level)
		})
	}
}

func TestLogger_NilError(t *testing.T) {
	logger, hook := newTestLogger()

	assert.NotPanics(t, func() {
		logger.LogWarn(nil, "Nothing went wrong")
	})
	require.NotNil(t, hook.LastEntry())
	assert.NotContains(t, hook.LastEntry().Data, "error_code")
}
