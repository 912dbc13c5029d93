package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStatus_Valid(t *testing.T) {
	for _, s := range []MessageStatus{StatusPending, StatusSending, StatusRetrying, StatusDelivered, StatusFailed} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, MessageStatus("read").Valid())
	assert.False(t, MessageStatus("").Valid())
}

func TestMessageStatus_Terminal(t *testing.T) {
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRetrying.Terminal())
	assert.False(t, StatusSending.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestMessage_DeduplicationID(t *testing.T) {
	m := &Message{MessageID: "u1-abc", Attempts: 2}
	assert.Equal(t, "u1-abc-2", m.DeduplicationID())
}

func TestMessage_CanRetry(t *testing.T) {
	m := &Message{Status: StatusRetrying, Attempts: 4}
	assert.True(t, m.CanRetry(5))

	m.Attempts = 5
	assert.False(t, m.CanRetry(5))

	m.Attempts = 0
	m.Status = StatusDelivered
	assert.False(t, m.CanRetry(5))
}

func TestAck(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	u := Ack(StatusDelivered, now)
	require.NotNil(t, u.Status)
	assert.Equal(t, StatusDelivered, *u.Status)
	assert.True(t, *u.Delivered)
	assert.True(t, *u.Acknowledged)
	require.NotNil(t, u.DeliveredAt)
	assert.Equal(t, now, *u.DeliveredAt)

	u = Ack(StatusSending, now)
	assert.False(t, *u.Delivered)
	assert.Nil(t, u.DeliveredAt)
}

func TestAttemptAndFailure(t *testing.T) {
	now := time.Now()

	u := Attempt(3, now)
	assert.Equal(t, StatusSending, *u.Status)
	assert.Equal(t, 3, *u.Attempts)
	assert.Equal(t, now, *u.LastAttemptAt)

	f := Failure("MAX_ATTEMPTS_EXCEEDED", "gave up", now)
	assert.Equal(t, StatusFailed, *f.Status)
	require.NotNil(t, f.Error)
	assert.Equal(t, "MAX_ATTEMPTS_EXCEEDED", f.Error.Code)
	assert.Equal(t, "gave up", f.Error.Message)
}
