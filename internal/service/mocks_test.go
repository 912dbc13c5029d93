package service

import (
	"context"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/queue"

	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, status models.MessageStatus, limit int) (int64, error) {
	args := m.Called(ctx, cutoff, status, limit)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) CountStale(ctx context.Context, status models.MessageStatus, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, status, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type mockQueueStats struct {
	mock.Mock
}

func (m *mockQueueStats) Stats(ctx context.Context) (queue.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(queue.Stats), args.Error(1)
}
