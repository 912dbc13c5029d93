package service

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/constants"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// RetentionStore deletes terminal messages in batches.
type RetentionStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, status models.MessageStatus, limit int) (int64, error)
}

// RetentionPolicy says how long terminal messages are kept.
type RetentionPolicy struct {
	Delivered time.Duration
	Failed    time.Duration
	Interval  time.Duration
	BatchSize int
}

func RetentionFromConfig(cfg models.RetentionConfig) RetentionPolicy {
	p := RetentionPolicy{
		Delivered: time.Duration(cfg.DeliveredHours) * time.Hour,
		Failed:    time.Duration(cfg.FailedHours) * time.Hour,
		Interval:  time.Duration(cfg.CleanupIntervalHours) * time.Hour,
		BatchSize: cfg.BatchSize,
	}
	if p.Delivered <= 0 {
		p.Delivered = constants.DefaultDeliveredRetentionHours * time.Hour
	}
	if p.Failed <= 0 {
		p.Failed = constants.DefaultFailedRetentionHours * time.Hour
	}
	if p.Interval <= 0 {
		p.Interval = constants.DefaultCleanupIntervalHours * time.Hour
	}
	if p.BatchSize <= 0 {
		p.BatchSize = constants.DefaultCleanupBatchSize
	}
	return p
}

// CleanupResult counts what one cleanup run removed.
type CleanupResult struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Scheduler runs the retention cleanup once at start and then every
// policy interval.
type Scheduler struct {
	store    RetentionStore
	policy   RetentionPolicy
	clock    clock.Clock
	logger   *logrus.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(store RetentionStore, policy RetentionPolicy, c clock.Clock, logger *logrus.Logger) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	return &Scheduler{
		store:  store,
		policy: policy,
		clock:  c,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.policy.Interval).Info("Starting retention scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	res, err := s.RunCleanup(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old messages")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"delivered_deleted": res.Delivered,
		"failed_deleted":    res.Failed,
	}).Info("Successfully completed cleanup")
}

// RunCleanup deletes delivered and failed messages past their retention.
func (s *Scheduler) RunCleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	now := s.clock.Now()

	n, err := s.purge(ctx, models.StatusDelivered, now.Add(-s.policy.Delivered))
	res.Delivered = n
	if err != nil {
		return res, err
	}
	res.Failed, err = s.purge(ctx, models.StatusFailed, now.Add(-s.policy.Failed))
	return res, err
}

// PurgeDelivered deletes delivered messages older than age.
func (s *Scheduler) PurgeDelivered(ctx context.Context, age time.Duration) (int64, error) {
	return s.purge(ctx, models.StatusDelivered, s.clock.Now().Add(-age))
}

// purge deletes in batches until a batch comes back short.
func (s *Scheduler) purge(ctx context.Context, status models.MessageStatus, cutoff time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.store.DeleteOlderThan(ctx, cutoff, status, s.policy.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.policy.BatchSize) {
			break
		}
	}
	if total > 0 {
		metrics.RecordRetention(string(status), total)
	}
	return total, nil
}
