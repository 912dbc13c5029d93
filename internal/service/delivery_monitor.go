package service

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/queue"

	"github.com/sirupsen/logrus"
)

type StaleMessageCounter interface {
	CountStale(ctx context.Context, status models.MessageStatus, cutoff time.Time) (int64, error)
}

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

var monitoredStatuses = []models.MessageStatus{models.StatusSending, models.StatusRetrying}

// DeliveryMonitor periodically gauges messages stuck in flight and the
// queue depth.
type DeliveryMonitor struct {
	db             StaleMessageCounter
	queue          QueueStats
	clock          clock.Clock
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	stopCh         chan struct{}
	stopOnce       sync.Once
}

func NewDeliveryMonitor(db StaleMessageCounter, q QueueStats, c clock.Clock, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	if c == nil {
		c = clock.Real()
	}
	return &DeliveryMonitor{
		db:             db,
		queue:          q,
		clock:          c,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Check records one round of gauges.
func (m *DeliveryMonitor) Check(ctx context.Context) {
	cutoff := m.clock.Now().Add(-m.staleThreshold)
	for _, status := range monitoredStatuses {
		count, err := m.db.CountStale(ctx, status, cutoff)
		if err != nil {
			m.logger.WithError(err).WithField("status", status).Error("Failed to check for stale messages")
			continue
		}
		metrics.SetStale(string(status), count)
		if count > 0 {
			m.logger.WithFields(logrus.Fields{
				"stale_count": count,
				"status":      status,
				"threshold":   m.staleThreshold,
			}).Warn("Messages stuck in flight without acknowledgment")
		}
	}

	if m.queue == nil {
		return
	}
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read queue stats")
		return
	}
	metrics.SetQueueJobs("scheduled", stats.Scheduled)
	metrics.SetQueueJobs("active", stats.Active)
	metrics.SetQueueJobs("failed", stats.Failed)
}
