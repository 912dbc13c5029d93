package delivery

import (
	"context"

	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/privacy"
	"chatrelay/internal/queue"
	"chatrelay/internal/tracing"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus"
)

const reasonMaxAttempts = "Max retry attempts reached"

// Process is the queue callback for delivery jobs. Every redelivery returns a
// transient error so the queue checks again later; only an ack, the attempt
// cap or a terminal status ends the job.
func (c *Coordinator) Process(ctx context.Context, job *queue.Job) (float64, error) {
	id := job.Payload.MessageID
	ctx, span := tracing.StartSpan(ctx, "delivery.process",
		tracing.AttrMessageID.String(id),
		tracing.AttrAttempts.Int(job.AttemptsMade),
	)
	defer span.End()

	msg, err := c.repo.GetMessage(ctx, id)
	if err != nil {
		return 0, apperrors.NewInfrastructureError("repository", err)
	}
	if msg == nil {
		return 0, apperrors.NewNotFoundError("message", id)
	}

	log := privacy.Entry(ctx, c.logger, logrus.Fields{
		privacy.LogFieldJobID:     job.ID,
		privacy.LogFieldMessageID: id,
		privacy.LogFieldAttempts:  msg.Attempts,
	})

	if msg.Status.Terminal() {
		log.WithField(privacy.LogFieldStatus, msg.Status).Debug("Message already settled, closing job")
		return 1, nil
	}
	if msg.Attempts >= c.maxAttempts {
		log.Info("Max attempts reached")
		return 1, c.markFailed(ctx, id, reasonMaxAttempts)
	}

	attempts := msg.Attempts + 1
	updated, applied, err := c.repo.TransitionStatus(ctx, id, inFlight, models.Attempt(attempts, c.clock.Now()))
	if err != nil {
		return 0, apperrors.NewInfrastructureError("repository", err)
	}
	if !applied || updated == nil {
		return 1, nil
	}

	c.out.Broadcast(protocol.EventReceiveMessage, receivePayload(updated, true))
	metrics.RecordDeliveryAttempt("queue")
	log.WithField(privacy.LogFieldAttempts, attempts).Info("Message redelivered")

	progress := float64(attempts) / float64(c.maxAttempts)
	return progress, apperrors.NewTransientDeliveryError(id, "awaiting ack")
}

// OnEvent reacts to queue lifecycle events. A dead-lettered job means the
// message never got acknowledged.
func (c *Coordinator) OnEvent(ev queue.Event) {
	fields := logrus.Fields{
		privacy.LogFieldJobID:    ev.Job.ID,
		privacy.LogFieldAttempts: ev.Job.AttemptsMade,
		privacy.LogFieldEvent:    ev.Type,
	}

	switch ev.Type {
	case queue.EventFailed:
		c.errLog.LogWarn(ev.Err, "Delivery job failed", fields)
		if err := c.markFailed(context.Background(), ev.Job.Payload.MessageID, reasonMaxAttempts); err != nil {
			c.errLog.LogError(err, "Failed to mark message failed", fields)
		}
	case queue.EventStalled:
		c.logger.WithFields(privacy.MaskSensitiveFields(fields)).Warn("Delivery job stalled and will be retried")
	default:
		c.logger.WithFields(privacy.MaskSensitiveFields(fields)).Debug("Delivery job completed")
	}
}

// markFailed moves an in-flight message to failed and announces it. The
// guarded transition makes the announcement happen at most once.
func (c *Coordinator) markFailed(ctx context.Context, messageID, reason string) error {
	update := models.Failure(string(apperrors.ErrCodeMaxAttemptsExceeded), reason, c.clock.Now())
	msg, applied, err := c.repo.TransitionStatus(ctx, messageID, inFlight, update)
	if err != nil {
		return apperrors.NewInfrastructureError("repository", err)
	}
	if !applied || msg == nil {
		return nil
	}

	metrics.RecordFailure("max_attempts")
	c.errLog.LogWarn(apperrors.NewMaxAttemptsError(messageID, msg.Attempts), "Message delivery failed")
	c.out.Broadcast(protocol.EventMessageStatus, statusPayload(msg))
	return nil
}
