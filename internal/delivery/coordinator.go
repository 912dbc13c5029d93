package delivery

import (
	"context"
	"time"

	"chatrelay/internal/clock"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/privacy"
	"chatrelay/internal/queue"
	"chatrelay/internal/retry"
	"chatrelay/internal/tracing"
	"chatrelay/internal/validation"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus"
)

// Coordinator drives every message through
// pending -> sending -> {retrying -> sending}* -> delivered | failed.
type Coordinator struct {
	repo        MessageRepository
	queue       Queue
	out         Broadcaster
	drop        DropPolicy
	clock       clock.Clock
	policy      retry.Policy
	maxAttempts int
	seq         Sequencer
	logger      *logrus.Logger
	errLog      *apperrors.Logger
}

func NewCoordinator(repo MessageRepository, q Queue, out Broadcaster, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		repo:        repo,
		queue:       q,
		out:         out,
		drop:        opts.Drop,
		clock:       opts.Clock,
		policy:      opts.Policy,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		errLog:      apperrors.WrapLogger(opts.Logger),
	}
}

// Start seeds the sequencer from the highest stored sequence number. It
// must run before the first Submit.
func (c *Coordinator) Start(ctx context.Context) error {
	last, err := c.repo.MaxSequenceNumber(ctx)
	if err != nil {
		return apperrors.NewInfrastructureError("repository", err)
	}
	c.seq.Seed(last)
	c.logger.WithField(privacy.LogFieldSequence, last).Info("Delivery coordinator started")
	return nil
}

// MaxAttempts returns the attempt cap applied to every message.
func (c *Coordinator) MaxAttempts() int { return c.maxAttempts }

// SetDropRate changes the loss simulation rate when the drop policy
// supports it.
func (c *Coordinator) SetDropRate(rate float64) {
	if d, ok := c.drop.(*RandomDrop); ok {
		d.SetRate(rate)
		c.logger.WithField("drop_rate", d.Rate()).Info("Updated message drop rate")
	}
}

// Submit accepts a sendMessage from connID.
func (c *Coordinator) Submit(ctx context.Context, connID string, req protocol.SendMessage) error {
	started := c.clock.Now()
	ctx, span := tracing.StartSpan(ctx, "delivery.submit",
		tracing.AttrMessageID.String(req.MessageID),
		tracing.AttrConnID.String(connID),
	)
	defer span.End()

	if err := validateSend(req); err != nil {
		return err
	}

	ts := started
	if req.Timestamp > 0 {
		ts = time.UnixMilli(req.Timestamp)
	}
	msg, created, err := c.repo.UpsertOnInsert(ctx, &models.Message{
		MessageID: req.MessageID,
		Text:      req.Text,
		Sender:    req.Sender,
		Status:    models.StatusPending,
		Timestamp: ts,
	}, c.seq.Next)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.NewInfrastructureError("repository", err)
	}
	metrics.RecordSubmission(created, c.clock.Now().Sub(started))

	log := privacy.Entry(ctx, c.logger, logrus.Fields{
		privacy.LogFieldMessageID: msg.MessageID,
		privacy.LogFieldSender:    msg.Sender,
		privacy.LogFieldSequence:  msg.SequenceNumber,
		privacy.LogFieldStatus:    msg.Status,
	})

	if msg.Status.Terminal() {
		log.Debug("Message already settled, re-acknowledging")
		return c.out.Emit(connID, protocol.EventMessageAck, ackPayload(msg))
	}

	if !req.IsRetry && c.drop.Drop() {
		metrics.RecordDrop()
		return c.scheduleRetry(ctx, msg, log)
	}

	return c.deliver(ctx, msg, req.IsRetry, "direct")
}

func validateSend(req protocol.SendMessage) error {
	return validation.ValidateSendMessage(req)
}

// scheduleRetry parks a dropped message in retrying and hands it to the queue.
func (c *Coordinator) scheduleRetry(ctx context.Context, msg *models.Message, log *logrus.Entry) error {
	updated, applied, err := c.repo.TransitionStatus(ctx, msg.MessageID, inFlight,
		models.StatusUpdate{}.SetStatus(models.StatusRetrying))
	if err != nil {
		return apperrors.NewInfrastructureError("repository", err)
	}
	if !applied || updated == nil {
		return nil
	}

	delay := c.policy.Delay(updated.Attempts)
	if err := c.enqueue(ctx, updated.MessageID, delay); err != nil {
		return c.release(ctx, updated.MessageID, err)
	}
	log.WithField(privacy.LogFieldDelay, delay.Milliseconds()).Info("Message dropped, queued for retry")
	return nil
}

// deliver moves msg to sending, broadcasts it and schedules an ack check.
func (c *Coordinator) deliver(ctx context.Context, msg *models.Message, isRetry bool, source string) error {
	now := c.clock.Now()
	update := models.StatusUpdate{LastAttemptAt: &now}.SetStatus(models.StatusSending)
	updated, applied, err := c.repo.TransitionStatus(ctx, msg.MessageID, inFlight, update)
	if err != nil {
		return apperrors.NewInfrastructureError("repository", err)
	}
	if !applied || updated == nil {
		return nil
	}

	c.out.Broadcast(protocol.EventReceiveMessage, receivePayload(updated, isRetry))
	metrics.RecordDeliveryAttempt(source)

	if err := c.enqueue(ctx, updated.MessageID, c.policy.Delay(updated.Attempts)); err != nil {
		return c.release(ctx, updated.MessageID, err)
	}
	return nil
}

// release puts a message whose job could not be queued back to pending so
// ResendPending replays it on the sender's next registration. A message
// settled in the meantime is left alone. cause is returned unchanged.
func (c *Coordinator) release(ctx context.Context, messageID string, cause error) error {
	log := privacy.Entry(ctx, c.logger, logrus.Fields{privacy.LogFieldMessageID: messageID})
	_, applied, err := c.repo.TransitionStatus(ctx, messageID, queued, models.StatusUpdate{}.SetStatus(models.StatusPending))
	if err != nil {
		log.WithError(err).Error("Could not release message after queue failure")
	} else if applied {
		log.WithError(cause).Warn("Queue unavailable, message returned to pending")
	}
	return cause
}

func (c *Coordinator) enqueue(ctx context.Context, messageID string, delay time.Duration) error {
	_, err := c.queue.Enqueue(ctx, messageID, queue.Payload{MessageID: messageID}, delay, c.maxAttempts)
	if err != nil {
		return apperrors.NewInfrastructureError("queue", err)
	}
	return nil
}

// Acknowledge applies a client messageAck and broadcasts the stored result
// to every connection.
func (c *Coordinator) Acknowledge(ctx context.Context, ack protocol.MessageAck) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.acknowledge", tracing.AttrMessageID.String(ack.MessageID))
	defer span.End()

	if ack.MessageID == "" {
		return apperrors.NewInvalidInputError("messageId", "message id is required")
	}
	status := models.StatusDelivered
	if ack.Status != "" {
		status = models.MessageStatus(ack.Status)
	}
	if !status.Valid() {
		return apperrors.NewInvalidInputError("status", "unknown status "+ack.Status)
	}

	msg, err := c.repo.GetMessage(ctx, ack.MessageID)
	if err != nil {
		return apperrors.NewInfrastructureError("repository", err)
	}
	if msg == nil {
		return apperrors.NewNotFoundError("message", ack.MessageID)
	}

	if !msg.Status.Terminal() {
		updated, applied, err := c.repo.TransitionStatus(ctx, msg.MessageID, inFlight, models.Ack(status, c.clock.Now()))
		if err != nil {
			return apperrors.NewInfrastructureError("repository", err)
		}
		if applied {
			metrics.RecordAck(string(status))
		}
		if updated != nil {
			msg = updated
		}
	}

	if msg.Status.Terminal() {
		if err := c.queue.Remove(ctx, msg.MessageID); err != nil {
			c.errLog.LogWarn(apperrors.NewQueueError("remove", err), "Failed to remove acknowledged job",
				logrus.Fields{privacy.LogFieldJobID: msg.MessageID})
		}
	}

	privacy.Entry(ctx, c.logger, logrus.Fields{
		privacy.LogFieldMessageID: msg.MessageID,
		privacy.LogFieldStatus:    msg.Status,
	}).Debug("Message acknowledged")

	c.out.Broadcast(protocol.EventMessageAck, ackPayload(msg))
	return nil
}

// ResendPending replays every pending message of userID in sequence order,
// bypassing loss simulation.
func (c *Coordinator) ResendPending(ctx context.Context, userID string) (int, error) {
	pending, err := c.repo.FindByStatus(ctx, models.MessageFilter{Sender: userID, Status: models.StatusPending})
	if err != nil {
		return 0, apperrors.NewInfrastructureError("repository", err)
	}

	sent := 0
	for _, msg := range pending {
		if err := c.deliver(ctx, msg, true, "resend"); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		privacy.Entry(ctx, c.logger, logrus.Fields{
			privacy.LogFieldUserID: userID,
			privacy.LogFieldCount:  sent,
		}).Info("Resent pending messages")
	}
	return sent, nil
}

// RetryOutcome is the result of a manual retry request for one message.
type RetryOutcome string

const (
	RetryQueued           RetryOutcome = "queued_for_retry"
	RetryNotFound         RetryOutcome = "not_found"
	RetryAlreadyDelivered RetryOutcome = "already_delivered"
	RetryExhausted        RetryOutcome = "attempts_exhausted"
	RetryError            RetryOutcome = "retry_failed"
)

// RetryResult reports what RetryMessages did with one id.
type RetryResult struct {
	MessageID string       `json:"messageId"`
	Status    RetryOutcome `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// RetryMessages requeues undelivered messages that are still below the
// attempt cap. Attempts are never reset.
func (c *Coordinator) RetryMessages(ctx context.Context, ids []string) []RetryResult {
	results := make([]RetryResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, c.retryOne(ctx, id))
	}
	return results
}

func (c *Coordinator) retryOne(ctx context.Context, id string) RetryResult {
	res := RetryResult{MessageID: id}

	msg, err := c.repo.GetMessage(ctx, id)
	switch {
	case err != nil:
		res.Status, res.Error = RetryError, err.Error()
		return res
	case msg == nil:
		res.Status = RetryNotFound
		return res
	case msg.Status == models.StatusDelivered:
		res.Status = RetryAlreadyDelivered
		return res
	case msg.Attempts >= c.maxAttempts:
		res.Status = RetryExhausted
		return res
	}

	from := append([]models.MessageStatus{models.StatusFailed}, inFlight...)
	update := models.StatusUpdate{ClearError: true}.SetStatus(models.StatusRetrying)
	updated, applied, err := c.repo.TransitionStatus(ctx, id, from, update)
	if err != nil {
		res.Status, res.Error = RetryError, err.Error()
		return res
	}
	if !applied || updated == nil {
		res.Status = RetryAlreadyDelivered
		return res
	}

	if err := c.enqueue(ctx, id, c.policy.Delay(updated.Attempts)); err != nil {
		err = c.release(ctx, id, err)
		res.Status, res.Error = RetryError, err.Error()
		return res
	}
	res.Status = RetryQueued
	return res
}
