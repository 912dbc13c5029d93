// Package gateway turns inbound WebSocket events into calls on the delivery
// coordinator and the signaling relay, and reports failures back to the
// sending connection.
package gateway

import (
	"context"

	"chatrelay/internal/clock"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/privacy"
	"chatrelay/internal/registry"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus"
)

// Deliverer is the chat side of the server.
type Deliverer interface {
	Submit(ctx context.Context, connID string, req protocol.SendMessage) error
	Acknowledge(ctx context.Context, ack protocol.MessageAck) error
	ResendPending(ctx context.Context, userID string) (int, error)
}

// Signaler is the video side of the server.
type Signaler interface {
	Relay(ctx context.Context, fromConn string, sig protocol.VideoSignal) error
	UpdateVideoState(ctx context.Context, fromConn string, enabled bool) error
	Disconnect(connID string)
}

// Emitter sends an event to one connection.
type Emitter interface {
	Emit(connID, event string, payload any) error
}

// Reply is the payload of the ack returned for events that requested one.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type Gateway struct {
	delivery Deliverer
	signals  Signaler
	reg      *registry.Registry
	out      Emitter
	clock    clock.Clock
	logger   *logrus.Logger
	errLog   *apperrors.Logger
}

func New(d Deliverer, s Signaler, reg *registry.Registry, out Emitter, c clock.Clock, logger *logrus.Logger) *Gateway {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		delivery: d,
		signals:  s,
		reg:      reg,
		out:      out,
		clock:    c,
		logger:   logger,
		errLog:   apperrors.WrapLogger(logger),
	}
}

func (g *Gateway) OnConnect(ctx context.Context, connID string) {
	privacy.Entry(ctx, g.logger, logrus.Fields{privacy.LogFieldConnID: connID}).Debug("Awaiting registration")
}

func (g *Gateway) OnDisconnect(connID string) {
	g.signals.Disconnect(connID)
}

// HandleEvent dispatches one inbound envelope.
func (g *Gateway) HandleEvent(ctx context.Context, connID string, env protocol.Envelope) any {
	var err error
	switch env.Event {
	case protocol.EventRegisterUser:
		err = g.register(ctx, connID, env)
	case protocol.EventSendMessage:
		err = g.sendMessage(ctx, connID, env)
	case protocol.EventMessageAck:
		err = g.messageAck(ctx, connID, env)
	case protocol.EventVideoSignal:
		err = g.videoSignal(ctx, connID, env)
	case protocol.EventVideoState:
		err = g.videoState(ctx, connID, env)
	default:
		g.logger.WithField(privacy.LogFieldEvent, env.Event).Debug("Ignoring unknown event")
		return Reply{Error: "unknown event"}
	}

	if err != nil {
		return Reply{Error: apperrors.GetUserMessage(err)}
	}
	return Reply{OK: true}
}

func (g *Gateway) register(ctx context.Context, connID string, env protocol.Envelope) error {
	var req protocol.RegisterUser
	if err := env.Decode(&req); err != nil {
		return g.reject(connID, apperrors.NewInvalidInputError("userId", err.Error()))
	}
	if err := g.reg.Register(connID, req.UserID); err != nil {
		return g.reject(connID, err)
	}

	log := privacy.Entry(ctx, g.logger, logrus.Fields{
		privacy.LogFieldConnID: connID,
		privacy.LogFieldUserID: req.UserID,
	})
	log.Info("User registered")

	if states := g.reg.States(connID); len(states) > 0 {
		snapshot := protocol.VideoState{Timestamp: g.now(), States: make([]protocol.ParticipantVideo, 0, len(states))}
		for _, vs := range states {
			snapshot.States = append(snapshot.States, vs.Participant())
		}
		if err := g.out.Emit(connID, protocol.EventVideoState, snapshot); err != nil {
			log.WithError(err).Debug("Could not send video state snapshot")
		}
	}

	if _, err := g.delivery.ResendPending(ctx, req.UserID); err != nil {
		g.errLog.LogError(err, "Failed to resend pending messages", logrus.Fields{
			privacy.LogFieldUserID: privacy.MaskUserID(req.UserID),
		})
		return err
	}
	return nil
}

func (g *Gateway) sendMessage(ctx context.Context, connID string, env protocol.Envelope) error {
	var req protocol.SendMessage
	if err := env.Decode(&req); err != nil {
		return g.rejectMessage(connID, "", apperrors.NewInvalidInputError("sendMessage", err.Error()))
	}
	if err := g.delivery.Submit(ctx, connID, req); err != nil {
		return g.rejectMessage(connID, req.MessageID, err)
	}
	return nil
}

func (g *Gateway) messageAck(ctx context.Context, connID string, env protocol.Envelope) error {
	var ack protocol.MessageAck
	if err := env.Decode(&ack); err != nil {
		return g.reject(connID, apperrors.NewInvalidInputError("messageAck", err.Error()))
	}

	err := g.delivery.Acknowledge(ctx, ack)
	switch {
	case err == nil:
		return nil
	case apperrors.Is(err, apperrors.ErrCodeNotFound):
		privacy.Entry(ctx, g.logger, logrus.Fields{
			privacy.LogFieldMessageID: ack.MessageID,
			privacy.LogFieldConnID:    connID,
		}).Warn("Acknowledgment for unknown message")
		return err
	default:
		return g.reject(connID, err)
	}
}

func (g *Gateway) videoSignal(ctx context.Context, connID string, env protocol.Envelope) error {
	var sig protocol.VideoSignal
	if err := env.Decode(&sig); err != nil {
		return g.videoError(connID, apperrors.NewInvalidInputError("videoSignal", "Invalid signal data"))
	}
	if err := g.signals.Relay(ctx, connID, sig); err != nil {
		return g.videoError(connID, err)
	}
	return nil
}

func (g *Gateway) videoState(ctx context.Context, connID string, env protocol.Envelope) error {
	var req protocol.VideoState
	if err := env.Decode(&req); err != nil {
		return g.videoError(connID, apperrors.NewInvalidInputError("videoState", err.Error()))
	}
	if err := g.signals.UpdateVideoState(ctx, connID, req.VideoEnabled); err != nil {
		return g.videoError(connID, err)
	}
	return nil
}

// rejectMessage answers a failed sendMessage with an error event, preceded
// by a failed ack when the failure is permanent.
func (g *Gateway) rejectMessage(connID, messageID string, err error) error {
	// Retryable failures leave the message with the client so its sweep
	// resends it. Only a permanent rejection settles it as failed.
	if messageID != "" && !apperrors.IsRetryable(err) {
		ack := protocol.MessageAck{MessageID: messageID, Status: protocol.StatusFailed, Error: apperrors.GetUserMessage(err)}
		if emitErr := g.out.Emit(connID, protocol.EventMessageAck, ack); emitErr != nil {
			g.logger.WithError(emitErr).Debug("Could not send failed ack")
		}
	}
	return g.reject(connID, err)
}

// reject logs err and sends an error event to connID.
func (g *Gateway) reject(connID string, err error) error {
	fields := logrus.Fields{privacy.LogFieldConnID: privacy.MaskConnID(connID)}
	if apperrors.IsRetryable(err) {
		g.errLog.LogRetryableError(err, "Request failed", fields)
	} else {
		g.errLog.LogWarn(err, "Request rejected", fields)
	}

	payload := protocol.ErrorPayload{
		Message:   apperrors.GetUserMessage(err),
		Code:      string(apperrors.GetCode(err)),
		Timestamp: g.now(),
	}
	if emitErr := g.out.Emit(connID, protocol.EventError, payload); emitErr != nil {
		g.logger.WithError(emitErr).Debug("Could not send error event")
	}
	return err
}

func (g *Gateway) videoError(connID string, err error) error {
	g.errLog.LogWarn(err, "Video request rejected", logrus.Fields{privacy.LogFieldConnID: privacy.MaskConnID(connID)})
	payload := protocol.VideoError{Error: apperrors.GetUserMessage(err), Timestamp: g.now()}
	if emitErr := g.out.Emit(connID, protocol.EventVideoError, payload); emitErr != nil {
		g.logger.WithError(emitErr).Debug("Could not send videoError")
	}
	return err
}

func (g *Gateway) now() int64 { return protocol.Millis(g.clock.Now()) }
