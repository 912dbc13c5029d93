package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/clock"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/registry"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	gw       *Gateway
	delivery *mockDeliverer
	signals  *mockSignaler
	reg      *registry.Registry
	out      *recordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(epoch)
	logger, _ := test.NewNullLogger()
	f := &fixture{
		delivery: &mockDeliverer{},
		signals:  &mockSignaler{},
		reg:      registry.New(fake),
		out:      &recordingEmitter{},
	}
	f.gw = New(f.delivery, f.signals, f.reg, f.out, fake, logger)
	return f
}

func envelope(t *testing.T, event string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

func TestRegister_SendsStatesThenResendsPending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("c0", "bob"))
	_, err := f.reg.UpdateVideo("c0", true)
	require.NoError(t, err)
	f.delivery.On("ResendPending", mock.Anything, "alice").Return(2, nil).Once()

	reply := f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventRegisterUser, protocol.RegisterUser{UserID: "alice"}))

	assert.Equal(t, Reply{OK: true}, reply)
	uid, ok := f.reg.UserID("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", uid)

	states := f.out.named(protocol.EventVideoState)
	require.Len(t, states, 1)
	assert.Equal(t, "c1", states[0].ConnID)
	snapshot := states[0].Payload.(protocol.VideoState)
	assert.Equal(t, []protocol.ParticipantVideo{{UserID: "bob", VideoEnabled: true, ConnectionState: "active"}}, snapshot.States)
	f.delivery.AssertExpectations(t)
}

func TestRegister_NoStatesNoSnapshot(t *testing.T) {
	f := newFixture(t)
	f.delivery.On("ResendPending", mock.Anything, "alice").Return(0, nil)

	f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventRegisterUser, protocol.RegisterUser{UserID: "alice"}))
	assert.Empty(t, f.out.named(protocol.EventVideoState))
}

func TestRegister_MissingUserID(t *testing.T) {
	f := newFixture(t)

	reply := f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventRegisterUser, protocol.RegisterUser{}))

	assert.False(t, reply.(Reply).OK)
	require.Len(t, f.out.named(protocol.EventError), 1)
	f.delivery.AssertNotCalled(t, "ResendPending", mock.Anything, mock.Anything)
}

func TestSendMessage_Forwarded(t *testing.T) {
	f := newFixture(t)
	req := protocol.SendMessage{MessageID: "m1", Sender: "alice", Text: "hi"}
	f.delivery.On("Submit", mock.Anything, "c1", req).Return(nil).Once()

	reply := f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventSendMessage, req))

	assert.Equal(t, Reply{OK: true}, reply)
	assert.Empty(t, f.out.sent)
	f.delivery.AssertExpectations(t)
}

func TestSendMessage_InvalidInputGetsFailedAckAndError(t *testing.T) {
	f := newFixture(t)
	req := protocol.SendMessage{MessageID: "m1", Sender: "alice"}
	f.delivery.On("Submit", mock.Anything, "c1", req).Return(apperrors.NewInvalidInputError("text", "text is required"))

	f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventSendMessage, req))

	acks := f.out.named(protocol.EventMessageAck)
	require.Len(t, acks, 1)
	ack := acks[0].Payload.(protocol.MessageAck)
	assert.Equal(t, "m1", ack.MessageID)
	assert.Equal(t, protocol.StatusFailed, ack.Status)
	assert.Equal(t, "Invalid text: text is required", ack.Error)

	errs := f.out.named(protocol.EventError)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(protocol.ErrorPayload)
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), payload.Code)
	assert.Equal(t, epoch.UnixMilli(), payload.Timestamp)
}

func TestSendMessage_RetryableFailureKeepsMessageWithClient(t *testing.T) {
	f := newFixture(t)
	req := protocol.SendMessage{MessageID: "m1", Sender: "alice", Text: "hi"}
	f.delivery.On("Submit", mock.Anything, "c1", req).
		Return(apperrors.NewInfrastructureError("queue", errors.New("redis down")))

	reply := f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventSendMessage, req))

	assert.False(t, reply.(Reply).OK)
	assert.Empty(t, f.out.named(protocol.EventMessageAck), "a failed ack would stop client retries")
	errs := f.out.named(protocol.EventError)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(protocol.ErrorPayload)
	assert.Equal(t, string(apperrors.ErrCodeInfrastructureUnavailable), payload.Code)
	assert.Equal(t, "Service temporarily unavailable", payload.Message)
}

func TestSendMessage_UndecodablePayload(t *testing.T) {
	f := newFixture(t)
	env := protocol.Envelope{Event: protocol.EventSendMessage, Data: json.RawMessage(`"nope"`)}

	f.gw.HandleEvent(context.Background(), "c1", env)

	assert.Empty(t, f.out.named(protocol.EventMessageAck), "no id to ack")
	assert.Len(t, f.out.named(protocol.EventError), 1)
	f.delivery.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestMessageAck_NotFoundIsOnlyLogged(t *testing.T) {
	f := newFixture(t)
	ack := protocol.MessageAck{MessageID: "ghost", Status: "delivered"}
	f.delivery.On("Acknowledge", mock.Anything, ack).Return(apperrors.NewNotFoundError("message", "ghost"))

	reply := f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventMessageAck, ack))

	assert.False(t, reply.(Reply).OK)
	assert.Empty(t, f.out.sent)
}

func TestMessageAck_InfrastructureErrorReported(t *testing.T) {
	f := newFixture(t)
	ack := protocol.MessageAck{MessageID: "m1"}
	f.delivery.On("Acknowledge", mock.Anything, ack).Return(apperrors.NewInfrastructureError("repository", errors.New("locked")))

	f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventMessageAck, ack))

	errs := f.out.named(protocol.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Service temporarily unavailable", errs[0].Payload.(protocol.ErrorPayload).Message)
}

func TestVideoSignal_ErrorBecomesVideoError(t *testing.T) {
	f := newFixture(t)
	sig := protocol.VideoSignal{Type: protocol.SignalOffer}
	f.signals.On("Relay", mock.Anything, "c1", mock.Anything).Return(apperrors.NewInvalidInputError("signal", "Invalid signal data"))

	f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventVideoSignal, sig))

	errs := f.out.named(protocol.EventVideoError)
	require.Len(t, errs, 1)
	assert.Equal(t, "c1", errs[0].ConnID)
	assert.Contains(t, errs[0].Payload.(protocol.VideoError).Error, "Invalid signal data")
}

func TestVideoSignal_Relayed(t *testing.T) {
	f := newFixture(t)
	sig := protocol.VideoSignal{Type: protocol.SignalAnswer, Signal: json.RawMessage(`{"sdp":"x"}`)}
	f.signals.On("Relay", mock.Anything, "c1", mock.MatchedBy(func(s protocol.VideoSignal) bool {
		return s.Type == protocol.SignalAnswer && string(s.Signal) == `{"sdp":"x"}`
	})).Return(nil).Once()

	assert.Equal(t, Reply{OK: true}, f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventVideoSignal, sig)))
	f.signals.AssertExpectations(t)
}

func TestVideoState_Toggle(t *testing.T) {
	f := newFixture(t)
	f.signals.On("UpdateVideoState", mock.Anything, "c1", true).Return(nil).Once()
	f.signals.On("UpdateVideoState", mock.Anything, "c2", false).Return(apperrors.NewInvalidInputError("connectionId", "user not registered for video"))

	f.gw.HandleEvent(context.Background(), "c1", envelope(t, protocol.EventVideoState, protocol.VideoState{VideoEnabled: true}))
	f.gw.HandleEvent(context.Background(), "c2", envelope(t, protocol.EventVideoState, protocol.VideoState{VideoEnabled: false}))

	errs := f.out.named(protocol.EventVideoError)
	require.Len(t, errs, 1)
	assert.Equal(t, "c2", errs[0].ConnID)
	f.signals.AssertExpectations(t)
}

func TestDisconnectAndUnknownEvent(t *testing.T) {
	f := newFixture(t)
	f.signals.On("Disconnect", "c1").Once()

	f.gw.OnConnect(context.Background(), "c1")
	reply := f.gw.HandleEvent(context.Background(), "c1", protocol.Envelope{Event: "typing"})
	f.gw.OnDisconnect("c1")

	assert.Equal(t, Reply{Error: "unknown event"}, reply)
	f.signals.AssertExpectations(t)
}
