package gateway

import (
	"context"
	"sync"

	"chatrelay/pkg/protocol"

	"github.com/stretchr/testify/mock"
)

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) Submit(ctx context.Context, connID string, req protocol.SendMessage) error {
	return m.Called(ctx, connID, req).Error(0)
}

func (m *mockDeliverer) Acknowledge(ctx context.Context, ack protocol.MessageAck) error {
	return m.Called(ctx, ack).Error(0)
}

func (m *mockDeliverer) ResendPending(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type mockSignaler struct {
	mock.Mock
}

func (m *mockSignaler) Relay(ctx context.Context, fromConn string, sig protocol.VideoSignal) error {
	return m.Called(ctx, fromConn, sig).Error(0)
}

func (m *mockSignaler) UpdateVideoState(ctx context.Context, fromConn string, enabled bool) error {
	return m.Called(ctx, fromConn, enabled).Error(0)
}

func (m *mockSignaler) Disconnect(connID string) {
	m.Called(connID)
}

type emitted struct {
	ConnID  string
	Event   string
	Payload any
}

type recordingEmitter struct {
	mu   sync.Mutex
	sent []emitted
}

func (e *recordingEmitter) Emit(connID, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, emitted{ConnID: connID, Event: event, Payload: payload})
	return nil
}

func (e *recordingEmitter) named(event string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, s := range e.sent {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}
