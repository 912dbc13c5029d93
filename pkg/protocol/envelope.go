package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Envelope frames every event on the socket. A sender that wants an
// application-level acknowledgment sets Ack and a correlation ID; the
// receiver answers with an EventAck envelope carrying the same ID.
type Envelope struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Ack   bool            `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload under event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("encode %s: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

// AckFor builds the reply to an envelope that requested acknowledgment.
func AckFor(id uint64, reply any) (Envelope, error) {
	env, err := NewEnvelope(EventAck, reply)
	env.ID = id
	return env, err
}

// ErrCorrelatorClosed is returned to waiters when the connection goes away.
var ErrCorrelatorClosed = errors.New("connection closed before acknowledgment")

// Correlator hands out correlation IDs and matches incoming acks to the
// requests waiting on them.
type Correlator struct {
	mu      sync.Mutex
	next    uint64
	waiting map[uint64]chan json.RawMessage
	closed  bool
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{waiting: make(map[uint64]chan json.RawMessage)}
}

// Register reserves a correlation ID.
func (c *Correlator) Register() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrCorrelatorClosed
	}
	c.next++
	c.waiting[c.next] = make(chan json.RawMessage, 1)
	return c.next, nil
}

// Await blocks until the ack for id arrives, ctx ends or the correlator is
// closed. The ID is released in every case.
func (c *Correlator) Await(ctx context.Context, id uint64) (json.RawMessage, error) {
	c.mu.Lock()
	ch, ok := c.waiting[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown correlation id %d", id)
	}
	defer c.release(id)

	select {
	case data, open := <-ch:
		if !open {
			return nil, ErrCorrelatorClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers an ack. It reports false for unknown or expired IDs.
func (c *Correlator) Resolve(id uint64, data json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiting[id]
	if !ok || c.closed {
		return false
	}
	select {
	case ch <- data:
	default:
	}
	return true
}

// Close fails every pending wait and rejects new registrations.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.waiting {
		close(ch)
	}
}

// Pending returns the number of outstanding waits.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}

func (c *Correlator) release(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiting, id)
}
