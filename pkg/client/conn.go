package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/pkg/constants"
	"chatrelay/pkg/protocol"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Emit while the connection is down.
var ErrNotConnected = errors.New("not connected to relay")

// Handler receives connection lifecycle callbacks and inbound events.
// The value HandleEvent returns is sent back when the server asked for an
// acknowledgment.
type Handler interface {
	OnConnect(ctx context.Context) error
	HandleEvent(ctx context.Context, env protocol.Envelope) any
}

type ConnOptions struct {
	URL               string
	Header            http.Header
	ReconnectAttempts int
	ReconnectInterval time.Duration
	AckTimeout        time.Duration
	ReadLimit         int64
	Clock             clock.Clock
	Logger            *logrus.Logger
}

// Conn is a WebSocket connection to the relay that redials after drops.
type Conn struct {
	opts   ConnOptions
	logger *logrus.Logger

	mu   sync.Mutex
	ws   *websocket.Conn
	corr *protocol.Correlator
}

func NewConn(opts ConnOptions) *Conn {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = constants.DefaultReconnectAttempts
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Duration(constants.DefaultReconnectIntervalMs) * time.Millisecond
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = time.Duration(constants.DefaultAckTimeoutMs) * time.Millisecond
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Conn{opts: opts, logger: opts.Logger}
}

// Connected reports whether a socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Emit sends event without waiting for an acknowledgment.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	ws, _ := c.current()
	if ws == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, ws, env)
}

// Request sends event and waits up to AckTimeout for the server's
// acknowledgment.
func (c *Conn) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	ws, corr := c.current()
	if ws == nil {
		return nil, ErrNotConnected
	}

	id, err := corr.Register()
	if err != nil {
		return nil, err
	}
	env.ID = id
	env.Ack = true

	ctx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, env); err != nil {
		return nil, err
	}
	return corr.Await(ctx, id)
}

// Run dials the relay and serves events until ctx ends. After a drop it
// redials every ReconnectInterval and gives up after ReconnectAttempts
// consecutive failures.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	failures := 0
	for {
		err := c.dial(ctx)
		if err == nil {
			failures = 0
			if err := h.OnConnect(ctx); err != nil {
				c.logger.WithError(err).Warn("Connect handler failed")
			}
			err = c.serve(ctx, h)
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		if failures > c.opts.ReconnectAttempts {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", c.opts.ReconnectAttempts, err)
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":      failures,
			"max_attempts": c.opts.ReconnectAttempts,
		}).Warn("Connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-c.opts.Clock.After(c.opts.ReconnectInterval):
		}
	}
}

// Close shuts the current socket with a normal closure.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusNormalClosure, "client closing")
}

func (c *Conn) dial(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	c.mu.Lock()
	c.ws = ws
	c.corr = protocol.NewCorrelator()
	c.mu.Unlock()

	c.logger.WithField("url", c.opts.URL).Info("Connected to relay")
	return nil
}

func (c *Conn) serve(ctx context.Context, h Handler) error {
	ws, corr := c.current()
	defer func() {
		corr.Close()
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		_ = ws.CloseNow()
	}()

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			return err
		}

		if env.Event == protocol.EventAck {
			corr.Resolve(env.ID, env.Data)
			continue
		}

		reply := h.HandleEvent(ctx, env)
		if env.Ack && env.ID != 0 {
			ack, err := protocol.AckFor(env.ID, reply)
			if err == nil {
				err = wsjson.Write(ctx, ws, ack)
			}
			if err != nil {
				c.logger.WithError(err).WithField("event", env.Event).Debug("Could not acknowledge event")
			}
		}
	}
}

func (c *Conn) current() (*websocket.Conn, *protocol.Correlator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws, c.corr
}
