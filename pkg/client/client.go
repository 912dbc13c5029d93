package client

import (
	"context"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus"
)

// Options configures a Client. OutboxPath selects a FileStore; when empty
// pending messages only live in memory.
type Options struct {
	URL        string
	UserID     string
	OutboxPath string

	RetryInterval     time.Duration
	MaxRetryAttempts  int
	MaxHistory        int
	ReconnectAttempts int
	ReconnectInterval time.Duration
	AckTimeout        time.Duration

	Clock  clock.Clock
	Logger *logrus.Logger

	OnMessage     func(protocol.ReceiveMessage)
	OnFailed      func(PendingEntry)
	OnVideoSignal func(protocol.VideoSignal)
	OnVideoState  func(protocol.VideoState)
	OnVideoError  func(protocol.VideoError)
	OnError       func(protocol.ErrorPayload)
	OnShutdown    func(protocol.ServerShutdown)
}

// Client joins an Outbox to a relay connection and dispatches server
// events.
type Client struct {
	opts   Options
	conn   *Conn
	out    Emitter
	outbox *Outbox
	clock  clock.Clock
	logger *logrus.Logger
}

func New(opts Options) (*Client, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	conn := NewConn(ConnOptions{
		URL:               opts.URL,
		ReconnectAttempts: opts.ReconnectAttempts,
		ReconnectInterval: opts.ReconnectInterval,
		AckTimeout:        opts.AckTimeout,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
	})

	c, err := newClient(conn, opts)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func newClient(out Emitter, opts Options) (*Client, error) {
	var store Store = &MemoryStore{}
	if opts.OutboxPath != "" {
		store = NewFileStore(opts.OutboxPath)
	}

	outbox, err := NewOutbox(out, OutboxOptions{
		UserID:           opts.UserID,
		RetryInterval:    opts.RetryInterval,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		MaxHistory:       opts.MaxHistory,
		Store:            store,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
		OnMessage:        opts.OnMessage,
		OnFailed:         opts.OnFailed,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		opts:   opts,
		out:    out,
		outbox: outbox,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Run connects and keeps the outbox sweeping until ctx ends or the
// connection gives up.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.outbox.Run(ctx)
	return c.conn.Run(ctx, c)
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Send(ctx context.Context, text string) (string, error) {
	return c.outbox.Send(ctx, text)
}

func (c *Client) Outbox() *Outbox { return c.outbox }

func (c *Client) OnConnect(ctx context.Context) error {
	return c.outbox.OnConnect(ctx)
}

// HandleEvent routes one server event. Decode failures are logged and the
// event is dropped.
func (c *Client) HandleEvent(ctx context.Context, env protocol.Envelope) any {
	var err error
	switch env.Event {
	case protocol.EventReceiveMessage:
		var msg protocol.ReceiveMessage
		if err = env.Decode(&msg); err == nil {
			c.outbox.HandleReceive(ctx, msg)
		}
	case protocol.EventMessageAck:
		var ack protocol.MessageAck
		if err = env.Decode(&ack); err == nil {
			c.outbox.HandleAck(ack)
		}
	case protocol.EventMessageStatus:
		var st protocol.MessageStatus
		if err = env.Decode(&st); err == nil {
			c.outbox.HandleStatus(st)
		}
	case protocol.EventVideoSignal:
		var sig protocol.VideoSignal
		if err = env.Decode(&sig); err == nil && c.opts.OnVideoSignal != nil {
			c.opts.OnVideoSignal(sig)
		}
	case protocol.EventVideoState:
		var vs protocol.VideoState
		if err = env.Decode(&vs); err == nil && c.opts.OnVideoState != nil {
			c.opts.OnVideoState(vs)
		}
	case protocol.EventVideoError:
		var ve protocol.VideoError
		if err = env.Decode(&ve); err == nil && c.opts.OnVideoError != nil {
			c.opts.OnVideoError(ve)
		}
	case protocol.EventError:
		var ep protocol.ErrorPayload
		if err = env.Decode(&ep); err == nil {
			c.logger.WithField("code", ep.Code).Warn("Relay rejected request: " + ep.Message)
			if c.opts.OnError != nil {
				c.opts.OnError(ep)
			}
		}
	case protocol.EventServerShutdown:
		var sd protocol.ServerShutdown
		_ = env.Decode(&sd)
		c.logger.Info("Relay is shutting down")
		if c.opts.OnShutdown != nil {
			c.opts.OnShutdown(sd)
		}
	default:
		c.logger.WithField("event", env.Event).Debug("Ignoring unknown event")
	}

	if err != nil {
		c.logger.WithError(err).WithField("event", env.Event).Warn("Dropping malformed event")
	}
	return nil
}
