package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatrelay/internal/privacy"
	"chatrelay/pkg/protocol"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Conn is one WebSocket client. Reads happen on the goroutine running
// ServeHTTP, writes on writePump.
type Conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	corr *protocol.Correlator

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	sendMu    sync.Mutex
	done      bool
}

func newConn(h *Hub, id string, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = privacy.WithVerbose(ctx, h.logger.IsLevelEnabled(logrus.TraceLevel))
	return &Conn{
		id:     id,
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.opts.SendBuffer),
		corr:   protocol.NewCorrelator(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) enqueue(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.done {
		return ErrUnknownConn
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.hub.logger.WithField(privacy.LogFieldConnID, privacy.MaskConnID(c.id)).
			Warn("Send buffer full, closing connection")
		go c.shutdown()
		return ErrSlowConsumer
	}
}

func (c *Conn) readPump(h Handler) {
	opts := c.hub.opts
	c.ws.SetReadLimit(opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField(privacy.LogFieldConnID, privacy.MaskConnID(c.id)).
					Warn("WebSocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.hub.logger.WithField(privacy.LogFieldConnID, privacy.MaskConnID(c.id)).
				Debug("Ignoring malformed frame")
			continue
		}

		if env.Event == protocol.EventAck {
			c.corr.Resolve(env.ID, env.Data)
			continue
		}

		reply := h.HandleEvent(c.ctx, c.id, env)
		if env.Ack && env.ID != 0 {
			ack, err := protocol.AckFor(env.ID, reply)
			if err == nil {
				err = c.enqueue(ack)
			}
			if err != nil {
				c.hub.logger.WithError(err).Debug("Could not acknowledge event")
			}
		}
	}
}

func (c *Conn) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.flush(opts.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteTimeout))
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Conn) flush(timeout time.Duration) {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// shutdown asks the write pump to send a close frame; the read pump then
// sees the peer's close and ServeHTTP cleans up.
func (c *Conn) shutdown() {
	c.cancel()
	time.AfterFunc(c.hub.opts.WriteTimeout, func() { _ = c.ws.Close() })
}

// close releases everything once the read pump has stopped.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.done = true
		c.sendMu.Unlock()
		c.cancel()
		c.corr.Close()
		_ = c.ws.Close()
	})
}
