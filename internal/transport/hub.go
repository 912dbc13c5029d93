// Package transport serves the WebSocket endpoint. Every frame is a
// protocol.Envelope; the hub routes inbound events to a Handler and offers
// broadcast, targeted and ack-requesting sends to the rest of the server.
package transport

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/httputil"
	"chatrelay/internal/metrics"
	"chatrelay/internal/privacy"
	"chatrelay/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownConn  = errors.New("transport: unknown connection")
	ErrSlowConsumer = errors.New("transport: send buffer full")
	ErrHubClosed    = errors.New("transport: hub closed")
)

// Handler receives connection lifecycle callbacks and inbound events. Events
// of one connection are delivered sequentially on its read goroutine.
type Handler interface {
	OnConnect(ctx context.Context, connID string)
	// HandleEvent processes one inbound event. When the sender asked for an
	// acknowledgment the returned value becomes the ack payload.
	HandleEvent(ctx context.Context, connID string, env protocol.Envelope) any
	OnDisconnect(connID string)
}

type Options struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	AckTTL          time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
	NewID           func() string
	Logger          *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = time.Duration(constants.DefaultPingIntervalSec) * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = time.Duration(constants.DefaultPingTimeoutSec) * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.AckTTL <= 0 {
		o.AckTTL = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = constants.ConnSendBufferSize
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = constants.MaxMessageBytes
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Hub owns every live connection.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	mu      sync.RWMutex
	handler Handler
	conns   map[string]*Conn
	closed  bool
	wg      sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		opts:   opts,
		logger: opts.Logger,
		conns:  make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetHandler installs the event handler. It must be called before the hub
// serves its first connection.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origins := h.opts.AllowedOrigins
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(origins, origin)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed, handler := h.closed, h.handler
	h.mu.RUnlock()
	if closed || handler == nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if !httputil.IsWebSocketUpgrade(r) {
		http.Error(w, "expected WebSocket upgrade", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField(privacy.LogFieldRemoteIP, httputil.ClientIP(r)).Warn("WebSocket upgrade failed")
		return
	}

	c := newConn(h, h.opts.NewID(), ws)
	if !h.add(c) {
		c.close()
		return
	}

	h.logger.WithFields(logrus.Fields{
		privacy.LogFieldConnID:   privacy.MaskConnID(c.id),
		privacy.LogFieldRemoteIP: httputil.ClientIP(r),
	}).Info("Client connected")

	go c.writePump()
	handler.OnConnect(c.ctx, c.id)
	c.readPump(handler)

	h.remove(c)
	handler.OnDisconnect(c.id)
	h.logger.WithField(privacy.LogFieldConnID, privacy.MaskConnID(c.id)).Info("Client disconnected")
}

func (h *Hub) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	metrics.SetConnections(len(h.conns))
	return true
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	n := len(h.conns)
	h.mu.Unlock()

	c.close()
	metrics.SetConnections(n)
	h.wg.Done()
}

func (h *Hub) conn(connID string) (*Conn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return nil, ErrUnknownConn
	}
	return c, nil
}

// Peers returns the ids of all open connections, sorted.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Emit sends event to one connection.
func (h *Hub) Emit(connID, event string, payload any) error {
	c, err := h.conn(connID)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(env)
}

// Request sends event to one connection asking for acknowledgment. onAck
// runs on the connection's read goroutine when the ack arrives; it never
// runs if the ack is late by more than the ack TTL or the connection closes.
func (h *Hub) Request(connID, event string, payload any, onAck func()) error {
	c, err := h.conn(connID)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	id, err := c.corr.Register()
	if err != nil {
		return err
	}
	env.ID, env.Ack = id, true

	ctx, cancel := context.WithTimeout(c.ctx, h.opts.AckTTL)
	go func() {
		defer cancel()
		if _, err := c.corr.Await(ctx, id); err == nil && onAck != nil {
			onAck()
		}
	}()

	if err := c.enqueue(env); err != nil {
		cancel()
		return err
	}
	return nil
}

// Broadcast sends event to every connection. Slow connections are dropped.
func (h *Hub) Broadcast(event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField(privacy.LogFieldEvent, event).Error("Failed to encode broadcast")
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.enqueue(env); err != nil {
			h.logger.WithError(err).WithField(privacy.LogFieldConnID, privacy.MaskConnID(c.id)).
				Debug("Broadcast skipped connection")
		}
	}
}

// Close rejects new connections, closes the open ones and waits for their
// goroutines, or for ctx.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
