// Package signaling forwards WebRTC handshake payloads and camera state
// between connections, retransmitting anything the receiver does not
// acknowledge in time.
package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/privacy"
	"chatrelay/internal/registry"
	"chatrelay/internal/retry"
	"chatrelay/internal/tracing"
	"chatrelay/internal/validation"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus"
)

// Transport is the part of the connection hub the relay needs.
type Transport interface {
	// Peers lists every open connection.
	Peers() []string
	Emit(connID, event string, payload any) error
	// Request sends an event that asks for acknowledgment. onAck runs when
	// the receiver acknowledges it.
	Request(connID, event string, payload any, onAck func()) error
}

type Options struct {
	Interval time.Duration
	Attempts int
	Resolver TargetResolver
	Clock    clock.Clock
	Logger   *logrus.Logger
}

// OptionsFromConfig maps the signaling config section to relay options.
func OptionsFromConfig(cfg models.SignalingConfig) Options {
	return Options{
		Interval: time.Duration(cfg.ReconnectIntervalMs) * time.Millisecond,
		Attempts: cfg.ReconnectAttempts,
	}
}

// flight is one forwarded event waiting for its ack.
type flight struct {
	id      uint64
	from    string
	to      string
	event   string
	build   func(retry int) any
	guard   func() bool
	retries int
	timer   *clock.Timer
}

// Relay is safe for concurrent use.
type Relay struct {
	reg      *registry.Registry
	out      Transport
	resolver TargetResolver
	clock    clock.Clock
	policy   retry.Policy
	attempts int
	logger   *logrus.Logger
	errLog   *apperrors.Logger

	mu      sync.Mutex
	nextID  uint64
	flights map[uint64]*flight
	closed  bool
}

func NewRelay(reg *registry.Registry, out Transport, opts Options) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = time.Duration(constants.DefaultReconnectIntervalMs) * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = constants.DefaultReconnectAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Resolver == nil {
		opts.Resolver = HeuristicResolver{Registry: reg, Peers: out.Peers}
	}
	return &Relay{
		reg:      reg,
		out:      out,
		resolver: opts.Resolver,
		clock:    opts.Clock,
		policy:   retry.Fixed(opts.Interval),
		attempts: opts.Attempts,
		logger:   opts.Logger,
		errLog:   apperrors.WrapLogger(opts.Logger),
		flights:  make(map[uint64]*flight),
	}
}

// Relay forwards a videoSignal from fromConn to the connections chosen by
// the resolver.
func (r *Relay) Relay(ctx context.Context, fromConn string, sig protocol.VideoSignal) error {
	ctx, span := tracing.StartSpan(ctx, "signaling.relay",
		tracing.AttrConnID.String(fromConn),
		tracing.AttrSignalType.String(string(sig.Type)),
	)
	defer span.End()

	if err := validation.ValidateSignal(sig); err != nil {
		return err
	}

	userID, _ := r.reg.UserID(fromConn)
	r.reg.RecordSignal(fromConn, sig.Type, sig.VideoEnabled)

	ts := protocol.Millis(r.clock.Now())
	build := func(retry int) any {
		return protocol.VideoSignal{
			Signal:       sig.Signal,
			From:         fromConn,
			FromUser:     userID,
			VideoEnabled: sig.VideoEnabled,
			Type:         sig.Type,
			Timestamp:    ts,
			Retry:        retry,
		}
	}

	targets := r.resolver.Targets(fromConn, sig.Type)
	for _, to := range targets {
		r.start(&flight{from: fromConn, to: to, event: protocol.EventVideoSignal, build: build})
	}
	metrics.RecordSignal(string(sig.Type), len(targets))

	privacy.Entry(ctx, r.logger, logrus.Fields{
		privacy.LogFieldConnID:     fromConn,
		privacy.LogFieldSignalType: sig.Type,
		privacy.LogFieldCount:      len(targets),
	}).Debug("Relayed video signal")
	return nil
}

// UpdateVideoState records a camera toggle and announces it to every other
// connection. Announcements are retransmitted only while the camera stays on.
func (r *Relay) UpdateVideoState(ctx context.Context, fromConn string, enabled bool) error {
	vs, err := r.reg.UpdateVideo(fromConn, enabled)
	if err != nil {
		return err
	}
	r.cancel(func(f *flight) bool { return f.from == fromConn && f.event == protocol.EventVideoState })

	now := protocol.Millis(r.clock.Now())
	build := func(retry int) any {
		return protocol.VideoState{
			UserID:          vs.UserID,
			VideoEnabled:    enabled,
			Timestamp:       now,
			ConnectionState: string(vs.ConnectionState),
			ConnectionID:    fmt.Sprintf("%s-%d", fromConn, now),
			Retry:           retry,
		}
	}
	guard := func() bool {
		cur, ok := r.reg.State(fromConn)
		return ok && cur.VideoEnabled
	}

	peers := r.others(fromConn)
	for _, to := range peers {
		r.start(&flight{from: fromConn, to: to, event: protocol.EventVideoState, build: build, guard: guard})
	}

	privacy.Entry(ctx, r.logger, logrus.Fields{
		privacy.LogFieldConnID: fromConn,
		privacy.LogFieldUserID: vs.UserID,
		"video_enabled":        enabled,
		privacy.LogFieldCount:  len(peers),
	}).Info("Video state updated")
	return nil
}

// Disconnect forgets connID, stops every retransmission from or to it and
// tells the others its video is gone.
func (r *Relay) Disconnect(connID string) {
	userID, state := r.reg.Remove(connID)
	r.cancel(func(f *flight) bool { return f.from == connID || f.to == connID })

	if state == nil || !state.VideoEnabled {
		return
	}
	payload := protocol.VideoState{
		UserID:       userID,
		VideoEnabled: false,
		Disconnected: true,
		Reason:       protocol.ReasonUserDisconnected,
		Timestamp:    protocol.Millis(r.clock.Now()),
	}
	for _, to := range r.others(connID) {
		if err := r.out.Emit(to, protocol.EventVideoState, payload); err != nil {
			r.logger.WithError(err).WithField(privacy.LogFieldConnID, privacy.MaskConnID(to)).
				Debug("Could not announce disconnect")
		}
	}
}

// Close stops all retransmissions. Later calls to Relay and
// UpdateVideoState send once without retrying.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel(func(*flight) bool { return true })
}

// InFlight returns how many forwarded events still wait for an ack.
func (r *Relay) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flights)
}

func (r *Relay) others(connID string) []string {
	var out []string
	for _, id := range r.out.Peers() {
		if id != connID {
			out = append(out, id)
		}
	}
	return out
}

func (r *Relay) start(f *flight) {
	r.mu.Lock()
	r.nextID++
	f.id = r.nextID
	track := !r.closed
	if track {
		r.flights[f.id] = f
	}
	r.mu.Unlock()

	r.transmit(f, 0, track)
}

func (r *Relay) transmit(f *flight, retry int, track bool) {
	err := r.out.Request(f.to, f.event, f.build(retry), func() { r.acked(f.id) })
	if err != nil {
		r.drop(f.id)
		r.logger.WithError(err).WithFields(logrus.Fields{
			privacy.LogFieldConnID: privacy.MaskConnID(f.to),
			privacy.LogFieldEvent:  f.event,
		}).Debug("Could not forward event")
		return
	}
	if !track {
		return
	}

	t := r.clock.AfterFunc(r.policy.Delay(retry), func() { r.expire(f.id) })
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flights[f.id]; ok {
		f.timer = t
	} else {
		t.Stop()
	}
}

func (r *Relay) acked(id uint64) {
	r.mu.Lock()
	f, ok := r.flights[id]
	if ok {
		delete(r.flights, id)
		if f.timer != nil {
			f.timer.Stop()
		}
	}
	r.mu.Unlock()
}

// expire runs when a forwarded event was not acknowledged in time.
func (r *Relay) expire(id uint64) {
	r.mu.Lock()
	f, ok := r.flights[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if f.guard != nil && !f.guard() {
		delete(r.flights, id)
		r.mu.Unlock()
		return
	}
	if f.retries >= r.attempts {
		delete(r.flights, id)
		r.mu.Unlock()
		r.giveUp(f)
		return
	}
	f.retries++
	retry := f.retries
	r.mu.Unlock()

	r.reg.NoteRetransmit(f.from)
	metrics.RecordSignalRetransmit(f.event)
	r.logger.WithFields(logrus.Fields{
		privacy.LogFieldConnID: privacy.MaskConnID(f.to),
		privacy.LogFieldEvent:  f.event,
		privacy.LogFieldRetry:  retry,
	}).Debug("Retransmitting unacknowledged event")
	r.transmit(f, retry, true)
}

func (r *Relay) giveUp(f *flight) {
	metrics.RecordSignalFailure(f.event)
	r.errLog.LogWarn(apperrors.NewMaxAttemptsError(f.event, r.attempts), "Event never acknowledged", logrus.Fields{
		privacy.LogFieldConnID: privacy.MaskConnID(f.to),
		privacy.LogFieldEvent:  f.event,
	})

	payload := protocol.VideoError{
		Error:     "Failed to establish video connection after multiple attempts",
		Timestamp: protocol.Millis(r.clock.Now()),
	}
	if err := r.out.Emit(f.from, protocol.EventVideoError, payload); err != nil {
		r.logger.WithError(err).Debug("Origin gone before videoError could be sent")
	}
}

func (r *Relay) drop(id uint64) {
	r.mu.Lock()
	delete(r.flights, id)
	r.mu.Unlock()
}

func (r *Relay) cancel(match func(*flight) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, f := range r.flights {
		if match(f) {
			if f.timer != nil {
				f.timer.Stop()
			}
			delete(r.flights, id)
		}
	}
}
