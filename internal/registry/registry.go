// Package registry tracks which user owns each live connection and the
// video/signaling state of that connection.
package registry

import (
	"sort"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/validation"
	"chatrelay/pkg/protocol"
)

// ConnectionState is the video negotiation state of a connection.
type ConnectionState string

const (
	StateInitiating  ConnectionState = "initiating"
	StateConnected   ConnectionState = "connected"
	StateNegotiating ConnectionState = "negotiating"
	StateActive      ConnectionState = "active"
	StateInactive    ConnectionState = "inactive"
)

// StateForSignal maps the kind of a relayed signal to the sender's state.
func StateForSignal(t protocol.SignalType) ConnectionState {
	switch t {
	case protocol.SignalOffer:
		return StateInitiating
	case protocol.SignalAnswer:
		return StateConnected
	default:
		return StateNegotiating
	}
}

// HistoryEntry records one camera toggle.
type HistoryEntry struct {
	Enabled   bool
	Timestamp time.Time
}

// VideoState is the registry's view of one connection's video session.
type VideoState struct {
	ConnID          string
	UserID          string
	VideoEnabled    bool
	LastSignalType  protocol.SignalType
	ConnectionState ConnectionState
	UpdatedAt       time.Time
	History         []HistoryEntry

	// ReconnectAttempts counts signal retransmissions since the last
	// camera toggle.
	ReconnectAttempts int
}

func (s *VideoState) clone() VideoState {
	c := *s
	c.History = append([]HistoryEntry(nil), s.History...)
	return c
}

// Participant converts the state to its wire form.
func (s VideoState) Participant() protocol.ParticipantVideo {
	return protocol.ParticipantVideo{
		UserID:          s.UserID,
		VideoEnabled:    s.VideoEnabled,
		ConnectionState: string(s.ConnectionState),
	}
}

// Registry is safe for concurrent use. Returned states are copies.
type Registry struct {
	clock        clock.Clock
	historyLimit int

	mu    sync.RWMutex
	users map[string]string
	video map[string]*VideoState
}

func New(c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real()
	}
	return &Registry{
		clock:        c,
		historyLimit: constants.MaxConnectionHistory,
		users:        make(map[string]string),
		video:        make(map[string]*VideoState),
	}
}

// Register binds connID to userID, replacing any earlier binding.
func (r *Registry) Register(connID, userID string) error {
	if connID == "" {
		return apperrors.NewInvalidInputError("connectionId", "connection id is required")
	}
	if err := validation.ValidateUserID("userId", userID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[connID] = userID
	if vs, ok := r.video[connID]; ok {
		vs.UserID = userID
	}
	return nil
}

// UserID returns the user registered on connID.
func (r *Registry) UserID(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.users[connID]
	return id, ok
}

// Connections returns the ids of all registered connections of userID.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for connID, uid := range r.users {
		if uid == userID {
			ids = append(ids, connID)
		}
	}
	sort.Strings(ids)
	return ids
}

// RecordSignal stores the last signal a connection sent and derives its
// connection state from it.
func (r *Registry) RecordSignal(connID string, t protocol.SignalType, videoEnabled bool) VideoState {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs := r.stateLocked(connID)
	vs.VideoEnabled = videoEnabled
	vs.LastSignalType = t
	vs.ConnectionState = StateForSignal(t)
	vs.UpdatedAt = r.clock.Now()
	return vs.clone()
}

// UpdateVideo records a camera toggle. The connection must be registered.
func (r *Registry) UpdateVideo(connID string, enabled bool) (VideoState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[connID]; !ok {
		return VideoState{}, apperrors.NewInvalidInputError("connectionId", "user not registered for video")
	}

	now := r.clock.Now()
	vs := r.stateLocked(connID)
	vs.VideoEnabled = enabled
	vs.ConnectionState = StateInactive
	if enabled {
		vs.ConnectionState = StateActive
	}
	vs.UpdatedAt = now
	vs.ReconnectAttempts = 0
	vs.History = append(vs.History, HistoryEntry{Enabled: enabled, Timestamp: now})
	if over := len(vs.History) - r.historyLimit; over > 0 {
		vs.History = append([]HistoryEntry(nil), vs.History[over:]...)
	}
	return vs.clone(), nil
}

// NoteRetransmit bumps the reconnect counter of connID and returns the new
// value. Unknown connections report 0.
func (r *Registry) NoteRetransmit(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs, ok := r.video[connID]
	if !ok {
		return 0
	}
	vs.ReconnectAttempts++
	return vs.ReconnectAttempts
}

func (r *Registry) stateLocked(connID string) *VideoState {
	vs, ok := r.video[connID]
	if !ok {
		vs = &VideoState{ConnID: connID, UserID: r.users[connID]}
		r.video[connID] = vs
	}
	return vs
}

// State returns the video state of connID.
func (r *Registry) State(connID string) (VideoState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vs, ok := r.video[connID]
	if !ok {
		return VideoState{}, false
	}
	return vs.clone(), true
}

// States returns every video state except the one of exclude, ordered by
// connection id.
func (r *Registry) States(exclude string) []VideoState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]VideoState, 0, len(r.video))
	for connID, vs := range r.video {
		if connID == exclude {
			continue
		}
		states = append(states, vs.clone())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ConnID < states[j].ConnID })
	return states
}

// Remove forgets connID and returns what was known about it.
func (r *Registry) Remove(connID string) (userID string, state *VideoState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID = r.users[connID]
	delete(r.users, connID)
	if vs, ok := r.video[connID]; ok {
		c := vs.clone()
		state = &c
		delete(r.video, connID)
	}
	return userID, state
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
