package delivery

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/queue"

	"github.com/stretchr/testify/mock"
)

// memRepo is an in-memory MessageRepository with the same guarded
// transition semantics as the database.
type memRepo struct {
	mu       sync.Mutex
	messages map[string]*models.Message
	now      func() time.Time
	err      error
}

func newMemRepo(now func() time.Time) *memRepo {
	return &memRepo{messages: make(map[string]*models.Message), now: now}
}

func clone(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Error != nil {
		e := *m.Error
		c.Error = &e
	}
	return &c
}

func (r *memRepo) UpsertOnInsert(ctx context.Context, msg *models.Message, nextSeq func() int64) (*models.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false, r.err
	}
	if existing, ok := r.messages[msg.MessageID]; ok {
		return clone(existing), false, nil
	}
	stored := clone(msg)
	stored.SequenceNumber = nextSeq()
	stored.CreatedAt = r.now()
	stored.UpdatedAt = stored.CreatedAt
	r.messages[msg.MessageID] = stored
	return clone(stored), true, nil
}

func (r *memRepo) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return clone(r.messages[messageID]), nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, messageID string, update models.StatusUpdate) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return nil, nil
	}
	r.apply(m, update)
	return clone(m), nil
}

func (r *memRepo) TransitionStatus(ctx context.Context, messageID string, from []models.MessageStatus, update models.StatusUpdate) (*models.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false, r.err
	}
	m, ok := r.messages[messageID]
	if !ok {
		return nil, false, nil
	}
	if !slices.Contains(from, m.Status) {
		return clone(m), false, nil
	}
	r.apply(m, update)
	return clone(m), true, nil
}

func (r *memRepo) apply(m *models.Message, u models.StatusUpdate) {
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.Attempts != nil {
		m.Attempts = *u.Attempts
	}
	if u.Delivered != nil {
		m.Delivered = *u.Delivered
	}
	if u.Acknowledged != nil {
		m.Acknowledged = *u.Acknowledged
	}
	if u.DeliveredAt != nil {
		t := *u.DeliveredAt
		m.DeliveredAt = &t
	}
	if u.LastAttemptAt != nil {
		t := *u.LastAttemptAt
		m.LastAttemptAt = &t
	}
	if u.ClearError {
		m.Error = nil
	}
	if u.Error != nil {
		e := *u.Error
		m.Error = &e
	}
	m.UpdatedAt = r.now()
}

func (r *memRepo) FindByStatus(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Message
	for _, m := range r.messages {
		if filter.Sender != "" && m.Sender != filter.Sender {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, clone(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (r *memRepo) FindByTimeRange(ctx context.Context, start, end time.Time, filter models.MessageFilter) ([]*models.Message, error) {
	all, _ := r.FindByStatus(ctx, filter)
	var out []*models.Message
	for _, m := range all {
		if !m.CreatedAt.Before(start) && m.CreatedAt.Before(end) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, status models.MessageStatus, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.messages {
		if int(n) >= limit {
			break
		}
		if m.Status == status && m.UpdatedAt.Before(cutoff) {
			delete(r.messages, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) MaxSequenceNumber(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max int64
	for _, m := range r.messages {
		if m.SequenceNumber > max {
			max = m.SequenceNumber
		}
	}
	return max, nil
}

func (r *memRepo) put(m *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[m.MessageID] = clone(m)
}

func (r *memRepo) get(id string) *models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.messages[id])
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, id string, payload queue.Payload, delay time.Duration, maxAttempts int) (*queue.Handle, error) {
	args := m.Called(ctx, id, payload, delay, maxAttempts)
	h, _ := args.Get(0).(*queue.Handle)
	return h, args.Error(1)
}

func (m *mockQueue) Remove(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type sent struct {
	ConnID  string
	Event   string
	Payload any
}

// recordingOut captures broadcasts (ConnID empty) and direct emits.
type recordingOut struct {
	mu     sync.Mutex
	events []sent
}

func (o *recordingOut) Broadcast(event string, payload any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, sent{Event: event, Payload: payload})
}

func (o *recordingOut) Emit(connID, event string, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, sent{ConnID: connID, Event: event, Payload: payload})
	return nil
}

func (o *recordingOut) named(event string) []sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []sent
	for _, s := range o.events {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

type fixedDrop bool

func (d fixedDrop) Drop() bool { return bool(d) }
