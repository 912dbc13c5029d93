package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []sent
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, sent{event: event, payload: payload})
	return nil
}

func (r *recordingEmitter) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.events...)
}

func (r *recordingEmitter) of(event string) []sent {
	var out []sent
	for _, s := range r.all() {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id%d", n)
	}
}

type outboxFixture struct {
	outbox *Outbox
	out    *recordingEmitter
	store  *MemoryStore
	clock  *clock.Fake
	failed []PendingEntry
	seen   []protocol.ReceiveMessage
}

func newOutboxFixture(t *testing.T, mutate ...func(*OutboxOptions)) *outboxFixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f := &outboxFixture{out: &recordingEmitter{}, store: &MemoryStore{}, clock: clock.NewFake(epoch)}
	opts := OutboxOptions{
		UserID:    "u1",
		Store:     f.store,
		Clock:     f.clock,
		Logger:    logger,
		NewID:     sequentialIDs(),
		OnFailed:  func(e PendingEntry) { f.failed = append(f.failed, e) },
		OnMessage: func(m protocol.ReceiveMessage) { f.seen = append(f.seen, m) },
	}
	for _, m := range mutate {
		m(&opts)
	}
	o, err := NewOutbox(f.out, opts)
	require.NoError(t, err)
	f.outbox = o
	return f
}

func received(id string, seq int64, attempt int) protocol.ReceiveMessage {
	return protocol.ReceiveMessage{
		MessageID:       id,
		Text:            "hello " + id,
		Sender:          "u2",
		SequenceNumber:  seq,
		Status:          protocol.StatusSending,
		Attempts:        attempt,
		RequiresAck:     true,
		DeduplicationID: fmt.Sprintf("%s-%d", id, attempt),
	}
}

func TestNewOutbox_RequiresUser(t *testing.T) {
	_, err := NewOutbox(&recordingEmitter{}, OutboxOptions{})
	assert.Error(t, err)
}

func TestSend_PersistsAndEmitsInBackground(t *testing.T) {
	f := newOutboxFixture(t)

	id, err := f.outbox.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "u1-id1", id)

	snap, err := f.store.Load()
	require.NoError(t, err)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, protocol.StatusPending, snap.Pending[0].Status)
	assert.Equal(t, 0, snap.Pending[0].Attempts)

	require.Eventually(t, func() bool { return len(f.out.of(protocol.EventSendMessage)) == 1 }, time.Second, time.Millisecond)
	msg := f.out.of(protocol.EventSendMessage)[0].payload.(protocol.SendMessage)
	assert.Equal(t, protocol.SendMessage{
		Text:      "hi",
		Sender:    "u1",
		MessageID: "u1-id1",
		Timestamp: protocol.Millis(epoch),
	}, msg)
}

func TestSend_RejectsEmptyText(t *testing.T) {
	f := newOutboxFixture(t)

	_, err := f.outbox.Send(context.Background(), "   ")

	assert.Error(t, err)
	assert.Empty(t, f.outbox.Pending())
}

func TestSend_KeepsEntryWhenOffline(t *testing.T) {
	f := newOutboxFixture(t)
	f.out.err = ErrNotConnected

	_, err := f.outbox.Send(context.Background(), "hi")

	require.NoError(t, err)
	assert.Len(t, f.outbox.Pending(), 1)
}

func TestSweep_ResendsUntilCapThenFails(t *testing.T) {
	f := newOutboxFixture(t, func(o *OutboxOptions) { o.MaxRetryAttempts = 2 })
	id, err := f.outbox.Send(context.Background(), "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.out.all()) == 1 }, time.Second, time.Millisecond)

	res := f.outbox.Sweep(context.Background())
	assert.Equal(t, SweepResult{Resent: 1}, res)
	res = f.outbox.Sweep(context.Background())
	assert.Equal(t, SweepResult{Resent: 1}, res)

	pending := f.outbox.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, protocol.StatusRetrying, pending[0].Status)

	resends := f.out.of(protocol.EventSendMessage)
	require.Len(t, resends, 3)
	assert.True(t, resends[2].payload.(protocol.SendMessage).IsRetry)

	res = f.outbox.Sweep(context.Background())
	assert.Equal(t, SweepResult{Failed: 1}, res)
	assert.Empty(t, f.outbox.Pending())
	require.Len(t, f.failed, 1)
	assert.Equal(t, id, f.failed[0].MessageID)
	assert.Equal(t, protocol.StatusFailed, f.failed[0].Status)

	snap, _ := f.store.Load()
	assert.Empty(t, snap.Pending)
}

func TestRun_SweepsOnInterval(t *testing.T) {
	f := newOutboxFixture(t, func(o *OutboxOptions) { o.RetryInterval = time.Second })
	_, err := f.outbox.Send(context.Background(), "hi")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.outbox.Run(ctx)
	f.clock.WaitForTimers(1)

	f.clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		p := f.outbox.Pending()
		return len(p) == 1 && p[0].Attempts == 1
	}, time.Second, time.Millisecond)
}

func TestHandleReceive_DedupsAndAcks(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := context.Background()

	assert.True(t, f.outbox.HandleReceive(ctx, received("m1", 1, 1)))
	assert.False(t, f.outbox.HandleReceive(ctx, received("m1", 1, 1)), "same delivery twice")

	redelivery := received("m1", 1, 2)
	redelivery.IsRetry = true
	assert.True(t, f.outbox.HandleReceive(ctx, redelivery))

	history := f.outbox.History()
	require.Len(t, history, 1, "one rendered message per id")
	assert.Equal(t, "m1-2", history[0].DeduplicationID)

	acks := f.out.of(protocol.EventMessageAck)
	require.Len(t, acks, 2)
	assert.Equal(t, protocol.MessageAck{MessageID: "m1", Status: protocol.StatusDelivered}, acks[0].payload)
	assert.Len(t, f.seen, 2)
}

func TestHandleReceive_LateRedeliveryKeepsSettledStatus(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := context.Background()

	require.True(t, f.outbox.HandleReceive(ctx, received("m1", 1, 1)))
	f.outbox.HandleAck(protocol.MessageAck{MessageID: "m1", Status: protocol.StatusDelivered, SequenceNumber: 1})
	require.Equal(t, protocol.StatusDelivered, f.outbox.History()[0].Status)

	late := received("m1", 1, 2)
	late.IsRetry = true
	require.True(t, f.outbox.HandleReceive(ctx, late))

	history := f.outbox.History()
	require.Len(t, history, 1)
	assert.Equal(t, protocol.StatusDelivered, history[0].Status)
	assert.True(t, history[0].Delivered)
	assert.True(t, history[0].Acknowledged)
	assert.Equal(t, "m1-2", history[0].DeduplicationID)
}

func TestHandleReceive_NoAckWhenNotRequested(t *testing.T) {
	f := newOutboxFixture(t)
	msg := received("m1", 1, 1)
	msg.RequiresAck = false

	f.outbox.HandleReceive(context.Background(), msg)

	assert.Empty(t, f.out.of(protocol.EventMessageAck))
}

func TestHandleReceive_HistoryOrderedAndBounded(t *testing.T) {
	f := newOutboxFixture(t, func(o *OutboxOptions) { o.MaxHistory = 3 })
	ctx := context.Background()

	for _, seq := range []int64{5, 2, 4, 1, 3} {
		f.outbox.HandleReceive(ctx, received(fmt.Sprintf("m%d", seq), seq, 1))
	}

	history := f.outbox.History()
	require.Len(t, history, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{history[0].SequenceNumber, history[1].SequenceNumber, history[2].SequenceNumber})
}

func TestHandleAck_SettlesPending(t *testing.T) {
	f := newOutboxFixture(t)
	id, err := f.outbox.Send(context.Background(), "hi")
	require.NoError(t, err)

	f.outbox.HandleAck(protocol.MessageAck{MessageID: id, Status: protocol.StatusSending})
	require.Len(t, f.outbox.Pending(), 1)
	assert.Equal(t, protocol.StatusSending, f.outbox.Pending()[0].Status)

	f.outbox.HandleAck(protocol.MessageAck{MessageID: id, SequenceNumber: 7})
	assert.Empty(t, f.outbox.Pending(), "empty status means delivered")
	assert.Empty(t, f.failed)
}

func TestHandleAck_UpdatesHistory(t *testing.T) {
	f := newOutboxFixture(t)
	f.outbox.HandleReceive(context.Background(), received("m1", 3, 1))

	f.outbox.HandleAck(protocol.MessageAck{MessageID: "m1", Status: protocol.StatusDelivered, SequenceNumber: 3})

	history := f.outbox.History()
	require.Len(t, history, 1)
	assert.Equal(t, protocol.StatusDelivered, history[0].Status)
	assert.True(t, history[0].Delivered)
	assert.True(t, history[0].Acknowledged)
}

func TestHandleStatus_FailedGivesUp(t *testing.T) {
	f := newOutboxFixture(t)
	id, err := f.outbox.Send(context.Background(), "hi")
	require.NoError(t, err)

	f.outbox.HandleStatus(protocol.MessageStatus{MessageID: id, Status: protocol.StatusFailed})

	assert.Empty(t, f.outbox.Pending())
	require.Len(t, f.failed, 1)
	assert.Equal(t, id, f.failed[0].MessageID)
}

func TestHandleAck_UnknownIsIgnored(t *testing.T) {
	f := newOutboxFixture(t)

	f.outbox.HandleAck(protocol.MessageAck{MessageID: "nope"})

	assert.Empty(t, f.seen)
	assert.Empty(t, f.failed)
}

func TestOnConnect_RegistersThenResends(t *testing.T) {
	store := &MemoryStore{}
	require.NoError(t, store.Save(Snapshot{Pending: []PendingEntry{
		{MessageID: "u1-b", Text: "second", Sender: "u1", Status: protocol.StatusPending, Timestamp: epoch.Add(time.Millisecond)},
		{MessageID: "u1-a", Text: "first", Sender: "u1", Status: protocol.StatusRetrying, Attempts: 1, Timestamp: epoch},
	}}))
	f := newOutboxFixture(t, func(o *OutboxOptions) { o.Store = store })

	require.NoError(t, f.outbox.OnConnect(context.Background()))

	events := f.out.all()
	require.Len(t, events, 3)
	assert.Equal(t, protocol.EventRegisterUser, events[0].event)
	assert.Equal(t, protocol.RegisterUser{UserID: "u1", Timestamp: protocol.Millis(epoch)}, events[0].payload)

	first := events[1].payload.(protocol.SendMessage)
	second := events[2].payload.(protocol.SendMessage)
	assert.Equal(t, "first", first.Text)
	assert.Equal(t, "second", second.Text)
	assert.True(t, first.IsRetry)
	assert.Equal(t, 1, f.outbox.Pending()[0].Attempts, "reconnect resends do not count as attempts")
}

func TestOnConnect_FailsWhenOffline(t *testing.T) {
	f := newOutboxFixture(t)
	f.out.err = ErrNotConnected

	assert.ErrorIs(t, f.outbox.OnConnect(context.Background()), ErrNotConnected)
}

func TestNewOutbox_RestoresPending(t *testing.T) {
	store := &MemoryStore{}
	require.NoError(t, store.Save(Snapshot{Pending: []PendingEntry{
		{MessageID: "u1-a", Text: "a", Sender: "u1", Status: protocol.StatusRetrying, Attempts: 1, Timestamp: epoch},
		{MessageID: "u1-b", Text: "b", Sender: "u1", Status: protocol.StatusDelivered, Timestamp: epoch},
	}}))

	f := newOutboxFixture(t, func(o *OutboxOptions) { o.Store = store })

	pending := f.outbox.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "u1-a", pending[0].MessageID)
	assert.Equal(t, 1, pending[0].Attempts)
}
