package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recorder is a scripted Handler. fn decides each Process outcome.
type recorder struct {
	mu        sync.Mutex
	fn        func(job *Job) (float64, error)
	calls     []Job
	events    []Event
	processed chan Job
	eventCh   chan Event
}

func newRecorder(fn func(job *Job) (float64, error)) *recorder {
	return &recorder{
		fn:        fn,
		processed: make(chan Job, 32),
		eventCh:   make(chan Event, 32),
	}
}

func (r *recorder) Process(ctx context.Context, job *Job) (float64, error) {
	r.mu.Lock()
	r.calls = append(r.calls, *job)
	r.mu.Unlock()

	var progress float64
	var err error
	if r.fn != nil {
		progress, err = r.fn(job)
	}
	r.processed <- *job
	return progress, err
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.eventCh <- ev
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitJob(t *testing.T, ch <-chan Job) Job {
	t.Helper()
	select {
	case job := <-ch:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job")
		return Job{}
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
