package queue

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/clock"

	"github.com/sirupsen/logrus"
)

type jobState int

const (
	stateScheduled jobState = iota
	stateReady
	stateActive
)

type memJob struct {
	job   Job
	state jobState
	timer *clock.Timer
}

// MemoryQueue is an in-process Queue driven by the configured clock.
type MemoryQueue struct {
	opts Options

	mu        sync.Mutex
	jobs      map[string]*memJob
	ready     []*memJob
	dead      []Job
	completed int64
	failed    int64
	paused    bool
	closed    bool
	running   bool

	wake chan struct{}
	done chan struct{}
	idle sync.WaitGroup
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts: opts.withDefaults(),
		jobs: make(map[string]*memJob),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, id string, payload Payload, delay time.Duration, maxAttempts int) (*Handle, error) {
	if id == "" {
		return nil, ErrInvalidJob
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := q.jobs[id]; ok {
		h := &Handle{ID: id, RunAt: existing.job.RunAt}
		q.mu.Unlock()
		return h, nil
	}

	now := q.opts.Clock.Now()
	if delay < 0 {
		delay = 0
	}
	j := &memJob{job: Job{
		ID:          id,
		Payload:     payload,
		MaxAttempts: normalizeMaxAttempts(maxAttempts),
		CreatedAt:   now,
		RunAt:       now.Add(delay),
	}}
	q.jobs[id] = j
	h := &Handle{ID: id, RunAt: j.job.RunAt}
	q.mu.Unlock()

	q.schedule(j, delay)
	return h, nil
}

func (q *MemoryQueue) schedule(j *memJob, delay time.Duration) {
	if delay <= 0 {
		q.markReady(j)
		return
	}
	t := q.opts.Clock.AfterFunc(delay, func() { q.markReady(j) })
	q.mu.Lock()
	j.timer = t
	q.mu.Unlock()
}

func (q *MemoryQueue) markReady(j *memJob) {
	q.mu.Lock()
	if q.jobs[j.job.ID] != j || j.state != stateScheduled {
		q.mu.Unlock()
		return
	}
	j.state = stateReady
	q.ready = append(q.ready, j)
	q.mu.Unlock()
	q.signal()
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Remove drops a scheduled job. A job that is being processed finishes but
// its outcome is discarded.
func (q *MemoryQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(q.jobs, id)
	return nil
}

// Run processes ready jobs until ctx is done or the queue is closed.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.idle.Add(1)
	q.mu.Unlock()
	defer q.idle.Done()

	for {
		for {
			j := q.next()
			if j == nil {
				break
			}
			q.process(ctx, h, j)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case <-q.wake:
		}
	}
}

func (q *MemoryQueue) next() *memJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.closed {
		return nil
	}
	for len(q.ready) > 0 {
		j := q.ready[0]
		q.ready = q.ready[1:]
		if q.jobs[j.job.ID] == j && j.state == stateReady {
			j.state = stateActive
			return j
		}
	}
	return nil
}

func (q *MemoryQueue) process(ctx context.Context, h Handler, j *memJob) {
	q.mu.Lock()
	job := j.job
	q.mu.Unlock()

	progress, err := runHandler(ctx, h, &job)

	q.mu.Lock()
	if q.jobs[job.ID] != j {
		q.mu.Unlock()
		return
	}
	j.job.Progress = progress

	if err == nil {
		delete(q.jobs, job.ID)
		q.completed++
		done := j.job
		q.mu.Unlock()
		h.OnEvent(Event{Type: EventCompleted, Job: done})
		return
	}

	j.job.AttemptsMade++
	j.job.FailedReason = err.Error()

	if j.job.AttemptsMade >= j.job.MaxAttempts {
		delete(q.jobs, job.ID)
		q.failed++
		q.dead = append(q.dead, j.job)
		if over := len(q.dead) - q.opts.KeepFailed; over > 0 {
			q.dead = q.dead[over:]
		}
		dead := j.job
		q.mu.Unlock()
		q.opts.Logger.WithFields(logrus.Fields{
			"job_id":   dead.ID,
			"attempts": dead.AttemptsMade,
		}).Warn("Job exhausted its attempts")
		h.OnEvent(Event{Type: EventFailed, Job: dead, Err: err})
		return
	}

	delay := q.opts.retryDelay(j.job.AttemptsMade)
	j.job.RunAt = q.opts.Clock.Now().Add(delay)
	j.state = stateScheduled
	q.mu.Unlock()

	q.schedule(j, delay)
}

// Failed returns the dead-lettered jobs, oldest first.
func (q *MemoryQueue) Failed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

// Pause stops handing out jobs. Scheduled jobs keep their place.
func (q *MemoryQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

// Resume undoes Pause.
func (q *MemoryQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
	return nil
}

// Close stops Run, waits for the job in progress and cancels all timers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	for _, j := range q.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
	q.mu.Unlock()

	q.idle.Wait()
	return nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Completed: q.completed, Failed: q.failed, Paused: q.paused}
	for _, j := range q.jobs {
		if j.state == stateActive {
			s.Active++
		} else {
			s.Scheduled++
		}
	}
	return s, nil
}
