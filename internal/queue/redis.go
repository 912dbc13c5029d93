package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisQueue keeps jobs in Redis so they outlive the process.
//
// Layout under the configured prefix:
//
//	{prefix}:job:{id}  hash with the job fields
//	{prefix}:delayed   zset of job ids scored by due time (unix ms)
//	{prefix}:active    zset of claimed job ids scored by lock expiry (unix ms)
//	{prefix}:failed    zset of dead-lettered job ids scored by failure time
//	{prefix}:stats     hash of completed/failed counters
//
// A job is claimed by removing it from delayed and adding it to active; only
// the worker whose ZREM succeeded owns it. Active entries whose lock expired
// belong to a crashed or stuck worker and are moved back to delayed.
type RedisQueue struct {
	client redis.UniversalClient
	opts   Options
	owned  bool

	mu      sync.Mutex
	paused  bool
	closed  bool
	running bool
	done    chan struct{}
	idle    sync.WaitGroup
}

// DialRedis connects to the Redis server described by cfg.
func DialRedis(ctx context.Context, cfg models.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.NewInfrastructureError("redis", err)
	}
	return client, nil
}

// NewRedisQueue wraps client. The queue does not close a client it was
// handed; use NewOwnedRedisQueue for that.
func NewRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	return &RedisQueue{
		client: client,
		opts:   opts.withDefaults(),
		done:   make(chan struct{}),
	}
}

// NewOwnedRedisQueue is NewRedisQueue but Close also closes client.
func NewOwnedRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	q := NewRedisQueue(client, opts)
	q.owned = true
	return q
}

func (q *RedisQueue) key(parts ...string) string {
	k := q.opts.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) jobKey(id string) string { return q.key("job", id) }

func (q *RedisQueue) Enqueue(ctx context.Context, id string, payload Payload, delay time.Duration, maxAttempts int) (*Handle, error) {
	if id == "" {
		return nil, ErrInvalidJob
	}
	if q.isClosed() {
		return nil, ErrClosed
	}

	if existing, err := q.existingHandle(ctx, id); err != nil || existing != nil {
		return existing, err
	}

	now := q.opts.Clock.Now()
	if delay < 0 {
		delay = 0
	}
	runAt := now.Add(delay)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewQueueError("encode payload", err)
	}

	var added *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			"id":            id,
			"payload":       string(body),
			"attempts_made": 0,
			"max_attempts":  normalizeMaxAttempts(maxAttempts),
			"progress":      "0",
			"failed_reason": "",
			"created_at":    now.UnixMilli(),
			"run_at":        runAt.UnixMilli(),
		})
		pipe.ZRem(ctx, q.key("failed"), id)
		added = pipe.ZAddNX(ctx, q.key("delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return nil, apperrors.NewQueueError("enqueue", err)
	}
	if added.Val() == 0 {
		// lost a race with a concurrent enqueue of the same id
		if existing, err := q.existingHandle(ctx, id); err != nil || existing != nil {
			return existing, err
		}
	}
	return &Handle{ID: id, RunAt: runAt}, nil
}

func (q *RedisQueue) existingHandle(ctx context.Context, id string) (*Handle, error) {
	for _, set := range []string{"delayed", "active"} {
		score, err := q.client.ZScore(ctx, q.key(set), id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, apperrors.NewQueueError("lookup job", err)
		}
		runAt := time.UnixMilli(int64(score))
		if set == "active" {
			runAt = q.opts.Clock.Now()
		}
		return &Handle{ID: id, RunAt: runAt}, nil
	}
	return nil, nil
}

// Remove deletes the job wherever it is. A worker that is processing it
// notices on completion and discards the outcome.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.ZRem(ctx, q.key("active"), id)
		pipe.Del(ctx, q.jobKey(id))
		return nil
	})
	if err != nil {
		return apperrors.NewQueueError("remove", err)
	}
	return nil
}

// Run polls for due jobs until ctx is done or the queue is closed.
func (q *RedisQueue) Run(ctx context.Context, h Handler) error {
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

	ticker := q.opts.Clock.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.tick(ctx, h); err != nil && ctx.Err() == nil {
			q.opts.Logger.WithError(err).Warn("Delivery queue poll failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case <-ticker.C:
		}
	}
}

// tick recovers stalled jobs, then processes every job that is due.
func (q *RedisQueue) tick(ctx context.Context, h Handler) error {
	if err := q.recoverStalled(ctx, h); err != nil {
		return err
	}
	for {
		if q.isPaused() || q.isClosed() {
			return nil
		}
		ids, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(q.opts.Clock.Now().UnixMilli(), 10),
			Count: int64(q.opts.BatchSize),
		}).Result()
		if err != nil {
			return apperrors.NewQueueError("poll", err)
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if q.isPaused() || q.isClosed() || ctx.Err() != nil {
				return nil
			}
			job, err := q.claim(ctx, id)
			if err != nil {
				return err
			}
			if job != nil {
				q.process(ctx, h, job)
			}
		}
	}
}

func (q *RedisQueue) recoverStalled(ctx context.Context, h Handler) error {
	now := q.opts.Clock.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return apperrors.NewQueueError("scan stalled", err)
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.key("active"), id).Result()
		if err != nil {
			return apperrors.NewQueueError("recover stalled", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
			return apperrors.NewQueueError("recover stalled", err)
		}
		job, err := q.load(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			job = &Job{ID: id}
		}
		q.opts.Logger.WithField("job_id", id).Warn("Job stalled and will be retried")
		h.OnEvent(Event{Type: EventStalled, Job: *job})
	}
	return nil
}

func (q *RedisQueue) claim(ctx context.Context, id string) (*Job, error) {
	removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
	if err != nil {
		return nil, apperrors.NewQueueError("claim", err)
	}
	if removed == 0 {
		return nil, nil
	}
	lockUntil := q.opts.Clock.Now().Add(q.opts.LockTimeout)
	if err := q.client.ZAdd(ctx, q.key("active"), redis.Z{Score: float64(lockUntil.UnixMilli()), Member: id}).Err(); err != nil {
		return nil, apperrors.NewQueueError("claim", err)
	}
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// removed between scheduling and claim
		q.client.ZRem(ctx, q.key("active"), id)
		return nil, nil
	}
	return job, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, apperrors.NewQueueError("load job", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{ID: id, FailedReason: fields["failed_reason"]}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, apperrors.NewQueueError("decode payload", err)
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.Progress, _ = strconv.ParseFloat(fields["progress"], 64)
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["run_at"], 10, 64); err == nil {
		job.RunAt = time.UnixMilli(ms)
	}
	job.MaxAttempts = normalizeMaxAttempts(job.MaxAttempts)
	return job, nil
}

func (q *RedisQueue) process(ctx context.Context, h Handler, job *Job) {
	progress, procErr := runHandler(ctx, h, job)
	if err := q.finish(ctx, h, job, progress, procErr); err != nil {
		q.opts.Logger.WithError(err).WithField("job_id", job.ID).Error("Failed to record job outcome")
	}
}

func (q *RedisQueue) finish(ctx context.Context, h Handler, job *Job, progress float64, procErr error) error {
	// Losing the active entry means the job was removed or reclaimed as
	// stalled while we ran; someone else owns the outcome now.
	owned, err := q.client.ZRem(ctx, q.key("active"), job.ID).Result()
	if err != nil {
		return apperrors.NewQueueError("finish", err)
	}
	if owned == 0 {
		return nil
	}

	job.Progress = progress
	now := q.opts.Clock.Now()

	if procErr == nil {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, q.jobKey(job.ID))
			pipe.HIncrBy(ctx, q.key("stats"), "completed", 1)
			return nil
		})
		if err != nil {
			return apperrors.NewQueueError("complete", err)
		}
		h.OnEvent(Event{Type: EventCompleted, Job: *job})
		return nil
	}

	job.AttemptsMade++
	job.FailedReason = procErr.Error()
	fields := map[string]any{
		"attempts_made": job.AttemptsMade,
		"failed_reason": job.FailedReason,
		"progress":      strconv.FormatFloat(progress, 'f', -1, 64),
	}

	if job.AttemptsMade >= job.MaxAttempts {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(job.ID), fields)
			pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
			pipe.HIncrBy(ctx, q.key("stats"), "failed", 1)
			return nil
		})
		if err != nil {
			return apperrors.NewQueueError("dead-letter", err)
		}
		if err := q.trimFailed(ctx); err != nil {
			q.opts.Logger.WithError(err).Warn("Failed to trim dead-letter set")
		}
		q.opts.Logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"attempts": job.AttemptsMade,
		}).Warn("Job exhausted its attempts")
		h.OnEvent(Event{Type: EventFailed, Job: *job, Err: procErr})
		return nil
	}

	job.RunAt = now.Add(q.opts.retryDelay(job.AttemptsMade))
	fields["run_at"] = job.RunAt.UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), fields)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return apperrors.NewQueueError("reschedule", err)
	}
	return nil
}

func (q *RedisQueue) trimFailed(ctx context.Context) error {
	count, err := q.client.ZCard(ctx, q.key("failed")).Result()
	if err != nil {
		return err
	}
	over := count - int64(q.opts.KeepFailed)
	if over <= 0 {
		return nil
	}
	ids, err := q.client.ZRange(ctx, q.key("failed"), 0, over-1).Result()
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.ZRem(ctx, q.key("failed"), id)
			pipe.Del(ctx, q.jobKey(id))
		}
		return nil
	})
	return err
}

// Failed returns up to limit dead-lettered jobs, most recent first.
func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]Job, error) {
	ids, err := q.client.ZRevRange(ctx, q.key("failed"), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, apperrors.NewQueueError("list failed", err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

// Pause stops this process from claiming jobs. Jobs stay scheduled in Redis
// for other workers or the next start.
func (q *RedisQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

// Resume undoes Pause.
func (q *RedisQueue) Resume(ctx context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops Run and waits for the job in progress.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.idle.Wait()
	if q.owned {
		if err := q.client.Close(); err != nil {
			return fmt.Errorf("failed to close redis client: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	counters := pipe.HGetAll(ctx, q.key("stats"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, apperrors.NewQueueError("stats", err)
	}

	s := Stats{
		Scheduled: delayed.Val(),
		Active:    active.Val(),
		Paused:    q.isPaused(),
	}
	s.Completed, _ = strconv.ParseInt(counters.Val()["completed"], 10, 64)
	s.Failed, _ = strconv.ParseInt(counters.Val()["failed"], 10, 64)
	return s, nil
}

var (
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)
