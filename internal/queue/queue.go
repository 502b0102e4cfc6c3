package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/samims/dispatch/pkg/tracing"
)

const (
	keyPrefix       = "dispatch:"
	failedRetention = 7 * 24 * time.Hour
	failedKeep      = 1000
)

// Defaults apply to jobs enqueued without explicit options.
type Defaults struct {
	Attempts int
	Backoff  time.Duration
}

// Counts is a snapshot of the queue structures.
type Counts struct {
	Waiting int64
	Delayed int64
	Active  int64
	Failed  int64
}

// Queue is one named queue.
type Queue struct {
	name     string
	rdb      redis.UniversalClient
	defaults Defaults
	logger   *slog.Logger
	now      func() time.Time
}

func NewQueue(rdb redis.UniversalClient, name string, defaults Defaults, logger *slog.Logger) *Queue {
	if defaults.Attempts < 1 {
		defaults.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		name:     name,
		rdb:      rdb,
		defaults: defaults,
		logger:   logger.With("layer", "queue", "component", "queue", "queue", name),
		now:      time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string { return keyPrefix + q.name + ":" + suffix }

func (q *Queue) jobKey(id string) string { return q.key("job:" + id) }

// Enqueue stores a job and returns its id. data is marshalled to JSON.
func (q *Queue) Enqueue(ctx context.Context, name string, data any, opts ...Option) (string, error) {
	o := Apply(opts...)
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode %s job: %w", name, err)
	}
	job := Job{
		ID:        o.JobID,
		Queue:     q.name,
		Name:      name,
		Data:      payload,
		Attempts:  o.Attempts,
		BackoffMs: o.Backoff.Milliseconds(),
		Trace:     tracing.InjectCarrier(ctx),
		CreatedAt: q.now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempts < 1 {
		job.Attempts = q.defaults.Attempts
	}
	if o.Backoff <= 0 {
		job.BackoffMs = q.defaults.Backoff.Milliseconds()
	}
	env, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job envelope: %w", err)
	}

	var readyAt int64
	if o.Delay > 0 {
		readyAt = q.now().Add(o.Delay).UnixMilli()
	}
	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(job.ID), q.key("wait"), q.key("delayed")},
		env, job.ID, readyAt,
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", name, err)
	}
	if added == 0 {
		q.logger.Debug("job already enqueued", slog.String("job_id", job.ID))
	}
	return job.ID, nil
}

// claim takes the next ready job, or returns nil when there is none.
func (q *Queue) claim(ctx context.Context, lease time.Duration) (*Job, error) {
	for {
		now := q.now()
		id, err := claimScript.Run(ctx, q.rdb,
			[]string{q.key("wait"), q.key("delayed"), q.key("active")},
			now.UnixMilli(), now.Add(lease).UnixMilli(),
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}

		raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Envelope gone; drop the orphaned id and look again.
			q.rdb.ZRem(ctx, q.key("active"), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load job %s: %w", id, err)
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			q.logger.Error("dropping undecodable job", slog.String("job_id", id), slog.Any("error", err))
			q.rdb.ZRem(ctx, q.key("active"), id)
			continue
		}
		job.AttemptsMade++
		if err := q.save(ctx, &job); err != nil {
			return nil, err
		}
		return &job, nil
	}
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	env, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job envelope: %w", err)
	}
	if err := q.rdb.Set(ctx, q.jobKey(job.ID), env, 0).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	return completeScript.Run(ctx, q.rdb, []string{q.key("active"), q.jobKey(job.ID)}, job.ID).Err()
}

// retry schedules the job after its backoff and returns the delay used.
func (q *Queue) retry(ctx context.Context, job *Job, cause error) (time.Duration, error) {
	job.LastError = cause.Error()
	env, err := json.Marshal(job)
	if err != nil {
		return 0, err
	}
	delay := job.nextDelay()
	readyAt := q.now().Add(delay).UnixMilli()
	err = retryScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("delayed"), q.jobKey(job.ID)},
		job.ID, env, readyAt,
	).Err()
	return delay, err
}

func (q *Queue) fail(ctx context.Context, job *Job, cause error) error {
	job.LastError = cause.Error()
	env, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return failScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("failed"), q.jobKey(job.ID)},
		job.ID, env, failedRetention.Milliseconds(), failedKeep,
	).Err()
}

// Get returns the stored envelope of a job that has not completed.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ReadyAt returns when a delayed job becomes ready, and false when the job
// is not delayed.
func (q *Queue) ReadyAt(ctx context.Context, id string) (time.Time, bool, error) {
	score, err := q.rdb.ZScore(ctx, q.key("delayed"), id).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting: wait.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
	}, nil
}
