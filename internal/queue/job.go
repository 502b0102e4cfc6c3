// Package queue is a durable job queue on Redis with delayed jobs, lease
// based claiming, retries with exponential backoff and bounded per-queue
// concurrency.
//
// Keys per queue name:
//
//	dispatch:{name}:wait      list of ready job ids (LPUSH in, RPOP out)
//	dispatch:{name}:delayed   zset of job ids scored by ready time (ms)
//	dispatch:{name}:active    zset of claimed job ids scored by lease expiry (ms)
//	dispatch:{name}:failed    list of dead job ids
//	dispatch:{name}:job:{id}  JSON job envelope
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	NotificationQueue = "notifications"
	WorkflowQueue     = "workflows"
)

// Job is the stored envelope around a payload.
type Job struct {
	ID           string            `json:"id"`
	Queue        string            `json:"queue"`
	Name         string            `json:"name"`
	Data         json.RawMessage   `json:"data"`
	Attempts     int               `json:"attempts"`
	AttemptsMade int               `json:"attemptsMade"`
	BackoffMs    int64             `json:"backoffMs"`
	LastError    string            `json:"lastError,omitempty"`
	Trace        map[string]string `json:"trace,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return Permanent(fmt.Errorf("decode %s job %s: %w", j.Name, j.ID, err))
	}
	return nil
}

// Attempt is the 1-based number of the attempt currently running.
func (j *Job) Attempt() int { return j.AttemptsMade }

// Final reports whether a failure of the running attempt is the last one.
func (j *Job) Final() bool { return j.AttemptsMade >= j.Attempts }

// nextDelay is backoff * 2^(attemptsMade-1).
func (j *Job) nextDelay() time.Duration {
	n := j.AttemptsMade - 1
	if n < 0 {
		n = 0
	}
	if n > 20 {
		n = 20
	}
	return time.Duration(j.BackoffMs) * time.Millisecond << n
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job moves straight to the
// failed list.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *permanentError
	if errors.As(err, &p) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Option customises one enqueued job.
type Option func(*Options)

// Options is the resolved form of a list of Option values. Zero fields fall
// back to the queue defaults.
type Options struct {
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration
	JobID    string
}

// Apply resolves opts.
func Apply(opts ...Option) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithDelay makes the job ready only after d.
func WithDelay(d time.Duration) Option { return func(o *Options) { o.Delay = d } }

// WithAttempts sets the total number of attempts, including the first.
func WithAttempts(n int) Option { return func(o *Options) { o.Attempts = n } }

func WithBackoff(d time.Duration) Option { return func(o *Options) { o.Backoff = d } }

// WithJobID sets a deterministic id. Enqueueing an id that is still stored
// is a no-op.
func WithJobID(id string) Option { return func(o *Options) { o.JobID = id } }
