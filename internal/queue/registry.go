package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer enqueues jobs by queue name.
type Producer interface {
	Enqueue(ctx context.Context, queueName, jobName string, data any, opts ...Option) (string, error)
}

// Registry holds the named queues of the process. Queues are created once
// at start and the registry is shared by reference.
type Registry struct {
	queues map[string]*Queue
}

var _ Producer = (*Registry)(nil)

func NewRegistry(rdb redis.UniversalClient, defaults Defaults, logger *slog.Logger, names ...string) *Registry {
	r := &Registry{queues: make(map[string]*Queue, len(names))}
	for _, n := range names {
		r.queues[n] = NewQueue(rdb, n, defaults, logger)
	}
	return r
}

// Queue returns the named queue or nil.
func (r *Registry) Queue(name string) *Queue { return r.queues[name] }

func (r *Registry) Enqueue(ctx context.Context, queueName, jobName string, data any, opts ...Option) (string, error) {
	q, ok := r.queues[queueName]
	if !ok {
		return "", fmt.Errorf("unknown queue %q", queueName)
	}
	return q.Enqueue(ctx, jobName, data, opts...)
}
