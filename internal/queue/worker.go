package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/samims/dispatch/internal/metrics"
	"github.com/samims/dispatch/pkg/tracing"
)

// Handler processes one job. A nil error completes the job; an error wrapped
// with Permanent fails it immediately; any other error is retried until the
// attempts run out.
type Handler func(ctx context.Context, job *Job) error

type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	// Lease bounds one handler run. A job whose lease expires without an
	// outcome is handed out again.
	Lease time.Duration
}

type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
	logger  *slog.Logger
	tracer  *tracing.Tracer
}

func NewWorker(q *Queue, h Handler, opts WorkerOptions) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	return &Worker{
		queue:   q,
		handler: h,
		opts:    opts,
		logger:  q.logger.With("component", "worker"),
		tracer:  tracing.NewTracer(otel.Tracer("dispatch/queue")),
	}
}

// Run processes jobs until ctx is cancelled, then waits for in-flight jobs
// to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", slog.Int("concurrency", w.opts.Concurrency))
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("queue error", slog.Int("slot", slot), slog.Any("error", err))
		}
		if processed {
			continue
		}
		timer := time.NewTimer(w.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessNext claims and handles at most one job. It reports whether a job
// was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.claim(ctx, w.opts.Lease)
	if err != nil || job == nil {
		return false, err
	}

	// Shutdown must not abort a job midway; the lease bounds it instead.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.Lease)
	defer cancel()
	runCtx = tracing.ExtractCarrier(runCtx, job.Trace)
	runCtx, span := w.tracer.StartConsumerSpan(runCtx, "queue.process "+w.queue.name,
		attribute.String(tracing.AttrQueueName, w.queue.name),
		attribute.String(tracing.AttrJobName, job.Name),
		attribute.String(tracing.AttrJobID, job.ID),
		attribute.Int(tracing.AttrJobAttempt, job.AttemptsMade),
	)
	defer span.End()

	herr := w.run(runCtx, job)
	return true, w.settle(context.WithoutCancel(ctx), span, job, herr)
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panic",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) settle(ctx context.Context, span trace.Span, job *Job, herr error) error {
	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job", job.Name),
		slog.Int("attempt", job.AttemptsMade),
		slog.Int("attempts", job.Attempts),
	)
	if herr == nil {
		metrics.Jobs.WithLabelValues(w.queue.name, "completed").Inc()
		return w.queue.complete(ctx, job)
	}

	w.tracer.RecordError(span, herr)
	if IsPermanent(herr) || job.Final() {
		metrics.Jobs.WithLabelValues(w.queue.name, "failed").Inc()
		log.Error("job failed", slog.Bool("permanent", IsPermanent(herr)), slog.Any("error", herr))
		return w.queue.fail(ctx, job, herr)
	}

	delay, err := w.queue.retry(ctx, job, herr)
	if err != nil {
		return err
	}
	metrics.Jobs.WithLabelValues(w.queue.name, "retried").Inc()
	log.Warn("job retry scheduled", slog.Duration("delay", delay), slog.Any("error", herr))
	return nil
}
