package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/dispatch/internal/channel"
	"github.com/samims/dispatch/internal/events"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/queue"
	"github.com/samims/dispatch/internal/storage/memstore"
	"github.com/samims/dispatch/internal/webhook"
)

type enqueued struct {
	queue string
	name  string
	job   model.WorkflowJob
	opts  queue.Options
}

// fakeProducer records jobs instead of writing them to Redis.
type fakeProducer struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (p *fakeProducer) Enqueue(_ context.Context, queueName, jobName string, data any, opts ...queue.Option) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.jobs = append(p.jobs, enqueued{queue: queueName, name: jobName, job: data.(model.WorkflowJob), opts: queue.Apply(opts...)})
	return "id", nil
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (h *hookRecorder) Dispatch(_ context.Context, _, event string, _ map[string]any) []webhook.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

type fixture struct {
	store    *memstore.Store
	producer *fakeProducer
	hooks    *hookRecorder
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.PutApp(model.App{ID: "app-1"})
	store.PutChannel(model.Channel{ID: "inbox", AppID: "app-1", Type: model.ChannelInApp, IsActive: true})
	store.PutTemplate(model.Template{ID: "tpl", AppID: "app-1", Type: model.ChannelInApp, Subject: "Order {{order.id}}", Body: "Hi {{subscriber.email}}, step {{step}}"})
	store.PutContact(model.Contact{ID: "c-1", AppID: "app-1", ExternalID: "user-1", Email: "ada@example.com"})

	f := &fixture{store: store, producer: &fakeProducer{}, hooks: &hookRecorder{}}
	f.engine = NewEngine(Deps{
		Store:    store,
		Channels: channel.NewRegistry(channel.RegistryDeps{Channels: store, Apps: store, Inbox: store}),
		Producer: f.producer,
		Hooks:    f.hooks,
		Events:   events.NopPublisher{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func step(order int, typ model.StepType, cfg string) model.WorkflowStep {
	return model.WorkflowStep{ID: "s" + string(rune('0'+order)), Order: order, Type: typ, Config: json.RawMessage(cfg)}
}

// drain runs queued jobs until none are left and returns how many ran.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	ran := 0
	for {
		f.producer.mu.Lock()
		if ran >= len(f.producer.jobs) {
			f.producer.mu.Unlock()
			return ran
		}
		e := f.producer.jobs[ran]
		f.producer.mu.Unlock()

		data, err := json.Marshal(e.job)
		require.NoError(t, err)
		_ = f.engine.Handle(context.Background(), &queue.Job{ID: "j", Name: e.name, Data: data, Attempts: 1, AttemptsMade: 1})
		ran++
	}
}

func TestSendDelaySend(t *testing.T) {
	f := newFixture(t)
	f.store.PutWorkflow(model.Workflow{ID: "wf", AppID: "app-1", TriggerID: "order.placed", Status: model.WorkflowActive},
		step(0, model.StepSend, `{"channelId":"inbox","templateId":"tpl","variables":{"step":"one"}}`),
		step(1, model.StepDelay, `{"delay":1000}`),
		step(2, model.StepSend, `{"channelId":"inbox","templateId":"tpl","variables":{"step":"two"}}`),
	)

	exec, err := f.engine.Trigger(context.Background(), TriggerRequest{
		AppID: "app-1", TriggerID: "order.placed", SubscriberID: "user-1",
		Payload: map[string]any{"order": map[string]any{"id": "o-9"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", exec.ContactID)

	assert.Equal(t, 3, f.drain(t))

	msgs := f.store.InAppMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Order o-9", msgs[0].Subject)
	assert.Equal(t, "Hi ada@example.com, step one", msgs[0].Body)
	assert.Equal(t, "Hi ada@example.com, step two", msgs[1].Body)
	assert.Equal(t, "c-1", msgs[1].ContactID)

	jobs := f.producer.jobs
	require.Len(t, jobs, 3)
	assert.Equal(t, JobTrigger, jobs[0].name)
	assert.Nil(t, jobs[0].job.StepOrder)
	require.NotNil(t, jobs[2].job.StepOrder)
	assert.Equal(t, 2, *jobs[2].job.StepOrder)
	assert.Equal(t, time.Second, jobs[2].opts.Delay)
	assert.Zero(t, jobs[1].opts.Delay)
	for _, j := range jobs {
		assert.Equal(t, queue.WorkflowQueue, j.queue)
		assert.Equal(t, 1, j.opts.Attempts)
	}

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.Equal(t, 2, got.CurrentStepOrder)
	assert.Equal(t, []string{model.EventWorkflowCompleted}, f.hooks.events)
}

func TestFilterHaltsExecution(t *testing.T) {
	f := newFixture(t)
	f.store.PutWorkflow(model.Workflow{ID: "wf", AppID: "app-1", Status: model.WorkflowActive},
		step(0, model.StepFilter, `{"field":"plan","operator":"eq","value":"pro"}`),
		step(1, model.StepSend, `{"channelId":"inbox","templateId":"tpl","to":"c-1"}`),
	)

	exec, err := f.engine.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf", Payload: map[string]any{"plan": "free"}})
	require.NoError(t, err)
	f.drain(t)

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.Equal(t, 0, got.CurrentStepOrder)
	assert.Empty(t, f.store.InAppMessages())
	assert.Len(t, f.producer.jobs, 1)
}

func TestZeroStepsCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	f.store.PutWorkflow(model.Workflow{ID: "wf", AppID: "app-1", Status: model.WorkflowActive})

	exec, err := f.engine.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf"})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.Empty(t, f.producer.jobs)

	got, _ := f.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.Equal(t, []string{model.EventWorkflowCompleted}, f.hooks.events)
}

func TestTriggerRejects(t *testing.T) {
	f := newFixture(t)
	f.store.PutWorkflow(model.Workflow{ID: "draft", AppID: "app-1", Status: model.WorkflowDraft})
	f.store.PutWorkflow(model.Workflow{ID: "other", AppID: "app-2", Status: model.WorkflowActive})

	tests := []struct {
		name string
		req  TriggerRequest
	}{
		{"inactive", TriggerRequest{WorkflowID: "draft"}},
		{"other app", TriggerRequest{AppID: "app-1", WorkflowID: "other"}},
		{"unknown trigger", TriggerRequest{AppID: "app-1", TriggerID: "nope"}},
		{"no selector", TriggerRequest{AppID: "app-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Trigger(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, f.producer.jobs)
}

func TestStepErrorFailsExecution(t *testing.T) {
	f := newFixture(t)
	f.store.PutWorkflow(model.Workflow{ID: "wf", AppID: "app-1", Status: model.WorkflowActive},
		step(0, model.StepSend, `{"channelId":"missing","templateId":"tpl","to":"c-1"}`),
		step(1, model.StepSend, `{"channelId":"inbox","templateId":"tpl","to":"c-1"}`),
	)
	exec, err := f.engine.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf"})
	require.NoError(t, err)

	data, _ := json.Marshal(f.producer.jobs[0].job)
	err = f.engine.Handle(context.Background(), &queue.Job{ID: "j", Data: data, Attempts: 1, AttemptsMade: 1})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	got, _ := f.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "missing")
	assert.Equal(t, []string{model.EventWorkflowFailed}, f.hooks.events)
	assert.Len(t, f.producer.jobs, 1)
}

func TestSendStepRunsOnce(t *testing.T) {
	f := newFixture(t)
	f.store.PutWorkflow(model.Workflow{ID: "wf", AppID: "app-1", Status: model.WorkflowActive},
		step(0, model.StepSend, `{"channelId":"inbox","templateId":"tpl","to":"c-1"}`),
		step(1, model.StepDelay, `{"delay":10}`),
	)
	_, err := f.engine.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf"})
	require.NoError(t, err)

	data, _ := json.Marshal(f.producer.jobs[0].job)
	job := &queue.Job{ID: "j", Data: data, Attempts: 1, AttemptsMade: 1}
	require.NoError(t, f.engine.Handle(context.Background(), job))
	require.NoError(t, f.engine.Handle(context.Background(), job))
	assert.Len(t, f.store.InAppMessages(), 1)
}

func TestCancelSkipsPendingSteps(t *testing.T) {
	f := newFixture(t)
	f.store.PutWorkflow(model.Workflow{ID: "wf", AppID: "app-1", Status: model.WorkflowActive},
		step(0, model.StepSend, `{"channelId":"inbox","templateId":"tpl","to":"c-1"}`),
	)
	exec, err := f.engine.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf"})
	require.NoError(t, err)

	require.Error(t, f.engine.Cancel(context.Background(), "app-2", exec.ID))
	require.NoError(t, f.engine.Cancel(context.Background(), "app-1", exec.ID))
	assert.Error(t, f.engine.Cancel(context.Background(), "app-1", exec.ID))

	f.drain(t)
	assert.Empty(t, f.store.InAppMessages())
	got, _ := f.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, model.ExecutionCancelled, got.Status)
	assert.Empty(t, f.hooks.events)
}

func TestTriggerEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.producer.err = errors.New("redis down")
	f.store.PutWorkflow(model.Workflow{ID: "wf", AppID: "app-1", Status: model.WorkflowActive},
		step(0, model.StepDigest, `{}`),
	)
	exec, err := f.engine.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf"})
	require.Error(t, err)

	got, _ := f.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, model.ExecutionFailed, got.Status)
}

type stepsDown struct {
	*memstore.Store
}

func (stepsDown) ListSteps(context.Context, string) ([]model.WorkflowStep, error) {
	return nil, errors.New("db down")
}

func TestTriggerListStepsFailure(t *testing.T) {
	f := newFixture(t)
	f.store.PutWorkflow(model.Workflow{ID: "wf", AppID: "app-1", Status: model.WorkflowActive},
		step(0, model.StepDigest, `{}`),
	)
	engine := NewEngine(Deps{
		Store:    stepsDown{f.store},
		Channels: channel.NewRegistry(channel.RegistryDeps{Channels: f.store, Apps: f.store, Inbox: f.store}),
		Producer: f.producer,
		Hooks:    f.hooks,
		Events:   events.NopPublisher{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	exec, err := engine.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf"})
	require.Error(t, err)
	assert.Equal(t, model.ExecutionFailed, exec.Status)

	got, _ := f.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "db down")
	assert.Empty(t, f.producer.jobs)
	assert.Equal(t, []string{model.EventWorkflowFailed}, f.hooks.events)
}
