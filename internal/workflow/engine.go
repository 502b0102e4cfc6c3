// Package workflow runs multi-step notification workflows. A trigger creates
// an execution and each step runs as its own job on the workflow queue, so
// delays survive restarts and step N+1 is enqueued only after step N.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/samims/dispatch/internal/channel"
	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/events"
	"github.com/samims/dispatch/internal/metrics"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/queue"
	"github.com/samims/dispatch/internal/storage"
	"github.com/samims/dispatch/internal/webhook"
	"github.com/samims/dispatch/pkg/tracing"
)

// Job names on the workflow queue.
const (
	JobTrigger = "trigger"
	JobStep    = "step"
)

type Store interface {
	storage.WorkflowStorage
	storage.ChannelStorage
	storage.ContactStorage
}

type ChannelResolver interface {
	Resolve(ctx context.Context, channelID string) (channel.Channel, model.Channel, error)
}

type HookDispatcher interface {
	Dispatch(ctx context.Context, appID, event string, payload map[string]any) []webhook.Outcome
}

type Deps struct {
	Store    Store
	Channels ChannelResolver
	Producer queue.Producer
	Hooks    HookDispatcher
	Events   events.Publisher
	Logger   *slog.Logger
}

// TriggerRequest names the workflow either by id or by (AppID, TriggerID).
type TriggerRequest struct {
	AppID        string         `json:"appId"`
	WorkflowID   string         `json:"workflowId,omitempty"`
	TriggerID    string         `json:"triggerId,omitempty"`
	SubscriberID string         `json:"subscriberId,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

type Engine struct {
	deps   Deps
	logger *slog.Logger
	tracer *tracing.Tracer
}

func NewEngine(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	return &Engine{
		deps:   deps,
		logger: deps.Logger.With("layer", "workflow", "component", "engine"),
		tracer: tracing.NewTracer(otel.Tracer("dispatch/workflow")),
	}
}

// Trigger starts one execution of an ACTIVE workflow.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (model.WorkflowExecution, error) {
	wf, err := e.findWorkflow(ctx, req)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if wf.Status != model.WorkflowActive {
		return model.WorkflowExecution{}, appErr.NewInvalidInput("workflow %s is %s", wf.ID, wf.Status)
	}

	exec := model.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		AppID:      wf.AppID,
		Status:     model.ExecutionRunning,
		Payload:    req.Payload,
	}
	if exec.Payload == nil {
		exec.Payload = map[string]any{}
	}
	if req.SubscriberID != "" {
		contact, err := e.deps.Store.GetContact(ctx, wf.AppID, req.SubscriberID)
		if err != nil {
			return model.WorkflowExecution{}, err
		}
		exec.ContactID = contact.ID
	}
	if err := e.deps.Store.CreateExecution(ctx, exec); err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("create execution: %w", err)
	}

	steps, err := e.deps.Store.ListSteps(ctx, wf.ID)
	if err != nil {
		err = fmt.Errorf("list steps: %w", err)
		e.fail(ctx, exec, err)
		exec.Status = model.ExecutionFailed
		return exec, err
	}
	if len(steps) == 0 {
		e.complete(ctx, exec)
		exec.Status = model.ExecutionCompleted
		return exec, nil
	}

	job := model.WorkflowJob{
		WorkflowID:   wf.ID,
		ExecutionID:  exec.ID,
		AppID:        wf.AppID,
		SubscriberID: req.SubscriberID,
		Payload:      exec.Payload,
	}
	if _, err := e.deps.Producer.Enqueue(ctx, queue.WorkflowQueue, JobTrigger, job,
		queue.WithAttempts(1), queue.WithJobID(exec.ID+":trigger")); err != nil {
		e.fail(ctx, exec, fmt.Errorf("enqueue first step: %w", err))
		return exec, err
	}
	e.logger.Info("workflow triggered",
		slog.String("workflow_id", wf.ID),
		slog.String("execution_id", exec.ID),
		slog.Int("steps", len(steps)))
	return exec, nil
}

func (e *Engine) findWorkflow(ctx context.Context, req TriggerRequest) (model.Workflow, error) {
	switch {
	case req.WorkflowID != "":
		wf, err := e.deps.Store.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return wf, err
		}
		if req.AppID != "" && wf.AppID != req.AppID {
			return model.Workflow{}, appErr.NewNotFound("workflow %s", req.WorkflowID)
		}
		return wf, nil
	case req.AppID != "" && req.TriggerID != "":
		return e.deps.Store.FindWorkflowByTrigger(ctx, req.AppID, req.TriggerID)
	}
	return model.Workflow{}, appErr.NewInvalidInput("workflowId or triggerId is required")
}

// Cancel moves a RUNNING execution to CANCELLED. Pending step jobs are
// ignored once they run.
func (e *Engine) Cancel(ctx context.Context, appID, executionID string) error {
	exec, err := e.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if appID != "" && exec.AppID != appID {
		return appErr.NewNotFound("execution %s", executionID)
	}
	if err := e.deps.Store.FinishExecution(ctx, executionID, model.ExecutionCancelled, ""); err != nil {
		return err
	}
	metrics.WorkflowExecutions.WithLabelValues(string(model.ExecutionCancelled)).Inc()
	e.logger.Info("execution cancelled", slog.String("execution_id", executionID))
	return nil
}

// Handle runs one step of an execution. Errors mark the execution FAILED
// and are returned permanent: step jobs never retry.
func (e *Engine) Handle(ctx context.Context, job *queue.Job) error {
	var wj model.WorkflowJob
	if err := job.Decode(&wj); err != nil {
		return err
	}

	ctx, span := e.tracer.StartClientSpan(ctx, "workflow.step",
		attribute.String(tracing.AttrAppID, wj.AppID),
		attribute.String(tracing.AttrExecutionID, wj.ExecutionID),
	)
	defer span.End()

	exec, err := e.deps.Store.GetExecution(ctx, wj.ExecutionID)
	if err != nil {
		if appErr.IsNotFound(err) {
			return queue.Permanent(err)
		}
		return err
	}
	if exec.Status.Terminal() {
		e.logger.Info("skipping step of finished execution",
			slog.String("execution_id", exec.ID),
			slog.String("status", string(exec.Status)))
		return nil
	}

	if err := e.runStep(ctx, &exec, wj); err != nil {
		e.tracer.RecordError(span, err)
		e.fail(ctx, exec, err)
		return queue.Permanent(err)
	}
	return nil
}

// runStep keeps exec.CurrentStepOrder in step with the stored row.
func (e *Engine) runStep(ctx context.Context, exec *model.WorkflowExecution, wj model.WorkflowJob) error {
	steps, err := e.deps.Store.ListSteps(ctx, exec.WorkflowID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	idx := stepIndex(steps, wj.StepOrder)
	if idx < 0 {
		e.complete(ctx, *exec)
		return nil
	}
	step := steps[idx]
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int(tracing.AttrStepOrder, step.Order))

	if err := e.deps.Store.SetCurrentStep(ctx, exec.ID, step.Order); err != nil {
		return fmt.Errorf("set current step: %w", err)
	}
	exec.CurrentStepOrder = step.Order

	var next *model.WorkflowStep
	if idx+1 < len(steps) {
		next = &steps[idx+1]
	}

	log := e.logger.With(
		slog.String("execution_id", exec.ID),
		slog.Int("step_order", step.Order),
		slog.String("step_type", string(step.Type)))

	switch step.Type {
	case model.StepSend:
		if err := e.send(ctx, *exec, step); err != nil {
			return err
		}
	case model.StepDelay:
		delay, err := decodeDelay(step.Config)
		if err != nil {
			return err
		}
		if next == nil {
			e.complete(ctx, *exec)
			return nil
		}
		log.Debug("delaying next step", slog.Duration("delay", delay))
		return e.enqueueStep(ctx, *exec, next.Order, queue.WithDelay(delay))
	case model.StepFilter:
		cond, err := decodeFilter(step.Config)
		if err != nil {
			return err
		}
		if !cond.Pass(exec.Payload) {
			log.Info("filter did not match, completing execution", slog.String("field", cond.Field))
			e.complete(ctx, *exec)
			return nil
		}
	case model.StepDigest, model.StepBranch:
		log.Debug("step kind is a no-op")
	default:
		return appErr.NewConfig("unknown step type %q", step.Type)
	}

	if next == nil {
		e.complete(ctx, *exec)
		return nil
	}
	return e.enqueueStep(ctx, *exec, next.Order)
}

// stepIndex finds the step at order, or the first step for a trigger job.
func stepIndex(steps []model.WorkflowStep, order *int) int {
	if order == nil {
		if len(steps) == 0 {
			return -1
		}
		return 0
	}
	for i, s := range steps {
		if s.Order == *order {
			return i
		}
	}
	return -1
}

func (e *Engine) enqueueStep(ctx context.Context, exec model.WorkflowExecution, order int, opts ...queue.Option) error {
	job := model.WorkflowJob{
		WorkflowID:   exec.WorkflowID,
		ExecutionID:  exec.ID,
		AppID:        exec.AppID,
		SubscriberID: exec.ContactID,
		Payload:      exec.Payload,
		StepOrder:    &order,
	}
	opts = append(opts, queue.WithAttempts(1), queue.WithJobID(exec.ID+":"+strconv.Itoa(order)))
	if _, err := e.deps.Producer.Enqueue(ctx, queue.WorkflowQueue, JobStep, job, opts...); err != nil {
		return fmt.Errorf("enqueue step %d: %w", order, err)
	}
	return nil
}

// send renders the step template and delivers it once per (execution, step).
func (e *Engine) send(ctx context.Context, exec model.WorkflowExecution, step model.WorkflowStep) error {
	cfg, err := decodeSend(step.Config)
	if err != nil {
		return err
	}

	first, err := e.deps.Store.MarkStepRun(ctx, exec.ID, step.Order)
	if err != nil {
		return fmt.Errorf("mark step run: %w", err)
	}
	if !first {
		e.logger.Warn("send step already ran, skipping",
			slog.String("execution_id", exec.ID), slog.Int("step_order", step.Order))
		return nil
	}

	ch, row, err := e.deps.Channels.Resolve(ctx, cfg.ChannelID)
	if err != nil {
		return fmt.Errorf("resolve channel %s: %w", cfg.ChannelID, err)
	}
	if row.AppID != exec.AppID {
		return appErr.NewConfig("channel %s does not belong to app %s", cfg.ChannelID, exec.AppID)
	}
	tmpl, err := e.deps.Store.GetTemplate(ctx, cfg.TemplateID)
	if err != nil {
		return fmt.Errorf("load template %s: %w", cfg.TemplateID, err)
	}
	if tmpl.AppID != exec.AppID {
		return appErr.NewConfig("template %s does not belong to app %s", cfg.TemplateID, exec.AppID)
	}

	var contact *model.Contact
	if exec.ContactID != "" {
		c, err := e.deps.Store.GetContact(ctx, exec.AppID, exec.ContactID)
		if err != nil {
			return fmt.Errorf("load contact: %w", err)
		}
		contact = &c
	}

	vars := merge(subscriberVars(contact), exec.Payload, cfg.Variables)
	to := Render(cfg.To, vars)
	if to == "" {
		to = contactAddress(contact, row.Type)
	}

	res := ch.Send(ctx, channel.Message{
		To:       to,
		Subject:  Render(tmpl.Subject, vars),
		Body:     Render(tmpl.Body, vars),
		HTMLBody: Render(tmpl.HTMLBody, vars),
		Data:     exec.Payload,
	})
	status := model.DeliverySent
	if !res.Success {
		status = model.DeliveryFailed
	}
	metrics.Deliveries.WithLabelValues(string(row.Type), string(status)).Inc()
	if !res.Success {
		return fmt.Errorf("send step %d via %s: %s", step.Order, row.Type, res.Error)
	}
	e.logger.Info("workflow message sent",
		slog.String("execution_id", exec.ID),
		slog.Int("step_order", step.Order),
		slog.String("channel_type", string(row.Type)),
		slog.String("message_id", res.MessageID))
	return nil
}

func subscriberVars(c *model.Contact) map[string]any {
	if c == nil {
		return nil
	}
	sub := map[string]any{
		"id":         c.ID,
		"externalId": c.ExternalID,
		"email":      c.Email,
		"phone":      c.Phone,
	}
	for k, v := range c.Attributes {
		if _, taken := sub[k]; !taken {
			sub[k] = v
		}
	}
	return map[string]any{"subscriber": sub}
}

// contactAddress is the contact's address for a channel type.
func contactAddress(c *model.Contact, t model.ChannelType) string {
	if c == nil {
		return ""
	}
	switch t {
	case model.ChannelEmail:
		return c.Email
	case model.ChannelSMS:
		return c.Phone
	case model.ChannelDiscord:
		return c.DiscordWebhook
	case model.ChannelTelegram:
		return c.TelegramChatID
	case model.ChannelInApp:
		return c.ID
	}
	return ""
}

func (e *Engine) complete(ctx context.Context, exec model.WorkflowExecution) {
	if !e.finish(ctx, exec, model.ExecutionCompleted, "") {
		return
	}
	e.logger.Info("execution completed",
		slog.String("execution_id", exec.ID),
		slog.Int("step_order", exec.CurrentStepOrder))
	e.emit(ctx, model.EventWorkflowCompleted, exec, "")
}

func (e *Engine) fail(ctx context.Context, exec model.WorkflowExecution, cause error) {
	e.logger.Error("execution failed",
		slog.String("execution_id", exec.ID),
		slog.Int("step_order", exec.CurrentStepOrder),
		slog.Any("error", cause))
	if !e.finish(ctx, exec, model.ExecutionFailed, cause.Error()) {
		return
	}
	e.emit(ctx, model.EventWorkflowFailed, exec, cause.Error())
}

// finish reports whether this call moved the execution out of RUNNING.
func (e *Engine) finish(ctx context.Context, exec model.WorkflowExecution, status model.ExecutionStatus, msg string) bool {
	ctx = context.WithoutCancel(ctx)
	if err := e.deps.Store.FinishExecution(ctx, exec.ID, status, msg); err != nil {
		if !errors.Is(err, appErr.ErrConflict) {
			e.logger.Error("failed to finish execution",
				slog.String("execution_id", exec.ID),
				slog.String("status", string(status)),
				slog.Any("error", err))
		}
		return false
	}
	metrics.WorkflowExecutions.WithLabelValues(string(status)).Inc()
	return true
}

func (e *Engine) emit(ctx context.Context, event string, exec model.WorkflowExecution, errMsg string) {
	ctx = context.WithoutCancel(ctx)
	payload := map[string]any{
		"executionId":      exec.ID,
		"workflowId":       exec.WorkflowID,
		"currentStepOrder": exec.CurrentStepOrder,
	}
	if exec.ContactID != "" {
		payload["contactId"] = exec.ContactID
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := e.deps.Events.Publish(ctx, events.New(event, exec.AppID, payload)); err != nil {
		e.logger.Warn("failed to publish workflow event", slog.String("event", event), slog.Any("error", err))
	}
	if e.deps.Hooks != nil {
		e.deps.Hooks.Dispatch(ctx, exec.AppID, event, payload)
	}
}
