// Package delivery sends notifications to devices and channels and keeps
// the delivery log, notification counters and outcome fan-out in step.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/samims/dispatch/internal/channel"
	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/events"
	"github.com/samims/dispatch/internal/metrics"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/push"
	"github.com/samims/dispatch/internal/queue"
	"github.com/samims/dispatch/pkg/tracing"
)

// JobName is the notification queue job name for SendJob payloads.
const JobName = "send"

type ChannelResolver interface {
	Resolve(ctx context.Context, channelID string) (channel.Channel, model.Channel, error)
	ResolveActive(ctx context.Context, appID string, t model.ChannelType) (channel.Channel, model.Channel, error)
}

type Deps struct {
	Store     Store
	Providers channel.PushProviders
	Channels  ChannelResolver
	Hooks     HookDispatcher
	Events    events.Publisher
	Logger    *slog.Logger
}

// Worker handles notification queue jobs.
type Worker struct {
	deps   Deps
	rec    *recorder
	logger *slog.Logger
	tracer *tracing.Tracer
}

func NewWorker(deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("layer", "delivery", "component", "worker")
	return &Worker{
		deps:   deps,
		rec:    newRecorder(deps, logger),
		logger: logger,
		tracer: tracing.NewTracer(otel.Tracer("dispatch/delivery")),
	}
}

func newRecorder(deps Deps, logger *slog.Logger) *recorder {
	return &recorder{store: deps.Store, hooks: deps.Hooks, events: deps.Events, logger: logger, now: time.Now}
}

// Handle processes one SendJob. Failures are recorded and returned so the
// queue retries; failures that cannot succeed later are returned permanent.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var sj model.SendJob
	if err := job.Decode(&sj); err != nil {
		return err
	}

	ctx, span := w.tracer.StartClientSpan(ctx, "delivery.handle",
		attribute.String(tracing.AttrJobID, job.ID),
		attribute.Int(tracing.AttrJobAttempt, job.Attempt()),
	)
	defer span.End()

	a := attempt{job: sj, number: job.Attempt(), final: job.Final()}
	var (
		out outcome
		err error
	)
	switch sj.DeliveryMode {
	case model.DeliveryModeDevice:
		w.tracer.AddDeliveryAttributes(span, sj.AppID, sj.NotificationID, string(model.ChannelPush))
		out, err = w.sendDevice(ctx, sj)
	case model.DeliveryModeChannel:
		w.tracer.AddDeliveryAttributes(span, sj.AppID, sj.NotificationID, string(sj.ChannelType))
		out, err = w.sendChannel(ctx, sj)
	default:
		err = appErr.NewValidation("unknown delivery mode %q", sj.DeliveryMode)
		out = failedWith(err)
	}

	permanent := err != nil && (terminal(err) || out.expired)
	if permanent {
		a.final = true
	}
	w.rec.record(ctx, a, out)
	if err == nil {
		return nil
	}
	w.tracer.RecordError(span, err)
	w.logger.Warn("delivery attempt failed",
		slog.String("notification_id", sj.NotificationID),
		slog.String("mode", sj.DeliveryMode),
		slog.Int("attempt", a.number),
		slog.Bool("final", a.final),
		slog.Any("error", err))
	if permanent {
		return queue.Permanent(err)
	}
	return err
}

func (w *Worker) sendDevice(ctx context.Context, sj model.SendJob) (outcome, error) {
	device := model.Device{
		ID:            sj.DeviceID,
		AppID:         sj.AppID,
		Platform:      sj.Platform,
		Token:         sj.Token,
		WebPushP256dh: sj.WebPushP256dh,
		WebPushAuth:   sj.WebPushAuth,
	}
	if err := validateDevice(device); err != nil {
		return failedWith(err), err
	}
	app, err := w.deps.Store.GetApp(ctx, sj.AppID)
	if err != nil {
		return failedWith(err), err
	}
	provider, err := w.deps.Providers.ForApp(app, sj.Platform)
	if err != nil {
		return failedWith(err), err
	}
	return sendToDevice(ctx, provider, sj.NotificationID, sj.Payload, device)
}

func (w *Worker) sendChannel(ctx context.Context, sj model.SendJob) (outcome, error) {
	var (
		ch  channel.Channel
		row model.Channel
		err error
	)
	if sj.ChannelID != "" {
		ch, row, err = w.deps.Channels.Resolve(ctx, sj.ChannelID)
	} else {
		ch, row, err = w.deps.Channels.ResolveActive(ctx, sj.AppID, sj.ChannelType)
	}
	if err != nil {
		return failedWith(err), err
	}
	if row.AppID != "" && row.AppID != sj.AppID {
		err = appErr.NewConfig("channel %s does not belong to app %s", row.ID, sj.AppID)
		return failedWith(err), err
	}

	start := time.Now()
	res := ch.Send(ctx, channel.Message{
		To:             sj.To,
		Subject:        sj.Payload.Title,
		Body:           sj.Payload.Body,
		Data:           sj.Payload.Data,
		NotificationID: sj.NotificationID,
	})
	metrics.ProviderDuration.WithLabelValues(string(ch.Type())).Observe(time.Since(start).Seconds())
	out := fromChannel(res)
	if !out.success {
		return out, fmt.Errorf("%s channel: %s", ch.Type(), out.errMsg)
	}
	return out, nil
}

func validateDevice(d model.Device) error {
	if d.Token == "" {
		return appErr.NewValidation("device %s has no token", d.ID)
	}
	if d.Platform == model.PlatformWeb && (d.WebPushP256dh == "" || d.WebPushAuth == "") {
		return appErr.NewValidation("web push device %s is missing p256dh/auth keys", d.ID)
	}
	return nil
}

// sendToDevice converts and sends one push message.
func sendToDevice(ctx context.Context, p push.Provider, notificationID string, payload model.NotificationPayload, d model.Device) (outcome, error) {
	to := push.Recipient{DeviceID: d.ID, Token: d.Token, P256dh: d.WebPushP256dh, Auth: d.WebPushAuth}
	msg, err := p.ConvertNotificationPayload(payload, to, notificationID, d.ID)
	if err != nil {
		return failedWith(err), err
	}
	start := time.Now()
	res := p.SendMessage(ctx, msg)
	metrics.ProviderDuration.WithLabelValues(string(p.Platform())).Observe(time.Since(start).Seconds())
	out := fromPush(res)
	if !out.success {
		if out.errMsg == "" {
			out.errMsg = "provider reported failure"
		}
		return out, fmt.Errorf("%s push: %s", p.Platform(), out.errMsg)
	}
	return out, nil
}
