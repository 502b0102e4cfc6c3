package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/samims/dispatch/internal/channel"
	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/events"
	"github.com/samims/dispatch/internal/metrics"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/push"
	"github.com/samims/dispatch/internal/storage"
	"github.com/samims/dispatch/internal/webhook"
)

// Store is the slice of storage the pipeline writes to.
type Store interface {
	storage.AppStorage
	storage.DeviceStorage
	storage.NotificationStorage
	storage.DeliveryLogStorage
}

type HookDispatcher interface {
	Dispatch(ctx context.Context, appID, event string, payload map[string]any) []webhook.Outcome
}

// outcome is the provider-neutral result of one attempt.
type outcome struct {
	success   bool
	messageID string
	errMsg    string
	status    int
	expired   bool
}

func fromPush(r push.SendResult) outcome {
	return outcome{success: r.Success, messageID: r.MessageID, errMsg: r.Error, status: r.StatusCode, expired: r.Expired}
}

func fromChannel(r channel.Result) outcome {
	return outcome{success: r.Success, messageID: r.MessageID, errMsg: r.Error, status: r.StatusCode, expired: r.Expired}
}

func failedWith(err error) outcome { return outcome{errMsg: err.Error()} }

// attempt describes who was tried and whether a failure is the last word.
type attempt struct {
	job    model.SendJob
	number int
	final  bool
}

func (a attempt) recipient() string {
	if a.job.DeliveryMode == model.DeliveryModeChannel {
		return a.job.To
	}
	return a.job.Token
}

func (a attempt) channelLabel() string {
	if a.job.DeliveryMode == model.DeliveryModeChannel {
		return string(a.job.ChannelType)
	}
	return string(model.ChannelPush) + "_" + string(a.job.Platform)
}

// recorder performs the bookkeeping shared by the queued and direct paths.
type recorder struct {
	store  Store
	hooks  HookDispatcher
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// record writes one delivery log row for every attempt. Counters, status,
// events and hooks move only once per recipient: on success or on the
// final failure.
func (r *recorder) record(ctx context.Context, a attempt, out outcome) {
	now := r.now().UTC()
	status := model.DeliveryFailed
	if out.success {
		status = model.DeliverySent
	}
	log := model.DeliveryLog{
		ID:               uuid.NewString(),
		NotificationID:   a.job.NotificationID,
		AppID:            a.job.AppID,
		DeviceID:         a.job.DeviceID,
		ChannelID:        a.job.ChannelID,
		Recipient:        a.recipient(),
		Status:           status,
		ProviderResponse: providerResponse(out),
		ErrorMessage:     out.errMsg,
		Attempts:         a.number,
		CreatedAt:        now,
	}
	if out.success {
		log.SentAt = &now
	}
	if err := r.store.InsertDeliveryLog(ctx, log); err != nil {
		r.logger.Error("failed to insert delivery log",
			slog.String("notification_id", a.job.NotificationID), slog.Any("error", err))
	}
	metrics.Deliveries.WithLabelValues(a.channelLabel(), string(status)).Inc()

	if out.expired && a.job.DeviceID != "" {
		if err := r.store.UpdateDeviceStatus(ctx, a.job.DeviceID, model.DeviceExpired); err != nil {
			r.logger.Error("failed to expire device", slog.String("device_id", a.job.DeviceID), slog.Any("error", err))
		} else {
			r.logger.Info("device expired by provider", slog.String("device_id", a.job.DeviceID))
		}
	}

	if !out.success && !a.final {
		return
	}
	r.settle(ctx, a, out)
}

func (r *recorder) settle(ctx context.Context, a attempt, out outcome) {
	sent, failed := 0, 1
	event := model.EventNotificationFailed
	if out.success {
		sent, failed = 1, 0
		event = model.EventNotificationSent
	}

	if a.job.NotificationID != "" {
		n, err := r.store.IncrementNotificationCounters(ctx, a.job.NotificationID, sent, failed)
		switch {
		case err != nil:
			r.logger.Error("failed to update notification counters",
				slog.String("notification_id", a.job.NotificationID), slog.Any("error", err))
		case n.Settled():
			if err := r.store.UpdateNotificationStatus(ctx, n.ID, n.FinalStatus()); err != nil {
				r.logger.Error("failed to settle notification", slog.String("notification_id", n.ID), slog.Any("error", err))
			}
		}
	}

	payload := map[string]any{
		"notificationId": a.job.NotificationID,
		"recipient":      a.recipient(),
		"attempt":        a.number,
	}
	if a.job.DeviceID != "" {
		payload["deviceId"] = a.job.DeviceID
		payload["platform"] = a.job.Platform
	}
	if a.job.ChannelID != "" {
		payload["channelId"] = a.job.ChannelID
		payload["channelType"] = a.job.ChannelType
	}
	if out.messageID != "" {
		payload["messageId"] = out.messageID
	}
	if out.errMsg != "" {
		payload["error"] = out.errMsg
	}

	if r.events != nil {
		if err := r.events.Publish(ctx, events.New(event, a.job.AppID, payload)); err != nil {
			r.logger.Warn("failed to publish outcome event", slog.String("event", event), slog.Any("error", err))
		}
	}
	if r.hooks != nil {
		r.hooks.Dispatch(ctx, a.job.AppID, event, payload)
	}
}

func providerResponse(out outcome) string {
	switch {
	case out.messageID != "":
		return out.messageID
	case out.status != 0:
		return "HTTP " + strconv.Itoa(out.status)
	}
	return ""
}

// terminal reports whether err can never succeed on retry.
func terminal(err error) bool {
	return appErr.IsTerminal(err) || appErr.IsNotFound(err) || errors.Is(err, appErr.ErrInactive)
}
