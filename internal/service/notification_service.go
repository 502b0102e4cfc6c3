// Package service orchestrates send requests: target resolution, the choice
// between scheduled, queued and inline delivery, device registration and
// health checks.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/samims/dispatch/internal/delivery"
	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/queue"
	"github.com/samims/dispatch/internal/storage"
	"github.com/samims/dispatch/internal/validation"
)

// SendRequest asks for a push notification to the app's devices. With
// ScheduledAt in the future the notification is only stored; the external
// scheduler later calls Dispatch. Queued sends go through the notification
// queue, everything else is delivered inline.
type SendRequest struct {
	AppID       string                    `json:"-" validate:"required"`
	Payload     model.NotificationPayload `json:"payload"`
	Target      model.TargetSelection     `json:"target"`
	ScheduledAt *time.Time                `json:"scheduledAt,omitempty"`
	Queued      bool                      `json:"queued,omitempty"`
}

type targetRules struct {
	Platforms []model.Platform `json:"platforms" validate:"dive,oneof=IOS ANDROID WEB"`
	Title     string           `json:"title" validate:"required_without=Body"`
	Body      string           `json:"body"`
}

// ChannelSendRequest targets one configured channel, by id or by type.
type ChannelSendRequest struct {
	AppID       string                    `json:"-" validate:"required"`
	ChannelID   string                    `json:"channelId" validate:"required_without=ChannelType"`
	ChannelType model.ChannelType         `json:"channelType" validate:"omitempty,oneof=EMAIL SMS DISCORD TELEGRAM IN_APP PUSH"`
	To          string                    `json:"to"`
	Payload     model.NotificationPayload `json:"payload"`
}

type SendResult struct {
	Notification model.Notification `json:"notification"`
	// Summary is set for inline sends only.
	Summary *delivery.Summary `json:"summary,omitempty"`
	// Enqueued counts the jobs written for queued and dispatched sends.
	Enqueued int `json:"enqueued,omitempty"`
}

type NotificationStore interface {
	storage.NotificationStorage
	storage.DeviceStorage
}

// InlineSender delivers to devices without the queue.
type InlineSender interface {
	Send(ctx context.Context, n model.Notification, devices []model.Device) delivery.Summary
}

type NotificationService interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	Dispatch(ctx context.Context, appID, notificationID string) (SendResult, error)
	SendToChannel(ctx context.Context, req ChannelSendRequest) (SendResult, error)
}

type notificationService struct {
	store    NotificationStore
	producer queue.Producer
	direct   InlineSender
	logger   *slog.Logger
	now      func() time.Time
}

func NewNotificationService(store NotificationStore, producer queue.Producer, direct InlineSender, logger *slog.Logger) NotificationService {
	l := logger.With("layer", "service", "component", "notificationService")
	return &notificationService{store: store, producer: producer, direct: direct, logger: l, now: time.Now}
}

func (s *notificationService) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := validation.Struct(req); err != nil {
		return SendResult{}, appErr.NewInvalidInput("%v", err)
	}
	if err := validation.Struct(targetRules{Platforms: req.Target.Platforms, Title: req.Payload.Title, Body: req.Payload.Body}); err != nil {
		return SendResult{}, appErr.NewInvalidInput("%v", err)
	}

	n := model.Notification{
		ID:          uuid.NewString(),
		AppID:       req.AppID,
		Payload:     req.Payload,
		Target:      req.Target,
		ScheduledAt: req.ScheduledAt,
		Status:      model.NotificationPending,
	}
	if n.ScheduledAt != nil && n.ScheduledAt.After(s.now()) {
		n.Status = model.NotificationScheduled
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return SendResult{}, appErr.NewInternal("failed to create notification: %v", err)
	}
	if n.Status == model.NotificationScheduled {
		s.logger.Info("notification scheduled",
			slog.String("notification_id", n.ID),
			slog.Time("scheduled_at", *n.ScheduledAt))
		return SendResult{Notification: n}, nil
	}

	n, err := s.claim(ctx, n.ID)
	if err != nil {
		return SendResult{}, err
	}
	if req.Queued {
		return s.enqueueDevices(ctx, n)
	}

	devices, err := s.targets(ctx, &n)
	if err != nil || len(devices) == 0 {
		return SendResult{Notification: n}, err
	}
	summary := s.direct.Send(ctx, n, devices)
	return s.reload(ctx, n, SendResult{Summary: &summary})
}

// Dispatch fans a pending or scheduled notification out as device jobs.
func (s *notificationService) Dispatch(ctx context.Context, appID, notificationID string) (SendResult, error) {
	n, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		return SendResult{}, err
	}
	if n.AppID != appID {
		return SendResult{}, appErr.NewNotFound("notification %s", notificationID)
	}
	if n, err = s.claim(ctx, n.ID); err != nil {
		return SendResult{}, err
	}
	return s.enqueueDevices(ctx, n)
}

// claim takes the one-time dispatch right for a notification. A second
// dispatch, concurrent or later, gets ErrConflict.
func (s *notificationService) claim(ctx context.Context, id string) (model.Notification, error) {
	n, err := s.store.ClaimNotificationDispatch(ctx, id)
	switch {
	case err == nil:
		return n, nil
	case appErr.IsConflict(err), appErr.IsNotFound(err):
		return model.Notification{}, err
	default:
		return model.Notification{}, appErr.NewInternal("failed to claim notification %s: %v", id, err)
	}
}

func (s *notificationService) enqueueDevices(ctx context.Context, n model.Notification) (SendResult, error) {
	devices, err := s.targets(ctx, &n)
	if err != nil || len(devices) == 0 {
		return SendResult{Notification: n}, err
	}
	enqueued := 0
	for _, d := range devices {
		job := model.SendJob{
			NotificationID: n.ID,
			AppID:          n.AppID,
			DeliveryMode:   model.DeliveryModeDevice,
			DeviceID:       d.ID,
			Platform:       d.Platform,
			Token:          d.Token,
			WebPushP256dh:  d.WebPushP256dh,
			WebPushAuth:    d.WebPushAuth,
			Payload:        n.Payload,
		}
		if _, err := s.producer.Enqueue(ctx, queue.NotificationQueue, delivery.JobName, job,
			queue.WithJobID(n.ID+":"+d.ID)); err != nil {
			s.logger.Error("failed to enqueue device job",
				slog.String("notification_id", n.ID),
				slog.String("device_id", d.ID),
				slog.Any("error", err))
			if enqueued == 0 {
				if rerr := s.store.ReleaseNotificationDispatch(ctx, n.ID); rerr != nil {
					s.logger.Error("failed to release dispatch claim",
						slog.String("notification_id", n.ID),
						slog.Any("error", rerr))
				}
			}
			return SendResult{Notification: n, Enqueued: enqueued}, appErr.NewInternal("failed to enqueue notification %s: %v", n.ID, err)
		}
		enqueued++
	}
	s.logger.Info("notification dispatched",
		slog.String("notification_id", n.ID),
		slog.Int("jobs", enqueued))
	return SendResult{Notification: n, Enqueued: enqueued}, nil
}

// targets resolves the ACTIVE devices and records the target count. With no
// device the notification is settled FAILED right away.
func (s *notificationService) targets(ctx context.Context, n *model.Notification) ([]model.Device, error) {
	devices, err := s.store.ListActiveDevices(ctx, n.AppID, storage.DeviceFilter{
		IDs:       n.Target.DeviceIDs,
		Platforms: n.Target.Platforms,
		UserIDs:   n.Target.UserIDs,
	})
	if err != nil {
		return nil, appErr.NewInternal("failed to resolve targets: %v", err)
	}
	if err := s.store.SetNotificationTargets(ctx, n.ID, len(devices)); err != nil {
		return nil, appErr.NewInternal("failed to set targets: %v", err)
	}
	n.TotalTargets = len(devices)
	if len(devices) == 0 {
		s.logger.Warn("notification has no active targets", slog.String("notification_id", n.ID))
		if err := s.store.UpdateNotificationStatus(ctx, n.ID, model.NotificationFailed); err != nil {
			return nil, appErr.NewInternal("failed to update notification: %v", err)
		}
		n.Status = model.NotificationFailed
	}
	return devices, nil
}

func (s *notificationService) SendToChannel(ctx context.Context, req ChannelSendRequest) (SendResult, error) {
	if err := validation.Struct(req); err != nil {
		return SendResult{}, appErr.NewInvalidInput("%v", err)
	}
	n := model.Notification{
		ID:      uuid.NewString(),
		AppID:   req.AppID,
		Payload: req.Payload,
		Status:  model.NotificationPending,
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return SendResult{}, appErr.NewInternal("failed to create notification: %v", err)
	}
	if err := s.store.SetNotificationTargets(ctx, n.ID, 1); err != nil {
		return SendResult{}, appErr.NewInternal("failed to set targets: %v", err)
	}
	n.TotalTargets = 1

	job := model.SendJob{
		NotificationID: n.ID,
		AppID:          req.AppID,
		DeliveryMode:   model.DeliveryModeChannel,
		ChannelID:      req.ChannelID,
		ChannelType:    req.ChannelType,
		To:             req.To,
		Payload:        req.Payload,
	}
	if _, err := s.producer.Enqueue(ctx, queue.NotificationQueue, delivery.JobName, job, queue.WithJobID(n.ID)); err != nil {
		return SendResult{Notification: n}, appErr.NewInternal("failed to enqueue channel send: %v", err)
	}
	return SendResult{Notification: n, Enqueued: 1}, nil
}

func (s *notificationService) reload(ctx context.Context, n model.Notification, res SendResult) (SendResult, error) {
	fresh, err := s.store.GetNotification(ctx, n.ID)
	if err != nil {
		return res, fmt.Errorf("reload notification %s: %w", n.ID, err)
	}
	res.Notification = fresh
	return res, nil
}
