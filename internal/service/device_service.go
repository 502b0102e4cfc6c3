package service

import (
	"context"
	"log/slog"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/storage"
	"github.com/samims/dispatch/internal/validation"
)

// RegisterDeviceRequest registers a push endpoint. For WEB the token is the
// subscription endpoint URL and both keys are required.
type RegisterDeviceRequest struct {
	AppID         string         `json:"-" validate:"required"`
	UserID        string         `json:"userId"`
	Platform      model.Platform `json:"platform" validate:"required,oneof=IOS ANDROID WEB"`
	Token         string         `json:"token" validate:"required,max=4096"`
	WebPushP256dh string         `json:"webPushP256dh" validate:"required_if=Platform WEB"`
	WebPushAuth   string         `json:"webPushAuth" validate:"required_if=Platform WEB"`
}

type DeviceService interface {
	Register(ctx context.Context, req RegisterDeviceRequest) (model.Device, error)
}

type deviceService struct {
	store  storage.DeviceStorage
	logger *slog.Logger
}

func NewDeviceService(store storage.DeviceStorage, logger *slog.Logger) DeviceService {
	l := logger.With("layer", "service", "component", "deviceService")
	return &deviceService{store: store, logger: l}
}

// Register is idempotent per (app, token, user): a repeat refreshes the
// existing row and reactivates it.
func (s *deviceService) Register(ctx context.Context, req RegisterDeviceRequest) (model.Device, error) {
	if err := validation.Struct(req); err != nil {
		return model.Device{}, appErr.NewInvalidInput("%v", err)
	}
	if req.Platform == model.PlatformWeb {
		if err := validation.Var(req.Token, "url"); err != nil {
			return model.Device{}, appErr.NewInvalidInput("token must be the push subscription endpoint URL")
		}
	}
	d, err := s.store.UpsertDevice(ctx, model.Device{
		AppID:         req.AppID,
		UserID:        req.UserID,
		Platform:      req.Platform,
		Token:         req.Token,
		WebPushP256dh: req.WebPushP256dh,
		WebPushAuth:   req.WebPushAuth,
		Status:        model.DeviceActive,
	})
	if err != nil {
		return model.Device{}, appErr.NewInternal("failed to register device: %v", err)
	}
	s.logger.Debug("device registered",
		slog.String("device_id", d.ID),
		slog.String("platform", string(d.Platform)))
	return d, nil
}
