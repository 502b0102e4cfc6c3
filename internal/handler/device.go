package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/samims/dispatch/internal/service"
	"github.com/samims/dispatch/pkg/tracing"
)

type DeviceHandler struct {
	svc    service.DeviceService
	logger *slog.Logger
}

func NewDeviceHandler(s service.DeviceService, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{svc: s, logger: logger.With("layer", "handler", "component", "deviceHandler")}
}

func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	tracer := tracing.NewTracer(tracing.GetTracer("device-handler"))
	ctx, span := tracer.StartServerSpan(r.Context(), "Register")
	defer span.End()

	var req service.RegisterDeviceRequest
	if err := decode(w, r, &req); err != nil {
		h.logger.Warn("Invalid request body for Register", slog.Any("error", err))
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.AppID = chi.URLParam(r, "appID")

	d, err := h.svc.Register(ctx, req)
	if err != nil {
		fail(w, h.logger, tracer, span, "Register", err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}
