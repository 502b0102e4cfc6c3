package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/samims/dispatch/internal/service"
	"github.com/samims/dispatch/pkg/tracing"
)

type NotificationHandler struct {
	svc    service.NotificationService
	logger *slog.Logger
}

func NewNotificationHandler(s service.NotificationService, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{svc: s, logger: logger.With("layer", "handler", "component", "notificationHandler")}
}

func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	tracer := tracing.NewTracer(tracing.GetTracer("notification-handler"))
	ctx, span := tracer.StartServerSpan(r.Context(), "Send")
	defer span.End()

	var req service.SendRequest
	if err := decode(w, r, &req); err != nil {
		h.logger.Warn("Invalid request body for Send", slog.Any("error", err))
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.AppID = chi.URLParam(r, "appID")

	res, err := h.svc.Send(ctx, req)
	if err != nil {
		fail(w, h.logger, tracer, span, "Send", err)
		return
	}
	status := http.StatusCreated
	if res.Enqueued > 0 {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

func (h *NotificationHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	tracer := tracing.NewTracer(tracing.GetTracer("notification-handler"))
	ctx, span := tracer.StartServerSpan(r.Context(), "Dispatch")
	defer span.End()

	res, err := h.svc.Dispatch(ctx, chi.URLParam(r, "appID"), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, h.logger, tracer, span, "Dispatch", err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (h *NotificationHandler) SendToChannel(w http.ResponseWriter, r *http.Request) {
	tracer := tracing.NewTracer(tracing.GetTracer("notification-handler"))
	ctx, span := tracer.StartServerSpan(r.Context(), "SendToChannel")
	defer span.End()

	var req service.ChannelSendRequest
	if err := decode(w, r, &req); err != nil {
		h.logger.Warn("Invalid request body for SendToChannel", slog.Any("error", err))
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.AppID = chi.URLParam(r, "appID")

	res, err := h.svc.SendToChannel(ctx, req)
	if err != nil {
		fail(w, h.logger, tracer, span, "SendToChannel", err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}
