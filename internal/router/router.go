package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samims/dispatch/internal/handler"
	customMiddleware "github.com/samims/dispatch/internal/middleware"
)

type Handlers struct {
	Notifications *handler.NotificationHandler
	Devices       *handler.DeviceHandler
	Workflows     *handler.WorkflowHandler
	Health        *handler.HealthHandler
}

// NewRouter mounts the API under /v1. A nil limiter disables rate limiting.
func NewRouter(h Handlers, limiter customMiddleware.Consumer) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(customMiddleware.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1/apps/{appID}", func(r chi.Router) {
		if limiter != nil {
			r.Use(customMiddleware.RateLimit(limiter, customMiddleware.DefaultKey))
		}
		r.Post("/notifications", h.Notifications.Send)
		r.Post("/notifications/channel", h.Notifications.SendToChannel)
		r.Post("/notifications/{id}/dispatch", h.Notifications.Dispatch)
		r.Post("/devices", h.Devices.Register)
		r.Post("/workflows/trigger", h.Workflows.Trigger)
		r.Post("/workflows/executions/{id}/cancel", h.Workflows.Cancel)
	})

	// Health & Readiness Routes
	r.Get("/healthz", h.Health.Liveness)
	r.Get("/readyz", h.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
