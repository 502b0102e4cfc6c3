package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/samims/dispatch/internal/metrics"
)

// MetricsMiddleware records request counts and latency by route pattern so
// path ids do not explode label cardinality.
func MetricsMiddleware(next http.Handler) http.Handler {
	h := func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()
		route := routePattern(r)
		status := strconv.Itoa(ww.Status())

		metrics.HTTPRequests.WithLabelValues(route, r.Method, status).Inc()
		metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(duration)
	}

	return http.HandlerFunc(h)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
