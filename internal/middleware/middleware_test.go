package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/samims/dispatch/internal/ratelimit"
)

type mockConsumer struct {
	mock.Mock
}

func (m *mockConsumer) Consume(ctx context.Context, key string) (ratelimit.Decision, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(ratelimit.Decision), args.Error(1)
}

func TestRateLimit(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	tests := []struct {
		name       string
		decision   ratelimit.Decision
		err        error
		wantStatus int
		remaining  string
	}{
		{"allowed", ratelimit.Decision{Allowed: true, Limit: 3, Remaining: 2, ResetAt: reset}, nil, http.StatusOK, "2"},
		{"rejected", ratelimit.Decision{Allowed: false, Limit: 3, Remaining: 0, ResetAt: reset}, nil, http.StatusTooManyRequests, "0"},
		{"store down", ratelimit.Decision{Allowed: true, Limit: 3, Remaining: 3, ResetAt: reset}, errors.New("dial tcp"), http.StatusOK, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockConsumer{}
			m.On("Consume", mock.Anything, "principal:abc").Return(tt.decision, tt.err).Once()

			h := RateLimit(m, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/v1/apps/a/notifications", nil)
			req = req.WithContext(WithPrincipal(req.Context(), "abc"))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
			assert.Equal(t, tt.remaining, rec.Header().Get("X-RateLimit-Remaining"))
			assert.Equal(t, strconv.FormatInt(reset.Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
			if tt.wantStatus == http.StatusTooManyRequests {
				assert.Contains(t, rec.Body.String(), "rate limit exceeded")
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
			m.AssertExpectations(t)
		})
	}
}

func TestDefaultKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "ip:10.0.0.7", DefaultKey(req))

	req.Header.Set("X-API-Key", "k1")
	assert.Equal(t, "ip:10.0.0.7", DefaultKey(req))

	req = req.WithContext(WithPrincipal(req.Context(), "app-1"))
	assert.Equal(t, "principal:app-1", DefaultKey(req))
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/v1/apps/{appID}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/apps/{appID}", routePattern(r))
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/apps/123", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
