package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/samims/dispatch/internal/metrics"
	"github.com/samims/dispatch/internal/ratelimit"
)

type Consumer interface {
	Consume(ctx context.Context, key string) (ratelimit.Decision, error)
}

type principalKey struct{}

// WithPrincipal records the caller identity verified by the authentication
// layer in front of the router.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
}

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

// DefaultKey uses the verified principal, falling back to the client
// address. Request headers never choose the bucket.
func DefaultKey(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return "principal:" + p
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimit rejects requests over the limit with 429. Store errors are
// already logged by the limiter and let the request through.
func RateLimit(l Consumer, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = DefaultKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, _ := l.Consume(r.Context(), key(r))
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				metrics.RateLimitRejections.Inc()
				h.Set("Content-Type", "application/json")
				h.Set("Retry-After", strconv.FormatInt(retryAfter(d), 10))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":   "rate limit exceeded",
					"limit":   d.Limit,
					"resetAt": d.ResetAt.Unix(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfter(d ratelimit.Decision) int64 {
	secs := int64(time.Until(d.ResetAt).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}
