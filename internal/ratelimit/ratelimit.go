// Package ratelimit is a fixed-window request limiter backed by Redis.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// One round trip: INCR, start the window on the first hit, report the
// count and the remaining window in ms.
var consumeScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func NewLimiter(rdb redis.UniversalClient, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: "dispatch:ratelimit:",
		logger: logger.With("layer", "ratelimit", "component", "limiter"),
		now:    time.Now,
	}
}

// Consume counts one hit against key. When the store is unreachable the
// request is allowed and the error is returned for the caller to log.
func (l *Limiter) Consume(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	res, err := consumeScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if err == nil {
			err = redis.Nil
		}
		l.logger.Warn("rate limit store unavailable, allowing request",
			slog.String("key", key), slog.Any("error", err))
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAt: now.Add(l.window)}, err
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
	}, nil
}
