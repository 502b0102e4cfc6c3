package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestConsumeFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewLimiter(rdb, 3, 60*time.Second, quietLogger())
	ctx := context.Background()

	var got []Decision
	for i := 0; i < 4; i++ {
		d, err := l.Consume(ctx, "api-key-1")
		require.NoError(t, err)
		got = append(got, d)
	}
	assert.Equal(t, []bool{true, true, true, false}, []bool{got[0].Allowed, got[1].Allowed, got[2].Allowed, got[3].Allowed})
	assert.Equal(t, []int{2, 1, 0, 0}, []int{got[0].Remaining, got[1].Remaining, got[2].Remaining, got[3].Remaining})
	assert.Equal(t, 3, got[3].Limit)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), got[3].ResetAt, 2*time.Second)

	other, err := l.Consume(ctx, "api-key-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	mr.FastForward(61 * time.Second)
	d, err := l.Consume(ctx, "api-key-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestConsumeFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	l := NewLimiter(rdb, 3, time.Minute, quietLogger())
	d, err := l.Consume(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
}
