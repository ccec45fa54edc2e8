package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, limit int64, window time.Duration) (*FailOpen, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	quota := NewRedisQuota(client, limit, window, zap.NewNop())
	return NewFailOpen(quota, 1200*time.Millisecond, zap.NewNop()), mr
}

func TestFailOpenAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("Requests under the limit are admitted", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 3, time.Minute)
		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow(ctx, "caller-1"))
		}
	})

	t.Run("Requests over the limit are rejected", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 3, time.Minute)
		for i := 0; i < 3; i++ {
			require.True(t, limiter.Allow(ctx, "caller-1"))
		}
		assert.False(t, limiter.Allow(ctx, "caller-1"))
	})

	t.Run("Keys are counted independently", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 1, time.Minute)
		require.True(t, limiter.Allow(ctx, "caller-1"))
		assert.False(t, limiter.Allow(ctx, "caller-1"))
		assert.True(t, limiter.Allow(ctx, "caller-2"))
	})

	t.Run("Window expiry resets the count", func(t *testing.T) {
		limiter, mr := newTestLimiter(t, 1, time.Minute)
		require.True(t, limiter.Allow(ctx, "caller-1"))
		require.False(t, limiter.Allow(ctx, "caller-1"))

		mr.FastForward(time.Minute + time.Second)
		assert.True(t, limiter.Allow(ctx, "caller-1"))
	})

	t.Run("Unreachable backend fails open", func(t *testing.T) {
		limiter, mr := newTestLimiter(t, 1, time.Minute)
		mr.Close()

		assert.True(t, limiter.Allow(ctx, "caller-1"))
		assert.True(t, limiter.Allow(ctx, "caller-1"))
	})

	t.Run("Slow backend fails open within the deadline", func(t *testing.T) {
		limiter := NewFailOpen(blockingQuota{}, 100*time.Millisecond, zap.NewNop())

		start := time.Now()
		allowed := limiter.Allow(ctx, "caller-1")

		assert.True(t, allowed)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Backend ignoring cancellation still fails open", func(t *testing.T) {
		limiter := NewFailOpen(stuckQuota{block: make(chan struct{})}, 100*time.Millisecond, zap.NewNop())

		start := time.Now()
		allowed := limiter.Allow(ctx, "caller-1")

		assert.True(t, allowed)
		assert.Less(t, time.Since(start), time.Second)
	})
}

// blockingQuota honors cancellation but never answers before it.
type blockingQuota struct{}

func (blockingQuota) Allow(ctx context.Context, key string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

// stuckQuota ignores the context entirely.
type stuckQuota struct {
	block chan struct{}
}

func (q stuckQuota) Allow(ctx context.Context, key string) (bool, error) {
	<-q.block
	return false, nil
}
