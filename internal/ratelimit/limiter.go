package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Quota decides whether one request fits within the caller's allowance.
// Implementations return an error only when the decision could not be made.
type Quota interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisQuota is a fixed-window counter in Redis: INCR per request, EXPIRE on
// the first hit of a window, allow while the count is within the limit.
type RedisQuota struct {
	client *redis.Client
	limit  int64
	window time.Duration
	logger *zap.Logger
}

// NewRedisQuota creates a quota allowing limit requests per window.
func NewRedisQuota(client *redis.Client, limit int64, window time.Duration, logger *zap.Logger) *RedisQuota {
	return &RedisQuota{
		client: client,
		limit:  limit,
		window: window,
		logger: logger.Named("RedisQuota"),
	}
}

// Allow counts this request against the key's current window.
func (q *RedisQuota) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := "ratelimit:" + key

	count, err := q.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	// First hit of the window starts the clock. If the EXPIRE is lost the key
	// keeps its previous TTL, so the window never becomes unbounded.
	if count == 1 {
		if err := q.client.Expire(ctx, redisKey, q.window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	allowed := count <= q.limit
	if !allowed {
		q.logger.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int64("limit", q.limit))
	}
	return allowed, nil
}
