package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FailOpen wraps a Quota so a broken or slow limiter backend degrades to
// admitting traffic instead of taking the API down with it. Every decision
// is bounded by the configured timeout; errors and timeouts both read as
// allow.
type FailOpen struct {
	delegate Quota
	timeout  time.Duration
	logger   *zap.Logger
}

// NewFailOpen wraps delegate with the fail-open policy.
func NewFailOpen(delegate Quota, timeout time.Duration, logger *zap.Logger) *FailOpen {
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	return &FailOpen{
		delegate: delegate,
		timeout:  timeout,
		logger:   logger.Named("RateLimiter"),
	}
}

// Allow returns the delegate's decision, or true when the delegate cannot
// answer in time. The deadline is enforced here, not just through the
// context: a delegate that ignores cancellation still cannot hold the
// request past the timeout. The fallback is logged loudly so a dead backend
// does not silently disable limiting.
func (f *FailOpen) Allow(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type decision struct {
		allowed bool
		err     error
	}
	results := make(chan decision, 1)
	go func() {
		allowed, err := f.delegate.Allow(ctx, key)
		results <- decision{allowed: allowed, err: err}
	}()

	select {
	case d := <-results:
		if d.err != nil {
			f.logger.Warn("Rate limiter unavailable, allowing request",
				zap.String("key", key),
				zap.Error(d.err))
			return true
		}
		return d.allowed
	case <-ctx.Done():
		f.logger.Warn("Rate limiter timed out, allowing request",
			zap.String("key", key),
			zap.Duration("timeout", f.timeout))
		return true
	}
}
