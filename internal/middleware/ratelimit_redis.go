package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter enforces limits with the GCRA algorithm in Redis so every replica
// shares the same allowance per client.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter on client. prefix separates the counters of
// different route groups.
func NewRedisLimiter(client redis.UniversalClient, prefix string, cfg RateLimitConfig) *RedisLimiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  burst,
			Period: time.Minute,
		},
		prefix: prefix,
	}
}

// Check consumes one request for key
func (rl *RedisLimiter) Check(ctx context.Context, key string) (LimitResult, error) {
	res, err := rl.limiter.Allow(ctx, rl.prefix+":"+key, rl.limit)
	if err != nil {
		return LimitResult{}, fmt.Errorf("redis rate limit: %w", err)
	}
	return LimitResult{
		Allowed:    res.Allowed > 0,
		Limit:      rl.limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Reset clears the counter for key
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	return rl.limiter.Reset(ctx, rl.prefix+":"+key)
}
