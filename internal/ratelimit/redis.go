package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "hatchery:ratelimit:"

// RedisLimiter counts requests per key in fixed windows stored in Redis, so
// every instance behind a load balancer enforces the same budget.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

// NewRedisLimiter allows burst requests per window, where the window is sized
// so the long-run rate matches rate requests per second.
func NewRedisLimiter(client redis.UniversalClient, rate float64, burst int) *RedisLimiter {
	window := time.Duration(float64(burst) / rate * float64(time.Second))
	if window < time.Millisecond {
		window = time.Millisecond
	}
	return &RedisLimiter{client: client, limit: burst, window: window}
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := redisKeyPrefix + key
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	// A key without expiry is a fresh window, or one whose PEXPIRE was lost.
	if ttl.Val() < 0 {
		if err := r.client.PExpire(ctx, k, r.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: redis expire: %w", err)
		}
	}

	count := int(incr.Val())
	d := Decision{Limit: r.limit, Remaining: r.limit - count}
	if count <= r.limit {
		d.Allowed = true
		return d, nil
	}
	d.RetryAfter = ttl.Val()
	if d.RetryAfter <= 0 {
		d.RetryAfter = r.window
	}
	return d, nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisLimiter) Close() error { return nil }
