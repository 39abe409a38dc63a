// Package ratelimit throttles trial creation and token issuance per caller.
//
// MemoryLimiter is a per-process token bucket. RedisLimiter shares a fixed
// window counter across instances through Redis. Both satisfy Limiter.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // Zero when Allowed.
}

// Headers renders the decision as X-RateLimit-* response headers.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(max(d.Remaining, 0)),
	}
	if !d.Allowed {
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		h["Retry-After"] = strconv.Itoa(max(secs, 1))
	}
	return h
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit for key. An error means the limiter itself
	// failed; the middleware then lets the request through.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
