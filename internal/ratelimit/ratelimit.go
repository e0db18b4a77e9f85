// Package ratelimit limits request rates per key.
//
// MemoryLimiter is a per-process token bucket. RedisLimiter is a sliding
// window shared by every instance pointed at the same Redis. Both satisfy
// Limiter, which is what the HTTP middleware consumes.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. A non-nil error
	// means the limiter itself failed; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
