package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rule is a sliding-window limit: at most Limit requests per Window per key.
// Prefix namespaces the Redis keys so several rules can share one client.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of one RedisLimiter check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the X-RateLimit-* headers for r.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// slidingWindow trims the window, then admits the request when there is room.
// Returns {allowed, count after this request, oldest score in window}.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
	redis.call("ZADD", key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call("PEXPIRE", key, window)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local first = now
if oldest[2] then first = tonumber(oldest[2]) end
return {allowed, count, first}
`)

// RedisLimiter is a sliding-window Limiter shared across instances through Redis.
// A nil client permits everything.
type RedisLimiter struct {
	client *redis.Client
	rule   Rule
	logger *slog.Logger
}

// NewRedisLimiter creates a limiter enforcing rule. The caller owns client.
func NewRedisLimiter(client *redis.Client, rule Rule, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, rule: rule, logger: logger.With("component", "ratelimit")}
}

// Check records one request for key and reports whether it fits the window.
func (l *RedisLimiter) Check(ctx context.Context, key string) (Result, error) {
	if l.client == nil {
		return Result{Allowed: true, Limit: l.rule.Limit, Remaining: l.rule.Limit, ResetAt: time.Now().Add(l.rule.Window)}, nil
	}
	now := time.Now()
	windowMS := l.rule.Window.Milliseconds()
	raw, err := slidingWindow.Run(ctx, l.client,
		[]string{"atelier:ratelimit:" + l.rule.Prefix + ":" + key},
		now.UnixMilli(), windowMS, l.rule.Limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("ratelimit: redis: unexpected reply %v", raw)
	}
	return Result{
		Allowed:   raw[0] == 1,
		Limit:     l.rule.Limit,
		Remaining: max(l.rule.Limit-int(raw[1]), 0),
		ResetAt:   time.UnixMilli(raw[2] + windowMS),
	}, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := l.Check(ctx, key)
	if err != nil {
		return true, err
	}
	return res.Allowed, nil
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLimiter) Close() error { return nil }
