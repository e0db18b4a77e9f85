package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/atelier/internal/model"
)

const redisKeyPrefix = "atelier:approval:"

// putScript applies first-wins semantics atomically.
// Returns -1 unknown, 0 same decision already stored, 1 stored, 2 conflict.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'decision')
if not cur then return -1 end
if cur == 'pending' then
  redis.call('HSET', KEYS[1], 'decision', ARGV[1], 'decided_at', ARGV[2])
  return 1
end
if cur == ARGV[1] then return 0 end
return 2
`)

// RedisStore keeps decisions in Redis hashes so a callback receiver in
// another process can record them. Keys expire after ttl.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to the redis:// URL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("approval: parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("approval: redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

// Client returns the underlying client so other Redis users can share it.
func (s *RedisStore) Client() *redis.Client { return s.rdb }

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func key(h Handle) string { return redisKeyPrefix + string(h) }

func (s *RedisStore) Open(ctx context.Context, h Handle, runID uuid.UUID) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key(h),
			"run_id", runID.String(),
			"decision", string(model.DecisionPending),
			"created_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
		if s.ttl > 0 {
			p.Expire(ctx, key(h), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("approval: redis open: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, h Handle) (model.Decision, error) {
	v, err := s.rdb.HGet(ctx, key(h), "decision").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrUnknownHandle
		}
		return "", fmt.Errorf("approval: redis get: %w", err)
	}
	return model.ParseDecision(v)
}

func (s *RedisStore) Put(ctx context.Context, h Handle, d model.Decision) error {
	res, err := putScript.Run(ctx, s.rdb, []string{key(h)},
		string(d), time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("approval: redis put: %w", err)
	}
	switch res {
	case -1:
		return ErrUnknownHandle
	case 2:
		return ErrAlreadyDecided
	default:
		return nil
	}
}
