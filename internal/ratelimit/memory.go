package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// idleEviction is how long a client may stay silent before its bucket is
// dropped. A dropped bucket comes back full, which is what an idle bucket
// would have refilled to anyway once idleEviction >= burst/rate.
const idleEviction = 10 * time.Minute

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a per-key token bucket for a single instance. It backs
// the approval callback when no Redis is configured.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter refills rate tokens per second up to burst. Call Close
// to stop the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := m.Check(ctx, key)
	return res.Allowed, err
}

// Check takes one token from key's bucket and reports the remaining quota.
// ResetAt is when the next token becomes available.
func (m *MemoryLimiter) Check(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	}
	b.tokens = min(b.tokens+now.Sub(b.seen).Seconds()*m.rate, m.burst)
	b.seen = now

	res := Result{Limit: int(m.burst)}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = int(math.Floor(b.tokens))
	res.ResetAt = now.Add(m.untilNextToken(b.tokens))
	return res, nil
}

func (m *MemoryLimiter) untilNextToken(tokens float64) time.Duration {
	if tokens >= 1 || m.rate <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / m.rate * float64(time.Second))
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
