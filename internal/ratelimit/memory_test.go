package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstAndRefill(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		burst   int
		first   int
		advance time.Duration
		then    int
		want    int
	}{
		{name: "burst then deny", rate: 1, burst: 3, first: 5, want: 3},
		{name: "one token after one interval", rate: 2, burst: 3, first: 3, advance: 500 * time.Millisecond, then: 3, want: 4},
		{name: "refill caps at burst", rate: 1000, burst: 3, first: 3, advance: time.Hour, then: 10, want: 6},
		{name: "partial interval refills nothing", rate: 1, burst: 1, first: 1, advance: 900 * time.Millisecond, then: 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clock := newTestMemoryLimiter(t, tt.rate, tt.burst)
			got := allowN(t, m, "k", tt.first)
			clock.Advance(tt.advance)
			got += allowN(t, m, "k", tt.then)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestMemoryLimiter(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "203.0.113.1", 3))
	assert.Equal(t, 1, allowN(t, m, "203.0.113.2", 3))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestMemoryLimiter(t, 100, 50)

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for range 10 {
		wg.Go(func() {
			for range 10 {
				ok, err := m.Allow(context.Background(), "shared")
				if err == nil && ok {
					allowed.Add(1)
				}
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEviction(t *testing.T) {
	m, clock := newTestMemoryLimiter(t, 10, 5)
	allowN(t, m, "stale", 1)
	clock.Advance(idleEviction - time.Minute)
	allowN(t, m, "recent", 1)
	clock.Advance(2 * time.Minute)

	m.evictIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCheckReportsQuota(t *testing.T) {
	m, clock := newTestMemoryLimiter(t, 0.5, 2)
	ctx := context.Background()

	res, err := m.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, clock.Now(), res.ResetAt)

	_, err = m.Check(ctx, "k")
	require.NoError(t, err)
	res, err = m.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, clock.Now().Add(2*time.Second), res.ResetAt)

	clock.Advance(2 * time.Second)
	res, err = m.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
