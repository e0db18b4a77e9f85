package storage

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of serialization and deadlock failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy is applied to every atomic entity update.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 20 * time.Millisecond}

// WithRetry executes fn, retrying up to p.MaxRetries times on serialization or
// deadlock errors with jittered exponential backoff starting at p.BaseDelay.
// Any other error is returned immediately.
func WithRetry(ctx context.Context, p RetryPolicy, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := range p.MaxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}
		jitter := time.Duration(0)
		if delay > 0 {
			jitter = time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		t := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
