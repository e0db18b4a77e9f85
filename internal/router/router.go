// Package router sends a text-generation request down a ranked chain of
// provider/model pairs.
//
// Two policies are kept apart. Retry repeats a transient failure against the
// same pair with capped, jittered exponential backoff. Fallback moves to the
// next pair after a permanent failure or once retries are used up. Calls are
// strictly sequential: a later pair is never contacted while an earlier one
// could still succeed.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/atelier/internal/provider"
	"github.com/ashita-ai/atelier/internal/telemetry"
)

// ErrNoProviders is returned when Route is called with an empty chain.
var ErrNoProviders = errors.New("router: no providers in chain")

// Outcome labels a single attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Attempt describes one provider call, success or not.
type Attempt struct {
	Pair     provider.Pair
	Number   int // 1-based attempt number within the pair
	Outcome  Outcome
	Latency  time.Duration
	Err      error
	Fallback bool // true when Pair is not the chain's primary
}

// Observer receives every attempt. Implementations must not block.
type Observer interface {
	OnAttempt(ctx context.Context, a Attempt)
	OnFallback(ctx context.Context, from, to provider.Pair)
}

// Lookup resolves a provider name to its gateway.
type Lookup interface {
	Get(name string) (provider.Gateway, bool)
}

// Policy bounds retries against a single pair.
type Policy struct {
	// MaxAttempts is the total number of calls made to one pair before
	// falling back, first try included. Values below 1 are treated as 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

// Router implements ranked retry-then-fallback over a provider registry.
type Router struct {
	providers Lookup
	policy    Policy
	logger    *slog.Logger
	observers []Observer
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func(d time.Duration) time.Duration

	attempts  metric.Int64Counter
	fallbacks metric.Int64Counter
	latency   metric.Float64Histogram
}

// Option customizes a Router.
type Option func(*Router)

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observers = append(r.observers, o) }
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) { r.sleep = fn }
}

// WithJitter replaces the jitter function, for tests.
func WithJitter(fn func(d time.Duration) time.Duration) Option {
	return func(r *Router) { r.jitter = fn }
}

// New creates a Router over providers.
func New(providers Lookup, policy Policy, logger *slog.Logger, opts ...Option) *Router {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = max(DefaultPolicy.MaxDelay, policy.BaseDelay)
	}
	r := &Router{
		providers: providers,
		policy:    policy,
		logger:    logger.With("component", "router"),
		sleep:     sleepCtx,
		jitter:    jitter,
	}
	for _, o := range opts {
		o(r)
	}

	meter := telemetry.Meter("atelier/router")
	r.attempts = telemetry.Int64Counter(meter, r.logger, "atelier.router.attempts",
		metric.WithDescription("Provider calls made by the router"))
	r.fallbacks = telemetry.Int64Counter(meter, r.logger, "atelier.router.fallbacks",
		metric.WithDescription("Route calls that needed a pair beyond the primary"))
	r.latency = telemetry.Float64Histogram(meter, r.logger, "atelier.router.attempt.duration",
		metric.WithDescription("Latency of a single provider call"),
		metric.WithUnit("ms"))
	return r
}

// Policy returns the effective retry policy.
func (r *Router) Policy() Policy { return r.policy }

// Route tries each pair in ranked order and returns the first successful
// response with the pair that produced it. When every pair fails it returns
// an *ExhaustedError listing each pair's failure in order.
func (r *Router) Route(ctx context.Context, req provider.Request, ranked []provider.Pair) (provider.Response, provider.Pair, error) {
	if len(ranked) == 0 {
		return provider.Response{}, provider.Pair{}, ErrNoProviders
	}

	failures := make([]PairFailure, 0, len(ranked))
	for i, pair := range ranked {
		if i == 1 {
			r.onFirstFallback(ctx, ranked[0], pair, failures[0])
		}

		resp, fail, err := r.tryPair(ctx, req, pair, i > 0)
		if err != nil {
			return provider.Response{}, provider.Pair{}, err
		}
		if fail == nil {
			return resp, pair, nil
		}
		failures = append(failures, *fail)
	}
	return provider.Response{}, provider.Pair{}, &ExhaustedError{Failures: failures}
}

// tryPair runs the retry loop for one pair. It returns a non-nil error only
// when ctx ends; provider failures are reported through the PairFailure.
func (r *Router) tryPair(ctx context.Context, req provider.Request, pair provider.Pair, fallback bool) (provider.Response, *PairFailure, error) {
	gw, ok := r.providers.Get(pair.Provider)
	if !ok {
		err := &provider.PermanentError{Provider: pair.Provider, Err: fmt.Errorf("provider %q not configured", pair.Provider)}
		r.record(ctx, Attempt{Pair: pair, Number: 1, Outcome: OutcomePermanent, Err: err, Fallback: fallback})
		return provider.Response{}, &PairFailure{Pair: pair, Attempts: 1, Permanent: true, Err: err}, nil
	}

	var lastErr error
	for n := 1; n <= r.policy.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return provider.Response{}, nil, err
		}

		start := time.Now()
		resp, err := gw.Generate(ctx, pair.Model, req)
		elapsed := time.Since(start)

		if err == nil {
			r.record(ctx, Attempt{Pair: pair, Number: n, Outcome: OutcomeSuccess, Latency: elapsed, Fallback: fallback})
			return resp, nil, nil
		}

		err = provider.Classify(pair.Provider, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return provider.Response{}, nil, ctxErr
		}
		if errors.Is(err, context.Canceled) {
			return provider.Response{}, nil, err
		}

		lastErr = err
		if !provider.IsTransient(err) {
			r.record(ctx, Attempt{Pair: pair, Number: n, Outcome: OutcomePermanent, Latency: elapsed, Err: err, Fallback: fallback})
			return provider.Response{}, &PairFailure{Pair: pair, Attempts: n, Permanent: true, Err: err}, nil
		}
		r.record(ctx, Attempt{Pair: pair, Number: n, Outcome: OutcomeTransient, Latency: elapsed, Err: err, Fallback: fallback})

		if n == r.policy.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoff(n, provider.RetryAfterOf(err))); err != nil {
			return provider.Response{}, nil, err
		}
	}
	return provider.Response{}, &PairFailure{Pair: pair, Attempts: r.policy.MaxAttempts, Err: lastErr}, nil
}

// backoff returns the delay before retry number n+1.
// The base doubles per attempt, a provider Retry-After raises it, and the
// result is jittered then capped at MaxDelay.
func (r *Router) backoff(n int, retryAfter time.Duration) time.Duration {
	d := r.policy.BaseDelay
	for i := 1; i < n && d < r.policy.MaxDelay; i++ {
		d *= 2
	}
	d = max(d, retryAfter)
	d = r.jitter(d)
	return min(d, r.policy.MaxDelay)
}

func (r *Router) record(ctx context.Context, a Attempt) {
	attrs := metric.WithAttributes(
		attribute.String("provider", a.Pair.Provider),
		attribute.String("model", a.Pair.Model),
		attribute.String("outcome", string(a.Outcome)),
	)
	r.attempts.Add(ctx, 1, attrs)
	r.latency.Record(ctx, float64(a.Latency.Microseconds())/1000.0, attrs)

	args := []any{
		"provider", a.Pair.Provider,
		"model", a.Pair.Model,
		"attempt", a.Number,
		"outcome", a.Outcome,
		"latency_ms", a.Latency.Milliseconds(),
		"fallback", a.Fallback,
	}
	if a.Err != nil {
		args = append(args, "error", a.Err)
		r.logger.WarnContext(ctx, "provider attempt failed", args...)
	} else {
		r.logger.InfoContext(ctx, "provider attempt succeeded", args...)
	}
	for _, o := range r.observers {
		o.OnAttempt(ctx, a)
	}
}

func (r *Router) onFirstFallback(ctx context.Context, primary, next provider.Pair, cause PairFailure) {
	r.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("primary", primary.String()),
		attribute.String("fallback", next.String()),
	))
	r.logger.ErrorContext(ctx, "provider fallback engaged",
		"primary", primary.String(),
		"fallback", next.String(),
		"attempts", cause.Attempts,
		"error", cause.Err,
	)
	for _, o := range r.observers {
		o.OnFallback(ctx, primary, next)
	}
}

// PairFailure summarizes why one pair was abandoned.
type PairFailure struct {
	Pair      provider.Pair
	Attempts  int
	Permanent bool
	Err       error
}

func (f PairFailure) String() string {
	kind := "retries exhausted"
	if f.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", f.Pair, kind, f.Attempts, f.Err)
}

// ExhaustedError is returned when every pair in the chain failed.
type ExhaustedError struct {
	Failures []PairFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return "router: all providers failed: " + strings.Join(parts, " | ")
}

// Unwrap exposes each pair's last error to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter spreads d uniformly over ±20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := float64(d) * 0.2
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta) //nolint:gosec // jitter doesn't need crypto-strength randomness
}
