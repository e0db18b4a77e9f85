package router_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atelier/internal/provider"
	"github.com/ashita-ai/atelier/internal/router"
)

// scriptedGateway returns queued results in order and then repeats the last one.
type scriptedGateway struct {
	name string

	mu      sync.Mutex
	results []error
	calls   int
	log     *[]string
}

func (g *scriptedGateway) Name() string { return g.name }

func (g *scriptedGateway) Generate(_ context.Context, model string, _ provider.Request) (provider.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := min(g.calls, len(g.results)-1)
	g.calls++
	if g.log != nil {
		*g.log = append(*g.log, g.name)
	}
	if err := g.results[idx]; err != nil {
		return provider.Response{}, err
	}
	return provider.Response{Text: "from " + g.name, Model: model}, nil
}

func (g *scriptedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingObserver struct {
	mu        sync.Mutex
	attempts  []router.Attempt
	fallbacks int
}

func (o *recordingObserver) OnAttempt(_ context.Context, a router.Attempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, a)
}

func (o *recordingObserver) OnFallback(context.Context, provider.Pair, provider.Pair) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbacks++
}

var (
	errTransient = &provider.HTTPError{StatusCode: 503}
	errPermanent = &provider.HTTPError{StatusCode: 401}
)

func pairs(names ...string) []provider.Pair {
	out := make([]provider.Pair, len(names))
	for i, n := range names {
		out[i] = provider.Pair{Provider: n, Model: n + "-model"}
	}
	return out
}

func newRouter(t *testing.T, policy router.Policy, gws ...provider.Gateway) (*router.Router, *recordingObserver, *[]time.Duration) {
	t.Helper()
	obs := &recordingObserver{}
	var sleeps []time.Duration
	r := router.New(provider.NewRegistry(gws...), policy, slog.New(slog.DiscardHandler),
		router.WithObserver(obs),
		router.WithJitter(func(d time.Duration) time.Duration { return d }),
		router.WithSleep(func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return ctx.Err()
		}),
	)
	return r, obs, &sleeps
}

func TestRouteOrderingPermanentFailuresFallThrough(t *testing.T) {
	var calls []string
	a := &scriptedGateway{name: "a", results: []error{errPermanent}, log: &calls}
	b := &scriptedGateway{name: "b", results: []error{errPermanent}, log: &calls}
	c := &scriptedGateway{name: "c", results: []error{nil}, log: &calls}
	d := &scriptedGateway{name: "d", results: []error{nil}, log: &calls}

	r, obs, sleeps := newRouter(t, router.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}, a, b, c, d)
	resp, used, err := r.Route(context.Background(), provider.Request{Prompt: "x"}, pairs("a", "b", "c", "d"))
	require.NoError(t, err)

	assert.Equal(t, "from c", resp.Text)
	assert.Equal(t, "c", used.Provider)
	assert.Equal(t, []string{"a", "b", "c"}, calls)
	assert.Zero(t, d.Calls())
	assert.Empty(t, *sleeps, "permanent failures are never retried")

	require.Len(t, obs.attempts, 3)
	assert.Equal(t, router.OutcomePermanent, obs.attempts[0].Outcome)
	assert.Equal(t, router.OutcomePermanent, obs.attempts[1].Outcome)
	assert.Equal(t, router.OutcomeSuccess, obs.attempts[2].Outcome)
	assert.False(t, obs.attempts[0].Fallback)
	assert.True(t, obs.attempts[2].Fallback)
	assert.Equal(t, 1, obs.fallbacks, "fallback event fires once per route")
}

func TestRouteRetryBound(t *testing.T) {
	a := &scriptedGateway{name: "a", results: []error{errTransient}}
	b := &scriptedGateway{name: "b", results: []error{nil}}

	r, obs, sleeps := newRouter(t, router.Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond}, a, b)
	resp, used, err := r.Route(context.Background(), provider.Request{}, pairs("a", "b"))
	require.NoError(t, err)

	assert.Equal(t, "b", used.Provider)
	assert.Equal(t, "from b", resp.Text)
	assert.Equal(t, 4, a.Calls(), "always-transient pair is attempted exactly MaxAttempts times")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, *sleeps)
	assert.Len(t, obs.attempts, 5)
}

func TestRouteTransientThenSuccessStaysOnPrimary(t *testing.T) {
	a := &scriptedGateway{name: "a", results: []error{errTransient, nil}}
	b := &scriptedGateway{name: "b", results: []error{nil}}

	r, obs, _ := newRouter(t, router.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}, a, b)
	_, used, err := r.Route(context.Background(), provider.Request{}, pairs("a", "b"))
	require.NoError(t, err)

	assert.Equal(t, "a", used.Provider)
	assert.Equal(t, 2, a.Calls())
	assert.Zero(t, b.Calls())
	assert.Zero(t, obs.fallbacks)
}

func TestRouteExhaustedCarriesEveryFailure(t *testing.T) {
	a := &scriptedGateway{name: "a", results: []error{errTransient}}
	b := &scriptedGateway{name: "b", results: []error{errPermanent}}

	r, _, _ := newRouter(t, router.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second}, a, b)
	_, _, err := r.Route(context.Background(), provider.Request{}, append(pairs("a", "b"), provider.Pair{Provider: "ghost", Model: "m"}))
	require.Error(t, err)

	var exhausted *router.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Failures, 3)

	assert.Equal(t, "a", exhausted.Failures[0].Pair.Provider)
	assert.Equal(t, 2, exhausted.Failures[0].Attempts)
	assert.False(t, exhausted.Failures[0].Permanent)

	assert.Equal(t, "b", exhausted.Failures[1].Pair.Provider)
	assert.True(t, exhausted.Failures[1].Permanent)

	assert.Equal(t, "ghost", exhausted.Failures[2].Pair.Provider)
	assert.True(t, exhausted.Failures[2].Permanent)

	assert.ErrorIs(t, err, errTransient)
	assert.ErrorIs(t, err, errPermanent)
	assert.Contains(t, err.Error(), "a/a-model")
	assert.Contains(t, err.Error(), "ghost/m")
}

func TestRouteEmptyChain(t *testing.T) {
	r, _, _ := newRouter(t, router.Policy{})
	_, _, err := r.Route(context.Background(), provider.Request{}, nil)
	assert.ErrorIs(t, err, router.ErrNoProviders)
}

func TestRouteRetryAfterRaisesBackoff(t *testing.T) {
	a := &scriptedGateway{name: "a", results: []error{&provider.HTTPError{StatusCode: 429, RetryAfter: 2 * time.Second}, nil}}

	r, _, sleeps := newRouter(t, router.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 5 * time.Second}, a)
	_, _, err := r.Route(context.Background(), provider.Request{}, pairs("a"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, *sleeps)
}

func TestRouteCancelledDuringBackoff(t *testing.T) {
	a := &scriptedGateway{name: "a", results: []error{errTransient}}
	b := &scriptedGateway{name: "b", results: []error{nil}}

	ctx, cancel := context.WithCancel(context.Background())
	r := router.New(provider.NewRegistry(a, b), router.Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour},
		slog.New(slog.DiscardHandler),
		router.WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)
	_, _, err := r.Route(ctx, provider.Request{}, pairs("a", "b"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, a.Calls())
	assert.Zero(t, b.Calls(), "cancellation never falls back")
}

func TestNewAppliesDefaults(t *testing.T) {
	r := router.New(provider.NewRegistry(), router.Policy{}, slog.New(slog.DiscardHandler))
	assert.Equal(t, router.DefaultPolicy, r.Policy())
}
