package lifecycle_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atelier/internal/lifecycle"
	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/provider"
	"github.com/ashita-ai/atelier/internal/storage/memstore"
)

var discard = slog.New(slog.DiscardHandler)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func seed(t *testing.T, store *memstore.Store, name string, status model.EntityStatus, lastRun *time.Time) model.Entity {
	t.Helper()
	e := model.NewEntity(name, nil, time.Now().UTC())
	e.Status = status
	e.LastRunAt = lastRun
	created, err := store.CreateEntity(context.Background(), e)
	require.NoError(t, err)
	return created
}

func outcome(state model.RunState) model.RunOutcome {
	return model.RunOutcome{RunID: uuid.New(), State: state}
}

type factoryFunc func(ctx context.Context) (model.Entity, error)

func (f factoryFunc) NewCandidate(ctx context.Context) (model.Entity, error) { return f(ctx) }

type cycleFunc func(ctx context.Context, e model.Entity) (model.RunOutcome, error)

func (f cycleFunc) ExecuteCycle(ctx context.Context, e model.Entity) (model.RunOutcome, error) {
	return f(ctx, e)
}

func TestApplyOutcomeScenario(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	e1 := seed(t, store, "E1", model.EntityStatusCandidate, nil)
	m := lifecycle.New(store, nil, nil, lifecycle.Config{RetirementThreshold: 3}, discard, lifecycle.WithClock(fixedClock()))

	steps := []struct {
		state      model.RunState
		rejections int
		status     model.EntityStatus
	}{
		{model.RunStateRejected, 1, model.EntityStatusCandidate},
		{model.RunStateRejected, 2, model.EntityStatusCandidate},
		{model.RunStateApproved, 0, model.EntityStatusActive},
		{model.RunStateRejected, 1, model.EntityStatusActive},
		{model.RunStateTimedOut, 2, model.EntityStatusActive},
		{model.RunStateRejected, 3, model.EntityStatusRetired},
	}
	for i, s := range steps {
		got, err := m.ApplyOutcome(ctx, e1.ID, outcome(s.state))
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, s.rejections, got.ConsecutiveRejections, "step %d", i)
		assert.Equal(t, s.status, got.Status, "step %d", i)
		assert.Equal(t, i+1, got.TotalRuns, "step %d", i)
	}

	final, err := store.GetEntity(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.TotalApprovals)
	require.NotNil(t, final.LastRunAt)
	assert.Equal(t, fixedClock()(), *final.LastRunAt)

	selectable, err := store.ListSelectable(ctx)
	require.NoError(t, err)
	assert.Empty(t, selectable)
}

func TestApplyOutcomeRetirementThreshold(t *testing.T) {
	tests := []struct {
		name       string
		state      model.RunState
		wantStatus model.EntityStatus
		wantStreak int
	}{
		{"rejection at threshold retires", model.RunStateRejected, model.EntityStatusRetired, 3},
		{"timeout at threshold retires", model.RunStateTimedOut, model.EntityStatusRetired, 3},
		{"approval resets the streak", model.RunStateApproved, model.EntityStatusActive, 0},
		{"failure leaves the streak", model.RunStateFailed, model.EntityStatusActive, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memstore.New()
			e := seed(t, store, "Edge", model.EntityStatusActive, nil)
			_, err := store.UpdateEntity(ctx, e.ID, func(e *model.Entity) error {
				e.ConsecutiveRejections = 2
				e.TotalRuns = 5
				return nil
			})
			require.NoError(t, err)

			m := lifecycle.New(store, nil, nil, lifecycle.Config{RetirementThreshold: 3}, discard)
			got, err := m.ApplyOutcome(ctx, e.ID, outcome(tt.state))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantStreak, got.ConsecutiveRejections)
			assert.Equal(t, 6, got.TotalRuns)
		})
	}
}

func TestApplyOutcomeFailedCountsRunOnly(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	e := seed(t, store, "Flaky", model.EntityStatusCandidate, nil)
	m := lifecycle.New(store, nil, nil, lifecycle.Config{}, discard)

	got, err := m.ApplyOutcome(ctx, e.ID, outcome(model.RunStateFailed))
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalRuns)
	assert.Zero(t, got.TotalApprovals)
	assert.Zero(t, got.ConsecutiveRejections)
	assert.Equal(t, model.EntityStatusCandidate, got.Status)
	assert.NotNil(t, got.LastRunAt)
}

func TestApplyOutcomeMergesAdjustments(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	e := seed(t, store, "Tuned", model.EntityStatusActive, nil)
	_, err := store.UpdateEntity(ctx, e.ID, func(e *model.Entity) error {
		e.AdaptiveParameters = map[string]any{"temperature": 0.7, "mood": "calm"}
		return nil
	})
	require.NoError(t, err)

	m := lifecycle.New(store, nil, nil, lifecycle.Config{}, discard)
	o := outcome(model.RunStateApproved)
	o.ParameterAdjustments = map[string]any{"temperature": 0.9, "tempo": 128.0}
	got, err := m.ApplyOutcome(ctx, e.ID, o)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": 0.9, "mood": "calm", "tempo": 128.0}, got.AdaptiveParameters)
}

func TestApplyOutcomeRetiredStaysRetired(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	e := seed(t, store, "Ghost", model.EntityStatusRetired, nil)
	m := lifecycle.New(store, nil, nil, lifecycle.Config{}, discard)

	got, err := m.ApplyOutcome(ctx, e.ID, outcome(model.RunStateApproved))
	require.NoError(t, err)
	assert.Equal(t, model.EntityStatusRetired, got.Status)
	assert.Equal(t, 1, got.TotalApprovals)
}

func TestApplyOutcomeErrors(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := lifecycle.New(store, nil, nil, lifecycle.Config{}, discard)

	_, err := m.ApplyOutcome(ctx, uuid.New(), outcome(model.RunStateApproved))
	var pe *model.PersistenceError
	assert.ErrorAs(t, err, &pe)

	e := seed(t, store, "Busy", model.EntityStatusActive, nil)
	_, err = m.ApplyOutcome(ctx, e.ID, outcome(model.RunStateAwaitingApproval))
	assert.Error(t, err)
}

func TestSelectNextEntityOrdering(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	old := time.Now().Add(-48 * time.Hour).UTC()
	recent := time.Now().Add(-time.Hour).UTC()
	seed(t, store, "Recent", model.EntityStatusActive, &recent)
	seed(t, store, "Old", model.EntityStatusActive, &old)
	never := seed(t, store, "Never", model.EntityStatusCandidate, nil)
	seed(t, store, "Gone", model.EntityStatusRetired, nil)

	m := lifecycle.New(store, nil, nil, lifecycle.Config{}, discard)
	got, err := m.SelectNextEntity(ctx)
	require.NoError(t, err)
	assert.Equal(t, never.ID, got.ID)
}

func TestSelectNextEntitySkipsInFlight(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	busy := seed(t, store, "Busy", model.EntityStatusCandidate, nil)
	last := time.Now().Add(-time.Hour).UTC()
	idle := seed(t, store, "Idle", model.EntityStatusActive, &last)
	require.NoError(t, store.CreateRun(ctx, model.NewRun(busy.ID, model.ParameterSnapshot{}, time.Now().UTC())))

	m := lifecycle.New(store, nil, nil, lifecycle.Config{}, discard)
	for range 10 {
		got, err := m.SelectNextEntity(ctx)
		require.NoError(t, err)
		assert.Equal(t, idle.ID, got.ID)
	}

	require.NoError(t, store.CreateRun(ctx, model.NewRun(idle.ID, model.ParameterSnapshot{}, time.Now().UTC())))
	_, err := m.SelectNextEntity(ctx)
	assert.ErrorIs(t, err, lifecycle.ErrNoEntity)
}

func TestSelectNextEntityCandidateCreation(t *testing.T) {
	newbie := factoryFunc(func(context.Context) (model.Entity, error) {
		return model.Entity{Name: "Newbie", Profile: map[string]any{"genre": "dub"}}, nil
	})
	broken := factoryFunc(func(context.Context) (model.Entity, error) {
		return model.Entity{}, errors.New("router exhausted")
	})

	tests := []struct {
		name        string
		actives     int
		floor       int
		probability float64
		factory     lifecycle.CandidateFactory
		wantNew     bool
	}{
		{name: "pool at floor creates candidate", actives: 2, floor: 2, probability: 1, factory: newbie, wantNew: true},
		{name: "pool below floor selects", actives: 1, floor: 2, probability: 1, factory: newbie},
		{name: "zero probability selects", actives: 3, floor: 0, probability: 0, factory: newbie},
		{name: "factory failure falls back", actives: 2, floor: 0, probability: 1, factory: broken},
		{name: "bootstrap with empty pool", actives: 0, floor: 5, probability: 0, factory: newbie, wantNew: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memstore.New()
			for range tt.actives {
				seed(t, store, "Active", model.EntityStatusActive, nil)
			}
			m := lifecycle.New(store, nil, tt.factory, lifecycle.Config{
				ActiveFloor:          tt.floor,
				CandidateProbability: tt.probability,
			}, discard, lifecycle.WithClock(fixedClock()))

			got, err := m.SelectNextEntity(ctx)
			require.NoError(t, err)
			if !tt.wantNew {
				assert.Equal(t, "Active", got.Name)
				return
			}
			assert.Equal(t, "Newbie", got.Name)
			assert.Equal(t, model.EntityStatusCandidate, got.Status)
			assert.Equal(t, fixedClock()(), got.CreatedAt)

			stored, err := store.GetEntity(ctx, got.ID)
			require.NoError(t, err)
			assert.Equal(t, "dub", stored.Profile["genre"])
		})
	}
}

func TestSelectNextEntityEmptyPoolFactoryFailure(t *testing.T) {
	m := lifecycle.New(memstore.New(), nil, factoryFunc(func(context.Context) (model.Entity, error) {
		return model.Entity{}, errors.New("no providers")
	}), lifecycle.Config{}, discard)
	_, err := m.SelectNextEntity(context.Background())
	assert.ErrorIs(t, err, lifecycle.ErrNoEntity)

	m = lifecycle.New(memstore.New(), nil, nil, lifecycle.Config{}, discard)
	_, err = m.SelectNextEntity(context.Background())
	assert.ErrorIs(t, err, lifecycle.ErrNoEntity)
}

func TestTick(t *testing.T) {
	ctx := context.Background()

	t.Run("applies the cycle outcome", func(t *testing.T) {
		store := memstore.New()
		e := seed(t, store, "Solo", model.EntityStatusCandidate, nil)
		runner := cycleFunc(func(_ context.Context, got model.Entity) (model.RunOutcome, error) {
			assert.Equal(t, e.ID, got.ID)
			return model.RunOutcome{RunID: uuid.New(), EntityID: got.ID, State: model.RunStateApproved}, nil
		})
		m := lifecycle.New(store, runner, nil, lifecycle.Config{}, discard)

		out, err := m.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.RunStateApproved, out.State)

		updated, err := store.GetEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, model.EntityStatusActive, updated.Status)
		assert.Equal(t, 1, updated.TotalRuns)
	})

	t.Run("persistence errors surface without applying", func(t *testing.T) {
		store := memstore.New()
		e := seed(t, store, "Solo", model.EntityStatusCandidate, nil)
		runner := cycleFunc(func(context.Context, model.Entity) (model.RunOutcome, error) {
			return model.RunOutcome{}, model.Persistence("save run", errors.New("db gone"))
		})
		m := lifecycle.New(store, runner, nil, lifecycle.Config{}, discard)

		_, err := m.Tick(ctx)
		var pe *model.PersistenceError
		require.ErrorAs(t, err, &pe)

		unchanged, err := store.GetEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.Zero(t, unchanged.TotalRuns)
	})

	t.Run("panics are recovered", func(t *testing.T) {
		store := memstore.New()
		seed(t, store, "Solo", model.EntityStatusCandidate, nil)
		runner := cycleFunc(func(context.Context, model.Entity) (model.RunOutcome, error) {
			panic("generator exploded")
		})
		m := lifecycle.New(store, runner, nil, lifecycle.Config{}, discard)

		_, err := m.Tick(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "generator exploded")
	})
}

type routerFunc func(ctx context.Context, req provider.Request, ranked []provider.Pair) (provider.Response, provider.Pair, error)

func (f routerFunc) Route(ctx context.Context, req provider.Request, ranked []provider.Pair) (provider.Response, provider.Pair, error) {
	return f(ctx, req, ranked)
}

func TestPersonaFactory(t *testing.T) {
	chain := []provider.Pair{{Provider: "anthropic", Model: "claude"}}

	t.Run("builds a candidate from the reply", func(t *testing.T) {
		var sent provider.Request
		r := routerFunc(func(_ context.Context, req provider.Request, ranked []provider.Pair) (provider.Response, provider.Pair, error) {
			sent = req
			return provider.Response{Text: "```json\n{\"name\":\"Vela Static\",\"genre\":\"darkwave\",\"persona\":\"Night-shift poet.\",\"influences\":[\"Cocteau Twins\"]}\n```"}, ranked[0], nil
		})
		f := lifecycle.NewPersonaFactory(r, chain)
		f.Hint = "Lean toward darkwave."

		e, err := f.NewCandidate(context.Background())
		require.NoError(t, err)
		assert.True(t, sent.JSON)
		assert.Contains(t, sent.Prompt, "Lean toward darkwave.")
		assert.Equal(t, "Vela Static", e.Name)
		assert.Equal(t, "darkwave", e.Profile["genre"])
		assert.Equal(t, []any{"Cocteau Twins"}, e.Profile["influences"])
		assert.Equal(t, "anthropic/claude", e.Profile["created_via"])
	})

	t.Run("router failure", func(t *testing.T) {
		r := routerFunc(func(context.Context, provider.Request, []provider.Pair) (provider.Response, provider.Pair, error) {
			return provider.Response{}, provider.Pair{}, errors.New("exhausted")
		})
		_, err := lifecycle.NewPersonaFactory(r, chain).NewCandidate(context.Background())
		assert.Error(t, err)
	})
}

func TestParsePersona(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{name: "bare object", text: `{"name":"Ivo"}`, want: "Ivo"},
		{name: "surrounding prose", text: `Sure! {"name":" Mara Lux ","genre":"pop"} Enjoy.`, want: "Mara Lux"},
		{name: "no object", text: "I cannot help with that.", wantErr: true},
		{name: "missing name", text: `{"genre":"jazz"}`, wantErr: true},
		{name: "broken json", text: `{"name": }`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := lifecycle.ParsePersona(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
		})
	}
}
