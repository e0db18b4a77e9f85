package lifecycle_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atelier/internal/approval"
	"github.com/ashita-ai/atelier/internal/coordinator"
	"github.com/ashita-ai/atelier/internal/lifecycle"
	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage/sqlite"
)

// silentGateway never returns a verdict and signals the first poll.
type silentGateway struct {
	once   sync.Once
	polled chan struct{}
}

func (g *silentGateway) RequestApproval(context.Context, approval.Preview) (approval.Handle, error) {
	return "silent", nil
}

func (g *silentGateway) PollDecision(context.Context, approval.Handle) (model.Decision, error) {
	g.once.Do(func() { close(g.polled) })
	return model.DecisionPending, nil
}

type trackGenerator struct{}

func (trackGenerator) Name() string { return "music" }

func (trackGenerator) Generate(context.Context, coordinator.EntityProfile, model.ParameterSnapshot) ([]model.ArtifactRef, error) {
	return []model.ArtifactRef{{Kind: model.ArtifactAudio, URI: "https://cdn.example/track.mp3"}}, nil
}

func TestTickAppliesOutcomeAfterShutdownDuringApprovalWait(t *testing.T) {
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "atelier.db"), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := model.NewEntity("Low Orbit", map[string]any{"genre": "ambient"}, time.Now().UTC())
	e.Status = model.EntityStatusActive
	entity, err := store.CreateEntity(context.Background(), e)
	require.NoError(t, err)

	gw := &silentGateway{polled: make(chan struct{})}
	cycles := coordinator.New(coordinator.Deps{
		Store:      store,
		Approvals:  gw,
		Generators: []coordinator.Generator{trackGenerator{}},
	}, coordinator.Config{ApprovalTimeout: time.Hour, PollInterval: 10 * time.Millisecond}, discard)
	m := lifecycle.New(store, cycles, nil, lifecycle.Config{RetirementThreshold: 5}, discard)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-gw.polled
		cancel()
	}()

	type result struct {
		out model.RunOutcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := m.Tick(ctx)
		done <- result{out, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Tick did not return after cancel")
	}
	require.NoError(t, res.err)
	assert.Equal(t, model.RunStateTimedOut, res.out.State)

	run, err := store.GetRun(context.Background(), res.out.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateTimedOut, run.State)

	got, err := store.GetEntity(context.Background(), entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalRuns)
	assert.Equal(t, 1, got.ConsecutiveRejections)
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, model.EntityStatusActive, got.Status)
}
