package storage_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage"
	"github.com/ashita-ai/atelier/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	ctx := context.Background()
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("integration test skipped in -short mode")
	}
}

func createEntity(t *testing.T, name string) model.Entity {
	t.Helper()
	e, err := testDB.CreateEntity(context.Background(), model.NewEntity(name, map[string]any{"genre": "ambient"}, time.Now().UTC()))
	require.NoError(t, err)
	return e
}

func TestCreateAndGetEntity(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	e := createEntity(t, "Nova")
	got, err := testDB.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nova", got.Name)
	assert.Equal(t, model.EntityStatusCandidate, got.Status)
	assert.Equal(t, "ambient", got.Profile["genre"])
	assert.Nil(t, got.LastRunAt)

	_, err = testDB.GetEntity(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateEntityIsAtomic(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	e := createEntity(t, "Atomic")

	_, err := testDB.UpdateEntity(ctx, e.ID, func(x *model.Entity) error {
		x.TotalRuns = 99
		return fmt.Errorf("mutator refused")
	})
	require.Error(t, err)

	got, err := testDB.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalRuns, "failed mutator must not persist anything")

	updated, err := testDB.UpdateEntity(ctx, e.ID, func(x *model.Entity) error {
		x.TotalRuns++
		x.Status = model.EntityStatusActive
		x.MergeParameters(map[string]any{"tempo": 120.0})
		x.ID = uuid.New()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, e.ID, updated.ID, "mutator cannot change the id")

	got, err = testDB.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalRuns)
	assert.Equal(t, model.EntityStatusActive, got.Status)
	assert.Equal(t, 120.0, got.AdaptiveParameters["tempo"])
}

func TestUpdateEntityConcurrentIncrements(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	e := createEntity(t, "Concurrent")

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testDB.UpdateEntity(ctx, e.ID, func(x *model.Entity) error {
				x.TotalRuns++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := testDB.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.TotalRuns)
}

func TestRunLifecycleAndImmutability(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	e := createEntity(t, "Runner")
	now := time.Now().UTC().Truncate(time.Microsecond)

	variant := "a"
	run := model.NewRun(e.ID, model.ParameterSnapshot{
		Parameters: map[string]any{"tempo": 100.0}, Variant: &variant, ExperimentEnabled: true, CapturedAt: now,
	}, now)
	require.NoError(t, testDB.CreateRun(ctx, run))

	second := model.NewRun(e.ID, model.ParameterSnapshot{CapturedAt: now}, now)
	assert.ErrorIs(t, testDB.CreateRun(ctx, second), storage.ErrRunInFlight)

	require.NoError(t, run.Transition(model.RunStateGenerating, now))
	run.ArtifactRefs = []model.ArtifactRef{{Kind: model.ArtifactAudio, URI: "s3://bucket/a.wav"}}
	require.NoError(t, testDB.SaveRun(ctx, run))

	require.NoError(t, run.Fail("synth timed out", now))
	require.NoError(t, testDB.SaveRun(ctx, run))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, got.State)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "synth timed out", *got.FailureReason)
	require.Len(t, got.ArtifactRefs, 1)
	require.NotNil(t, got.ParameterSnapshot.Variant)
	assert.Equal(t, "a", *got.ParameterSnapshot.Variant)
	assert.NotNil(t, got.DecidedAt)

	assert.ErrorIs(t, testDB.SaveRun(ctx, run), storage.ErrRunImmutable)

	// Terminal run frees the entity for a new one.
	require.NoError(t, testDB.CreateRun(ctx, second))

	runs, total, err := testDB.ListRunsByEntity(ctx, e.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, runs, 2)

	_, err = testDB.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, testDB.SaveRun(ctx, model.NewRun(e.ID, model.ParameterSnapshot{}, now)), storage.ErrNotFound)
}

func TestListSelectableOrderingAndInFlight(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	// Park everything that already exists so this test sees only its own rows.
	existing, err := testDB.ListEntities(ctx, nil, 1000, 0)
	require.NoError(t, err)
	for _, e := range existing {
		_, err := testDB.UpdateEntity(ctx, e.ID, func(x *model.Entity) error {
			x.Status = model.EntityStatusRetired
			return nil
		})
		require.NoError(t, err)
	}

	old := createEntity(t, "Old")
	recent := createEntity(t, "Recent")
	never := createEntity(t, "Never")
	busy := createEntity(t, "Busy")
	retired := createEntity(t, "Retired")

	setLastRun := func(id uuid.UUID, at time.Time) {
		_, err := testDB.UpdateEntity(ctx, id, func(x *model.Entity) error {
			x.LastRunAt = &at
			return nil
		})
		require.NoError(t, err)
	}
	base := time.Now().UTC()
	setLastRun(old.ID, base.Add(-48*time.Hour))
	setLastRun(recent.ID, base.Add(-time.Hour))
	setLastRun(busy.ID, base.Add(-72*time.Hour))
	_, err = testDB.UpdateEntity(ctx, retired.ID, func(x *model.Entity) error {
		x.Status = model.EntityStatusRetired
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, testDB.CreateRun(ctx, model.NewRun(busy.ID, model.ParameterSnapshot{}, base)))

	got, err := testDB.ListSelectable(ctx)
	require.NoError(t, err)
	ids := make([]uuid.UUID, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []uuid.UUID{never.ID, old.ID, recent.ID}, ids)

	n, err := testDB.CountByStatus(ctx, model.EntityStatusCandidate)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	view, err := testDB.StatusView(ctx)
	require.NoError(t, err)
	for _, v := range view {
		if v.EntityID == busy.ID {
			require.NotNil(t, v.LatestRunState)
			assert.Equal(t, model.RunStatePending, *v.LatestRunState)
		}
		if v.EntityID == never.ID {
			assert.Nil(t, v.LatestRunID)
		}
	}
}

func TestDecisionFirstWins(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	e := createEntity(t, "Decider")
	run := model.NewRun(e.ID, model.ParameterSnapshot{}, time.Now().UTC())
	require.NoError(t, testDB.CreateRun(ctx, run))

	handle := uuid.NewString()
	require.NoError(t, testDB.OpenDecision(ctx, handle, run.ID))

	d, err := testDB.GetDecision(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionPending, d)

	require.NoError(t, testDB.PutDecision(ctx, handle, model.DecisionApproved))
	require.NoError(t, testDB.PutDecision(ctx, handle, model.DecisionApproved))
	assert.ErrorIs(t, testDB.PutDecision(ctx, handle, model.DecisionRejected), storage.ErrConflict)

	d, err = testDB.GetDecision(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApproved, d)

	_, err = testDB.GetDecision(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotifyOnTerminalRun(t *testing.T) {
	requireDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelRuns))

	e := createEntity(t, "Notifier")
	now := time.Now().UTC()
	run := model.NewRun(e.ID, model.ParameterSnapshot{}, now)
	require.NoError(t, testDB.CreateRun(ctx, run))
	require.NoError(t, run.Fail("boom", now))
	require.NoError(t, testDB.SaveRun(ctx, run))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelRuns, channel)
	assert.Contains(t, payload, run.ID.String())
	assert.Contains(t, payload, `"failed"`)
}
