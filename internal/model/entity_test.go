package model_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atelier/internal/model"
)

func TestMergeParametersKeepsExistingKeys(t *testing.T) {
	e := model.NewEntity("Nova", nil, time.Now())
	e.AdaptiveParameters = map[string]any{"tempo": 100, "mood": "dark"}

	e.MergeParameters(map[string]any{"tempo": 110, "energy": 0.8, "mood": nil})

	assert.Equal(t, map[string]any{"tempo": 110, "mood": "dark", "energy": 0.8}, e.AdaptiveParameters)
}

func TestMergeParametersNilMap(t *testing.T) {
	var e model.Entity
	e.MergeParameters(map[string]any{"a": 1})
	assert.Equal(t, map[string]any{"a": 1}, e.AdaptiveParameters)

	e.MergeParameters(nil)
	assert.Len(t, e.AdaptiveParameters, 1)
}

func TestNewEntityIsSelectableCandidate(t *testing.T) {
	e := model.NewEntity("Nova", map[string]any{"genre": "synthwave"}, time.Now())
	assert.Equal(t, model.EntityStatusCandidate, e.Status)
	assert.True(t, e.Selectable())
	require.NoError(t, model.ValidateEntity(e))

	e.Status = model.EntityStatusRetired
	assert.False(t, e.Selectable())
}

func TestValidateEntity(t *testing.T) {
	base := model.NewEntity("Nova", nil, time.Now())

	tests := []struct {
		name   string
		mutate func(*model.Entity)
		errSub string
	}{
		{"empty name", func(e *model.Entity) { e.Name = "  " }, "name is required"},
		{"long name", func(e *model.Entity) { e.Name = strings.Repeat("x", model.MaxEntityNameLen+1) }, "maximum length"},
		{"bad status", func(e *model.Entity) { e.Status = "paused" }, "invalid status"},
		{"negative counter", func(e *model.Entity) { e.TotalRuns = -1 }, "non-negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base.Clone()
			tt.mutate(&e)
			err := model.ValidateEntity(e)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestEntityCloneIsIndependent(t *testing.T) {
	now := time.Now()
	e := model.NewEntity("Nova", map[string]any{"persona": map[string]any{"voice": "alto"}}, now)
	e.LastRunAt = &now

	cp := e.Clone()
	cp.Profile["persona"].(map[string]any)["voice"] = "tenor"
	*cp.LastRunAt = now.Add(time.Hour)

	assert.Equal(t, "alto", e.Profile["persona"].(map[string]any)["voice"])
	assert.Equal(t, now, *e.LastRunAt)
}

func TestPersistenceWrapsOnce(t *testing.T) {
	base := errors.New("connection reset")
	err := model.Persistence("save run", base)

	var pe *model.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "save run", pe.Op)
	assert.ErrorIs(t, err, base)

	again := model.Persistence("outer", err)
	assert.Same(t, err, again)
	assert.Nil(t, model.Persistence("noop", nil))
}
