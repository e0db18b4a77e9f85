// Package model defines the core domain types for Atelier.
//
// Entities are managed artists; Runs are single generation cycles for one
// entity. Types map directly onto the storage tables and API payloads.
package model

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityStatus is an artist's lifecycle status.
type EntityStatus string

const (
	EntityStatusCandidate EntityStatus = "candidate"
	EntityStatusActive    EntityStatus = "active"
	EntityStatusRetired   EntityStatus = "retired"
)

// Valid reports whether s is a known status.
func (s EntityStatus) Valid() bool {
	switch s {
	case EntityStatusCandidate, EntityStatusActive, EntityStatusRetired:
		return true
	}
	return false
}

// MaxEntityNameLen bounds entity display names.
const MaxEntityNameLen = 200

// Entity is one managed artist.
type Entity struct {
	ID                    uuid.UUID      `json:"id"`
	Name                  string         `json:"name"`
	Profile               map[string]any `json:"profile"`
	Status                EntityStatus   `json:"status"`
	ConsecutiveRejections int            `json:"consecutive_rejections"`
	TotalRuns             int            `json:"total_runs"`
	TotalApprovals        int            `json:"total_approvals"`
	LastRunAt             *time.Time     `json:"last_run_at,omitempty"`
	AdaptiveParameters    map[string]any `json:"adaptive_parameters"`
	AutopilotEnabled      bool           `json:"autopilot_enabled"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Selectable reports whether the entity may be picked for a new run.
func (e Entity) Selectable() bool {
	return e.Status == EntityStatusCandidate || e.Status == EntityStatusActive
}

// MergeParameters merges adj into the entity's adaptive parameters.
// Existing keys not present in adj are kept. Nil values in adj are ignored.
func (e *Entity) MergeParameters(adj map[string]any) {
	if len(adj) == 0 {
		return
	}
	if e.AdaptiveParameters == nil {
		e.AdaptiveParameters = make(map[string]any, len(adj))
	}
	for k, v := range adj {
		if v == nil {
			continue
		}
		e.AdaptiveParameters[k] = v
	}
}

// Clone returns a copy of e whose maps can be mutated independently.
func (e Entity) Clone() Entity {
	out := e
	out.Profile = CloneMap(e.Profile)
	out.AdaptiveParameters = CloneMap(e.AdaptiveParameters)
	if e.LastRunAt != nil {
		t := *e.LastRunAt
		out.LastRunAt = &t
	}
	return out
}

// NewEntity builds a candidate entity with a fresh ID.
func NewEntity(name string, profile map[string]any, now time.Time) Entity {
	if profile == nil {
		profile = map[string]any{}
	}
	return Entity{
		ID:                 uuid.New(),
		Name:               name,
		Profile:            profile,
		Status:             EntityStatusCandidate,
		AdaptiveParameters: map[string]any{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ValidateEntity checks the fields a caller is allowed to set on creation.
func ValidateEntity(e Entity) error {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxEntityNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxEntityNameLen)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.ConsecutiveRejections < 0 || e.TotalRuns < 0 || e.TotalApprovals < 0 {
		return fmt.Errorf("counters must be non-negative")
	}
	return nil
}

// CloneMap deep-copies nested maps and slices in m. Scalar values are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}
