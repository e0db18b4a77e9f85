package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a generation run.
type RunState string

const (
	RunStatePending          RunState = "pending"
	RunStateGenerating       RunState = "generating"
	RunStateAwaitingApproval RunState = "awaiting_approval"
	RunStateApproved         RunState = "approved"
	RunStateRejected         RunState = "rejected"
	RunStateTimedOut         RunState = "timed_out"
	RunStateFailed           RunState = "failed"
)

// allowedTransitions maps each state to the states it may move to.
// Terminal states have no entry.
var allowedTransitions = map[RunState][]RunState{
	RunStatePending:          {RunStateGenerating, RunStateFailed},
	RunStateGenerating:       {RunStateAwaitingApproval, RunStateApproved, RunStateFailed},
	RunStateAwaitingApproval: {RunStateApproved, RunStateRejected, RunStateTimedOut, RunStateFailed},
}

// IsTerminal reports whether no further transition is possible from s.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateApproved, RunStateRejected, RunStateTimedOut, RunStateFailed:
		return true
	}
	return false
}

// InFlight reports whether a run in state s blocks another run for the same entity.
func (s RunState) InFlight() bool {
	switch s {
	case RunStatePending, RunStateGenerating, RunStateAwaitingApproval:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s RunState) Valid() bool {
	return s.InFlight() || s.IsTerminal()
}

// InFlightStates lists the non-terminal states in cycle order.
func InFlightStates() []RunState {
	return []RunState{RunStatePending, RunStateGenerating, RunStateAwaitingApproval}
}

// ValidateTransition returns an error if a run may not move from one state to another.
func ValidateTransition(from, to RunState) error {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ArtifactRef is an opaque reference to something a generator produced.
type ArtifactRef struct {
	Kind     string         `json:"kind"`
	URI      string         `json:"uri"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Artifact kinds the coordinator itself understands. Generators may return others.
const (
	ArtifactAudio  = "audio"
	ArtifactImage  = "image"
	ArtifactVideo  = "video"
	ArtifactLyrics = "lyrics"
)

// ParameterSnapshot is the exact parameter set a run was executed with.
type ParameterSnapshot struct {
	Parameters        map[string]any `json:"parameters"`
	Variant           *string        `json:"variant,omitempty"`
	ExperimentEnabled bool           `json:"experiment_enabled"`
	CapturedAt        time.Time      `json:"captured_at"`
}

// ProviderUse records which provider pair served a text sub-step.
type ProviderUse struct {
	Step     string `json:"step"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Run is one generation cycle for one entity.
type Run struct {
	ID                   uuid.UUID         `json:"run_id"`
	EntityID             uuid.UUID         `json:"entity_id"`
	State                RunState          `json:"state"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	DecidedAt            *time.Time        `json:"decided_at,omitempty"`
	ParameterSnapshot    ParameterSnapshot `json:"parameter_snapshot"`
	ArtifactRefs         []ArtifactRef     `json:"artifact_refs"`
	ReflectionText       *string           `json:"reflection_text,omitempty"`
	ParameterAdjustments map[string]any    `json:"parameter_adjustments,omitempty"`
	ApprovalHandle       *string           `json:"approval_handle,omitempty"`
	FailureReason        *string           `json:"failure_reason,omitempty"`
	ProviderUsage        []ProviderUse     `json:"provider_usage,omitempty"`
}

// NewRun creates a pending run for entityID with the given snapshot.
func NewRun(entityID uuid.UUID, snapshot ParameterSnapshot, now time.Time) Run {
	return Run{
		ID:                uuid.New(),
		EntityID:          entityID,
		State:             RunStatePending,
		CreatedAt:         now,
		UpdatedAt:         now,
		ParameterSnapshot: snapshot,
		ArtifactRefs:      []ArtifactRef{},
	}
}

// Transition moves the run to state to, stamping DecidedAt when to is terminal.
func (r *Run) Transition(to RunState, now time.Time) error {
	if err := ValidateTransition(r.State, to); err != nil {
		return err
	}
	r.State = to
	r.UpdatedAt = now
	if to.IsTerminal() {
		t := now
		r.DecidedAt = &t
	}
	return nil
}

// Fail moves the run to failed with a human-readable reason.
func (r *Run) Fail(reason string, now time.Time) error {
	if err := r.Transition(RunStateFailed, now); err != nil {
		return err
	}
	r.FailureReason = &reason
	return nil
}

// Outcome summarizes a terminal run for the lifecycle manager.
func (r Run) Outcome() RunOutcome {
	return RunOutcome{
		RunID:                r.ID,
		EntityID:             r.EntityID,
		State:                r.State,
		ReflectionText:       r.ReflectionText,
		ParameterAdjustments: CloneMap(r.ParameterAdjustments),
		FailureReason:        r.FailureReason,
	}
}

// Clone returns a deep copy of r.
func (r Run) Clone() Run {
	out := r
	out.ParameterSnapshot.Parameters = CloneMap(r.ParameterSnapshot.Parameters)
	out.ParameterAdjustments = CloneMap(r.ParameterAdjustments)
	out.ArtifactRefs = make([]ArtifactRef, len(r.ArtifactRefs))
	for i, a := range r.ArtifactRefs {
		a.Metadata = CloneMap(a.Metadata)
		out.ArtifactRefs[i] = a
	}
	if r.ProviderUsage != nil {
		out.ProviderUsage = append([]ProviderUse(nil), r.ProviderUsage...)
	}
	return out
}

// RunOutcome is what a finished cycle reports back to the lifecycle manager.
type RunOutcome struct {
	RunID                uuid.UUID      `json:"run_id"`
	EntityID             uuid.UUID      `json:"entity_id"`
	State                RunState       `json:"state"`
	ReflectionText       *string        `json:"reflection_text,omitempty"`
	ParameterAdjustments map[string]any `json:"parameter_adjustments,omitempty"`
	FailureReason        *string        `json:"failure_reason,omitempty"`
}

// CountsAsRejection reports whether the outcome counts toward retirement.
// Rejected and timed-out runs are treated alike.
func (o RunOutcome) CountsAsRejection() bool {
	return o.State == RunStateRejected || o.State == RunStateTimedOut
}
