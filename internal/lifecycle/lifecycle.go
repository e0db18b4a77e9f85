// Package lifecycle decides which artist runs next and folds each run's
// outcome back into the artist's long-term state.
//
// The Manager is the only writer of an entity's status and rejection
// counter. Every outcome is applied through one atomic UpdateEntity call.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/telemetry"
)

// ErrNoEntity is returned when nothing is selectable and no candidate could be created.
var ErrNoEntity = errors.New("lifecycle: no selectable entity")

// DefaultRetirementThreshold is used when Config.RetirementThreshold is unset.
const DefaultRetirementThreshold = 3

// EntityStore is the entity repository the Manager needs.
type EntityStore interface {
	CreateEntity(ctx context.Context, e model.Entity) (model.Entity, error)
	GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error)
	// ListSelectable returns candidate and active entities without an
	// in-flight run, least recently run first.
	ListSelectable(ctx context.Context) ([]model.Entity, error)
	CountByStatus(ctx context.Context, status model.EntityStatus) (int, error)
	// UpdateEntity applies fn to the current entity and commits the result
	// atomically. If fn returns an error nothing is written.
	UpdateEntity(ctx context.Context, id uuid.UUID, fn func(*model.Entity) error) (model.Entity, error)
}

// CandidateFactory invents a new candidate artist.
type CandidateFactory interface {
	NewCandidate(ctx context.Context) (model.Entity, error)
}

// CycleRunner executes one generation cycle.
type CycleRunner interface {
	ExecuteCycle(ctx context.Context, entity model.Entity) (model.RunOutcome, error)
}

// Config holds lifecycle policy.
type Config struct {
	// RetirementThreshold is the number of consecutive rejections or
	// timeouts that retires an entity.
	RetirementThreshold int
	// ActiveFloor is the active-entity count at or above which random
	// candidate creation is allowed.
	ActiveFloor int
	// CandidateProbability is the chance per selection of creating a new
	// candidate instead of picking an existing entity.
	CandidateProbability float64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand replaces the random source used for candidate creation.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rng = r }
}

// Manager selects entities, runs cycles and applies outcomes.
type Manager struct {
	store   EntityStore
	cycles  CycleRunner
	factory CandidateFactory
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	rng     *rand.Rand

	outcomes    metric.Int64Counter
	retirements metric.Int64Counter
	candidates  metric.Int64Counter
}

// New creates a Manager. cycles and factory may be nil; without a factory
// no candidates are created.
func New(store EntityStore, cycles CycleRunner, factory CandidateFactory, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.RetirementThreshold < 1 {
		cfg.RetirementThreshold = DefaultRetirementThreshold
	}
	cfg.CandidateProbability = min(max(cfg.CandidateProbability, 0), 1)

	m := &Manager{
		store:   store,
		cycles:  cycles,
		factory: factory,
		cfg:     cfg,
		logger:  logger.With("component", "lifecycle"),
		now:     func() time.Time { return time.Now().UTC() },
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(m)
	}

	meter := telemetry.Meter("atelier/lifecycle")
	m.outcomes = telemetry.Int64Counter(meter, m.logger, "atelier.lifecycle.outcomes",
		metric.WithDescription("Run outcomes applied to entities"))
	m.retirements = telemetry.Int64Counter(meter, m.logger, "atelier.lifecycle.retirements",
		metric.WithDescription("Entities retired after consecutive rejections"))
	m.candidates = telemetry.Int64Counter(meter, m.logger, "atelier.lifecycle.candidates",
		metric.WithDescription("Candidate entities created"))
	return m
}

// Config returns the effective policy.
func (m *Manager) Config() Config { return m.cfg }

// SelectNextEntity returns the entity to run next.
//
// With probability CandidateProbability, and only while the active pool is
// at or above ActiveFloor, a fresh candidate is created instead. A candidate
// is also created when nothing is selectable. If candidate creation fails
// and an existing entity is selectable, that entity is returned.
func (m *Manager) SelectNextEntity(ctx context.Context) (model.Entity, error) {
	selectable, err := m.store.ListSelectable(ctx)
	if err != nil {
		return model.Entity{}, model.Persistence("list selectable", err)
	}

	wantCandidate := len(selectable) == 0
	if !wantCandidate && m.factory != nil && m.cfg.CandidateProbability > 0 && m.rng.Float64() < m.cfg.CandidateProbability {
		active, err := m.store.CountByStatus(ctx, model.EntityStatusActive)
		if err != nil {
			return model.Entity{}, model.Persistence("count active", err)
		}
		wantCandidate = active >= m.cfg.ActiveFloor
	}

	if wantCandidate {
		if m.factory == nil {
			return model.Entity{}, ErrNoEntity
		}
		e, err := m.createCandidate(ctx)
		switch {
		case err == nil:
			return e, nil
		case len(selectable) == 0:
			return model.Entity{}, errors.Join(ErrNoEntity, err)
		default:
			m.logger.Warn("candidate creation failed, selecting existing entity", "error", err)
		}
	}
	return selectable[0], nil
}

func (m *Manager) createCandidate(ctx context.Context) (model.Entity, error) {
	e, err := m.factory.NewCandidate(ctx)
	if err != nil {
		return model.Entity{}, fmt.Errorf("lifecycle: new candidate: %w", err)
	}
	now := m.now()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Status = model.EntityStatusCandidate
	e.ConsecutiveRejections, e.TotalRuns, e.TotalApprovals = 0, 0, 0
	e.LastRunAt = nil
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Profile == nil {
		e.Profile = map[string]any{}
	}
	if e.AdaptiveParameters == nil {
		e.AdaptiveParameters = map[string]any{}
	}
	if err := model.ValidateEntity(e); err != nil {
		return model.Entity{}, fmt.Errorf("lifecycle: new candidate: %w", err)
	}

	created, err := m.store.CreateEntity(ctx, e)
	if err != nil {
		return model.Entity{}, model.Persistence("create candidate", err)
	}
	m.candidates.Add(ctx, 1)
	m.logger.Info("candidate created", "entity_id", created.ID, "name", created.Name)
	return created, nil
}

// ApplyOutcome folds a terminal run's outcome into the entity in a single
// atomic update and returns the updated entity.
func (m *Manager) ApplyOutcome(ctx context.Context, entityID uuid.UUID, outcome model.RunOutcome) (model.Entity, error) {
	if !outcome.State.IsTerminal() {
		return model.Entity{}, fmt.Errorf("lifecycle: apply outcome: run state %q is not terminal", outcome.State)
	}
	var retired bool
	updated, err := m.store.UpdateEntity(ctx, entityID, func(e *model.Entity) error {
		before := e.Status
		Apply(e, outcome, m.cfg.RetirementThreshold, m.now())
		retired = before != model.EntityStatusRetired && e.Status == model.EntityStatusRetired
		return nil
	})
	if err != nil {
		return model.Entity{}, model.Persistence("apply outcome", err)
	}

	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(outcome.State))))
	log := m.logger.With("entity_id", entityID, "run_id", outcome.RunID)
	if retired {
		m.retirements.Add(ctx, 1)
		log.Warn("entity retired", "consecutive_rejections", updated.ConsecutiveRejections)
	}
	log.Info("outcome applied",
		"state", outcome.State,
		"status", updated.Status,
		"consecutive_rejections", updated.ConsecutiveRejections,
		"total_runs", updated.TotalRuns)
	return updated, nil
}

// Apply mutates e for one terminal outcome.
//
// Approved resets the rejection streak, counts an approval and promotes a
// candidate. Rejected and timed_out extend the streak and retire the entity
// once it reaches threshold. Failed leaves both untouched. Every outcome
// counts a run, stamps last_run_at and merges parameter adjustments. A
// retired entity stays retired.
func Apply(e *model.Entity, o model.RunOutcome, threshold int, now time.Time) {
	switch {
	case o.State == model.RunStateApproved:
		e.ConsecutiveRejections = 0
		e.TotalApprovals++
		if e.Status == model.EntityStatusCandidate {
			e.Status = model.EntityStatusActive
		}
	case o.CountsAsRejection():
		e.ConsecutiveRejections++
		if e.ConsecutiveRejections >= threshold {
			e.Status = model.EntityStatusRetired
		}
	}
	e.TotalRuns++
	t := now
	e.LastRunAt = &t
	e.UpdatedAt = now
	e.MergeParameters(o.ParameterAdjustments)
}

// Tick runs one full cycle: select an entity, execute a cycle for it and
// apply the outcome. A panic inside the cycle is recovered and returned as
// an error.
func (m *Manager) Tick(ctx context.Context) (model.RunOutcome, error) {
	if m.cycles == nil {
		return model.RunOutcome{}, errors.New("lifecycle: tick: no cycle runner configured")
	}
	entity, err := m.SelectNextEntity(ctx)
	if err != nil {
		return model.RunOutcome{}, err
	}

	out, err := m.runCycle(ctx, entity)
	if err != nil {
		return model.RunOutcome{}, err
	}
	// The run is already terminal in the store; the entity must follow it
	// even when ctx was cancelled during the approval wait.
	if _, err := m.ApplyOutcome(context.WithoutCancel(ctx), entity.ID, out); err != nil {
		return out, err
	}
	return out, nil
}

func (m *Manager) runCycle(ctx context.Context, entity model.Entity) (out model.RunOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cycle panicked", "entity_id", entity.ID, "panic", r)
			err = fmt.Errorf("lifecycle: cycle for entity %s panicked: %v", entity.ID, r)
		}
	}()
	return m.cycles.ExecuteCycle(ctx, entity)
}
