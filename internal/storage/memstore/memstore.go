// Package memstore is an in-process implementation of the entity, run and
// decision repositories. It backs tests and ATELIER_STORE=memory dry runs and
// honours the same invariants and sentinel errors as the Postgres store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage"
)

// Store holds every record behind one mutex. Values are copied in and out.
type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	entities  map[uuid.UUID]model.Entity
	runs      map[uuid.UUID]model.Run
	inFlight  map[uuid.UUID]uuid.UUID // entity id -> run id
	decisions map[string]model.Decision
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		entities:  make(map[uuid.UUID]model.Entity),
		runs:      make(map[uuid.UUID]model.Run),
		inFlight:  make(map[uuid.UUID]uuid.UUID),
		decisions: make(map[string]model.Decision),
	}
}

// CreateEntity stores a copy of e. A zero ID is replaced with a fresh one.
func (s *Store) CreateEntity(_ context.Context, e model.Entity) (model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = model.EntityStatusCandidate
	}
	if e.Profile == nil {
		e.Profile = map[string]any{}
	}
	if e.AdaptiveParameters == nil {
		e.AdaptiveParameters = map[string]any{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if err := model.ValidateEntity(e); err != nil {
		return model.Entity{}, fmt.Errorf("memstore: create entity: %w", err)
	}
	if _, exists := s.entities[e.ID]; exists {
		return model.Entity{}, fmt.Errorf("memstore: entity %s already exists", e.ID)
	}
	s.entities[e.ID] = e.Clone()
	return e.Clone(), nil
}

// GetEntity returns a copy of the entity with id.
func (s *Store) GetEntity(_ context.Context, id uuid.UUID) (model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return model.Entity{}, fmt.Errorf("memstore: entity %s: %w", id, storage.ErrNotFound)
	}
	return e.Clone(), nil
}

// ListEntities returns entities by creation order, optionally filtered by status.
func (s *Store) ListEntities(_ context.Context, status *model.EntityStatus, limit, offset int) ([]model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []model.Entity
	for _, e := range s.sortedEntities() {
		if status != nil && e.Status != *status {
			continue
		}
		out = append(out, e.Clone())
	}
	return page(out, limit, offset), nil
}

// ListSelectable returns candidate and active entities with no in-flight run,
// least recently run first with never-run entities leading.
func (s *Store) ListSelectable(_ context.Context) ([]model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Entity
	for _, e := range s.entities {
		if !e.Selectable() {
			continue
		}
		if _, busy := s.inFlight[e.ID]; busy {
			continue
		}
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b model.Entity) int {
		switch {
		case a.LastRunAt == nil && b.LastRunAt != nil:
			return -1
		case a.LastRunAt != nil && b.LastRunAt == nil:
			return 1
		case a.LastRunAt != nil && b.LastRunAt != nil:
			if c := a.LastRunAt.Compare(*b.LastRunAt); c != 0 {
				return c
			}
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

// CountByStatus returns how many entities have status.
func (s *Store) CountByStatus(_ context.Context, status model.EntityStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entities {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

// UpdateEntity applies fn to a copy and stores it only if fn and validation succeed.
func (s *Store) UpdateEntity(_ context.Context, id uuid.UUID, fn func(*model.Entity) error) (model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entities[id]
	if !ok {
		return model.Entity{}, fmt.Errorf("memstore: entity %s: %w", id, storage.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return model.Entity{}, fmt.Errorf("memstore: update entity: %w", err)
	}
	next.ID = id
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	if err := model.ValidateEntity(next); err != nil {
		return model.Entity{}, fmt.Errorf("memstore: update entity: %w", err)
	}
	s.entities[id] = next.Clone()
	return next, nil
}

// CreateRun stores run, refusing a second in-flight run for the same entity.
func (s *Store) CreateRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[run.EntityID]; !ok {
		return fmt.Errorf("memstore: create run: entity %s: %w", run.EntityID, storage.ErrNotFound)
	}
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("memstore: run %s already exists", run.ID)
	}
	if run.State.InFlight() {
		if _, busy := s.inFlight[run.EntityID]; busy {
			return fmt.Errorf("memstore: create run for entity %s: %w", run.EntityID, storage.ErrRunInFlight)
		}
		s.inFlight[run.EntityID] = run.ID
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// SaveRun overwrites the mutable fields of a non-terminal run.
func (s *Store) SaveRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("memstore: run %s: %w", run.ID, storage.ErrNotFound)
	}
	if cur.State.IsTerminal() {
		return fmt.Errorf("memstore: save run %s: %w", run.ID, storage.ErrRunImmutable)
	}
	next := run.Clone()
	next.EntityID = cur.EntityID
	next.CreatedAt = cur.CreatedAt
	next.ParameterSnapshot = cur.ParameterSnapshot
	s.runs[run.ID] = next
	if !next.State.InFlight() {
		delete(s.inFlight, cur.EntityID)
	}
	return nil
}

// GetRun returns a copy of the run with id.
func (s *Store) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("memstore: run %s: %w", id, storage.ErrNotFound)
	}
	return r.Clone(), nil
}

// ListRunsByEntity returns an entity's runs newest first and the total count.
func (s *Store) ListRunsByEntity(_ context.Context, entityID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var all []model.Run
	for _, r := range s.sortedRuns() {
		if r.EntityID == entityID {
			all = append(all, r.Clone())
		}
	}
	return page(all, limit, offset), len(all), nil
}

// ListRecentRuns returns the newest runs across all entities.
func (s *Store) ListRecentRuns(_ context.Context, limit int) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	runs := s.sortedRuns()
	out := make([]model.Run, 0, min(limit, len(runs)))
	for _, r := range page(runs, limit, 0) {
		out = append(out, r.Clone())
	}
	return out, nil
}

// ListInFlightRuns returns every non-terminal run, oldest first.
func (s *Store) ListInFlightRuns(_ context.Context) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, id := range s.inFlight {
		out = append(out, s.runs[id].Clone())
	}
	slices.SortFunc(out, func(a, b model.Run) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

// StatusView returns every entity with its latest run.
func (s *Store) StatusView(_ context.Context) ([]model.EntityStatusView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[uuid.UUID]model.Run)
	for _, r := range s.sortedRuns() {
		if _, seen := latest[r.EntityID]; !seen {
			latest[r.EntityID] = r
		}
	}
	var out []model.EntityStatusView
	for _, e := range s.sortedEntities() {
		if r, ok := latest[e.ID]; ok {
			out = append(out, model.StatusView(e, &r))
		} else {
			out = append(out, model.StatusView(e, nil))
		}
	}
	return out, nil
}

// OpenDecision records a pending decision for handle.
func (s *Store) OpenDecision(_ context.Context, handle string, _ uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.decisions[handle]; exists {
		return fmt.Errorf("memstore: decision %s already open", handle)
	}
	s.decisions[handle] = model.DecisionPending
	return nil
}

// GetDecision returns the current decision for handle.
func (s *Store) GetDecision(_ context.Context, handle string) (model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[handle]
	if !ok {
		return "", fmt.Errorf("memstore: decision %s: %w", handle, storage.ErrNotFound)
	}
	return d, nil
}

// PutDecision records a final decision; the first final decision wins.
func (s *Store) PutDecision(_ context.Context, handle string, d model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !d.Final() {
		return fmt.Errorf("memstore: put decision: %q is not final", d)
	}
	cur, ok := s.decisions[handle]
	if !ok {
		return fmt.Errorf("memstore: decision %s: %w", handle, storage.ErrNotFound)
	}
	switch {
	case cur == model.DecisionPending:
		s.decisions[handle] = d
		return nil
	case cur == d:
		return nil
	default:
		return fmt.Errorf("memstore: decision %s is %s: %w", handle, cur, storage.ErrConflict)
	}
}

// sortedEntities returns entities by creation time. Caller holds mu.
func (s *Store) sortedEntities() []model.Entity {
	out := make([]model.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b model.Entity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

// sortedRuns returns runs newest first. Caller holds mu.
func (s *Store) sortedRuns() []model.Run {
	out := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b model.Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID.String(), a.ID.String())
	})
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
