package approval

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage"
)

// DecisionRepo is the decision surface shared by the Postgres, SQLite and
// in-memory repositories.
type DecisionRepo interface {
	OpenDecision(ctx context.Context, handle string, runID uuid.UUID) error
	GetDecision(ctx context.Context, handle string) (model.Decision, error)
	PutDecision(ctx context.Context, handle string, d model.Decision) error
}

// RepoStore adapts a DecisionRepo to DecisionStore, translating storage
// sentinels into approval errors.
type RepoStore struct {
	repo DecisionRepo
}

// NewRepoStore wraps repo.
func NewRepoStore(repo DecisionRepo) *RepoStore {
	return &RepoStore{repo: repo}
}

func (s *RepoStore) Open(ctx context.Context, h Handle, runID uuid.UUID) error {
	return s.repo.OpenDecision(ctx, string(h), runID)
}

func (s *RepoStore) Get(ctx context.Context, h Handle) (model.Decision, error) {
	d, err := s.repo.GetDecision(ctx, string(h))
	return d, translate(err)
}

func (s *RepoStore) Put(ctx context.Context, h Handle, d model.Decision) error {
	return translate(s.repo.PutDecision(ctx, string(h), d))
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return errors.Join(ErrUnknownHandle, err)
	case errors.Is(err, storage.ErrConflict):
		return errors.Join(ErrAlreadyDecided, err)
	default:
		return err
	}
}

// MemoryStore is a DecisionStore for tests and single-process runs that do
// not need decisions to outlive the process.
type MemoryStore struct {
	mu        sync.Mutex
	decisions map[Handle]model.Decision
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{decisions: make(map[Handle]model.Decision)}
}

func (s *MemoryStore) Open(_ context.Context, h Handle, _ uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[h] = model.DecisionPending
	return nil
}

func (s *MemoryStore) Get(_ context.Context, h Handle) (model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[h]
	if !ok {
		return "", ErrUnknownHandle
	}
	return d, nil
}

func (s *MemoryStore) Put(_ context.Context, h Handle, d model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.decisions[h]
	switch {
	case !ok:
		return ErrUnknownHandle
	case cur == model.DecisionPending:
		s.decisions[h] = d
		return nil
	case cur == d:
		return nil
	default:
		return ErrAlreadyDecided
	}
}
