package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage"
)

// OpenDecision records a pending decision for handle.
func (s *Store) OpenDecision(ctx context.Context, handle string, runID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_decisions (handle, run_id, created_at) VALUES (?, ?, ?)`,
		handle, runID.String(), formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("sqlite: open decision: %w", err)
	}
	return nil
}

// GetDecision returns the current decision for handle.
func (s *Store) GetDecision(ctx context.Context, handle string) (model.Decision, error) {
	var d string
	err := s.db.QueryRowContext(ctx,
		`SELECT decision FROM approval_decisions WHERE handle = ?`, handle,
	).Scan(&d)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound("decision", handle)
		}
		return "", fmt.Errorf("sqlite: get decision: %w", err)
	}
	return model.Decision(d), nil
}

// PutDecision records a final decision. The first final decision wins:
// repeating it is a no-op and a different one returns storage.ErrConflict.
func (s *Store) PutDecision(ctx context.Context, handle string, d model.Decision) error {
	if !d.Final() {
		return fmt.Errorf("sqlite: put decision: %q is not final", d)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_decisions SET decision = ?, decided_at = ?
		 WHERE handle = ? AND decision = 'pending'`,
		string(d), formatTime(s.now()), handle,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put decision: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	current, err := s.GetDecision(ctx, handle)
	if err != nil {
		return err
	}
	if current != d {
		return fmt.Errorf("sqlite: decision %s is %s: %w", handle, current, storage.ErrConflict)
	}
	return nil
}
