package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/atelier/internal/model"
)

// OpenDecision records a pending decision for handle.
func (db *DB) OpenDecision(ctx context.Context, handle string, runID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO approval_decisions (handle, run_id) VALUES ($1, $2)`, handle, runID,
	); err != nil {
		return fmt.Errorf("storage: open decision: %w", err)
	}
	return nil
}

// GetDecision returns the current decision for handle.
func (db *DB) GetDecision(ctx context.Context, handle string) (model.Decision, error) {
	var d model.Decision
	err := db.pool.QueryRow(ctx,
		`SELECT decision FROM approval_decisions WHERE handle = $1`, handle,
	).Scan(&d)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: decision %s: %w", handle, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// PutDecision records a final decision. The first final decision wins:
// repeating it is a no-op and a different one returns ErrConflict.
func (db *DB) PutDecision(ctx context.Context, handle string, d model.Decision) error {
	if !d.Final() {
		return fmt.Errorf("storage: put decision: %q is not final", d)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE approval_decisions SET decision = $2, decided_at = now()
		 WHERE handle = $1 AND decision = 'pending'`,
		handle, string(d),
	)
	if err != nil {
		return fmt.Errorf("storage: put decision: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := db.GetDecision(ctx, handle)
	if err != nil {
		return err
	}
	if current != d {
		return fmt.Errorf("storage: decision %s is %s: %w", handle, current, ErrConflict)
	}
	return nil
}
