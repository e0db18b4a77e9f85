package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/atelier/internal/model"
)

const entityColumns = `id, name, profile, status, consecutive_rejections, total_runs, total_approvals,
	last_run_at, adaptive_parameters, autopilot_enabled, created_at, updated_at`

func scanEntity(row pgx.Row) (model.Entity, error) {
	var e model.Entity
	err := row.Scan(
		&e.ID, &e.Name, &e.Profile, &e.Status, &e.ConsecutiveRejections, &e.TotalRuns, &e.TotalApprovals,
		&e.LastRunAt, &e.AdaptiveParameters, &e.AutopilotEnabled, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

// CreateEntity inserts e. A zero ID is replaced with a fresh one.
func (db *DB) CreateEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	now := time.Now().UTC()
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
		return model.Entity{}, fmt.Errorf("storage: create entity: %w", err)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO entities (`+entityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Name, e.Profile, string(e.Status), e.ConsecutiveRejections, e.TotalRuns, e.TotalApprovals,
		e.LastRunAt, e.AdaptiveParameters, e.AutopilotEnabled, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return model.Entity{}, fmt.Errorf("storage: create entity: %w", err)
	}
	return e, nil
}

// GetEntity returns the entity with id.
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	e, err := scanEntity(db.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("storage: entity %s: %w", id, ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns entities ordered by creation, optionally filtered by status.
func (db *DB) ListEntities(ctx context.Context, status *model.EntityStatus, limit, offset int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE ($1::text IS NULL OR status = $1)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		statusArg, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	return collectEntities(rows)
}

// ListSelectable returns candidate and active entities with no in-flight run,
// least recently run first. Entities that never ran come first.
func (db *DB) ListSelectable(ctx context.Context) ([]model.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities e
		 WHERE e.status IN ('candidate', 'active')
		   AND NOT EXISTS (
		       SELECT 1 FROM runs r
		       WHERE r.entity_id = e.id
		         AND r.state IN ('pending', 'generating', 'awaiting_approval'))
		 ORDER BY e.last_run_at ASC NULLS FIRST, e.created_at ASC, e.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list selectable: %w", err)
	}
	return collectEntities(rows)
}

// CountByStatus returns how many entities have status.
func (db *DB) CountByStatus(ctx context.Context, status model.EntityStatus) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM entities WHERE status = $1`, string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count entities: %w", err)
	}
	return n, nil
}

// UpdateEntity applies fn to the current row under a row lock and writes the
// result back in the same transaction. Either every field fn changed is
// persisted or none is. Serialization and deadlock failures are retried.
func (db *DB) UpdateEntity(ctx context.Context, id uuid.UUID, fn func(*model.Entity) error) (model.Entity, error) {
	var updated model.Entity
	err := WithRetry(ctx, db.retry, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			e, err := scanEntity(tx.QueryRow(ctx,
				`SELECT `+entityColumns+` FROM entities WHERE id = $1 FOR UPDATE`, id))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("entity %s: %w", id, ErrNotFound)
				}
				return err
			}

			createdAt := e.CreatedAt
			if err := fn(&e); err != nil {
				return err
			}
			e.ID = id
			e.CreatedAt = createdAt
			e.UpdatedAt = time.Now().UTC()
			if err := model.ValidateEntity(e); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx,
				`UPDATE entities SET name = $2, profile = $3, status = $4, consecutive_rejections = $5,
				        total_runs = $6, total_approvals = $7, last_run_at = $8, adaptive_parameters = $9,
				        autopilot_enabled = $10, updated_at = $11
				 WHERE id = $1`,
				e.ID, e.Name, e.Profile, string(e.Status), e.ConsecutiveRejections,
				e.TotalRuns, e.TotalApprovals, e.LastRunAt, e.AdaptiveParameters,
				e.AutopilotEnabled, e.UpdatedAt,
			); err != nil {
				return err
			}
			updated = e
			return nil
		})
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("storage: update entity: %w", err)
	}
	return updated, nil
}

func collectEntities(rows pgx.Rows) ([]model.Entity, error) {
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
