package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/atelier/internal/model"
)

const entityColumns = `id, name, profile, status, consecutive_rejections, total_runs, total_approvals,
	last_run_at, adaptive_parameters, autopilot_enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (model.Entity, error) {
	var (
		e                model.Entity
		id, status       string
		profile, params  sql.NullString
		lastRun          sql.NullString
		created, updated string
		autopilot        int
	)
	if err := row.Scan(&id, &e.Name, &profile, &status, &e.ConsecutiveRejections, &e.TotalRuns,
		&e.TotalApprovals, &lastRun, &params, &autopilot, &created, &updated); err != nil {
		return model.Entity{}, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return model.Entity{}, fmt.Errorf("entity id: %w", err)
	}
	e.Status = model.EntityStatus(status)
	e.AutopilotEnabled = autopilot != 0
	if err := decodeJSON(profile, &e.Profile); err != nil {
		return model.Entity{}, fmt.Errorf("entity profile: %w", err)
	}
	if err := decodeJSON(params, &e.AdaptiveParameters); err != nil {
		return model.Entity{}, fmt.Errorf("entity parameters: %w", err)
	}
	if e.LastRunAt, err = parseTimePtr(lastRun); err != nil {
		return model.Entity{}, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return model.Entity{}, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Entity{}, err
	}
	return e, nil
}

// CreateEntity inserts e. A zero ID is replaced with a fresh one.
func (s *Store) CreateEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
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
		return model.Entity{}, fmt.Errorf("sqlite: create entity: %w", err)
	}
	if err := s.writeEntity(ctx, s.db, e, true); err != nil {
		return model.Entity{}, fmt.Errorf("sqlite: create entity: %w", err)
	}
	return e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) writeEntity(ctx context.Context, x execer, e model.Entity, insert bool) error {
	profile, err := encodeJSON(e.Profile)
	if err != nil {
		return err
	}
	params, err := encodeJSON(e.AdaptiveParameters)
	if err != nil {
		return err
	}
	autopilot := 0
	if e.AutopilotEnabled {
		autopilot = 1
	}
	if insert {
		_, err = x.ExecContext(ctx,
			`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.Name, profile, string(e.Status), e.ConsecutiveRejections, e.TotalRuns,
			e.TotalApprovals, formatTimePtr(e.LastRunAt), params, autopilot,
			formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
		)
		return err
	}
	_, err = x.ExecContext(ctx,
		`UPDATE entities SET name = ?, profile = ?, status = ?, consecutive_rejections = ?,
		        total_runs = ?, total_approvals = ?, last_run_at = ?, adaptive_parameters = ?,
		        autopilot_enabled = ?, updated_at = ?
		 WHERE id = ?`,
		e.Name, profile, string(e.Status), e.ConsecutiveRejections, e.TotalRuns, e.TotalApprovals,
		formatTimePtr(e.LastRunAt), params, autopilot, formatTime(e.UpdatedAt), e.ID.String(),
	)
	return err
}

// GetEntity returns the entity with id.
func (s *Store) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Entity{}, notFound("entity", id)
		}
		return model.Entity{}, fmt.Errorf("sqlite: get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns entities ordered by creation, optionally filtered by status.
func (s *Store) ListEntities(ctx context.Context, status *model.EntityStatus, limit, offset int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE (?1 IS NULL OR status = ?1)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?2 OFFSET ?3`,
		statusArg, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entities: %w", err)
	}
	return collectEntities(rows)
}

// ListSelectable returns candidate and active entities with no in-flight run,
// least recently run first. Entities that never ran come first.
func (s *Store) ListSelectable(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities e
		 WHERE e.status IN ('candidate', 'active')
		   AND NOT EXISTS (
		       SELECT 1 FROM runs r
		       WHERE r.entity_id = e.id
		         AND r.state IN ('pending', 'generating', 'awaiting_approval'))
		 ORDER BY e.last_run_at IS NOT NULL, e.last_run_at ASC, e.created_at ASC, e.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list selectable: %w", err)
	}
	return collectEntities(rows)
}

// CountByStatus returns how many entities have status.
func (s *Store) CountByStatus(ctx context.Context, status model.EntityStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE status = ?`, string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count entities: %w", err)
	}
	return n, nil
}

// UpdateEntity applies fn to the current row and writes it back in one
// transaction. The single connection serializes concurrent updates.
func (s *Store) UpdateEntity(ctx context.Context, id uuid.UUID, fn func(*model.Entity) error) (model.Entity, error) {
	var updated model.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEntity(tx.QueryRowContext(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id.String()))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("entity", id)
			}
			return err
		}
		createdAt := e.CreatedAt
		if err := fn(&e); err != nil {
			return err
		}
		e.ID = id
		e.CreatedAt = createdAt
		e.UpdatedAt = s.now()
		if err := model.ValidateEntity(e); err != nil {
			return err
		}
		if err := s.writeEntity(ctx, tx, e, false); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return model.Entity{}, fmt.Errorf("sqlite: update entity: %w", err)
	}
	return updated, nil
}

func collectEntities(rows *sql.Rows) ([]model.Entity, error) {
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
