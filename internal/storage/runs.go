package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/atelier/internal/model"
)

const runColumns = `id, entity_id, state, created_at, updated_at, decided_at, parameter_snapshot,
	artifact_refs, reflection_text, parameter_adjustments, approval_handle, failure_reason, provider_usage`

// inFlightIndex is the partial unique index enforcing one in-flight run per entity.
const inFlightIndex = "runs_one_in_flight"

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.EntityID, &r.State, &r.CreatedAt, &r.UpdatedAt, &r.DecidedAt, &r.ParameterSnapshot,
		&r.ArtifactRefs, &r.ReflectionText, &r.ParameterAdjustments, &r.ApprovalHandle, &r.FailureReason, &r.ProviderUsage,
	)
	return r, err
}

// CreateRun inserts a new run. It returns ErrRunInFlight when the entity
// already has a non-terminal run.
func (db *DB) CreateRun(ctx context.Context, run model.Run) error {
	if run.ArtifactRefs == nil {
		run.ArtifactRefs = []model.ArtifactRef{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.EntityID, string(run.State), run.CreatedAt, run.UpdatedAt, run.DecidedAt, run.ParameterSnapshot,
		run.ArtifactRefs, run.ReflectionText, run.ParameterAdjustments, run.ApprovalHandle, run.FailureReason, run.ProviderUsage,
	)
	if err != nil {
		if isUniqueViolation(err, inFlightIndex) {
			return fmt.Errorf("storage: create run for entity %s: %w", run.EntityID, ErrRunInFlight)
		}
		return fmt.Errorf("storage: create run: %w", err)
	}
	if run.State.IsTerminal() {
		db.notifyRunFinished(ctx, run)
	}
	return nil
}

// SaveRun writes the mutable fields of run. The parameter snapshot is never
// rewritten. Runs already in a terminal state are refused with ErrRunImmutable.
func (db *DB) SaveRun(ctx context.Context, run model.Run) error {
	if run.ArtifactRefs == nil {
		run.ArtifactRefs = []model.ArtifactRef{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET state = $2, updated_at = $3, decided_at = $4, artifact_refs = $5,
		        reflection_text = $6, parameter_adjustments = $7, approval_handle = $8,
		        failure_reason = $9, provider_usage = $10
		 WHERE id = $1 AND state IN ('pending', 'generating', 'awaiting_approval')`,
		run.ID, string(run.State), run.UpdatedAt, run.DecidedAt, run.ArtifactRefs,
		run.ReflectionText, run.ParameterAdjustments, run.ApprovalHandle,
		run.FailureReason, run.ProviderUsage,
	)
	if err != nil {
		return fmt.Errorf("storage: save run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("storage: save run: %w", err)
		}
		if exists {
			return fmt.Errorf("storage: save run %s: %w", run.ID, ErrRunImmutable)
		}
		return fmt.Errorf("storage: run %s: %w", run.ID, ErrNotFound)
	}
	if run.State.IsTerminal() {
		db.notifyRunFinished(ctx, run)
	}
	return nil
}

// GetRun returns the run with id.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRunsByEntity returns an entity's runs, newest first, and the total count.
func (db *DB) ListRunsByEntity(ctx context.Context, entityID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE entity_id = $1`, entityID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE entity_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		entityID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	return runs, total, err
}

// ListRecentRuns returns the most recently created runs across all entities.
func (db *DB) ListRecentRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent runs: %w", err)
	}
	return collectRuns(rows)
}

// ListInFlightRuns returns every non-terminal run, oldest first.
func (db *DB) ListInFlightRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE state IN ('pending', 'generating', 'awaiting_approval')
		 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list in-flight runs: %w", err)
	}
	return collectRuns(rows)
}

// StatusView returns every entity with its latest run, for operator dashboards.
func (db *DB) StatusView(ctx context.Context) ([]model.EntityStatusView, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.id, e.name, e.status, e.consecutive_rejections, e.total_runs, e.total_approvals,
		        e.last_run_at, r.id, r.state
		 FROM entities e
		 LEFT JOIN LATERAL (
		     SELECT id, state FROM runs WHERE entity_id = e.id
		     ORDER BY created_at DESC, id DESC LIMIT 1
		 ) r ON true
		 ORDER BY e.created_at ASC, e.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: status view: %w", err)
	}
	defer rows.Close()

	var out []model.EntityStatusView
	for rows.Next() {
		var v model.EntityStatusView
		if err := rows.Scan(
			&v.EntityID, &v.Name, &v.Status, &v.ConsecutiveRejections, &v.TotalRuns, &v.TotalApprovals,
			&v.LastRunAt, &v.LatestRunID, &v.LatestRunState,
		); err != nil {
			return nil, fmt.Errorf("storage: scan status view: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func collectRuns(rows pgx.Rows) ([]model.Run, error) {
	defer rows.Close()
	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
