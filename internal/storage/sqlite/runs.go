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

const runColumns = `id, entity_id, state, created_at, updated_at, decided_at, parameter_snapshot,
	artifact_refs, reflection_text, parameter_adjustments, approval_handle, failure_reason, provider_usage`

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                           model.Run
		id, entityID, state         string
		created, updated            string
		decided, reflection, handle sql.NullString
		snapshot, artifacts, adj    sql.NullString
		failure, usage              sql.NullString
	)
	if err := row.Scan(&id, &entityID, &state, &created, &updated, &decided, &snapshot,
		&artifacts, &reflection, &adj, &handle, &failure, &usage); err != nil {
		return model.Run{}, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Run{}, fmt.Errorf("run id: %w", err)
	}
	if r.EntityID, err = uuid.Parse(entityID); err != nil {
		return model.Run{}, fmt.Errorf("run entity id: %w", err)
	}
	r.State = model.RunState(state)
	if r.CreatedAt, err = parseTime(created); err != nil {
		return model.Run{}, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Run{}, err
	}
	if r.DecidedAt, err = parseTimePtr(decided); err != nil {
		return model.Run{}, err
	}
	if err := decodeJSON(snapshot, &r.ParameterSnapshot); err != nil {
		return model.Run{}, fmt.Errorf("run snapshot: %w", err)
	}
	if err := decodeJSON(artifacts, &r.ArtifactRefs); err != nil {
		return model.Run{}, fmt.Errorf("run artifacts: %w", err)
	}
	if r.ArtifactRefs == nil {
		r.ArtifactRefs = []model.ArtifactRef{}
	}
	if err := decodeJSON(adj, &r.ParameterAdjustments); err != nil {
		return model.Run{}, fmt.Errorf("run adjustments: %w", err)
	}
	if err := decodeJSON(usage, &r.ProviderUsage); err != nil {
		return model.Run{}, fmt.Errorf("run provider usage: %w", err)
	}
	r.ReflectionText = stringPtr(reflection)
	r.ApprovalHandle = stringPtr(handle)
	r.FailureReason = stringPtr(failure)
	return r, nil
}

type encodedRun struct {
	snapshot, artifacts string
	adj, usage          any
}

func encodeRun(run model.Run) (encodedRun, error) {
	var (
		out encodedRun
		err error
	)
	if run.ArtifactRefs == nil {
		run.ArtifactRefs = []model.ArtifactRef{}
	}
	if out.snapshot, err = encodeJSON(run.ParameterSnapshot); err != nil {
		return out, err
	}
	if out.artifacts, err = encodeJSON(run.ArtifactRefs); err != nil {
		return out, err
	}
	if out.adj, err = encodeOptionalJSON(run.ParameterAdjustments, run.ParameterAdjustments != nil); err != nil {
		return out, err
	}
	if out.usage, err = encodeOptionalJSON(run.ProviderUsage, run.ProviderUsage != nil); err != nil {
		return out, err
	}
	return out, nil
}

// CreateRun inserts a new run. It returns storage.ErrRunInFlight when the
// entity already has a non-terminal run.
func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	enc, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.EntityID.String(), string(run.State), formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt), formatTimePtr(run.DecidedAt), enc.snapshot, enc.artifacts,
		nullString(run.ReflectionText), enc.adj, nullString(run.ApprovalHandle),
		nullString(run.FailureReason), enc.usage,
	)
	if err != nil {
		if isUniqueViolation(err, "runs.entity_id") {
			return fmt.Errorf("sqlite: create run for entity %s: %w", run.EntityID, storage.ErrRunInFlight)
		}
		if _, gerr := s.GetEntity(ctx, run.EntityID); errors.Is(gerr, storage.ErrNotFound) {
			return fmt.Errorf("sqlite: create run: %w", gerr)
		}
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

// SaveRun writes the mutable fields of run. Terminal runs are refused with
// storage.ErrRunImmutable and the parameter snapshot is never rewritten.
func (s *Store) SaveRun(ctx context.Context, run model.Run) error {
	enc, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("sqlite: save run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = ?, decided_at = ?, artifact_refs = ?,
		        reflection_text = ?, parameter_adjustments = ?, approval_handle = ?,
		        failure_reason = ?, provider_usage = ?
		 WHERE id = ? AND state IN ('pending', 'generating', 'awaiting_approval')`,
		string(run.State), formatTime(run.UpdatedAt), formatTimePtr(run.DecidedAt), enc.artifacts,
		nullString(run.ReflectionText), enc.adj, nullString(run.ApprovalHandle),
		nullString(run.FailureReason), enc.usage, run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: save run: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, run.ID.String()).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: save run: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("sqlite: save run %s: %w", run.ID, storage.ErrRunImmutable)
	}
	return notFound("run", run.ID)
}

// GetRun returns the run with id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, notFound("run", id)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return r, nil
}

// ListRunsByEntity returns an entity's runs, newest first, and the total count.
func (s *Store) ListRunsByEntity(ctx context.Context, entityID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE entity_id = ?`, entityID.String(),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count runs: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE entity_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		entityID.String(), limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	return runs, total, err
}

// ListRecentRuns returns the most recently created runs across all entities.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent runs: %w", err)
	}
	return collectRuns(rows)
}

// ListInFlightRuns returns every non-terminal run, oldest first.
func (s *Store) ListInFlightRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE state IN ('pending', 'generating', 'awaiting_approval')
		 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list in-flight runs: %w", err)
	}
	return collectRuns(rows)
}

// StatusView returns every entity with its latest run.
func (s *Store) StatusView(ctx context.Context) ([]model.EntityStatusView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.name, e.status, e.consecutive_rejections, e.total_runs, e.total_approvals,
		        e.last_run_at,
		        (SELECT r.id FROM runs r WHERE r.entity_id = e.id ORDER BY r.created_at DESC, r.id DESC LIMIT 1),
		        (SELECT r.state FROM runs r WHERE r.entity_id = e.id ORDER BY r.created_at DESC, r.id DESC LIMIT 1)
		 FROM entities e
		 ORDER BY e.created_at ASC, e.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: status view: %w", err)
	}
	defer rows.Close()

	var out []model.EntityStatusView
	for rows.Next() {
		var (
			v                        model.EntityStatusView
			id, status               string
			lastRun, runID, runState sql.NullString
		)
		if err := rows.Scan(&id, &v.Name, &status, &v.ConsecutiveRejections, &v.TotalRuns,
			&v.TotalApprovals, &lastRun, &runID, &runState); err != nil {
			return nil, fmt.Errorf("sqlite: scan status view: %w", err)
		}
		if v.EntityID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: scan status view: %w", err)
		}
		v.Status = model.EntityStatus(status)
		if v.LastRunAt, err = parseTimePtr(lastRun); err != nil {
			return nil, fmt.Errorf("sqlite: scan status view: %w", err)
		}
		if runID.Valid {
			rid, err := uuid.Parse(runID.String)
			if err != nil {
				return nil, fmt.Errorf("sqlite: scan status view: %w", err)
			}
			st := model.RunState(runState.String)
			v.LatestRunID = &rid
			v.LatestRunState = &st
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func collectRuns(rows *sql.Rows) ([]model.Run, error) {
	defer rows.Close()
	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
