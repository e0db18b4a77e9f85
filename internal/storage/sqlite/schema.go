package sqlite

// schema mirrors the Postgres migrations. JSON columns are TEXT and
// timestamps are fixed-width UTC strings.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id                     TEXT PRIMARY KEY,
		name                   TEXT NOT NULL,
		profile                TEXT NOT NULL DEFAULT '{}',
		status                 TEXT NOT NULL CHECK (status IN ('candidate', 'active', 'retired')),
		consecutive_rejections INTEGER NOT NULL DEFAULT 0 CHECK (consecutive_rejections >= 0),
		total_runs             INTEGER NOT NULL DEFAULT 0 CHECK (total_runs >= 0),
		total_approvals        INTEGER NOT NULL DEFAULT 0 CHECK (total_approvals >= 0),
		last_run_at            TEXT,
		adaptive_parameters    TEXT NOT NULL DEFAULT '{}',
		autopilot_enabled      INTEGER NOT NULL DEFAULT 0,
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS entities_selectable_idx ON entities (status, last_run_at)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id                    TEXT PRIMARY KEY,
		entity_id             TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		state                 TEXT NOT NULL CHECK (state IN ('pending', 'generating', 'awaiting_approval',
		                                                   'approved', 'rejected', 'timed_out', 'failed')),
		created_at            TEXT NOT NULL,
		updated_at            TEXT NOT NULL,
		decided_at            TEXT,
		parameter_snapshot    TEXT NOT NULL,
		artifact_refs         TEXT NOT NULL DEFAULT '[]',
		reflection_text       TEXT,
		parameter_adjustments TEXT,
		approval_handle       TEXT,
		failure_reason        TEXT CHECK (failure_reason IS NULL OR state = 'failed'),
		provider_usage        TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS runs_one_in_flight ON runs (entity_id)
		WHERE state IN ('pending', 'generating', 'awaiting_approval')`,
	`CREATE INDEX IF NOT EXISTS runs_entity_created_idx ON runs (entity_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS approval_decisions (
		handle     TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		decision   TEXT NOT NULL DEFAULT 'pending' CHECK (decision IN ('pending', 'approved', 'rejected')),
		created_at TEXT NOT NULL,
		decided_at TEXT
	)`,
}
