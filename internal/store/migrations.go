package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) schemaVersion() string {
	var version string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		return ""
	}
	return version
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archive_runs (
		run_key              TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		source_calendar      TEXT NOT NULL,
		destination_calendar TEXT NOT NULL,
		window_start         INTEGER NOT NULL,
		window_end           INTEGER NOT NULL,
		mode                 TEXT NOT NULL,
		state                TEXT NOT NULL,
		detail               TEXT,
		correlation_id       TEXT NOT NULL,
		attempts             INTEGER NOT NULL DEFAULT 0,
		cancel_requested     INTEGER NOT NULL DEFAULT 0,
		replace_deleted      INTEGER NOT NULL DEFAULT 0,
		result               TEXT,
		error                TEXT,
		started_at           INTEGER NOT NULL,
		heartbeat_at         INTEGER NOT NULL,
		finished_at          INTEGER,
		updated_at           INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_state ON archive_runs(state);
	CREATE INDEX IF NOT EXISTS idx_runs_user ON archive_runs(user_id, window_start);

	CREATE TABLE IF NOT EXISTS run_writes (
		run_key    TEXT NOT NULL REFERENCES archive_runs(run_key) ON DELETE CASCADE,
		item_key   TEXT NOT NULL,
		written_at INTEGER NOT NULL,
		PRIMARY KEY (run_key, item_key)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		user_id        TEXT NOT NULL,
		action_type    TEXT NOT NULL,
		operation      TEXT NOT NULL,
		resource_type  TEXT,
		resource_id    TEXT,
		status         TEXT NOT NULL,
		details        TEXT,
		correlation_id TEXT NOT NULL,
		parent_id      TEXT,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_user_created ON audit_log(user_id, created_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	if version := s.schemaVersion(); version == "" || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS escalation_tasks (
		id             TEXT PRIMARY KEY,
		run_key        TEXT NOT NULL,
		fingerprint    TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		calendar       TEXT NOT NULL,
		span_start     INTEGER NOT NULL,
		span_end       INTEGER NOT NULL,
		snapshot       TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		created_at     INTEGER NOT NULL,
		resolved_at    INTEGER,
		UNIQUE (run_key, fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalation_tasks(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_escalations_user ON escalation_tasks(user_id);

	CREATE TABLE IF NOT EXISTS archived_items (
		user_id     TEXT NOT NULL,
		calendar    TEXT NOT NULL,
		item_key    TEXT NOT NULL,
		source_id   TEXT,
		dedupe_key  TEXT NOT NULL,
		start_at    INTEGER NOT NULL,
		end_at      INTEGER NOT NULL,
		payload     TEXT NOT NULL,
		archived_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, calendar, item_key)
	);

	CREATE INDEX IF NOT EXISTS idx_archived_window ON archived_items(user_id, calendar, start_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
