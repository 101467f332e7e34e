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

func (s *Store) schemaVersion() (int, error) {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("failed to create meta table: %w", err)
	}
	var version int
	err := s.db.QueryRow("SELECT CAST(value AS INTEGER) FROM meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		return 0, nil
	}
	return version, nil
}

func (s *Store) setSchemaVersion(v int) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)",
		fmt.Sprintf("%d", v),
	)
	return err
}

func (s *Store) migrateV1() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= 1 {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		repo_url TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT 'main',
		token TEXT,
		local_path TEXT,
		model TEXT,
		service_id TEXT,
		service_url TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		text TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		auto_push INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		suggestion_id TEXT,
		auto_session_id TEXT,
		summary TEXT,
		commit_sha TEXT,
		error TEXT,
		turns INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_project ON requests(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(auto_session_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_processing
		ON requests(project_id) WHERE status = 'processing';

	CREATE TABLE IF NOT EXISTS request_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_request_logs_request ON request_logs(request_id, id);

	CREATE TABLE IF NOT EXISTS auto_sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		direction TEXT NOT NULL DEFAULT '',
		max_suggestions INTEGER NOT NULL,
		submitted INTEGER NOT NULL DEFAULT 0,
		generated INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running',
		note TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_auto_sessions_one_active
		ON auto_sessions(project_id) WHERE status IN ('running', 'paused');

	CREATE TABLE IF NOT EXISTS suggestions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		auto_session_id TEXT REFERENCES auto_sessions(id),
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		implementation_details TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'feature',
		priority INTEGER NOT NULL DEFAULT 3,
		effort TEXT NOT NULL DEFAULT 'medium',
		dependencies TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'suggested',
		request_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_suggestions_project ON suggestions(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_suggestions_session ON suggestions(auto_session_id, status);

	CREATE TABLE IF NOT EXISTS improvements (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		request_id TEXT NOT NULL UNIQUE REFERENCES requests(id),
		suggestion_id TEXT,
		title TEXT NOT NULL,
		feature_flag TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		files TEXT NOT NULL DEFAULT '[]',
		enabled INTEGER NOT NULL DEFAULT 1,
		revert_sha TEXT,
		created_at INTEGER NOT NULL,
		disabled_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_improvements_project ON improvements(project_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return s.setSchemaVersion(1)
}

func (s *Store) migrateV2() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= 2 {
		return nil
	}

	// V2: the processor's poll query filters on status and orders by
	// creation time; suggestions are picked by priority within a session.
	schema := `
	CREATE INDEX IF NOT EXISTS idx_requests_pending ON requests(created_at) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_suggestions_pick ON suggestions(auto_session_id, priority, created_at)
		WHERE status = 'accepted' AND request_id IS NULL;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate v2: %w", err)
	}
	return s.setSchemaVersion(2)
}
