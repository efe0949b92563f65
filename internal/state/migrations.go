package state

import "fmt"

// Migrate applies all pending schema migrations. Each applied migration
// records itself in schema_version so re-opening the store is a no-op.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

var migrations = []struct {
	version int
	sql     string
}{
	{1, migrationV1Sessions},
	{2, migrationV2Tasks},
	{3, migrationV3Dependencies},
	{4, migrationV4CostEntries},
	{5, migrationV5Signals},
	{6, migrationV6ExecutionLog},
	{7, migrationV7ReadyView},
}

const migrationV1Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	graph_source TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	total_cost_usd REAL NOT NULL DEFAULT 0.0,
	planning_cost_usd REAL NOT NULL DEFAULT 0.0,
	budget_usd REAL NOT NULL DEFAULT 0.0,
	base_branch TEXT NOT NULL DEFAULT 'main',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

const migrationV2Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	prompt TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'coding',
	status TEXT NOT NULL DEFAULT 'pending',
	agent TEXT,
	model TEXT,
	budget_usd REAL NOT NULL DEFAULT 0.0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 2,
	cost_usd REAL NOT NULL DEFAULT 0.0,
	worker_id TEXT,
	worktree_path TEXT,
	branch TEXT,
	output TEXT,
	error TEXT,
	worktree_cleaned_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
`

const migrationV3Dependencies = `
CREATE TABLE IF NOT EXISTS task_dependencies (
	session_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	PRIMARY KEY (session_id, task_id, depends_on),
	FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE,
	FOREIGN KEY (session_id, depends_on) REFERENCES tasks(session_id, id) ON DELETE CASCADE,
	CHECK (task_id != depends_on)
);

CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies(session_id, task_id);
CREATE INDEX IF NOT EXISTS idx_deps_on ON task_dependencies(session_id, depends_on);
`

const migrationV4CostEntries = `
CREATE TABLE IF NOT EXISTS cost_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	task_id TEXT,
	agent TEXT NOT NULL,
	billing_mode TEXT NOT NULL DEFAULT 'api',
	estimated_cost_usd REAL NOT NULL DEFAULT 0.0,
	actual_cost_usd REAL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_costs_session ON cost_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_costs_task ON cost_entries(session_id, task_id);
`

const migrationV5Signals = `
CREATE TABLE IF NOT EXISTS session_signals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	signal TEXT NOT NULL CHECK (signal IN ('pause', 'resume', 'cancel')),
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_session ON session_signals(session_id);
`

const migrationV6ExecutionLog = `
CREATE TABLE IF NOT EXISTS execution_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event TEXT NOT NULL,
	session_id TEXT NOT NULL,
	task_id TEXT,
	old_status TEXT,
	new_status TEXT,
	agent TEXT,
	cost_delta REAL NOT NULL DEFAULT 0.0,
	data TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execlog_session ON execution_log(session_id);
CREATE INDEX IF NOT EXISTS idx_execlog_task ON execution_log(session_id, task_id);
`

// A task is ready when it is pending (or already flagged ready) and
// every dependency is completed.
const migrationV7ReadyView = `
CREATE VIEW IF NOT EXISTS ready_tasks AS
SELECT t.session_id, t.id
FROM tasks t
WHERE t.status IN ('pending', 'ready')
  AND NOT EXISTS (
	SELECT 1
	FROM task_dependencies d
	JOIN tasks dep ON dep.session_id = d.session_id AND dep.id = d.depends_on
	WHERE d.session_id = t.session_id
	  AND d.task_id = t.id
	  AND dep.status != 'completed'
  );
`
