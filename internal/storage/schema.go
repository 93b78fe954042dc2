package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
-- Tasks table
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open',
    priority INTEGER NOT NULL DEFAULT 1 CHECK(priority >= 0 AND priority <= 3),
    project TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '',
    blocked_by TEXT DEFAULT '',
    parent_id TEXT DEFAULT '',
    epic_id TEXT DEFAULT '',
    is_epic INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    agent_session TEXT DEFAULT '',
    assigned_to TEXT DEFAULT '',
    verified_by TEXT DEFAULT '',
    verification_status TEXT DEFAULT '',
    created_from TEXT DEFAULT '',
    verify_command TEXT DEFAULT '',
    wip_snapshot TEXT DEFAULT '',
    autonomy TEXT NOT NULL DEFAULT 'manual',
    budget_usd REAL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    tokens_used INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    model_used TEXT DEFAULT '',
    duration_seconds REAL NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    last_failure_reason TEXT DEFAULT '',
    retry_after TEXT DEFAULT '',
    timeout_seconds INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_epic ON tasks(epic_id);

-- Dependencies table: task_id cannot become ready until depends_on_id is done
CREATE TABLE IF NOT EXISTS dependencies (
    task_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (task_id, depends_on_id),
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
    FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_dependencies_task ON dependencies(task_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON dependencies(depends_on_id);

-- Journal table
CREATE TABLE IF NOT EXISTS task_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    entry TEXT NOT NULL,
    author TEXT DEFAULT '',
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_log_task ON task_log(task_id);

-- Claims table (advisory; orchestration uses status + locks)
CREATE TABLE IF NOT EXISTS task_claims (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    agent TEXT NOT NULL,
    model TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'claimed',
    claimed_at TEXT NOT NULL,
    released_at TEXT DEFAULT '',
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_claims_task ON task_claims(task_id);

-- Cost events table
CREATE TABLE IF NOT EXISTS cost_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    model TEXT DEFAULT '',
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    duration_seconds REAL NOT NULL DEFAULT 0,
    agent TEXT DEFAULT '',
    operation TEXT DEFAULT '',
    metadata TEXT DEFAULT '',
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_cost_events_task ON cost_events(task_id);
`

// taskColumnDefs lists every expected column on tasks with its ADD COLUMN
// default. Databases created by older versions gain missing columns on open.
var taskColumnDefs = []struct {
	name string
	ddl  string
}{
	{"description", "TEXT NOT NULL DEFAULT ''"},
	{"status", "TEXT NOT NULL DEFAULT 'open'"},
	{"priority", "INTEGER NOT NULL DEFAULT 1"},
	{"project", "TEXT NOT NULL DEFAULT ''"},
	{"tags", "TEXT NOT NULL DEFAULT ''"},
	{"blocked_by", "TEXT DEFAULT ''"},
	{"parent_id", "TEXT DEFAULT ''"},
	{"epic_id", "TEXT DEFAULT ''"},
	{"is_epic", "INTEGER NOT NULL DEFAULT 0"},
	{"agent_session", "TEXT DEFAULT ''"},
	{"assigned_to", "TEXT DEFAULT ''"},
	{"verified_by", "TEXT DEFAULT ''"},
	{"verification_status", "TEXT DEFAULT ''"},
	{"created_from", "TEXT DEFAULT ''"},
	{"verify_command", "TEXT DEFAULT ''"},
	{"wip_snapshot", "TEXT DEFAULT ''"},
	{"autonomy", "TEXT NOT NULL DEFAULT 'manual'"},
	{"budget_usd", "REAL DEFAULT 0"},
	{"tokens_in", "INTEGER NOT NULL DEFAULT 0"},
	{"tokens_out", "INTEGER NOT NULL DEFAULT 0"},
	{"tokens_used", "INTEGER NOT NULL DEFAULT 0"},
	{"cost_usd", "REAL NOT NULL DEFAULT 0"},
	{"model_used", "TEXT DEFAULT ''"},
	{"duration_seconds", "REAL NOT NULL DEFAULT 0"},
	{"retry_count", "INTEGER NOT NULL DEFAULT 0"},
	{"max_retries", "INTEGER NOT NULL DEFAULT 3"},
	{"last_failure_reason", "TEXT DEFAULT ''"},
	{"retry_after", "TEXT DEFAULT ''"},
	{"timeout_seconds", "INTEGER NOT NULL DEFAULT 0"},
}

// migrate creates missing tables and indexes, then adds any tasks columns a
// pre-existing database lacks. Idempotent; runs on every open.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	existing, err := tableColumns(ctx, db, "tasks")
	if err != nil {
		return err
	}
	for _, col := range taskColumnDefs {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE tasks ADD COLUMN %s %s", col.name, col.ddl)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column tasks.%s: %w", col.name, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s schema: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
