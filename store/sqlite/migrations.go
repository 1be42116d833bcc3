package sqlite

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

-- Users (balance is the materialized sum of transactions.amount)
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	balance    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES users(id),
	title          TEXT NOT NULL,
	description    TEXT,
	success_points INTEGER NOT NULL DEFAULT 0,
	failure_points INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     TEXT NOT NULL,
	completed_at   TEXT,
	expires_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);

-- Sweep selection (hot path for the expiration job)
CREATE INDEX IF NOT EXISTS idx_tasks_open_expiry
	ON tasks(expires_at) WHERE completed_at IS NULL;

CREATE TABLE IF NOT EXISTS subtasks (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES tasks(id),
	title          TEXT NOT NULL,
	description    TEXT,
	success_points INTEGER NOT NULL DEFAULT 0,
	failure_points INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	completed_at   TEXT,
	expires_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id);
CREATE INDEX IF NOT EXISTS idx_subtasks_open_expiry
	ON subtasks(expires_at) WHERE completed_at IS NULL;

-- Transactions (append-only ledger: no UPDATE, no DELETE)
CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	amount          INTEGER NOT NULL,
	reason          TEXT,
	related_task_id TEXT,
	timestamp       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_time
	ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_related_task
	ON transactions(related_task_id) WHERE related_task_id IS NOT NULL;

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
-- Reject ledger edits at the database level as well.
CREATE TRIGGER IF NOT EXISTS trg_transactions_no_update
BEFORE UPDATE ON transactions
BEGIN
	SELECT RAISE(ABORT, 'transactions are append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_transactions_no_delete
BEFORE DELETE ON transactions
BEGIN
	SELECT RAISE(ABORT, 'transactions are append-only');
END;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
