package store

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

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id      TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	state       TEXT NOT NULL DEFAULT 'pending',
	failed_step TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	run_id     TEXT NOT NULL REFERENCES workflow_runs(run_id) ON DELETE CASCADE,
	step       TEXT NOT NULL,
	status     TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed')),
	result     TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (run_id, step)
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_user_id ON workflow_runs(user_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
