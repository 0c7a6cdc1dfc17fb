// journal/schema.go
package journal

// Schema matches the registry layout already written by the trading
// engine, so both can share one database file.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	kind TEXT,
	started_utc TEXT,
	finished_utc TEXT,
	status TEXT,
	data_window TEXT
);

CREATE TABLE IF NOT EXISTS metrics (
	run_id TEXT,
	key TEXT,
	value REAL,
	PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	severity TEXT,
	description TEXT,
	log_excerpt_path TEXT,
	created_utc TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_kind_started ON runs(kind, started_utc);
CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_utc);
`
