package protocol

// SchemaDDL defines the SQLite schema for the coordinator state database.
// Tables: sessions, runs, runners, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Durable, named, resumable conversation state. Affinity columns are
-- NULL until the first run starts on a runner.
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'pending',
    project_dir TEXT NOT NULL DEFAULT '',
    agent_name TEXT NOT NULL,
    parent_session_id TEXT,
    runner_id TEXT,
    hostname TEXT,
    executor_profile TEXT,
    affinity_project_dir TEXT,
    created_at TEXT NOT NULL,
    last_resumed_at TEXT
);

-- One ephemeral execution request per row. runner_id is set exactly
-- once, at claim time.
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    agent_name TEXT NOT NULL,
    prompt TEXT NOT NULL DEFAULT '',
    project_dir TEXT NOT NULL DEFAULT '',
    parent_session_id TEXT,
    execution_mode TEXT NOT NULL,
    demands TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending',
    runner_id TEXT,
    agent_config TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    stop_signal TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    claimed_at TEXT,
    started_at TEXT,
    completed_at TEXT,
    timeout_at TEXT
);

-- Registered worker processes. Liveness is derived from last_heartbeat,
-- never stored. pending_removal marks an externally-initiated
-- deregistration awaiting delivery on the runner's next poll.
CREATE TABLE IF NOT EXISTS runners (
    id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    project_dir TEXT NOT NULL,
    executor_profile TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]',
    require_matching_tags INTEGER NOT NULL DEFAULT 0,
    pending_removal INTEGER NOT NULL DEFAULT 0,
    registered_at TEXT NOT NULL,
    last_heartbeat TEXT NOT NULL
);

-- Append-only lifecycle event log; doubles as the publish-only
-- notification feed for UIs.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    run_id TEXT,
    session_id TEXT,
    runner_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
`
