package store

// schemaSQL is the latest schema. A brand-new store is created from this
// directly; it must match the result of applying every migration in order.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id            TEXT PRIMARY KEY,
    start_time            TEXT NOT NULL,
    last_updated          TEXT NOT NULL,
    cost                  REAL NOT NULL DEFAULT 0,
    lines_added           INTEGER NOT NULL DEFAULT 0,
    lines_removed         INTEGER NOT NULL DEFAULT 0,
    max_tokens_observed   INTEGER NOT NULL DEFAULT 0,
    model_name            TEXT NOT NULL DEFAULT '',
    workspace_dir         TEXT NOT NULL DEFAULT '',
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    device_id             TEXT NOT NULL DEFAULT '',
    sync_timestamp        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS daily_stats (
    date                 TEXT PRIMARY KEY,
    total_cost           REAL NOT NULL DEFAULT 0,
    total_lines_added    INTEGER NOT NULL DEFAULT 0,
    total_lines_removed  INTEGER NOT NULL DEFAULT 0,
    session_count        INTEGER NOT NULL DEFAULT 0,
    device_id            TEXT NOT NULL DEFAULT '',
    sync_timestamp       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS monthly_stats (
    month                TEXT PRIMARY KEY,
    total_cost           REAL NOT NULL DEFAULT 0,
    total_lines_added    INTEGER NOT NULL DEFAULT 0,
    total_lines_removed  INTEGER NOT NULL DEFAULT 0,
    session_count        INTEGER NOT NULL DEFAULT 0,
    device_id            TEXT NOT NULL DEFAULT '',
    sync_timestamp       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_state (
    key                  TEXT PRIMARY KEY,
    value                TEXT NOT NULL
);

` + activitySQL + learnedSQL + indexSQL + ledgerSQL

const ledgerSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version              INTEGER PRIMARY KEY,
    applied_at           TEXT NOT NULL,
    checksum             TEXT NOT NULL,
    description          TEXT NOT NULL,
    execution_time_ms    INTEGER NOT NULL DEFAULT 0
);
`

const initialSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id           TEXT PRIMARY KEY,
    start_time           TEXT NOT NULL,
    last_updated         TEXT NOT NULL,
    cost                 REAL NOT NULL DEFAULT 0,
    lines_added          INTEGER NOT NULL DEFAULT 0,
    lines_removed        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS daily_stats (
    date                 TEXT PRIMARY KEY,
    total_cost           REAL NOT NULL DEFAULT 0,
    total_lines_added    INTEGER NOT NULL DEFAULT 0,
    total_lines_removed  INTEGER NOT NULL DEFAULT 0,
    session_count        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS monthly_stats (
    month                TEXT PRIMARY KEY,
    total_cost           REAL NOT NULL DEFAULT 0,
    total_lines_added    INTEGER NOT NULL DEFAULT 0,
    total_lines_removed  INTEGER NOT NULL DEFAULT 0,
    session_count        INTEGER NOT NULL DEFAULT 0
);
`

const activitySQL = `
CREATE TABLE IF NOT EXISTS session_activity (
    session_id           TEXT NOT NULL,
    period_kind          TEXT NOT NULL,
    period_key           TEXT NOT NULL,
    PRIMARY KEY (session_id, period_kind, period_key)
);
`

const learnedSQL = `
CREATE TABLE IF NOT EXISTS learned_context_windows (
    model_name           TEXT PRIMARY KEY,
    observed_max_tokens  INTEGER NOT NULL DEFAULT 0,
    ceiling_observations INTEGER NOT NULL DEFAULT 0,
    compaction_count     INTEGER NOT NULL DEFAULT 0,
    last_observed_max    INTEGER NOT NULL DEFAULT 0,
    confidence_score     REAL NOT NULL DEFAULT 0,
    first_seen           TEXT NOT NULL,
    last_updated         TEXT NOT NULL,
    workspace_dir        TEXT NOT NULL DEFAULT '',
    device_id            TEXT NOT NULL DEFAULT ''
);
`

const indexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_last_updated ON sessions(last_updated);
CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
CREATE INDEX IF NOT EXISTS idx_activity_period ON session_activity(period_kind, period_key);
CREATE INDEX IF NOT EXISTS idx_learned_updated ON learned_context_windows(last_updated);
`
