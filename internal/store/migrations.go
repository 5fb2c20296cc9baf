package store

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS triage_records (
    channel_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    host TEXT NOT NULL,
    owner TEXT NOT NULL,
    repo TEXT NOT NULL,
    number INTEGER NOT NULL,
    last_reason TEXT NOT NULL,
    last_notified_at TEXT,
    reacted_reasons TEXT,
    summary_reasons TEXT,
    summary_included_at TEXT,
    first_seen_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (channel_id, message_id, host, owner, repo, number)
);

CREATE TABLE IF NOT EXISTS dm_inclusions (
    channel_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    host TEXT NOT NULL,
    owner TEXT NOT NULL,
    repo TEXT NOT NULL,
    number INTEGER NOT NULL,
    user_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    sent_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (channel_id, message_id, host, owner, repo, number, user_id, reason)
);

CREATE TABLE IF NOT EXISTS channel_cursors (
    channel_id TEXT PRIMARY KEY,
    last_ts TEXT NOT NULL DEFAULT '',
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS subscribers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT UNIQUE NOT NULL,
    label TEXT,
    is_active INTEGER DEFAULT 1,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_reports (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    channels_scanned INTEGER DEFAULT 0,
    messages_scanned INTEGER DEFAULT 0,
    refs_found INTEGER DEFAULT 0,
    refs_resolved INTEGER DEFAULT 0,
    refs_failed INTEGER DEFAULT 0,
    reactions_sent INTEGER DEFAULT 0,
    summaries_sent INTEGER DEFAULT 0,
    dms_sent INTEGER DEFAULT 0,
    failure_summary TEXT,
    digest_markdown TEXT
);

CREATE INDEX IF NOT EXISTS idx_triage_records_channel ON triage_records(channel_id);
CREATE INDEX IF NOT EXISTS idx_triage_records_reason ON triage_records(last_reason);
CREATE INDEX IF NOT EXISTS idx_dm_inclusions_user ON dm_inclusions(user_id);
CREATE INDEX IF NOT EXISTS idx_run_reports_started ON run_reports(started_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
