// Package store is the durable state behind triage runs: which
// (channel, message, pull request) triples were already notified and for
// which reasons, plus the per-channel scan cursor. SQLite transactions
// give the crash atomicity the dedup invariants depend on.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Stats contains aggregate store statistics.
type Stats struct {
	TotalRecords      int
	AttentionRecords  int
	ChannelsTracked   int
	Runs              int
	Subscribers       int
	ActiveSubscribers int
}

// GetStats returns aggregate statistics for the status command.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM triage_records", &stats.TotalRecords},
		{`SELECT COUNT(*) FROM triage_records
			WHERE last_reason IN ('changes_requested', 'checks_failing', 'conflict', 'stale_draft')`,
			&stats.AttentionRecords},
		{"SELECT COUNT(*) FROM channel_cursors", &stats.ChannelsTracked},
		{"SELECT COUNT(*) FROM run_reports", &stats.Runs},
		{"SELECT COUNT(*) FROM subscribers", &stats.Subscribers},
		{"SELECT COUNT(*) FROM subscribers WHERE is_active = 1", &stats.ActiveSubscribers},
	}

	for _, q := range queries {
		if err := s.conn.QueryRow(q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
