package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// NewRunReport creates an empty run report with a fresh ID and start time.
func NewRunReport() *RunReport {
	return &RunReport{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// InsertRunReport persists a completed run report.
func (s *Store) InsertRunReport(r *RunReport) error {
	_, err := s.conn.Exec(
		`INSERT OR REPLACE INTO run_reports
		(id, started_at, finished_at, channels_scanned, messages_scanned,
		refs_found, refs_resolved, refs_failed, reactions_sent,
		summaries_sent, dms_sent, failure_summary, digest_markdown)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt, r.FinishedAt, r.ChannelsScanned, r.MessagesScanned,
		r.RefsFound, r.RefsResolved, r.RefsFailed, r.ReactionsSent,
		r.SummariesSent, r.DMsSent, r.FailureSummary, r.DigestMarkdown,
	)
	return err
}

// GetRunReport returns a single run report by ID, or nil if absent.
func (s *Store) GetRunReport(id string) (*RunReport, error) {
	row := s.conn.QueryRow(
		`SELECT id, started_at, finished_at, channels_scanned, messages_scanned,
		refs_found, refs_resolved, refs_failed, reactions_sent,
		summaries_sent, dms_sent, failure_summary, digest_markdown
		FROM run_reports WHERE id = ?`, id,
	)
	r, err := scanRunReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRunReports returns the most recent run reports, newest first.
func (s *Store) ListRunReports(limit int) ([]RunReport, error) {
	rows, err := s.conn.Query(
		`SELECT id, started_at, finished_at, channels_scanned, messages_scanned,
		refs_found, refs_resolved, refs_failed, reactions_sent,
		summaries_sent, dms_sent, failure_summary, digest_markdown
		FROM run_reports ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []RunReport
	for rows.Next() {
		var r RunReport
		if err := rows.Scan(
			&r.ID, &r.StartedAt, &r.FinishedAt, &r.ChannelsScanned, &r.MessagesScanned,
			&r.RefsFound, &r.RefsResolved, &r.RefsFailed, &r.ReactionsSent,
			&r.SummariesSent, &r.DMsSent, &r.FailureSummary, &r.DigestMarkdown,
		); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func scanRunReport(row *sql.Row) (*RunReport, error) {
	var r RunReport
	if err := row.Scan(
		&r.ID, &r.StartedAt, &r.FinishedAt, &r.ChannelsScanned, &r.MessagesScanned,
		&r.RefsFound, &r.RefsResolved, &r.RefsFailed, &r.ReactionsSent,
		&r.SummariesSent, &r.DMsSent, &r.FailureSummary, &r.DigestMarkdown,
	); err != nil {
		return nil, err
	}
	return &r, nil
}
