package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/prsweep/prsweep/internal/model"
)

const recordColumns = `channel_id, message_id, host, owner, repo, number,
	last_reason, last_notified_at, reacted_reasons, summary_reasons,
	summary_included_at, first_seen_at, updated_at`

// GetRecord returns the triage record for a key, or nil if the triple
// has never been observed.
func (s *Store) GetRecord(key RecordKey) (*TriageRecord, error) {
	row := s.conn.QueryRow(
		fmt.Sprintf(`SELECT %s FROM triage_records
		WHERE channel_id = ? AND message_id = ? AND host = ? AND owner = ? AND repo = ? AND number = ?`,
			recordColumns),
		key.ChannelID, key.MessageID, key.Ref.Host, key.Ref.Owner, key.Ref.Repo, key.Ref.Number,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpsertRecord creates the record on first observation or updates its
// last verdict reason. Notification stamps are never touched here.
func (s *Store) UpsertRecord(key RecordKey, reason model.AttentionReason) error {
	_, err := s.conn.Exec(
		`INSERT INTO triage_records (channel_id, message_id, host, owner, repo, number, last_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, message_id, host, owner, repo, number)
		DO UPDATE SET last_reason = excluded.last_reason, updated_at = datetime('now')`,
		key.ChannelID, key.MessageID, key.Ref.Host, key.Ref.Owner, key.Ref.Repo, key.Ref.Number,
		string(reason),
	)
	return err
}

// MarkReacted records that a reaction was dispatched for the given
// reason. Called only after the chat service confirmed the reaction, so
// a crash between dispatch and the next intent cannot produce a
// duplicate on the following run.
func (s *Store) MarkReacted(key RecordKey, reason model.AttentionReason) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := appendReason(tx, key, "reacted_reasons", reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// SummaryStamp pairs a record key with the reason it contributed to a
// channel summary.
type SummaryStamp struct {
	Key    RecordKey
	Reason model.AttentionReason
}

// StampChannelSummary records, in one transaction, that every listed
// record was included in a successfully posted channel summary.
func (s *Store) StampChannelSummary(stamps []SummaryStamp) error {
	if len(stamps) == 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stamp := range stamps {
		if err := appendReason(tx, stamp.Key, "summary_reasons", stamp.Reason); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE triage_records SET summary_included_at = datetime('now')
			WHERE channel_id = ? AND message_id = ? AND host = ? AND owner = ? AND repo = ? AND number = ?`,
			stamp.Key.ChannelID, stamp.Key.MessageID, stamp.Key.Ref.Host,
			stamp.Key.Ref.Owner, stamp.Key.Ref.Repo, stamp.Key.Ref.Number,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// StampDMInclusions records, in one transaction, that every listed
// record was included in a successfully sent DM digest to one user.
func (s *Store) StampDMInclusions(userID string, stamps []SummaryStamp) error {
	if len(stamps) == 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stamp := range stamps {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO dm_inclusions
			(channel_id, message_id, host, owner, repo, number, user_id, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			stamp.Key.ChannelID, stamp.Key.MessageID, stamp.Key.Ref.Host,
			stamp.Key.Ref.Owner, stamp.Key.Ref.Repo, stamp.Key.Ref.Number,
			userID, string(stamp.Reason),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DMIncluded reports whether a record was already included in a DM to
// the given user for the given reason.
func (s *Store) DMIncluded(key RecordKey, userID string, reason model.AttentionReason) (bool, error) {
	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM dm_inclusions
		WHERE channel_id = ? AND message_id = ? AND host = ? AND owner = ? AND repo = ? AND number = ?
		AND user_id = ? AND reason = ?`,
		key.ChannelID, key.MessageID, key.Ref.Host, key.Ref.Owner, key.Ref.Repo, key.Ref.Number,
		userID, string(reason),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AttentionRecords returns all records whose last verdict reason still
// needs attention. Used to carry unfinished notifications into the next
// run after the channel cursor has moved past their messages.
func (s *Store) AttentionRecords() ([]TriageRecord, error) {
	rows, err := s.conn.Query(
		fmt.Sprintf(`SELECT %s FROM triage_records
		WHERE last_reason IN ('changes_requested', 'checks_failing', 'conflict', 'stale_draft')
		ORDER BY channel_id, message_id`, recordColumns),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecentRecords returns the most recently updated records, newest first.
func (s *Store) RecentRecords(limit int) ([]TriageRecord, error) {
	rows, err := s.conn.Query(
		fmt.Sprintf(`SELECT %s FROM triage_records ORDER BY updated_at DESC LIMIT ?`, recordColumns),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// appendReason adds a reason to one of the JSON reason columns if it is
// not already present.
func appendReason(tx *sql.Tx, key RecordKey, column string, reason model.AttentionReason) error {
	var raw *string
	err := tx.QueryRow(
		fmt.Sprintf(`SELECT %s FROM triage_records
		WHERE channel_id = ? AND message_id = ? AND host = ? AND owner = ? AND repo = ? AND number = ?`,
			column),
		key.ChannelID, key.MessageID, key.Ref.Host, key.Ref.Owner, key.Ref.Repo, key.Ref.Number,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no triage record for %s", key.Ref)
	}
	if err != nil {
		return err
	}

	reasons := decodeReasons(raw)
	if containsReason(reasons, reason) {
		return nil
	}
	reasons = append(reasons, string(reason))

	data, err := json.Marshal(reasons)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		fmt.Sprintf(`UPDATE triage_records
		SET %s = ?, last_notified_at = datetime('now'), updated_at = datetime('now')
		WHERE channel_id = ? AND message_id = ? AND host = ? AND owner = ? AND repo = ? AND number = ?`,
			column),
		string(data),
		key.ChannelID, key.MessageID, key.Ref.Host, key.Ref.Owner, key.Ref.Repo, key.Ref.Number,
	)
	return err
}

func decodeReasons(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var reasons []string
	if err := json.Unmarshal([]byte(*raw), &reasons); err != nil {
		return nil
	}
	return reasons
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TriageRecord, error) {
	var rec TriageRecord
	var reason string
	var reacted, summary *string
	if err := row.Scan(
		&rec.Key.ChannelID, &rec.Key.MessageID,
		&rec.Key.Ref.Host, &rec.Key.Ref.Owner, &rec.Key.Ref.Repo, &rec.Key.Ref.Number,
		&reason, &rec.LastNotifiedAt, &reacted, &summary,
		&rec.SummaryIncludedAt, &rec.FirstSeenAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.LastReason = model.AttentionReason(reason)
	rec.ReactedReasons = decodeReasons(reacted)
	rec.SummaryReasons = decodeReasons(summary)
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]TriageRecord, error) {
	var records []TriageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
