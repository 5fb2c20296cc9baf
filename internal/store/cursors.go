package store

import "database/sql"

// GetCursor returns the last scanned timestamp for a channel, or the
// empty string if the channel has never been scanned.
func (s *Store) GetCursor(channelID string) (string, error) {
	var ts string
	err := s.conn.QueryRow(
		"SELECT last_ts FROM channel_cursors WHERE channel_id = ?", channelID,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ts, nil
}

// AdvanceCursor moves a channel cursor forward, but only if the new
// timestamp is strictly greater than the stored one. Slack timestamps
// compare correctly as reals.
func (s *Store) AdvanceCursor(channelID, ts string) error {
	_, err := s.conn.Exec(
		`INSERT INTO channel_cursors (channel_id, last_ts) VALUES (?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			last_ts = excluded.last_ts,
			updated_at = datetime('now')
		WHERE CAST(excluded.last_ts AS REAL) > CAST(channel_cursors.last_ts AS REAL)`,
		channelID, ts,
	)
	return err
}

// GetAllCursors returns every channel cursor.
func (s *Store) GetAllCursors() ([]ChannelCursor, error) {
	rows, err := s.conn.Query(
		"SELECT channel_id, last_ts, updated_at FROM channel_cursors ORDER BY channel_id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cursors []ChannelCursor
	for rows.Next() {
		var c ChannelCursor
		if err := rows.Scan(&c.ChannelID, &c.LastTS, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}
