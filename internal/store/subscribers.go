package store

import (
	"database/sql"
	"strings"
)

// InsertSubscriber adds a DM digest recipient. Returns the new row ID,
// or 0 if the user is already subscribed.
func (s *Store) InsertSubscriber(userID, label string) (int64, error) {
	var l *string
	if label != "" {
		l = &label
	}
	result, err := s.conn.Exec(
		"INSERT INTO subscribers (user_id, label) VALUES (?, ?)", userID, l,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, nil
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetAllSubscribers returns all subscribers.
func (s *Store) GetAllSubscribers() ([]Subscriber, error) {
	return s.querySubscribers("SELECT id, user_id, label, is_active, created_at, updated_at FROM subscribers ORDER BY created_at DESC")
}

// GetActiveSubscribers returns only subscribers with digests enabled.
func (s *Store) GetActiveSubscribers() ([]Subscriber, error) {
	return s.querySubscribers("SELECT id, user_id, label, is_active, created_at, updated_at FROM subscribers WHERE is_active = 1 ORDER BY created_at DESC")
}

// GetSubscriber returns a single subscriber by ID.
func (s *Store) GetSubscriber(id int64) (*Subscriber, error) {
	row := s.conn.QueryRow(
		"SELECT id, user_id, label, is_active, created_at, updated_at FROM subscribers WHERE id = ?", id,
	)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ToggleSubscriber toggles a subscriber's active state.
func (s *Store) ToggleSubscriber(id int64) error {
	_, err := s.conn.Exec(
		"UPDATE subscribers SET is_active = NOT is_active, updated_at = datetime('now') WHERE id = ?", id,
	)
	return err
}

// DeleteSubscriber removes a subscriber.
func (s *Store) DeleteSubscriber(id int64) error {
	_, err := s.conn.Exec("DELETE FROM subscribers WHERE id = ?", id)
	return err
}

func (s *Store) querySubscribers(query string, args ...any) ([]Subscriber, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		var active int
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Label, &active, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		sub.IsActive = active != 0
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscriber(row *sql.Row) (*Subscriber, error) {
	var sub Subscriber
	var active int
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.Label, &active, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.IsActive = active != 0
	return &sub, nil
}
