package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IPMessageStore is the fixed-window HTTP rate-limit counter keyed by
// client IP.
type IPMessageStore struct {
	db *DB
}

func NewIPMessageStore(db *DB) *IPMessageStore {
	return &IPMessageStore{db: db}
}

// Increment upserts the row for ip: message_count += 1, last_seen = now.
func (s *IPMessageStore) Increment(ip string) error {
	err := withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO ip_messages (ip_address, message_count, last_seen)
			VALUES (?, 1, CURRENT_TIMESTAMP)
			ON CONFLICT(ip_address) DO UPDATE SET
				message_count = message_count + 1,
				last_seen     = CURRENT_TIMESTAMP`, ip)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to count message for %s: %w", ip, err)
	}
	return nil
}

// CountInWindow returns the message count for ip if its last_seen falls
// within the trailing window, else zero. A row older than the window is
// reset so the next increment starts a fresh window.
func (s *IPMessageStore) CountInWindow(ip string, window time.Duration) (int, error) {
	var row struct {
		MessageCount int       `db:"message_count"`
		LastSeen     time.Time `db:"last_seen"`
	}
	err := withRetry(func() error {
		return s.db.Get(&row,
			"SELECT message_count, last_seen FROM ip_messages WHERE ip_address = ?", ip)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read message count for %s: %w", ip, err)
	}

	if row.LastSeen.Before(time.Now().UTC().Add(-window)) {
		withRetry(func() error {
			_, err := s.db.Exec(
				"UPDATE ip_messages SET message_count = 0, first_seen = CURRENT_TIMESTAMP WHERE ip_address = ?", ip)
			return err
		})
		return 0, nil
	}
	return row.MessageCount, nil
}
