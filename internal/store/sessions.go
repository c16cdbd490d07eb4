package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStore issues and verifies short-lived broker-session tokens that
// bind a consumer to a chosen provider. Tokens are random 128-bit
// UUIDs and expire ttl after creation unless extended.
type SessionStore struct {
	db  *DB
	ttl time.Duration
}

func NewSessionStore(db *DB, ttl time.Duration) *SessionStore {
	return &SessionStore{db: db, ttl: ttl}
}

// Create issues a token bound to the provider's discovery key.
func (s *SessionStore) Create(providerDiscoveryKey string) (string, error) {
	token := uuid.NewString()
	expires := time.Now().UTC().Add(s.ttl)
	err := withRetry(func() error {
		_, err := s.db.Exec(
			"INSERT INTO sessions (id, provider_discovery_key, expires_at) VALUES (?, ?, ?)",
			token, providerDiscoveryKey, expires)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return token, nil
}

// Verify returns the bound discovery key if the token exists and is
// unexpired. An expired row is deleted on touch; expired and absent tokens
// both return ("", false) rather than an error.
func (s *SessionStore) Verify(token string) (string, bool) {
	var row struct {
		DiscoveryKey string    `db:"provider_discovery_key"`
		ExpiresAt    time.Time `db:"expires_at"`
	}
	err := withRetry(func() error {
		return s.db.Get(&row,
			"SELECT provider_discovery_key, expires_at FROM sessions WHERE id = ?", token)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	if time.Now().UTC().After(row.ExpiresAt) {
		s.Delete(token)
		return "", false
	}
	return row.DiscoveryKey, true
}

// Extend pushes the token's expiry to now + ttl. Extending a nonexistent
// session is a no-op.
func (s *SessionStore) Extend(token string) error {
	expires := time.Now().UTC().Add(s.ttl)
	return withRetry(func() error {
		_, err := s.db.Exec("UPDATE sessions SET expires_at = ? WHERE id = ?", expires, token)
		return err
	})
}

// Delete removes the token and reports whether a row was removed.
func (s *SessionStore) Delete(token string) bool {
	var affected int64
	withRetry(func() error {
		res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", token)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected > 0
}

// PurgeExpired removes every expired session row and returns the count.
// Verification already rejects expired tokens; the reaper keeps the table
// from accumulating dead rows.
func (s *SessionStore) PurgeExpired() (int64, error) {
	var affected int64
	err := withRetry(func() error {
		res, err := s.db.Exec("DELETE FROM sessions WHERE expires_at < ?", time.Now().UTC())
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return affected, nil
}
