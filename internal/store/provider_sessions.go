package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SessionStats are the aggregate totals behind the stats pages, read from
// the session_stats view.
type SessionStats struct {
	TotalSessions        int     `db:"total_sessions" json:"totalSessions"`
	ActiveSessions       int     `db:"active_sessions" json:"activeSessions"`
	TotalRequests        int64   `db:"total_requests" json:"totalRequests"`
	RequestsToday        int64   `db:"requests_today" json:"requestsToday"`
	AvgDurationMinutes   float64 `db:"avg_duration_minutes" json:"averageSessionMinutes"`
	TotalDurationMinutes int64   `db:"total_duration_minutes" json:"totalSessionMinutes"`
}

// ProviderSessionStore tracks per-connection session lifecycle and request
// accounting. A partial unique index guarantees at most one open row
// per peer key.
type ProviderSessionStore struct {
	db *DB
}

func NewProviderSessionStore(db *DB) *ProviderSessionStore {
	return &ProviderSessionStore{db: db}
}

// Start opens a session row for the peer and returns its id. Called once
// per peer connection, on join.
func (s *ProviderSessionStore) Start(peerKey string) (int64, error) {
	var id int64
	err := withRetry(func() error {
		res, err := s.db.Exec(
			"INSERT INTO provider_sessions (peer_key) VALUES (?)", peerKey)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start session for %s: %w", peerKey, err)
	}
	return id, nil
}

// UpdateDuration sets duration_minutes on the open row to the whole minutes
// elapsed since start_time.
func (s *ProviderSessionStore) UpdateDuration(peerKey string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE provider_sessions
			SET duration_minutes = CAST((julianday('now') - julianday(start_time)) * 1440 AS INTEGER)
			WHERE peer_key = ? AND end_time IS NULL`, peerKey)
		return err
	})
}

// End closes the single open row for the peer, fixing its final duration.
func (s *ProviderSessionStore) End(peerKey string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE provider_sessions
			SET end_time = CURRENT_TIMESTAMP,
			    duration_minutes = CAST((julianday('now') - julianday(start_time)) * 1440 AS INTEGER)
			WHERE peer_key = ? AND end_time IS NULL`, peerKey)
		return err
	})
}

// EndOrphans force-closes every row still open. Called once at startup:
// rows left open by a previous process cannot correspond to live peers.
func (s *ProviderSessionStore) EndOrphans() (int64, error) {
	var affected int64
	err := withRetry(func() error {
		res, err := s.db.Exec(`
			UPDATE provider_sessions
			SET end_time = CURRENT_TIMESTAMP,
			    duration_minutes = CAST((julianday('now') - julianday(start_time)) * 1440 AS INTEGER)
			WHERE end_time IS NULL`)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to close orphan sessions: %w", err)
	}
	return affected, nil
}

// ActiveSessionID returns the id of the peer's open row, or ErrNoSession.
func (s *ProviderSessionStore) ActiveSessionID(peerKey string) (int64, error) {
	var id int64
	err := withRetry(func() error {
		return s.db.Get(&id,
			"SELECT id FROM provider_sessions WHERE peer_key = ? AND end_time IS NULL", peerKey)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoSession
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find active session for %s: %w", peerKey, err)
	}
	return id, nil
}

// AddMetrics appends a completion-metrics snapshot (opaque JSON) to the
// session. The hub never interprets the state beyond storing it.
func (s *ProviderSessionStore) AddMetrics(sessionID int64, state []byte) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			"INSERT INTO metrics (session_id, state) VALUES (?, ?)", sessionID, string(state))
		return err
	})
}

// LogRequest increments the session's request counter.
func (s *ProviderSessionStore) LogRequest(sessionID int64) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			"UPDATE provider_sessions SET total_requests = total_requests + 1 WHERE id = ?", sessionID)
		return err
	})
}

// Stats reads the aggregate totals from the session_stats view.
func (s *ProviderSessionStore) Stats() (*SessionStats, error) {
	var stats SessionStats
	err := withRetry(func() error {
		return s.db.Get(&stats, "SELECT * FROM session_stats")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session stats: %w", err)
	}
	return &stats, nil
}
