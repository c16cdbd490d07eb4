package store

import (
	"fmt"
	"log/slog"
)

// migration is one schema step. Ids are applied in ascending order and
// recorded in the migrations table, one row per applied id.
type migration struct {
	id  int
	sql string
}

var migrations = []migration{
	{
		id: 1,
		sql: `
CREATE TABLE peers (
	key                     TEXT PRIMARY KEY,
	discovery_key           TEXT UNIQUE,
	model_name              TEXT NOT NULL DEFAULT '',
	api_provider            TEXT NOT NULL DEFAULT '',
	name                    TEXT NOT NULL DEFAULT '',
	website                 TEXT NOT NULL DEFAULT '',
	public                  INTEGER NOT NULL DEFAULT 0,
	data_collection_enabled INTEGER NOT NULL DEFAULT 0,
	server_key              TEXT NOT NULL DEFAULT '',
	max_connections         INTEGER NOT NULL DEFAULT 0,
	connections             INTEGER NOT NULL DEFAULT 0,
	online                  INTEGER NOT NULL DEFAULT 0,
	healthy                 INTEGER NOT NULL DEFAULT 1,
	points                  INTEGER NOT NULL DEFAULT 0,
	created_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE sessions (
	id                     TEXT PRIMARY KEY,
	provider_discovery_key TEXT NOT NULL,
	created_at             TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at             TIMESTAMP NOT NULL
);

CREATE TABLE provider_sessions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	peer_key         TEXT NOT NULL,
	start_time       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	end_time         TIMESTAMP,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	total_requests   INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX idx_provider_sessions_open
	ON provider_sessions (peer_key) WHERE end_time IS NULL;

CREATE TABLE metrics (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES provider_sessions(id),
	state      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE ip_messages (
	ip_address    TEXT PRIMARY KEY,
	message_count INTEGER NOT NULL DEFAULT 0,
	first_seen    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
	},
	{
		id: 2,
		sql: `
CREATE VIEW session_stats AS
SELECT
	COUNT(*)                                            AS total_sessions,
	COUNT(CASE WHEN end_time IS NULL THEN 1 END)        AS active_sessions,
	COALESCE(SUM(total_requests), 0)                    AS total_requests,
	COALESCE(SUM(CASE WHEN DATE(start_time) = DATE('now') THEN total_requests ELSE 0 END), 0)
	                                                    AS requests_today,
	COALESCE(AVG(duration_minutes), 0)                  AS avg_duration_minutes,
	COALESCE(SUM(duration_minutes), 0)                  AS total_duration_minutes
FROM provider_sessions;
`,
	},
	{
		id: 3,
		sql: `
CREATE INDEX idx_peers_matchmaking ON peers (model_name, online);
CREATE INDEX idx_sessions_expiry ON sessions (expires_at);
`,
	},
}

// migrate applies pending migrations inside transactions, lowest id first.
func (d *DB) migrate() error {
	if _, err := d.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		id         INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	var ids []int
	if err := d.Select(&ids, "SELECT id FROM migrations"); err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for _, id := range ids {
		applied[id] = true
	}

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		tx, err := d.Beginx()
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.id, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.id, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (id) VALUES (?)", m.id); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: failed to record: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.id, err)
		}
		slog.Info("applied migration", "id", m.id)
	}
	return nil
}
