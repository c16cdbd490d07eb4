package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Peer is a durable record of a known provider.
type Peer struct {
	Key                   string    `db:"key"`
	DiscoveryKey          string    `db:"discovery_key"`
	ModelName             string    `db:"model_name"`
	APIProvider           string    `db:"api_provider"`
	Name                  string    `db:"name"`
	Website               string    `db:"website"`
	Public                bool      `db:"public"`
	DataCollectionEnabled bool      `db:"data_collection_enabled"`
	ServerKey             string    `db:"server_key"`
	MaxConnections        int       `db:"max_connections"`
	Connections           int       `db:"connections"`
	Online                bool      `db:"online"`
	Healthy               bool      `db:"healthy"`
	Points                int64     `db:"points"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

// PeerOverview is a joined read for stats pages: the peer row plus session
// counts and metric aggregates.
type PeerOverview struct {
	Peer
	SessionCount int `db:"session_count"`
	MetricCount  int `db:"metric_count"`
}

// PeerStore is the durable directory of providers.
type PeerStore struct {
	db *DB
}

func NewPeerStore(db *DB) *PeerStore {
	return &PeerStore{db: db}
}

// Upsert inserts or replaces a peer by key. Accumulated points and
// created_at survive the replace; online is forced true and updated_at
// refreshed, since an upsert only happens on a live join.
func (s *PeerStore) Upsert(p *Peer) error {
	return withRetry(func() error {
		_, err := s.db.NamedExec(`
			INSERT INTO peers (
				key, discovery_key, model_name, api_provider, name, website,
				public, data_collection_enabled, server_key, max_connections,
				connections, online, healthy
			) VALUES (
				:key, :discovery_key, :model_name, :api_provider, :name, :website,
				:public, :data_collection_enabled, :server_key, :max_connections,
				:connections, 1, 1
			)
			ON CONFLICT(key) DO UPDATE SET
				discovery_key           = excluded.discovery_key,
				model_name              = excluded.model_name,
				api_provider            = excluded.api_provider,
				name                    = excluded.name,
				website                 = excluded.website,
				public                  = excluded.public,
				data_collection_enabled = excluded.data_collection_enabled,
				server_key              = excluded.server_key,
				max_connections         = excluded.max_connections,
				connections             = excluded.connections,
				online                  = 1,
				healthy                 = 1,
				updated_at              = CURRENT_TIMESTAMP`, p)
		if err != nil {
			return fmt.Errorf("failed to upsert peer %s: %w", p.Key, err)
		}
		return nil
	})
}

// SetOffline marks a peer offline.
func (s *PeerStore) SetOffline(key string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			"UPDATE peers SET online = 0, updated_at = CURRENT_TIMESTAMP WHERE key = ?", key)
		return err
	})
}

// SetHealthy records the outcome of a health-check round trip.
func (s *PeerStore) SetHealthy(key string, healthy bool) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			"UPDATE peers SET healthy = ?, updated_at = CURRENT_TIMESTAMP WHERE key = ?", healthy, key)
		return err
	})
}

// UpdateConnections records the fan-out a provider self-reported.
func (s *PeerStore) UpdateConnections(key string, n int) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			"UPDATE peers SET connections = ?, updated_at = CURRENT_TIMESTAMP WHERE key = ?", n, key)
		return err
	})
}

// GetByKey returns a single peer or ErrPeerNotFound.
func (s *PeerStore) GetByKey(key string) (*Peer, error) {
	var p Peer
	err := withRetry(func() error {
		return s.db.Get(&p, "SELECT * FROM peers WHERE key = ?", key)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load peer %s: %w", key, err)
	}
	return &p, nil
}

// GetByDiscoveryKey returns a single peer or ErrPeerNotFound.
func (s *PeerStore) GetByDiscoveryKey(discoveryKey string) (*Peer, error) {
	var p Peer
	err := withRetry(func() error {
		return s.db.Get(&p, "SELECT * FROM peers WHERE discovery_key = ?", discoveryKey)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load peer by discovery key: %w", err)
	}
	return &p, nil
}

// GetRandom picks a uniformly random online peer serving modelName, or
// ErrNoMatchingPeers when none qualify. Ties are broken by SQLite's RANDOM().
func (s *PeerStore) GetRandom(modelName string) (*Peer, error) {
	var p Peer
	err := withRetry(func() error {
		return s.db.Get(&p,
			"SELECT * FROM peers WHERE online = 1 AND model_name = ? ORDER BY RANDOM() LIMIT 1",
			modelName)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMatchingPeers
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick peer for %s: %w", modelName, err)
	}
	return &p, nil
}

// ResetAllConnections forces every row offline with zero connections.
// Called once at startup: no peer can be connected to a hub that just booted.
func (s *PeerStore) ResetAllConnections() error {
	return withRetry(func() error {
		_, err := s.db.Exec("UPDATE peers SET online = 0, connections = 0")
		return err
	})
}

// GetAll returns every peer joined with its session count and metric count,
// newest first. Backs the stats pages and the web snapshot.
func (s *PeerStore) GetAll() ([]PeerOverview, error) {
	var out []PeerOverview
	err := withRetry(func() error {
		return s.db.Select(&out, `
			SELECT p.*,
				COUNT(DISTINCT ps.id) AS session_count,
				COUNT(m.id)           AS metric_count
			FROM peers p
			LEFT JOIN provider_sessions ps ON ps.peer_key = p.key
			LEFT JOIN metrics m ON m.session_id = ps.id
			GROUP BY p.key
			ORDER BY p.created_at DESC`)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	return out, nil
}

// Delete hard-deletes a peer. Returns ErrPeerNotFound when no row matched.
func (s *PeerStore) Delete(key string) error {
	var affected int64
	err := withRetry(func() error {
		res, err := s.db.Exec("DELETE FROM peers WHERE key = ?", key)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete peer %s: %w", key, err)
	}
	if affected == 0 {
		return ErrPeerNotFound
	}
	return nil
}
