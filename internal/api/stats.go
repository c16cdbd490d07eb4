package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/symmetrynet/symmetry-hub/internal/store"
)

// statsInterval is the websocket push cadence after the initial snapshot.
const statsInterval = 5 * time.Second

// statsSnapshot is the payload pushed to stats subscribers and served on
// GET /v1/stats.
type statsSnapshot struct {
	UniquePeerCount int                 `json:"uniquePeerCount"`
	ActivePeers     int                 `json:"activePeers"`
	ActiveModels    []string            `json:"activeModels"`
	AllPeers        []peerView          `json:"allPeers"`
	Stats           *store.SessionStats `json:"stats"`
}

// peerView is the public projection of a peer row. Private providers are
// listed without name or website.
type peerView struct {
	Key            string `json:"key"`
	ModelName      string `json:"modelName"`
	Name           string `json:"name,omitempty"`
	Website        string `json:"website,omitempty"`
	Online         bool   `json:"online"`
	Healthy        bool   `json:"healthy"`
	Connections    int    `json:"connections"`
	MaxConnections int    `json:"maxConnections"`
	SessionCount   int    `json:"sessionCount"`
	MetricCount    int    `json:"metricCount"`
}

func (s *Server) snapshot() (*statsSnapshot, error) {
	peers, err := s.peers.GetAll()
	if err != nil {
		return nil, err
	}
	stats, err := s.sessions.Stats()
	if err != nil {
		return nil, err
	}

	snap := &statsSnapshot{
		ActivePeers:  s.dispatcher.Registry().ConnectedCount(),
		AllPeers:     make([]peerView, 0, len(peers)),
		ActiveModels: make([]string, 0),
		Stats:        stats,
	}
	models := make(map[string]struct{})
	for _, p := range peers {
		v := peerView{
			Key:            p.Key,
			ModelName:      p.ModelName,
			Online:         p.Online,
			Healthy:        p.Healthy,
			Connections:    p.Connections,
			MaxConnections: p.MaxConnections,
			SessionCount:   p.SessionCount,
			MetricCount:    p.MetricCount,
		}
		if p.Public {
			v.Name = p.Name
			v.Website = p.Website
		}
		snap.AllPeers = append(snap.AllPeers, v)
		if p.Online {
			if _, seen := models[p.ModelName]; !seen {
				models[p.ModelName] = struct{}{}
				snap.ActiveModels = append(snap.ActiveModels, p.ModelName)
			}
		}
	}
	snap.UniquePeerCount = len(peers)
	return snap, nil
}

// handleStats serves a single JSON snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		slog.Error("stats snapshot failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleStatsSocket upgrades to a websocket and pushes a snapshot
// immediately, then every statsInterval until the client disconnects.
func (s *Server) handleStatsSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	push := func() error {
		snap, err := s.snapshot()
		if err != nil {
			slog.Error("stats snapshot failed", "error", err)
			return err
		}
		return conn.WriteJSON(snap)
	}
	if err := push(); err != nil {
		return
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := push(); err != nil {
				return
			}
		}
	}
}
