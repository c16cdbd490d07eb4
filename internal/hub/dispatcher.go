package hub

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"

	"github.com/symmetrynet/symmetry-hub/internal/protocol"
	"github.com/symmetrynet/symmetry-hub/internal/store"
)

const (
	// sessionDurationInterval is how often an attached peer's open
	// provider-session row gets its duration refreshed.
	sessionDurationInterval = 5 * time.Minute

	// healthCheckInterval is the cadence of health-check round trips.
	healthCheckInterval = 15 * time.Minute

	// healthAckWindow is how long a peer has to acknowledge a health
	// check before it is marked unhealthy.
	healthAckWindow = 15 * time.Second

	// maxMatchAttempts bounds matchmaking retries when no online peer
	// serves the requested model.
	maxMatchAttempts = 5
)

// fatalTransportErrors are the error substrings the transport surfaces for
// a dead peer link. They trigger the same cleanup as an orderly close.
var fatalTransportErrors = []string{
	"connection reset by peer",
	"network timeout",
	"socket hang up",
}

// Dispatcher owns the peer-message state machine: join, challenge,
// matchmaking, session verification, inference routing, metrics, and the
// liveness protocol. One Run loop per connection processes that peer's
// frames strictly in arrival order.
type Dispatcher struct {
	minVersion semver.Version
	signKey    ed25519.PrivateKey

	peers            *store.PeerStore
	sessions         *store.SessionStore
	providerSessions *store.ProviderSessionStore
	registry         *Registry
	limiter          *frameLimiter
	metrics          *Metrics
}

// NewDispatcher wires the dispatcher to its stores and registry. minVersion
// must parse as semver; metrics may not be nil.
func NewDispatcher(
	minVersion string,
	signKey ed25519.PrivateKey,
	peers *store.PeerStore,
	sessions *store.SessionStore,
	providerSessions *store.ProviderSessionStore,
	registry *Registry,
	metrics *Metrics,
) (*Dispatcher, error) {
	min, err := semver.Parse(minVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid minimum provider version %q: %w", minVersion, err)
	}
	return &Dispatcher{
		minVersion:       min,
		signKey:          signKey,
		peers:            peers,
		sessions:         sessions,
		providerSessions: providerSessions,
		registry:         registry,
		limiter:          newFrameLimiter(peerFrameLimit, peerFrameWindow),
		metrics:          metrics,
	}, nil
}

// Registry exposes the connection registry to the HTTP front door.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Run processes one peer connection until it closes or fails, then performs
// the CLOSED transition. It must be called from exactly one goroutine per
// connection; that goroutine is the peer's serialisation domain.
func (d *Dispatcher) Run(conn PeerConn, r protocol.MessageReader) {
	key := conn.RemoteKeyHex()
	joined := false

	for {
		msg, err := r.ReadMsg()
		if err != nil {
			if err != io.EOF && !errors.Is(err, io.ErrClosedPipe) {
				if isFatalTransportError(err) {
					slog.Warn("peer transport failed", "peer", shortKey(key), "error", err)
				} else {
					slog.Debug("peer read ended", "peer", shortKey(key), "error", err)
				}
			}
			break
		}

		frame, ferr := protocol.Decode(msg)
		if ferr != nil {
			// Raw provider bytes: only meaningful while an HTTP
			// responder is parked on this peer.
			d.handleRaw(key, msg)
			continue
		}

		if !d.limiter.Allow(key) {
			slog.Warn("peer frame rate limit exceeded", "peer", shortKey(key), "key", frame.Key)
			d.metrics.FramesDropped.WithLabelValues("rate_limit").Inc()
			continue
		}

		d.handleFrame(conn, &joined, frame)
	}

	d.disconnect(conn, joined)
}

// handleFrame dispatches one frame. join, challenge, requestProvider, and
// verifySession are honored from any state: consumers never join. Provider
// lifecycle frames require a completed join and are dropped otherwise,
// which keeps version-mismatched providers silent.
func (d *Dispatcher) handleFrame(conn PeerConn, joined *bool, frame protocol.Frame) {
	key := conn.RemoteKeyHex()
	d.metrics.FramesTotal.WithLabelValues(frame.Key).Inc()

	switch frame.Key {
	case protocol.KeyJoin:
		d.handleJoin(conn, joined, frame)
	case protocol.KeyChallenge:
		d.handleChallenge(conn, frame)
	case protocol.KeyRequestProvider:
		d.handleRequestProvider(conn, frame)
	case protocol.KeyVerifySession:
		d.handleVerifySession(conn, frame)

	case protocol.KeyConnectionSize, protocol.KeyInference, protocol.KeySendMetrics,
		protocol.KeyHealthCheck, protocol.KeyInferenceEnded:
		if !*joined {
			slog.Debug("dropping frame before join", "peer", shortKey(key), "key", frame.Key)
			d.metrics.FramesDropped.WithLabelValues("not_joined").Inc()
			return
		}
		switch frame.Key {
		case protocol.KeyConnectionSize:
			d.handleConnectionSize(key, frame)
		case protocol.KeyInference:
			d.handleInference(key, frame)
		case protocol.KeySendMetrics:
			d.handleSendMetrics(key, frame)
		case protocol.KeyHealthCheck:
			d.handleHealthAck(key)
		case protocol.KeyInferenceEnded:
			d.handleInferenceEnded(key)
		}

	default:
		// Unknown keys are ignored for forward compatibility.
		slog.Debug("ignoring unknown frame", "peer", shortKey(key), "key", frame.Key)
	}
}

func (d *Dispatcher) handleJoin(conn PeerConn, joined *bool, frame protocol.Frame) {
	key := conn.RemoteKeyHex()

	var p protocol.JoinPayload
	if err := frame.DecodeData(&p); err != nil {
		slog.Warn("malformed join frame", "peer", shortKey(key), "error", err)
		return
	}

	if !d.versionOK(p.SymmetryCoreVersion) {
		slog.Info("provider version below minimum",
			"peer", shortKey(key), "version", p.SymmetryCoreVersion, "min", d.minVersion)
		d.reply(conn, protocol.KeyVersionMismatch, protocol.VersionMismatchPayload{
			MinVersion: d.minVersion.String(),
		})
		return
	}

	record := &store.Peer{
		Key:                   key,
		DiscoveryKey:          p.DiscoveryKey,
		ModelName:             p.ModelName,
		APIProvider:           p.APIProvider,
		Name:                  p.Name,
		Website:               p.Website,
		Public:                p.Public,
		DataCollectionEnabled: p.DataCollectionEnabled,
		ServerKey:             p.ServerKey,
		MaxConnections:        p.MaxConnections,
	}
	if err := d.peers.Upsert(record); err != nil {
		// Best effort: the connection stays up and the next join
		// resynchronises.
		slog.Error("failed to persist joining peer", "peer", shortKey(key), "error", err)
	}

	d.registry.Attach(key, conn)
	d.metrics.ConnectedPeers.Set(float64(d.registry.ConnectedCount()))

	if _, err := d.providerSessions.Start(key); err != nil {
		slog.Error("failed to start provider session", "peer", shortKey(key), "error", err)
	}

	d.registry.AddTimer(key, repeat(sessionDurationInterval, func() {
		if err := d.providerSessions.UpdateDuration(key); err != nil {
			slog.Warn("failed to update session duration", "peer", shortKey(key), "error", err)
		}
	}))
	d.registry.AddTimer(key, repeat(healthCheckInterval, func() {
		d.sendHealthCheck(conn)
	}))

	*joined = true
	slog.Info("peer joined", "peer", shortKey(key), "model", p.ModelName, "maxConnections", p.MaxConnections)
	d.reply(conn, protocol.KeyJoinAck, protocol.JoinAckPayload{Status: "success", Key: key})
}

// versionOK rejects a missing or unparseable version, or one below the
// configured minimum.
func (d *Dispatcher) versionOK(version string) bool {
	if version == "" {
		return false
	}
	v, err := semver.ParseTolerant(version)
	if err != nil {
		return false
	}
	return v.GTE(d.minVersion)
}

func (d *Dispatcher) handleChallenge(conn PeerConn, frame protocol.Frame) {
	var p protocol.ChallengePayload
	if err := frame.DecodeData(&p); err != nil {
		slog.Warn("malformed challenge frame", "peer", shortKey(conn.RemoteKeyHex()), "error", err)
		return
	}
	if len(p.Challenge) == 0 {
		return
	}
	sig := ed25519.Sign(d.signKey, p.Challenge)
	d.reply(conn, protocol.KeyChallenge, protocol.ChallengePayload{Signature: sig})
}

func (d *Dispatcher) handleConnectionSize(key string, frame protocol.Frame) {
	var p protocol.ConnectionSizePayload
	if err := frame.DecodeData(&p); err != nil {
		slog.Warn("malformed conectionSize frame", "peer", shortKey(key), "error", err)
		return
	}
	if err := d.peers.UpdateConnections(key, p.Connections); err != nil {
		slog.Warn("failed to persist connection size", "peer", shortKey(key), "error", err)
	}
}

// handleRequestProvider runs matchmaking. Deliberate silence on failure:
// the caller times out and retries with its own backoff.
func (d *Dispatcher) handleRequestProvider(conn PeerConn, frame protocol.Frame) {
	var p protocol.RequestProviderPayload
	if err := frame.DecodeData(&p); err != nil {
		slog.Warn("malformed requestProvider frame", "error", err)
		return
	}

	var chosen *store.Peer
	for attempt := 0; attempt < maxMatchAttempts; attempt++ {
		peer, err := d.peers.GetRandom(p.ModelName)
		if err == nil {
			chosen = peer
			break
		}
		if !errors.Is(err, store.ErrNoMatchingPeers) {
			slog.Error("matchmaking query failed", "model", p.ModelName, "error", err)
			d.metrics.MatchTotal.WithLabelValues("error").Inc()
			return
		}
	}
	if chosen == nil {
		slog.Info("no providers for model", "model", p.ModelName)
		d.metrics.MatchTotal.WithLabelValues("no_peers").Inc()
		return
	}

	// Fail fast on a saturated provider rather than rerolling; the caller
	// is expected to send requestProvider again.
	if chosen.MaxConnections > 0 && chosen.Connections >= chosen.MaxConnections {
		slog.Info("selected provider is saturated",
			"provider", shortKey(chosen.Key), "connections", chosen.Connections)
		d.metrics.MatchTotal.WithLabelValues("saturated").Inc()
		return
	}

	token, err := d.sessions.Create(chosen.DiscoveryKey)
	if err != nil {
		slog.Error("failed to create broker session", "error", err)
		d.metrics.MatchTotal.WithLabelValues("error").Inc()
		return
	}

	d.metrics.MatchTotal.WithLabelValues("matched").Inc()
	d.reply(conn, protocol.KeyProviderDetails, protocol.ProviderDetailsPayload{
		ProviderID:   chosen.Key,
		SessionToken: token,
	})
}

func (d *Dispatcher) handleVerifySession(conn PeerConn, frame protocol.Frame) {
	var token string
	if err := frame.DecodeData(&token); err != nil {
		slog.Warn("malformed verifySession frame", "error", err)
		return
	}

	discoveryKey, ok := d.sessions.Verify(token)
	if !ok {
		slog.Info("verifySession with unknown or expired token")
		return
	}
	provider, err := d.peers.GetByDiscoveryKey(discoveryKey)
	if err != nil {
		slog.Warn("session bound to unknown provider", "error", err)
		return
	}
	if err := d.sessions.Extend(token); err != nil {
		slog.Warn("failed to extend session", "error", err)
	}

	d.reply(conn, protocol.KeySessionValid, protocol.SessionValidPayload{
		DiscoveryKey: provider.DiscoveryKey,
		ModelName:    provider.ModelName,
		Name:         provider.Name,
		Provider:     provider.APIProvider,
	})
}

func (d *Dispatcher) handleInference(key string, frame protocol.Frame) {
	var p protocol.InferencePayload
	if err := frame.DecodeData(&p); err != nil {
		slog.Warn("malformed inference frame", "peer", shortKey(key), "error", err)
		return
	}
	if p.Key != "" {
		d.registry.TrackToken(p.Key, key)
	}
	sid, err := d.providerSessions.ActiveSessionID(key)
	if err != nil {
		slog.Warn("inference without active session", "peer", shortKey(key), "error", err)
		return
	}
	if err := d.providerSessions.LogRequest(sid); err != nil {
		slog.Warn("failed to log request", "peer", shortKey(key), "error", err)
	}
}

func (d *Dispatcher) handleSendMetrics(key string, frame protocol.Frame) {
	if len(frame.Data) == 0 {
		return
	}
	sid, err := d.providerSessions.ActiveSessionID(key)
	if err != nil {
		slog.Warn("metrics without active session", "peer", shortKey(key), "error", err)
		return
	}
	if err := d.providerSessions.AddMetrics(sid, frame.Data); err != nil {
		slog.Warn("failed to store metrics", "peer", shortKey(key), "error", err)
	}
}

func (d *Dispatcher) handleHealthAck(key string) {
	if !d.registry.DisarmHealthTimeout(key) {
		// Late ack after the timeout fired; the next cycle will recover.
		return
	}
	d.metrics.HealthChecksTotal.WithLabelValues("ok").Inc()
	if err := d.peers.SetHealthy(key, true); err != nil {
		slog.Warn("failed to mark peer healthy", "peer", shortKey(key), "error", err)
	}
}

func (d *Dispatcher) handleInferenceEnded(key string) {
	if resp, ok := d.registry.ClearResponder(key); ok {
		resp.End(nil)
	}
}

// handleRaw splices provider bytes to the pending HTTP responder. Bytes
// with no responder parked are dropped.
func (d *Dispatcher) handleRaw(key string, chunk []byte) {
	resp, ok := d.registry.Responder(key)
	if !ok {
		slog.Debug("raw bytes with no pending responder", "peer", shortKey(key), "bytes", len(chunk))
		d.metrics.FramesDropped.WithLabelValues("orphan_bytes").Inc()
		return
	}
	d.metrics.RelayedBytesTotal.Add(float64(len(chunk)))
	if err := resp.Write(chunk); err != nil {
		// The HTTP client is gone. Detach so the provider's remaining
		// chunks are dropped instead of blocking the read loop.
		if r, ok := d.registry.ClearResponder(key); ok {
			r.End(err)
		}
	}
}

// sendHealthCheck starts one liveness round trip: a random request id with
// a bounded ack window.
func (d *Dispatcher) sendHealthCheck(conn PeerConn) {
	key := conn.RemoteKeyHex()
	checkID := uuid.NewString()

	if err := d.writeFrame(conn, protocol.KeyHealthCheck, protocol.HealthCheckPayload{ID: checkID}); err != nil {
		slog.Warn("failed to send health check", "peer", shortKey(key), "error", err)
		return
	}

	timer := time.AfterFunc(healthAckWindow, func() {
		d.healthCheckTimedOut(conn)
	})
	d.registry.ArmHealthTimeout(key, checkID, timer)
}

// healthCheckTimedOut marks the peer unhealthy and tells it so. The
// connection stays up: a single failed check only affects directory status.
func (d *Dispatcher) healthCheckTimedOut(conn PeerConn) {
	key := conn.RemoteKeyHex()
	if !d.registry.Connected(key, conn) {
		return
	}
	if !d.registry.DisarmHealthTimeout(key) {
		// An ack won the race.
		return
	}
	slog.Warn("health check timed out", "peer", shortKey(key))
	d.metrics.HealthChecksTotal.WithLabelValues("timeout").Inc()
	if err := d.peers.SetHealthy(key, false); err != nil {
		slog.Warn("failed to mark peer unhealthy", "peer", shortKey(key), "error", err)
	}
	d.writeFrame(conn, protocol.KeyHealthCheckFailed, nil)
}

// disconnect performs the CLOSED transition: timers cancelled, registry
// entry and inference tokens removed, pending responder terminated, peer
// marked offline, provider session ended.
func (d *Dispatcher) disconnect(conn PeerConn, joined bool) {
	key := conn.RemoteKeyHex()
	conn.Close()

	if !joined {
		return
	}

	resp, detached := d.registry.Detach(key, conn)
	if !detached {
		// A newer connection for the same key already replaced this one;
		// its state is no longer ours to clean.
		return
	}
	d.metrics.ConnectedPeers.Set(float64(d.registry.ConnectedCount()))

	if resp != nil {
		resp.End(fmt.Errorf("Peer error: %s disconnected", shortKey(key)))
	}
	if err := d.peers.SetOffline(key); err != nil {
		slog.Error("failed to mark peer offline", "peer", shortKey(key), "error", err)
	}
	if err := d.providerSessions.End(key); err != nil {
		slog.Error("failed to end provider session", "peer", shortKey(key), "error", err)
	}
	slog.Info("peer disconnected", "peer", shortKey(key))
}

// reply logs reply failures and moves on; a peer that cannot receive its
// reply is about to be reaped by its read loop anyway.
func (d *Dispatcher) reply(conn PeerConn, key string, data any) {
	if err := d.writeFrame(conn, key, data); err != nil {
		slog.Warn("failed to write reply", "frame", key, "error", err)
	}
}

func (d *Dispatcher) writeFrame(conn PeerConn, key string, data any) error {
	frame, err := protocol.NewFrame(key, data)
	if err != nil {
		return err
	}
	return conn.WriteFrame(frame)
}

func isFatalTransportError(err error) bool {
	msg := err.Error()
	for _, s := range fatalTransportErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// shortKey truncates a 64-char hex key for log lines.
func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16] + "..."
	}
	return key
}
