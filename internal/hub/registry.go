// Package hub is the connection/session dispatcher: the in-memory registry
// of live peers, the frame state machine, and the liveness protocol.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/symmetrynet/symmetry-hub/internal/protocol"
)

var (
	ErrResponderBusy = errors.New("a responder is already pending for this peer")
	ErrNotConnected  = errors.New("peer is not connected")
)

// PeerConn is a live transport connection to a peer. Writes block until the
// transport accepts the bytes.
type PeerConn interface {
	RemoteKeyHex() string
	WriteFrame(f protocol.Frame) error
	WriteRaw(b []byte) error
	Close() error
}

// Responder is a pending HTTP response sink. Write blocks until the client
// has consumed the chunk, which propagates backpressure from the HTTP side
// to the peer read loop. End terminates the response; a nil error is a
// clean completion, a non-nil error is surfaced to the client.
type Responder interface {
	Write(chunk []byte) error
	End(err error)
}

// peerEntry is the registry's per-peer state. All fields are guarded by the
// registry mutex.
type peerEntry struct {
	conn            PeerConn
	timers          []*timerHandle
	healthTimeout   *time.Timer
	healthCheckID   string
	inferenceTokens map[string]struct{}
}

// Registry is the single serialisation domain over connected peers, pending
// HTTP responders, the inference-token index, and per-peer timers.
// Every mutation goes through one mutex; no two goroutines write the same
// peer's entries concurrently.
type Registry struct {
	mu         sync.Mutex
	peers      map[string]*peerEntry
	responders map[string]Responder
	tokens     map[string]string // inference token -> peer key
}

func NewRegistry() *Registry {
	return &Registry{
		peers:      make(map[string]*peerEntry),
		responders: make(map[string]Responder),
		tokens:     make(map[string]string),
	}
}

// Attach binds a connection to its peer key. A stale entry for the same key
// (from a connection the transport has not reaped yet) is cancelled first,
// and its inference tokens dropped: the stale connection's own Detach will
// see the replaced entry and clean nothing.
func (r *Registry) Attach(key string, conn PeerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.peers[key]; ok {
		cancelEntryLocked(old)
		for token := range old.inferenceTokens {
			delete(r.tokens, token)
		}
	}
	r.peers[key] = &peerEntry{
		conn:            conn,
		inferenceTokens: make(map[string]struct{}),
	}
}

// Detach removes the peer's entry if it still belongs to conn, cancelling
// every per-peer timer synchronously before the slot is released, dropping
// the peer's inference tokens, and popping any pending responder. It
// returns the responder (nil if none) and whether an entry was removed.
func (r *Registry) Detach(key string, conn PeerConn) (Responder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[key]
	if !ok || entry.conn != conn {
		return nil, false
	}
	cancelEntryLocked(entry)
	delete(r.peers, key)

	for token := range entry.inferenceTokens {
		delete(r.tokens, token)
	}

	resp := r.responders[key]
	delete(r.responders, key)
	return resp, true
}

// cancelEntryLocked stops all timers of an entry. Caller holds r.mu; timer
// Stop never blocks, so a fired ticker cannot resurrect state afterwards.
func cancelEntryLocked(e *peerEntry) {
	for _, t := range e.timers {
		t.stop()
	}
	e.timers = nil
	if e.healthTimeout != nil {
		e.healthTimeout.Stop()
		e.healthTimeout = nil
		e.healthCheckID = ""
	}
}

// Conn returns the live connection for a peer key.
func (r *Registry) Conn(key string) (PeerConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[key]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Connected reports whether conn is still the registered connection for key.
func (r *Registry) Connected(key string, conn PeerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[key]
	return ok && entry.conn == conn
}

// ConnectedCount returns the number of attached peers.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// SetResponder registers the HTTP response sink for a provider. At most one
// responder may be pending per peer key; a second registration fails with
// ErrResponderBusy until the first terminates.
func (r *Registry) SetResponder(key string, resp Responder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[key]; !ok {
		return ErrNotConnected
	}
	if _, busy := r.responders[key]; busy {
		return ErrResponderBusy
	}
	r.responders[key] = resp
	return nil
}

// Responder returns the pending sink for a peer, if any.
func (r *Registry) Responder(key string) (Responder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.responders[key]
	return resp, ok
}

// ClearResponder removes and returns the pending sink for a peer.
func (r *Registry) ClearResponder(key string) (Responder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.responders[key]
	if ok {
		delete(r.responders, key)
	}
	return resp, ok
}

// DetachResponder removes the sink only if it is the given one. Used by the
// HTTP handler when its client goes away, so it cannot race a replacement.
func (r *Registry) DetachResponder(key string, resp Responder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.responders[key]; ok && cur == resp {
		delete(r.responders, key)
		return true
	}
	return false
}

// TrackToken records an inference token as belonging to a peer. The
// per-entry secondary index lets disconnect cleanup avoid a full scan.
func (r *Registry) TrackToken(token, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[key]
	if !ok {
		return
	}
	r.tokens[token] = key
	entry.inferenceTokens[token] = struct{}{}
}

// TokenPeer resolves an inference token to its peer key.
func (r *Registry) TokenPeer(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.tokens[token]
	return key, ok
}

// TokenCount returns the number of tracked inference tokens.
func (r *Registry) TokenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// AddTimer registers a cancellable schedule with the peer's entry so a
// disconnect cancels it together with the rest.
func (r *Registry) AddTimer(key string, t *timerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[key]
	if !ok {
		t.stop()
		return
	}
	entry.timers = append(entry.timers, t)
}

// ArmHealthTimeout stores the outstanding health-check id and its timeout
// timer. A previous outstanding timeout is cancelled.
func (r *Registry) ArmHealthTimeout(key, checkID string, t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[key]
	if !ok {
		t.Stop()
		return
	}
	if entry.healthTimeout != nil {
		entry.healthTimeout.Stop()
	}
	entry.healthTimeout = t
	entry.healthCheckID = checkID
}

// DisarmHealthTimeout stops the outstanding timeout, if any, and reports
// whether one was armed.
func (r *Registry) DisarmHealthTimeout(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[key]
	if !ok || entry.healthTimeout == nil {
		return false
	}
	entry.healthTimeout.Stop()
	entry.healthTimeout = nil
	entry.healthCheckID = ""
	return true
}

// HasTimers reports whether any per-peer timer is still registered for key.
func (r *Registry) HasTimers(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[key]
	if !ok {
		return false
	}
	return len(entry.timers) > 0 || entry.healthTimeout != nil
}
