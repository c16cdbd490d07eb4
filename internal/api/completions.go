package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/symmetrynet/symmetry-hub/internal/hub"
	"github.com/symmetrynet/symmetry-hub/internal/protocol"
	"github.com/symmetrynet/symmetry-hub/internal/store"
)

// completionRequest is the POST body for /v1/chat/completions.
type completionRequest struct {
	SessionRequest struct {
		ModelName string `json:"modelName"`
	} `json:"sessionRequest"`
	Data struct {
		Messages []protocol.Message `json:"messages"`
	} `json:"data"`
}

// sseResponder adapts the HTTP response to the dispatcher's Responder.
// Write blocks in the provider's read loop until the chunk is flushed to
// the client, so a slow client backpressures the provider stream.
type sseResponder struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	err    error
}

func newSSEResponder(w http.ResponseWriter, flusher http.Flusher) *sseResponder {
	return &sseResponder{w: w, flusher: flusher, done: make(chan struct{})}
}

func (r *sseResponder) Write(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("response already ended")
	}
	if _, err := r.w.Write(chunk); err != nil {
		return err
	}
	r.flusher.Flush()
	return nil
}

func (r *sseResponder) End(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.err = err
	close(r.done)
}

func (r *sseResponder) endErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// handleCompletions matches the request to a provider and streams its
// response bytes back as SSE until the provider signals completion.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	count, err := s.ipMessages.CountInWindow(ip, httpRequestWindow)
	if err != nil {
		slog.Error("rate-limit lookup failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if count >= httpRequestLimit {
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}
	if err := s.ipMessages.Increment(ip); err != nil {
		slog.Warn("failed to count request", "error", err)
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.SessionRequest.ModelName == "" || len(req.Data.Messages) == 0 {
		http.Error(w, `{"error":"modelName and messages are required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	registry := s.dispatcher.Registry()

	peer, err := s.peers.GetRandom(req.SessionRequest.ModelName)
	if err != nil {
		if !errors.Is(err, store.ErrNoMatchingPeers) {
			slog.Error("provider lookup failed", "error", err)
		}
		writeSSEError(w, flusher, "No peers available")
		return
	}

	conn, ok := registry.Conn(peer.Key)
	if !ok {
		// The directory said online but the connection is gone; the peer
		// row will be corrected by its disconnect path.
		slog.Warn("matched provider has no live connection", "provider", peer.Key)
		return
	}

	resp := newSSEResponder(w, flusher)
	if err := registry.SetResponder(peer.Key, resp); err != nil {
		if errors.Is(err, hub.ErrResponderBusy) {
			writeSSEError(w, flusher, "Provider busy")
		} else {
			writeSSEError(w, flusher, "No peers available")
		}
		return
	}
	flusher.Flush()

	// The inference token for the HTTP path is the provider's own key: it
	// is what correlates the provider's inferenceEnded sentinel with this
	// responder.
	registry.TrackToken(peer.Key, peer.Key)

	frame, err := protocol.NewFrame(protocol.KeyInference, protocol.InferencePayload{
		Messages: req.Data.Messages,
		Key:      peer.Key,
	})
	if err == nil {
		err = conn.WriteFrame(frame)
	}
	if err != nil {
		slog.Warn("failed to forward inference", "provider", peer.Key, "error", err)
		registry.DetachResponder(peer.Key, resp)
		writeSSEError(w, flusher, "Provider unavailable")
		return
	}

	select {
	case <-resp.done:
		if err := resp.endErr(); err != nil {
			writeSSEError(w, flusher, err.Error())
		}
	case <-r.Context().Done():
		// Client went away mid-stream. Detach so further provider chunks
		// are dropped; the provider finishes its generation unaware.
		registry.DetachResponder(peer.Key, resp)
		resp.End(nil)
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
