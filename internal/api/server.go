// Package api is the HTTP front door: OpenAI-style streaming completions,
// a live stats websocket, health, and metrics.
package api

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/symmetrynet/symmetry-hub/internal/hub"
	"github.com/symmetrynet/symmetry-hub/internal/store"
)

const (
	// httpRequestLimit caps completion requests per client IP per window.
	httpRequestLimit  = 100
	httpRequestWindow = 60 * time.Minute

	readTimeout = 30 * time.Second
	// Write timeout is deliberately absent: completions stream for as
	// long as the provider generates.
	idleTimeout = 120 * time.Second
)

// Server is the hub's HTTP API server.
type Server struct {
	dispatcher *hub.Dispatcher
	peers      *store.PeerStore
	sessions   *store.ProviderSessionStore
	ipMessages *store.IPMessageStore
	metrics    *hub.Metrics

	origins    []string
	httpServer *http.Server
}

// NewServer wires the API handlers. allowedOrigins is the CORS allow-list;
// "*" allows every origin.
func NewServer(
	dispatcher *hub.Dispatcher,
	peers *store.PeerStore,
	sessions *store.ProviderSessionStore,
	ipMessages *store.IPMessageStore,
	metrics *hub.Metrics,
	allowedOrigins []string,
) *Server {
	return &Server{
		dispatcher: dispatcher,
		peers:      peers,
		sessions:   sessions,
		ipMessages: ipMessages,
		metrics:    metrics,
		origins:    allowedOrigins,
	}
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleStatsSocket)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.instrument(s.cors(mux))
}

// Start begins serving on port. It returns immediately; serve errors other
// than a clean shutdown are logged.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.Handler(),
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	slog.Info("api listening", "addr", s.httpServer.Addr)
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// statusRecorder captures the status code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so the websocket upgrade works behind the
// instrumentation wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestsTotal.WithLabelValues(routePath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

// routePath maps a request path to a metric label. Paths outside the route
// table collapse to "other" so probes and scanners cannot grow the label set.
func routePath(path string) string {
	switch path {
	case "/v1/chat/completions", "/v1/stats", "/ws", "/healthz", "/metrics":
		return path
	}
	return "other"
}

// cors applies the configured origin allow-list. Preflights are answered
// here; disallowed origins simply get no CORS headers and the browser
// blocks the response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
