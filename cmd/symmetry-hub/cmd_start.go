package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/symmetrynet/symmetry-hub/internal/api"
	"github.com/symmetrynet/symmetry-hub/internal/config"
	"github.com/symmetrynet/symmetry-hub/internal/hub"
	"github.com/symmetrynet/symmetry-hub/internal/store"
	"github.com/symmetrynet/symmetry-hub/internal/swarm"
)

// sessionReapInterval is how often expired broker sessions are purged.
// Verification already rejects expired tokens; the reaper just bounds the
// table size.
const sessionReapInterval = 10 * time.Minute

func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	fs.StringVar(configPath, "c", config.DefaultPath(), "config file path (shorthand)")
	if err := fs.Parse(args); err != nil {
		osExit(2)
		return
	}

	if err := doStart(*configPath); err != nil {
		fatal("Error: %v", err)
	}
}

func doStart(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	peers := store.NewPeerStore(db)
	sessions := store.NewSessionStore(db, config.DefaultSessionTTL)
	providerSessions := store.NewProviderSessionStore(db)
	ipMessages := store.NewIPMessageStore(db)

	// Reconcile before any listener comes up: rows left over from the
	// previous process cannot correspond to live connections.
	if err := peers.ResetAllConnections(); err != nil {
		return fmt.Errorf("failed to reset peer connections: %w", err)
	}
	orphans, err := providerSessions.EndOrphans()
	if err != nil {
		return fmt.Errorf("failed to close orphan sessions: %w", err)
	}
	if orphans > 0 {
		slog.Info("closed orphan provider sessions", "count", orphans)
	}

	_, priv := cfg.Identity()
	metrics := hub.NewMetrics(version, runtime.Version())
	dispatcher, err := hub.NewDispatcher(
		cfg.MinProviderVersion, priv,
		peers, sessions, providerSessions,
		hub.NewRegistry(), metrics,
	)
	if err != nil {
		return err
	}

	sw, err := swarm.New(cfg, dispatcher, "symmetry-hub/"+version)
	if err != nil {
		return err
	}
	defer sw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sw.Advertise(ctx); err != nil {
		// The hub still works for peers that know its address directly.
		slog.Warn("DHT discovery unavailable", "error", err)
	}

	apiServer := api.NewServer(dispatcher, peers, providerSessions, ipMessages,
		metrics, cfg.AllowedOrigins)
	if err := apiServer.Start(cfg.APIPort); err != nil {
		return err
	}

	go reapSessions(ctx, sessions)

	slog.Info("symmetry hub running", "version", version, "apiPort", cfg.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		slog.Warn("api shutdown incomplete", "error", err)
	}
	return nil
}

func reapSessions(ctx context.Context, sessions *store.SessionStore) {
	ticker := time.NewTicker(sessionReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.PurgeExpired()
			if err != nil {
				slog.Warn("session reaper failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired sessions", "count", n)
			}
		}
	}
}
