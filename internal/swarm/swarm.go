package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"

	"github.com/symmetrynet/symmetry-hub/internal/config"
	"github.com/symmetrynet/symmetry-hub/internal/hub"
	"github.com/symmetrynet/symmetry-hub/internal/protocol"
)

// ProtocolID is the libp2p protocol for hub streams. Bump the trailing
// version on any incompatible wire change.
const ProtocolID = "/symmetry/hub/1.0.0"

// advertiseInterval is how often the hub re-advertises its discovery key
// on the DHT. Provider records expire server-side, so this must keep
// re-publishing for as long as the hub runs.
const advertiseInterval = time.Minute

// Swarm is the hub's libp2p listener. Each inbound stream gets its own
// dispatcher loop; the swarm itself only owns the host and discovery.
type Swarm struct {
	host         host.Host
	dht          *dht.IpfsDHT
	dispatcher   *hub.Dispatcher
	discoveryKey string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the libp2p host from the hub's configured identity and starts
// accepting peer streams. Discovery is not started until Advertise.
func New(cfg *config.Config, dispatcher *hub.Dispatcher, userAgent string) (*Swarm, error) {
	pub, priv := cfg.Identity()
	key, err := hostKey(priv)
	if err != nil {
		return nil, err
	}

	// QUIC first for the 3-RTT handshake, TCP as the universal fallback.
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.ListenAddresses...),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.UserAgent(userAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	s := &Swarm{
		host:         h,
		dispatcher:   dispatcher,
		discoveryKey: DiscoveryKey(pub),
	}
	h.SetStreamHandler(ProtocolID, s.handleStream)

	slog.Info("swarm listening",
		"peerId", h.ID(),
		"discoveryKey", s.discoveryKey,
		"addresses", h.Addrs())
	return s, nil
}

// Host exposes the underlying libp2p host, mainly for tests.
func (s *Swarm) Host() host.Host { return s.host }

// handleStream runs one dispatcher loop per inbound stream. The loop owns
// the stream's lifetime; when it returns the stream is closed.
func (s *Swarm) handleStream(stream network.Stream) {
	conn, err := newConn(stream)
	if err != nil {
		slog.Warn("rejecting stream", "peer", stream.Conn().RemotePeer(), "error", err)
		stream.Reset()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(conn, protocol.NewReader(stream))
	}()
}

// Advertise bootstraps into the public DHT and keeps publishing the hub's
// discovery key until the swarm closes. Errors are logged and retried on
// the next cycle; discovery is best-effort and must not take the hub down.
func (s *Swarm) Advertise(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	kdht, err := dht.New(ctx, s.host, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	s.dht = kdht

	var wg sync.WaitGroup
	for _, addr := range dht.DefaultBootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			if err := s.host.Connect(ctx, pi); err != nil {
				slog.Debug("bootstrap peer unreachable", "peer", pi.ID, "error", err)
			}
		}(*pi)
	}
	wg.Wait()

	routingDiscovery := drouting.NewRoutingDiscovery(kdht)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(advertiseInterval)
		defer ticker.Stop()
		for {
			if _, err := routingDiscovery.Advertise(ctx, s.discoveryKey); err != nil {
				slog.Debug("DHT advertise failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	slog.Info("advertising on DHT", "discoveryKey", s.discoveryKey)
	return nil
}

// Close stops discovery and shuts the host down. In-flight dispatcher
// loops end when their streams are closed by the host.
func (s *Swarm) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.dht != nil {
		if err := s.dht.Close(); err != nil {
			slog.Warn("failed to close DHT", "error", err)
		}
	}
	err := s.host.Close()
	s.wg.Wait()
	return err
}
