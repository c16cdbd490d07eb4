package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"

	"github.com/symmetrynet/symmetry-hub/internal/config"
	"github.com/symmetrynet/symmetry-hub/internal/hub"
	"github.com/symmetrynet/symmetry-hub/internal/protocol"
	"github.com/symmetrynet/symmetry-hub/internal/store"
)

func TestDiscoveryKeyDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a := DiscoveryKey(pub)
	b := DiscoveryKey(pub)
	if a != b {
		t.Fatal("discovery key must be deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("discovery key length %d, want 64 hex chars", len(a))
	}
	if a == hex.EncodeToString(pub) {
		t.Fatal("discovery key must not be the raw public key")
	}

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if DiscoveryKey(otherPub) == a {
		t.Fatal("distinct keys must map to distinct discovery keys")
	}
}

func TestHostKeyRejectsBadLength(t *testing.T) {
	if _, err := hostKey(make([]byte, 31)); err == nil {
		t.Fatal("expected error for truncated key")
	}
}

func newTestSwarm(t *testing.T) (*Swarm, ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Path:               t.TempDir(),
		PublicKey:          hex.EncodeToString(pub),
		PrivateKey:         hex.EncodeToString(priv),
		APIPort:            0,
		MinProviderVersion: "1.2.0",
		ListenAddresses:    []string{"/ip4/127.0.0.1/tcp/0"},
	}

	db, err := store.Open(cfg.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dispatcher, err := hub.NewDispatcher(
		cfg.MinProviderVersion,
		priv,
		store.NewPeerStore(db),
		store.NewSessionStore(db, config.DefaultSessionTTL),
		store.NewProviderSessionStore(db),
		hub.NewRegistry(),
		hub.NewMetrics("test", runtime.Version()),
	)
	if err != nil {
		t.Fatal(err)
	}

	s, err := New(cfg, dispatcher, "symmetry-hub/test")
	if err != nil {
		t.Fatalf("new swarm: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, pub
}

func TestSwarmIdentityBoundToConfig(t *testing.T) {
	s, pub := newTestSwarm(t)

	remote := s.Host().ID()
	extracted, err := remote.ExtractPublicKey()
	if err != nil {
		t.Fatalf("peer id should embed the public key: %v", err)
	}
	raw, err := extracted.Raw()
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(raw) != hex.EncodeToString(pub) {
		t.Fatal("host peer id is not bound to the configured identity")
	}
}

func TestStreamJoinRoundTrip(t *testing.T) {
	s, _ := newTestSwarm(t)

	client, err := libp2p.New(
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
	)
	if err != nil {
		t.Fatalf("client host: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Connect(ctx, peer.AddrInfo{
		ID:    s.Host().ID(),
		Addrs: s.Host().Addrs(),
	}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	stream, err := client.NewStream(ctx, s.Host().ID(), ProtocolID)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	frame, err := protocol.NewFrame(protocol.KeyJoin, protocol.JoinPayload{
		DiscoveryKey:        "disc-swarm-test",
		ModelName:           "llama-3.1-8b",
		Name:                "integration",
		SymmetryCoreVersion: "1.2.0",
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := frame.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.NewWriter(stream).WriteMsg(b); err != nil {
		t.Fatalf("write join: %v", err)
	}

	reply, err := protocol.NewReader(stream).ReadMsg()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	ack, err := protocol.Decode(reply)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Key != protocol.KeyJoinAck {
		t.Fatalf("reply key = %q, want joinAck", ack.Key)
	}
	var p protocol.JoinAckPayload
	if err := ack.DecodeData(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != "success" {
		t.Fatalf("ack status = %q", p.Status)
	}

	// The ack key must be the client's raw public key.
	clientPub, err := client.Peerstore().PubKey(client.ID()).Raw()
	if err != nil {
		t.Fatal(err)
	}
	if p.Key != hex.EncodeToString(clientPub) {
		t.Fatal("joinAck key does not match the client identity")
	}
}
