package swarm

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/symmetrynet/symmetry-hub/internal/protocol"
)

// Conn adapts a libp2p stream to the dispatcher's connection interface.
// The write mutex serialises frames and raw chunks from different
// goroutines (dispatcher replies, health checks, the HTTP front door)
// onto the single stream.
type Conn struct {
	stream network.Stream
	key    string

	mu sync.Mutex
	w  protocol.MessageWriter
}

// newConn wraps an inbound stream. The remote key is the peer's raw
// ed25519 public key, hex encoded; libp2p has already verified the peer
// holds the matching private key during the handshake.
func newConn(s network.Stream) (*Conn, error) {
	pub := s.Conn().RemotePublicKey()
	if pub == nil {
		return nil, fmt.Errorf("stream has no authenticated remote key")
	}
	raw, err := pub.Raw()
	if err != nil {
		return nil, fmt.Errorf("failed to extract remote key: %w", err)
	}
	return &Conn{
		stream: s,
		key:    hex.EncodeToString(raw),
		w:      protocol.NewWriter(s),
	}, nil
}

// RemoteKeyHex returns the peer's public key as lowercase hex.
func (c *Conn) RemoteKeyHex() string { return c.key }

// WriteFrame encodes and sends one protocol frame.
func (c *Conn) WriteFrame(f protocol.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	return c.writeMsg(b)
}

// WriteRaw sends one opaque message without a frame envelope.
func (c *Conn) WriteRaw(b []byte) error {
	return c.writeMsg(b)
}

func (c *Conn) writeMsg(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WriteMsg(b)
}

// Close tears the stream down in both directions.
func (c *Conn) Close() error {
	return c.stream.Reset()
}
