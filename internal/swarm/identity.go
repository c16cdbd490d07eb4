// Package swarm is the peer-facing transport: a libp2p host that accepts
// encrypted streams from providers and consumers, frames their messages,
// and feeds them to the dispatcher. The hub also advertises its discovery
// key on the DHT so peers can find it without a hardcoded address.
package swarm

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/blake2b"
)

// DiscoveryKey derives the rendezvous string for an ed25519 public key.
// Peers compute the same digest from the hub's published key to find it.
func DiscoveryKey(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// hostKey converts the hub's ed25519 identity into a libp2p private key so
// the swarm peer ID is bound to the same identity the hub signs challenges
// with.
func hostKey(priv ed25519.PrivateKey) (libp2pcrypto.PrivKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key is %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	key, err := libp2pcrypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to convert identity key: %w", err)
	}
	return key, nil
}
