// Package config loads and validates the hub's YAML configuration.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"time"
)

// Defaults applied at load time when the optional fields are absent.
const (
	// DefaultMinProviderVersion is the lowest symmetry-core version a
	// provider may advertise in its join frame.
	DefaultMinProviderVersion = "1.2.0"

	// DefaultSessionTTL is the broker-session lifetime; Extend pushes the
	// expiry forward by the same amount.
	DefaultSessionTTL = 10 * time.Minute
)

// Config is the hub server configuration, read from
// ~/.config/symmetry/server.yaml by default.
type Config struct {
	// Path is the data directory holding the SQLite database.
	Path string `yaml:"path"`

	// PublicKey and PrivateKey are the hub's long-term ed25519 identity,
	// hex encoded. PrivateKey is 64 bytes (seed || public).
	PublicKey  string `yaml:"publicKey"`
	PrivateKey string `yaml:"privateKey"`

	// AllowedOrigins is the CORS allow-list for the HTTP API.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// APIPort is the HTTP listen port for completions, stats, and metrics.
	APIPort int `yaml:"apiPort"`

	// MinProviderVersion gates provider joins. Optional; defaults to
	// DefaultMinProviderVersion.
	MinProviderVersion string `yaml:"minProviderVersion,omitempty"`

	// ListenAddresses are the swarm listen multiaddrs. Optional; defaults
	// to TCP and QUIC wildcards on port 4337.
	ListenAddresses []string `yaml:"listenAddresses,omitempty"`
}

// Identity decodes the configured keypair. Call Validate first; Identity
// assumes the hex fields are well-formed.
func (c *Config) Identity() (ed25519.PublicKey, ed25519.PrivateKey) {
	pub, _ := hex.DecodeString(c.PublicKey)
	priv, _ := hex.DecodeString(c.PrivateKey)
	return ed25519.PublicKey(pub), ed25519.PrivateKey(priv)
}
