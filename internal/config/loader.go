package config

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blang/semver/v4"
	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// DefaultPath returns the default config file location,
// ~/.config/symmetry/server.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "server.yaml"
	}
	return filepath.Join(home, ".config", "symmetry", "server.yaml")
}

// checkFilePermissions warns on group/world-readable config files. The
// config holds the hub's long-term secret key.
func checkFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // read errors are reported by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MinProviderVersion == "" {
		cfg.MinProviderVersion = DefaultMinProviderVersion
	}
	if len(cfg.ListenAddresses) == 0 {
		cfg.ListenAddresses = []string{
			"/ip4/0.0.0.0/tcp/4337",
			"/ip4/0.0.0.0/udp/4337/quic-v1",
			"/ip6/::/tcp/4337",
			"/ip6/::/udp/4337/quic-v1",
		}
	}
}

// Validate checks that all required fields are present and coherent.
func Validate(cfg *Config) error {
	if cfg.Path == "" {
		return fmt.Errorf("%w: path", ErrMissingField)
	}
	if cfg.PublicKey == "" {
		return fmt.Errorf("%w: publicKey", ErrMissingField)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: privateKey", ErrMissingField)
	}
	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("%w: allowedOrigins", ErrMissingField)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("%w: got %d", ErrBadPort, cfg.APIPort)
	}

	pub, err := hex.DecodeString(cfg.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadPublicKey
	}
	priv, err := hex.DecodeString(cfg.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return ErrBadPrivateKey
	}
	if !bytes.Equal(priv[ed25519.SeedSize:], pub) {
		return ErrKeyMismatch
	}

	if _, err := semver.Parse(cfg.MinProviderVersion); err != nil {
		return fmt.Errorf("invalid minProviderVersion %q: %w", cfg.MinProviderVersion, err)
	}
	for _, addr := range cfg.ListenAddresses {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
	}
	return nil
}
