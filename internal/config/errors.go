package config

import "errors"

var (
	ErrMissingField  = errors.New("missing required config field")
	ErrBadPrivateKey = errors.New("privateKey must be 64 hex-encoded bytes (seed || public)")
	ErrBadPublicKey  = errors.New("publicKey must be 32 hex-encoded bytes")
	ErrKeyMismatch   = errors.New("publicKey does not match privateKey")
	ErrBadPort       = errors.New("apiPort must be a port number between 1 and 65535")
)
