package store

import "errors"

var (
	ErrPeerNotFound    = errors.New("peer not found")
	ErrNoSession       = errors.New("no active provider session")
	ErrNoMatchingPeers = errors.New("no online peers for model")
)
