package hub

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// peerFrameLimit caps frames from a single peer per window.
	peerFrameLimit  = 500
	peerFrameWindow = time.Minute

	// limiterSize bounds the LRU; well above any realistic concurrent
	// peer count, so eviction only happens under abuse.
	limiterSize = 4096
)

// frameLimiter is a fixed-window per-peer frame counter backed by an LRU
// with per-entry TTL. An entry expires one window after its first frame,
// resetting the count.
type frameLimiter struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *int]
	max int
}

func newFrameLimiter(max int, window time.Duration) *frameLimiter {
	return &frameLimiter{
		lru: expirable.NewLRU[string, *int](limiterSize, nil, window),
		max: max,
	}
}

// Allow counts one frame for key and reports whether it is within the cap.
func (l *frameLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	count, ok := l.lru.Get(key)
	if !ok {
		n := 1
		l.lru.Add(key, &n)
		return true
	}
	*count++
	return *count <= l.max
}
