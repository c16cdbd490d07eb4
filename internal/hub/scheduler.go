package hub

import (
	"sync"
	"time"
)

// timerHandle is a cancellable repeating schedule. stop is idempotent and
// never blocks, so the registry can cancel handles while holding its mutex.
type timerHandle struct {
	once sync.Once
	done chan struct{}
}

func (t *timerHandle) stop() {
	t.once.Do(func() { close(t.done) })
}

// repeat invokes fn every interval until the handle is stopped. The first
// invocation happens after one full interval.
func repeat(interval time.Duration, fn func()) *timerHandle {
	h := &timerHandle{done: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return h
}
