package hub

import (
	"fmt"
	"testing"
	"time"
)

func TestFrameLimiterCapsPerKey(t *testing.T) {
	l := newFrameLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		if !l.Allow("peer-a") {
			t.Fatalf("frame %d should be within the cap", i+1)
		}
	}
	if l.Allow("peer-a") {
		t.Fatal("frame 6 should exceed the cap")
	}

	// Other keys are unaffected.
	if !l.Allow("peer-b") {
		t.Fatal("a fresh key must not inherit another key's count")
	}
}

func TestFrameLimiterWindowExpiry(t *testing.T) {
	l := newFrameLimiter(2, 50*time.Millisecond)

	l.Allow("peer-a")
	l.Allow("peer-a")
	if l.Allow("peer-a") {
		t.Fatal("third frame inside the window should be rejected")
	}

	time.Sleep(120 * time.Millisecond)
	if !l.Allow("peer-a") {
		t.Fatal("count should reset after the window expires")
	}
}

func TestFrameLimiterManyKeys(t *testing.T) {
	l := newFrameLimiter(1, time.Minute)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("peer-%03d", i)
		if !l.Allow(key) {
			t.Fatalf("first frame for %s should pass", key)
		}
		if l.Allow(key) {
			t.Fatalf("second frame for %s should be rejected", key)
		}
	}
}
