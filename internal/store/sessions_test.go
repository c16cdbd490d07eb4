package store

import (
	"testing"
	"time"
)

func TestSessionCreateVerify(t *testing.T) {
	db := openTest(t)
	s := NewSessionStore(db, 10*time.Minute)

	token, err := s.Create("disc-aaaa")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	disc, ok := s.Verify(token)
	if !ok {
		t.Fatal("Verify rejected a fresh token")
	}
	if disc != "disc-aaaa" {
		t.Errorf("discovery key = %q", disc)
	}
}

func TestSessionVerifyAbsent(t *testing.T) {
	db := openTest(t)
	s := NewSessionStore(db, 10*time.Minute)

	if _, ok := s.Verify("no-such-token"); ok {
		t.Error("absent token verified")
	}
}

func TestSessionExpiry(t *testing.T) {
	db := openTest(t)
	s := NewSessionStore(db, -time.Minute) // born expired

	token, err := s.Create("disc-aaaa")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := s.Verify(token); ok {
		t.Error("expired token verified")
	}
	// Verify deletes expired rows on touch.
	var n int
	if err := db.Get(&n, "SELECT COUNT(*) FROM sessions WHERE id = ?", token); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Error("expired row should be deleted on verify")
	}
}

func TestSessionExtend(t *testing.T) {
	db := openTest(t)
	s := NewSessionStore(db, 10*time.Minute)

	token, _ := s.Create("disc-aaaa")
	var before time.Time
	if err := db.Get(&before, "SELECT expires_at FROM sessions WHERE id = ?", token); err != nil {
		t.Fatalf("read expiry: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := s.Extend(token); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	var after time.Time
	if err := db.Get(&after, "SELECT expires_at FROM sessions WHERE id = ?", token); err != nil {
		t.Fatalf("read expiry: %v", err)
	}
	if !after.After(before) {
		t.Errorf("expiry not extended: %v -> %v", before, after)
	}

	// Extending a nonexistent session is a no-op.
	if err := s.Extend("no-such-token"); err != nil {
		t.Errorf("Extend absent token: %v", err)
	}
}

func TestSessionDelete(t *testing.T) {
	db := openTest(t)
	s := NewSessionStore(db, 10*time.Minute)

	token, _ := s.Create("disc-aaaa")
	if !s.Delete(token) {
		t.Error("Delete should report a removed row")
	}
	if _, ok := s.Verify(token); ok {
		t.Error("deleted token verified")
	}
	if s.Delete(token) {
		t.Error("second Delete should report nothing removed")
	}
}

func TestSessionPurgeExpired(t *testing.T) {
	db := openTest(t)
	expired := NewSessionStore(db, -time.Minute)
	live := NewSessionStore(db, 10*time.Minute)

	expired.Create("disc-a")
	expired.Create("disc-b")
	liveToken, _ := live.Create("disc-c")

	n, err := live.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	if _, ok := live.Verify(liveToken); !ok {
		t.Error("live token should survive the purge")
	}
}
