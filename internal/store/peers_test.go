package store

import (
	"errors"
	"testing"
)

func TestUpsertGetRoundTrip(t *testing.T) {
	db := openTest(t)
	s := NewPeerStore(db)

	want := testPeer("aaaa")
	if err := s.Upsert(want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.GetByKey("aaaa")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if got.DiscoveryKey != want.DiscoveryKey || got.ModelName != want.ModelName ||
		got.Name != want.Name || got.MaxConnections != want.MaxConnections {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if !got.Online {
		t.Error("upserted peer should be online")
	}

	byDisc, err := s.GetByDiscoveryKey(want.DiscoveryKey)
	if err != nil {
		t.Fatalf("GetByDiscoveryKey: %v", err)
	}
	if byDisc.Key != "aaaa" {
		t.Errorf("discovery lookup returned %s", byDisc.Key)
	}
}

func TestUpsertPreservesPoints(t *testing.T) {
	db := openTest(t)
	s := NewPeerStore(db)

	if err := s.Upsert(testPeer("aaaa")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := db.Exec("UPDATE peers SET points = 42 WHERE key = 'aaaa'"); err != nil {
		t.Fatalf("set points: %v", err)
	}

	// Re-join with a different model; points must survive.
	p := testPeer("aaaa")
	p.ModelName = "mistral"
	if err := s.Upsert(p); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := s.GetByKey("aaaa")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if got.Points != 42 {
		t.Errorf("points = %d, want 42", got.Points)
	}
	if got.ModelName != "mistral" {
		t.Errorf("model = %q, want mistral", got.ModelName)
	}
}

func TestUpsertResetsOnline(t *testing.T) {
	db := openTest(t)
	s := NewPeerStore(db)

	if err := s.Upsert(testPeer("aaaa")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.SetOffline("aaaa"); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	got, _ := s.GetByKey("aaaa")
	if got.Online {
		t.Fatal("peer should be offline")
	}

	if err := s.Upsert(testPeer("aaaa")); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}
	got, _ = s.GetByKey("aaaa")
	if !got.Online {
		t.Error("upsert should reset online=true")
	}
}

func TestGetRandomFiltersOnlineAndModel(t *testing.T) {
	db := openTest(t)
	s := NewPeerStore(db)

	online := testPeer("aaaa")
	if err := s.Upsert(online); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	offline := testPeer("bbbb")
	if err := s.Upsert(offline); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.SetOffline("bbbb")
	other := testPeer("cccc")
	other.ModelName = "mistral"
	if err := s.Upsert(other); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for i := 0; i < 20; i++ {
		got, err := s.GetRandom("llama3")
		if err != nil {
			t.Fatalf("GetRandom: %v", err)
		}
		if got.Key != "aaaa" {
			t.Fatalf("GetRandom picked %s; only aaaa is online with llama3", got.Key)
		}
	}

	if _, err := s.GetRandom("nonexistent-model"); !errors.Is(err, ErrNoMatchingPeers) {
		t.Errorf("err = %v, want ErrNoMatchingPeers", err)
	}
}

func TestGetRandomFairness(t *testing.T) {
	db := openTest(t)
	s := NewPeerStore(db)

	keys := []string{"aaaa", "bbbb", "cccc"}
	for _, k := range keys {
		if err := s.Upsert(testPeer(k)); err != nil {
			t.Fatalf("Upsert %s: %v", k, err)
		}
	}

	counts := make(map[string]int)
	const n = 600
	for i := 0; i < n; i++ {
		p, err := s.GetRandom("llama3")
		if err != nil {
			t.Fatalf("GetRandom: %v", err)
		}
		counts[p.Key]++
	}
	// Each of 3 peers should land near n/3; allow a wide band to keep the
	// test deterministic in practice.
	for _, k := range keys {
		if counts[k] < n/6 {
			t.Errorf("peer %s chosen %d/%d times; selection is not uniform", k, counts[k], n)
		}
	}
}

func TestDeletePeer(t *testing.T) {
	db := openTest(t)
	s := NewPeerStore(db)

	if err := s.Upsert(testPeer("aaaa")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete("aaaa"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetByKey("aaaa"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("err = %v, want ErrPeerNotFound", err)
	}
	if err := s.Delete("aaaa"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("double delete err = %v, want ErrPeerNotFound", err)
	}
}

func TestGetAllJoinsCounts(t *testing.T) {
	db := openTest(t)
	peers := NewPeerStore(db)
	sessions := NewProviderSessionStore(db)

	if err := peers.Upsert(testPeer("aaaa")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	id, err := sessions.Start("aaaa")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sessions.AddMetrics(id, []byte(`{"tokens":10}`)); err != nil {
		t.Fatalf("AddMetrics: %v", err)
	}
	if err := sessions.AddMetrics(id, []byte(`{"tokens":20}`)); err != nil {
		t.Fatalf("AddMetrics: %v", err)
	}

	all, err := peers.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d peers, want 1", len(all))
	}
	if all[0].SessionCount != 1 || all[0].MetricCount != 2 {
		t.Errorf("sessions=%d metrics=%d, want 1/2", all[0].SessionCount, all[0].MetricCount)
	}
}

func TestSetHealthy(t *testing.T) {
	db := openTest(t)
	s := NewPeerStore(db)

	if err := s.Upsert(testPeer("aaaa")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.SetHealthy("aaaa", false); err != nil {
		t.Fatalf("SetHealthy: %v", err)
	}
	got, _ := s.GetByKey("aaaa")
	if got.Healthy {
		t.Error("peer should be unhealthy")
	}
}
