package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/symmetrynet/symmetry-hub/internal/store"
)

// captureExit overrides the package-level osExit variable so that calls to
// osExit inside fn are intercepted. It returns the exit code and whether
// osExit was actually called. The replacement panics with exitSentinel to
// unwind the stack at the call site, the way a real os.Exit would halt.
func captureExit(fn func()) (code int, exited bool) {
	old := osExit
	defer func() { osExit = old }()

	osExit = func(c int) {
		panic(exitSentinel(c))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(exitSentinel); ok {
					code = int(s)
					exited = true
				} else {
					panic(r)
				}
			}
		}()
		fn()
	}()
	return code, exited
}

// writeTestConfig creates a valid 0600 config file plus data dir and
// returns the config path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "server.yaml")
	content := fmt.Sprintf(`path: %s
publicKey: %s
privateKey: %s
allowedOrigins:
  - "*"
apiPort: 8765
`, filepath.Join(dir, "data"), hex.EncodeToString(pub), hex.EncodeToString(priv))
	if err := os.WriteFile(cfgPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestUnknownCommandExits(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"symmetry-hub", "bogus"}

	code, exited := captureExit(main)
	if !exited || code != 1 {
		t.Fatalf("exited=%v code=%d, want exit 1", exited, code)
	}
}

func TestDeletePeerRemovesRow(t *testing.T) {
	cfgPath := writeTestConfig(t)

	// Seed a peer the command can delete.
	dataDir := filepath.Join(filepath.Dir(cfgPath), "data")
	db, err := store.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	peers := store.NewPeerStore(db)
	if err := peers.Upsert(&store.Peer{
		Key:          "deadbeef",
		DiscoveryKey: "disc-deadbeef",
		ModelName:    "m",
	}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if err := doDeletePeer(cfgPath, "deadbeef"); err != nil {
		t.Fatalf("delete-peer: %v", err)
	}

	db, err = store.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := store.NewPeerStore(db).GetByKey("deadbeef"); err == nil {
		t.Fatal("peer row should be gone")
	}
}

func TestDeletePeerAbsentIsNotAnError(t *testing.T) {
	cfgPath := writeTestConfig(t)
	if err := doDeletePeer(cfgPath, "no-such-peer"); err != nil {
		t.Fatalf("absent peer should not error: %v", err)
	}
}

func TestDeletePeerMissingArgExits(t *testing.T) {
	code, exited := captureExit(func() {
		runDeletePeer(nil)
	})
	if !exited || code != 1 {
		t.Fatalf("exited=%v code=%d, want exit 1", exited, code)
	}
}

func TestDeletePeerBadConfigFails(t *testing.T) {
	err := doDeletePeer(filepath.Join(t.TempDir(), "missing.yaml"), "key")
	if err == nil {
		t.Fatal("expected error for missing config")
	}
}
