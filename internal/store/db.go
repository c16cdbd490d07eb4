// Package store is the hub's persistence layer: a SQLite database accessed
// through sqlx, with ordered migrations and busy-retry on contended writes.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	// Transient SQLITE_BUSY errors are retried with exponential backoff.
	retryAttempts = 5
	retryBaseWait = 100 * time.Millisecond
)

// DB wraps the shared sqlx handle. One pool is passed explicitly into every
// repository; writers serialise at the store layer.
type DB struct {
	*sqlx.DB
}

// Open creates the data directory if needed, opens the SQLite database in
// WAL mode with a large mmap for read concurrency, and applies pending
// migrations in ascending id order.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, "symmetry.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// 256 MB mmap: readers bypass the page cache, writers still serialise
	// through WAL.
	if _, err := db.Exec("PRAGMA mmap_size = 268435456"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set mmap_size: %w", err)
	}

	d := &DB{DB: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database opened", "path", path)
	return d, nil
}

// isBusy reports whether err is a transient SQLite contention error.
func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs op, retrying transient busy errors with exponential
// backoff (100 ms doubling per attempt). Persistent failures propagate.
func withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = op()
		if err == nil || !isBusy(err) {
			return err
		}
		wait := retryBaseWait << attempt
		slog.Warn("database busy, retrying", "attempt", attempt+1, "wait", wait)
		time.Sleep(wait)
	}
	return err
}
