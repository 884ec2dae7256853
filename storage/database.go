package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "connectd.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS trusted_devices (
  device_id               TEXT PRIMARY KEY,
  device_name             TEXT NOT NULL,
  device_type             TEXT NOT NULL DEFAULT 'unknown',
  certificate_fingerprint TEXT NOT NULL,
  certificate_pem         TEXT NOT NULL DEFAULT '',
  paired_timestamp        INTEGER NOT NULL,
  last_seen_timestamp     INTEGER,
  last_known_ip           TEXT,
  last_known_port         INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  device_id  TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_device
ON security_events (device_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id        TEXT PRIMARY KEY,
  device_id          TEXT NOT NULL,
  direction          TEXT NOT NULL CHECK(direction IN ('send','receive')),
  filename           TEXT NOT NULL,
  filesize           INTEGER NOT NULL,
  bytes_transferred  INTEGER NOT NULL DEFAULT 0,
  stored_path        TEXT NOT NULL DEFAULT '',
  transfer_status    TEXT NOT NULL CHECK(transfer_status IN ('pending','active','complete','failed','cancelled')) DEFAULT 'pending',
  error_message      TEXT NOT NULL DEFAULT '',
  created_timestamp  INTEGER NOT NULL,
  updated_timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_device_time
ON transfers (device_id, created_timestamp DESC, transfer_id);
`,
}

// Store owns the SQLite handle shared by the trust store, the security log
// and the transfer history.
type Store struct {
	db *sql.DB

	securityEventRetention time.Duration

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
	closeOnce       sync.Once
}

// Open opens (or creates) connectd.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	// go-sqlite3 applies these pragmas to every pooled connection.
	dsn := "file:" + filepath.ToSlash(dbPath) + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		securityEventRetention: DefaultSecurityEventRetention,
		stopMaintenance:        make(chan struct{}),
		maintenanceDone:        make(chan struct{}),
	}
	for _, step := range []func() error{store.verifyJournalMode, store.migrate, store.truncateWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	go store.maintain(DefaultWALCheckpointInterval)
	return store, nil
}

// Close stops background maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stopMaintenance)
		<-s.maintenanceDone
		err = s.db.Close()
	})
	return err
}

func (s *Store) verifyJournalMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite journal mode is %q, want wal", mode)
	}
	return nil
}

// migrate applies every pending migration, each in its own transaction
// together with the user_version bump that records it.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for next := version; next < len(migrations); next++ {
		if err := s.applyMigration(next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(index int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", index+1, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migrations[index]); err != nil {
		return fmt.Errorf("apply migration %d: %w", index+1, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", index+1)); err != nil {
		return fmt.Errorf("record schema version %d: %w", index+1, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", index+1, err)
	}
	return nil
}

func (s *Store) truncateWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	return nil
}

// maintain truncates the WAL on every tick until Close.
func (s *Store) maintain(interval time.Duration) {
	defer close(s.maintenanceDone)
	if interval <= 0 {
		<-s.stopMaintenance
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.truncateWAL()
		case <-s.stopMaintenance:
			return
		}
	}
}
