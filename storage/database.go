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
	// DefaultDBFileName is the per-user SQLite filename.
	DefaultDBFileName = "conversations.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 6 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  id         TEXT PRIMARY KEY,
  payload    TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS left_conversations (
  conversation_id TEXT PRIMARY KEY,
  left_at         INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  conversation_id TEXT NOT NULL,
  message_id      TEXT NOT NULL,
  timestamp       INTEGER NOT NULL,
  payload         TEXT NOT NULL,
  PRIMARY KEY (conversation_id, message_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, timestamp);
`,
	`
CREATE TABLE IF NOT EXISTS sync_states (
  conversation_id     TEXT PRIMARY KEY,
  local_length        INTEGER NOT NULL DEFAULT 0,
  remote_length       INTEGER NOT NULL DEFAULT 0,
  last_sync_timestamp INTEGER NOT NULL DEFAULT 0,
  status              TEXT CHECK(status IN ('offline','syncing','synced')) DEFAULT 'offline'
);
`,
}

// database is a thin wrapper around one user's SQLite connection.
type database struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// openDatabase opens (or creates) the SQLite file in dir and runs migrations.
func openDatabase(dir string) (*database, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dir, DefaultDBFileName)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	d := &database{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := d.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := d.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	d.startWALCheckpointLoop()

	return d, nil
}

// Close stops the checkpoint loop and closes the connection.
func (d *database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	var closeErr error
	d.closeOnce.Do(func() {
		close(d.walCheckpointStop)
		d.walCheckpointWG.Wait()
		_ = d.checkpointWAL()
		closeErr = d.db.Close()
	})
	return closeErr
}

func (d *database) applyMigrations() error {
	var version int
	if err := d.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (d *database) enableWALMode() error {
	var journalMode string
	if err := d.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (d *database) checkpointWAL() error {
	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (d *database) startWALCheckpointLoop() {
	interval := d.walCheckpointInterval
	if interval <= 0 {
		return
	}

	d.walCheckpointWG.Add(1)
	go func() {
		defer d.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = d.checkpointWAL()
			case <-d.walCheckpointStop:
				return
			}
		}
	}()
}
