// Package localdb is the on-device cache of synced collections. It records
// which rows changed locally since their last push and keeps a sync log.
package localdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbFile = "blocksync.db"

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	dir  string
	now  func() time.Time
}

// Open opens (creating if needed) the database in dir and runs migrations
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	conn, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	db := &DB{conn: conn, dir: dir, now: time.Now}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dir returns the data directory
func (db *DB) Dir() string {
	return db.dir
}

// Path returns the database file path
func (db *DB) Path() string {
	return filepath.Join(db.dir, dbFile)
}

// SetClock overrides the wall clock used for record timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Table might not exist yet
		return 0, nil
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// RunMigrations creates the schema and applies pending migrations
func (db *DB) RunMigrations() (int, error) {
	current, _ := db.GetSchemaVersion()
	if current >= SchemaVersion {
		return 0, nil
	}

	var run int
	err := db.withWriteLock(func() error {
		if _, err := db.conn.Exec(schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		current, err := db.GetSchemaVersion()
		if err != nil {
			return fmt.Errorf("get schema version: %w", err)
		}
		if current == 0 {
			current = 1
		}
		for _, m := range Migrations {
			if m.Version <= current {
				continue
			}
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := db.setSchemaVersion(m.Version); err != nil {
				return fmt.Errorf("set version %d: %w", m.Version, err)
			}
			run++
		}
		return db.setSchemaVersion(SchemaVersion)
	})
	return run, err
}
