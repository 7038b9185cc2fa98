package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a NodeStore backed by a single SQLite file.
type SQLite struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

var _ NodeStore = (*SQLite)(nil)

// OpenSQLite opens the server database and runs any pending migrations.
// If the database file does not exist, it is created and initialized.
func OpenSQLite(dbPath string) (*SQLite, error) {
	// Ensure directory exists
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	db, err := NewSQLite(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	db.path = dbPath
	return db, nil
}

// NewSQLite initializes the schema on an already open connection. The
// connection is limited to one open conn so in-memory databases stay shared.
func NewSQLite(conn *sql.DB) (*SQLite, error) {
	conn.SetMaxOpenConns(1)

	// Run schema
	if _, err := conn.Exec(serverSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &SQLite{conn: conn, now: time.Now}
	if _, err := db.RunMigrations(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// SetClock overrides the clock used for updated_at and device timestamps.
func (db *SQLite) SetClock(now func() time.Time) {
	db.now = now
}

// Ping checks the database connection is alive.
func (db *SQLite) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database connection.
func (db *SQLite) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// RunMigrations runs any pending database migrations.
func (db *SQLite) RunMigrations() (int, error) {
	currentVersion := db.getSchemaVersion()

	if currentVersion >= ServerSchemaVersion {
		return 0, nil
	}

	migrationsRun := 0
	for _, m := range Migrations {
		if m.Version > currentVersion {
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return migrationsRun, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := db.setSchemaVersion(m.Version); err != nil {
				return migrationsRun, fmt.Errorf("set version %d: %w", m.Version, err)
			}
			migrationsRun++
		}
	}

	// Set to current version if fresh DB
	if currentVersion == 0 {
		if err := db.setSchemaVersion(ServerSchemaVersion); err != nil {
			return migrationsRun, err
		}
	}

	return migrationsRun, nil
}

// SchemaVersion returns the recorded schema version.
func (db *SQLite) SchemaVersion() int {
	return db.getSchemaVersion()
}

func (db *SQLite) getSchemaVersion() int {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err != nil {
		return 0
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v
}

func (db *SQLite) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// GetNode returns the node at path or ErrNotFound.
func (db *SQLite) GetNode(ctx context.Context, path string) (*Node, error) {
	n := &Node{Path: path}
	var value string
	var updated int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT parent, key, value, updated_at FROM nodes WHERE path = ?`, path,
	).Scan(&n.Parent, &n.Key, &value, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	n.Value = []byte(value)
	n.UpdatedAt = time.UnixMilli(updated)
	return n, nil
}

// SetNode upserts or deletes the node at path.
func (db *SQLite) SetNode(ctx context.Context, path string, value []byte) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var one int
	existed := true
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE path = ?`, path).Scan(&one); err == sql.ErrNoRows {
		existed = false
	} else if err != nil {
		return false, fmt.Errorf("check node: %w", err)
	}

	if value == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE path = ?`, path); err != nil {
			return existed, fmt.Errorf("delete node: %w", err)
		}
	} else {
		parent, key := splitPath(path)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (path, parent, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, path, parent, key, string(value), db.now().UnixMilli())
		if err != nil {
			return existed, fmt.Errorf("set node: %w", err)
		}
	}
	return existed, tx.Commit()
}

// ListChildren returns the direct children of parent with key >= startAt.
func (db *SQLite) ListChildren(ctx context.Context, parent, startAt string) ([]Node, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT path, parent, key, value, updated_at FROM nodes
		WHERE parent = ? AND key >= ?
		ORDER BY key ASC
	`, parent, startAt)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		var value string
		var updated int64
		if err := rows.Scan(&n.Path, &n.Parent, &n.Key, &value, &updated); err != nil {
			return nil, err
		}
		n.Value = []byte(value)
		n.UpdatedAt = time.UnixMilli(updated)
		out = append(out, n)
	}
	return out, rows.Err()
}

// TouchDevice records that deviceID wrote for userID just now.
func (db *SQLite) TouchDevice(ctx context.Context, userID, deviceID string) error {
	now := db.now().UnixMilli()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO devices (user_id, device_id, first_seen_at, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, userID, deviceID, now, now)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// ListDevices returns a user's devices, most recently seen first.
func (db *SQLite) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id, device_id, first_seen_at, last_seen_at FROM devices
		WHERE user_id = ?
		ORDER BY last_seen_at DESC, device_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var first, last int64
		if err := rows.Scan(&d.UserID, &d.DeviceID, &first, &last); err != nil {
			return nil, err
		}
		d.FirstSeenAt = time.UnixMilli(first)
		d.LastSeenAt = time.UnixMilli(last)
		out = append(out, d)
	}
	return out, rows.Err()
}
