package serverdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a NodeStore backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ NodeStore = (*Postgres)(nil)

// OpenPostgres connects to databaseURL and runs pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	db := &Postgres{pool: pool, now: time.Now}
	if _, err := db.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// SetClock overrides the clock used for timestamps.
func (db *Postgres) SetClock(now func() time.Time) {
	db.now = now
}

// Ping checks the pool can reach the database.
func (db *Postgres) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close releases the pool.
func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}

// RunMigrations creates the schema and applies pending migrations.
func (db *Postgres) RunMigrations(ctx context.Context) (int, error) {
	if _, err := db.pool.Exec(ctx, serverSchema); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}
	current, err := db.schemaVersion(ctx)
	if err != nil {
		return 0, err
	}
	if current >= ServerSchemaVersion {
		return 0, nil
	}

	run := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if _, err := db.pool.Exec(ctx, m.SQL); err != nil {
			return run, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := db.setSchemaVersion(ctx, m.Version); err != nil {
			return run, fmt.Errorf("set version %d: %w", m.Version, err)
		}
		run++
	}
	if current == 0 {
		if err := db.setSchemaVersion(ctx, ServerSchemaVersion); err != nil {
			return run, err
		}
	}
	return run, nil
}

func (db *Postgres) schemaVersion(ctx context.Context) (int, error) {
	var v string
	err := db.pool.QueryRow(ctx, `SELECT value FROM schema_info WHERE key = 'version'`).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

func (db *Postgres) setSchemaVersion(ctx context.Context, version int) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO schema_info (key, value) VALUES ('version', $1)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(version))
	return err
}

// GetNode returns the node at path or ErrNotFound.
func (db *Postgres) GetNode(ctx context.Context, path string) (*Node, error) {
	n := &Node{Path: path}
	var value string
	var updated int64
	err := db.pool.QueryRow(ctx,
		`SELECT parent, key, value, updated_at FROM nodes WHERE path = $1`, path,
	).Scan(&n.Parent, &n.Key, &value, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	n.Value = []byte(value)
	n.UpdatedAt = time.UnixMilli(updated)
	return n, nil
}

// SetNode upserts or deletes the node at path in one transaction.
func (db *Postgres) SetNode(ctx context.Context, path string, value []byte) (bool, error) {
	var existed bool
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM nodes WHERE path = $1 FOR UPDATE`, path).Scan(&one)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			existed = false
		case err != nil:
			return fmt.Errorf("check node: %w", err)
		default:
			existed = true
		}
		if value == nil {
			_, err := tx.Exec(ctx, `DELETE FROM nodes WHERE path = $1`, path)
			return err
		}
		parent, key := splitPath(path)
		_, err = tx.Exec(ctx, `
			INSERT INTO nodes (path, parent, key, value, updated_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, path, parent, key, string(value), db.now().UnixMilli())
		return err
	})
	if err != nil {
		return existed, fmt.Errorf("set node: %w", err)
	}
	return existed, nil
}

// ListChildren returns the direct children of parent with key >= startAt.
func (db *Postgres) ListChildren(ctx context.Context, parent, startAt string) ([]Node, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT path, parent, key, value, updated_at FROM nodes
		WHERE parent = $1 AND key >= $2
		ORDER BY key COLLATE "C" ASC
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
func (db *Postgres) TouchDevice(ctx context.Context, userID, deviceID string) error {
	now := db.now().UnixMilli()
	_, err := db.pool.Exec(ctx, `
		INSERT INTO devices (user_id, device_id, first_seen_at, last_seen_at) VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, device_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, userID, deviceID, now)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// ListDevices returns a user's devices, most recently seen first.
func (db *Postgres) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT user_id, device_id, first_seen_at, last_seen_at FROM devices
		WHERE user_id = $1
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
