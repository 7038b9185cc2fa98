package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/blocksync/internal/sync"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is a cached collection value
type Record struct {
	Collection      string
	Key             string
	Data            json.RawMessage
	UpdatedAt       time.Time // last local modification
	Dirty           bool      // changed locally since last push
	RemoteUpdatedAt int64     // envelope timestamp of the last applied remote value
	RemoteDeviceID  string
}

const recordColumns = `collection, key, data, updated_at, dirty, remote_updated_at, remote_device_id`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var r Record
	var data string
	var updatedAt int64
	var dirty int
	if err := row.Scan(&r.Collection, &r.Key, &data, &updatedAt, &dirty, &r.RemoteUpdatedAt, &r.RemoteDeviceID); err != nil {
		return r, err
	}
	r.Data = json.RawMessage(data)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	r.Dirty = dirty != 0
	return r, nil
}

// Get returns one record
func (db *DB) Get(collection, key string) (Record, error) {
	row := db.conn.QueryRow(`SELECT `+recordColumns+` FROM records WHERE collection = ? AND key = ?`, collection, key)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return r, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// Put stores a local change and marks it dirty
func (db *DB) Put(collection, key string, data any) (Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s: %w", collection, err)
	}
	if r, ok := data.(json.RawMessage); ok {
		raw = r
	}
	now := db.now()
	err = db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO records (collection, key, data, updated_at, dirty)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(collection, key) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at,
				dirty = 1
		`, collection, key, string(raw), now.UnixMilli())
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return Record{Collection: collection, Key: key, Data: raw, UpdatedAt: time.UnixMilli(now.UnixMilli()), Dirty: true}, nil
}

// List returns records of a collection with key >= sinceKey, ordered by key
func (db *DB) List(collection, sinceKey string) ([]Record, error) {
	rows, err := db.conn.Query(`
		SELECT `+recordColumns+` FROM records
		WHERE collection = ? AND key >= ?
		ORDER BY key ASC
	`, collection, sinceKey)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Dirty returns every record changed locally since its last push, oldest
// change first
func (db *DB) Dirty() ([]Record, error) {
	rows, err := db.conn.Query(`
		SELECT ` + recordColumns + ` FROM records
		WHERE dirty = 1
		ORDER BY updated_at ASC, collection ASC, key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list dirty: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkClean clears the dirty flag if the record has not changed since
// updatedAt. It reports whether the flag was cleared.
func (db *DB) MarkClean(collection, key string, updatedAt time.Time) (bool, error) {
	var n int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`
			UPDATE records SET dirty = 0
			WHERE collection = ? AND key = ? AND updated_at = ?
		`, collection, key, updatedAt.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark clean %s/%s: %w", collection, key, err)
	}
	return n > 0, nil
}

// Delete removes a record
func (db *DB) Delete(collection, key string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key)
		return err
	})
}

// ApplyRemoteUpdate stores data received from the remote store as a clean
// record. Records with unpushed local changes are left alone; their next push
// resolves the conflict.
func (db *DB) ApplyRemoteUpdate(ctx context.Context, s sync.Strategy, key string, data json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := db.now().UnixMilli()
	var applied bool
	err := db.withWriteLock(func() error {
		res, err := db.conn.ExecContext(ctx, `
			INSERT INTO records (collection, key, data, updated_at, dirty)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(collection, key) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at
			WHERE records.dirty = 0
		`, s.Collection, key, string(data), now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		applied = n > 0
		return err
	})
	if err != nil {
		return fmt.Errorf("apply %s/%s: %w", s.Collection, key, err)
	}
	if !applied {
		slog.Debug("apply remote: local changes pending, skipped", "collection", s.Collection, "key", key)
	}
	return nil
}

// SetRemoteMeta records the envelope metadata last seen for a record.
func (db *DB) SetRemoteMeta(collection, key string, updatedAt int64, deviceID string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			UPDATE records SET remote_updated_at = ?, remote_device_id = ?
			WHERE collection = ? AND key = ?
		`, updatedAt, deviceID, collection, key)
		return err
	})
}

// Count returns record totals: all records and dirty ones.
func (db *DB) Count() (total, dirty int, err error) {
	err = db.conn.QueryRow(`SELECT COUNT(*), COALESCE(SUM(dirty), 0) FROM records`).Scan(&total, &dirty)
	if err != nil {
		return 0, 0, fmt.Errorf("count records: %w", err)
	}
	return total, dirty, nil
}
