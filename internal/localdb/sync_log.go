package localdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SyncLogEntry represents a row from the sync_log table.
type SyncLogEntry struct {
	ID        int64
	Channel   string // "push", "fetch", "listen", "retry", "daemon"
	Level     string
	Message   string
	Meta      map[string]any
	Error     string
	CreatedAt time.Time
}

// InsertSyncLog appends an entry. Meta values must be JSON encodable.
func (db *DB) InsertSyncLog(e SyncLogEntry) (int64, error) {
	meta := ""
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return 0, fmt.Errorf("encode meta: %w", err)
		}
		meta = string(b)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = db.now()
	}
	res, err := db.conn.Exec(`
		INSERT INTO sync_log (channel, level, message, meta, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Channel, e.Level, e.Message, meta, e.Error, e.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert sync log: %w", err)
	}
	return res.LastInsertId()
}

func scanSyncLog(rows *sql.Rows) ([]SyncLogEntry, error) {
	var entries []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var meta string
		var created int64
		if err := rows.Scan(&e.ID, &e.Channel, &e.Level, &e.Message, &meta, &e.Error, &created); err != nil {
			return nil, err
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
				return nil, fmt.Errorf("decode meta for entry %d: %w", e.ID, err)
			}
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SyncLogTail returns the last N entries in chronological order (oldest first).
func (db *DB) SyncLogTail(limit int) ([]SyncLogEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, channel, level, message, meta, error, created_at
		FROM sync_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanSyncLog(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// SyncLogSince returns entries with id > afterID, ordered by id ASC, limited to limit.
// Used for follow-mode polling.
func (db *DB) SyncLogSince(afterID int64, limit int) ([]SyncLogEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, channel, level, message, meta, error, created_at
		FROM sync_log
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSyncLog(rows)
}

// PruneSyncLog deletes rows not in the newest maxRows entries.
func (db *DB) PruneSyncLog(maxRows int) (int64, error) {
	res, err := db.conn.Exec(`
		DELETE FROM sync_log WHERE id NOT IN (
			SELECT id FROM sync_log ORDER BY id DESC LIMIT ?
		)
	`, maxRows)
	if err != nil {
		return 0, fmt.Errorf("prune sync log: %w", err)
	}
	return res.RowsAffected()
}
