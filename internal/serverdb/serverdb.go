// Package serverdb stores the server's JSON node tree and the devices that
// write to it.
package serverdb

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a node does not exist.
var ErrNotFound = errors.New("not found")

// Node is one stored value. Parent and Key split Path at its last slash.
type Node struct {
	Path      string
	Parent    string
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Device is a client that has written to a user's tree.
type Device struct {
	UserID      string
	DeviceID    string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// NodeStore is the server persistence used by the API.
type NodeStore interface {
	GetNode(ctx context.Context, path string) (*Node, error)
	// SetNode writes value at path, or deletes the node when value is nil.
	// It reports whether a node existed before the write.
	SetNode(ctx context.Context, path string, value []byte) (existed bool, err error)
	// ListChildren returns direct children of parent with key >= startAt,
	// ordered by key.
	ListChildren(ctx context.Context, parent, startAt string) ([]Node, error)
	TouchDevice(ctx context.Context, userID, deviceID string) error
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open picks an implementation from dsn: postgres URLs use Postgres,
// anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (NodeStore, error) {
	if IsPostgresURL(dsn) {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(dsn)
}

// IsPostgresURL reports whether dsn names a Postgres database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// splitPath returns the parent and key of a slash separated path.
func splitPath(path string) (parent, key string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
