// Package remote defines the key-value store the sync engine pushes to and
// listens on, plus an in-memory implementation.
package remote

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is returned by stores that are configured but cannot be
// reached at all.
var ErrUnavailable = errors.New("remote store unavailable")

// Unsubscribe detaches a listener. Implementations must tolerate repeated calls.
type Unsubscribe func()

// EventKind classifies a child event.
type EventKind string

const (
	ChildAdded   EventKind = "added"
	ChildChanged EventKind = "changed"
	ChildRemoved EventKind = "removed"
)

// ChildEvent is delivered to child listeners for each direct child of the
// watched path. Value is nil for removals.
type ChildEvent struct {
	Kind  EventKind
	Key   string
	Value []byte
}

// Store is a path-addressed JSON store with change listeners.
//
// Get returns (nil, nil) when no value exists at path. Listener callbacks
// fire once with the current state when attached, then on every change.
type Store interface {
	Available() bool
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	OnValue(path string, cb func(value []byte)) Unsubscribe
	OnChild(path string, cb func(ChildEvent)) Unsubscribe
	OnChildKeyRange(path, startAt string, cb func(ChildEvent)) Unsubscribe
}

// Join builds a slash separated path, skipping empty segments.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// Split returns the parent path and last segment of path.
func Split(path string) (parent, key string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// UserPath returns users/{userID}/{collection}[/{key}].
func UserPath(userID, collection, key string) string {
	return Join("users", userID, collection, key)
}
