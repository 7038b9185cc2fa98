package localdb

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName   = "db.lock"
	defaultTimeout = 500 * time.Millisecond
	retryDelay     = 10 * time.Millisecond
)

// withWriteLock executes fn while holding an exclusive cross-process lock on
// the data directory. The CLI and the autosync daemon write the same file.
func (db *DB) withWriteLock(fn func() error) error {
	lock := flock.New(filepath.Join(db.dir, lockFileName))
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	ok, err := lock.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("write lock timeout after %v", defaultTimeout)
	}
	defer lock.Unlock()
	return fn()
}
