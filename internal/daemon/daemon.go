// Package daemon runs background sync for one data directory: it pushes
// dirty local records when the cache changes and applies remote updates as
// they stream in.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/blocksync/internal/localdb"
	"github.com/marcus/blocksync/internal/sync"
)

const lockFileName = "daemon.lock"

// ErrAlreadyRunning is returned by Run when another daemon holds the lock
// for the same data directory.
var ErrAlreadyRunning = errors.New("daemon already running for this data directory")

// Config holds daemon timing.
type Config struct {
	// Debounce batches bursts of local writes into one push.
	Debounce time.Duration
	// Interval between full pushes of dirty records. Zero disables them.
	Interval time.Duration
	// Strategies to push and listen to. Empty means all predefined ones.
	Strategies []sync.Strategy
	Logger     *slog.Logger
}

// PushResult counts the outcome of one PushDirty pass.
type PushResult struct {
	Pushed  int // written (or already current) and marked clean
	Queued  int // failed and waiting in the retry queue
	Changed int // modified locally during the push, left dirty
	Skipped int // unknown collection
}

// Daemon pushes dirty records from a local cache and attaches the listener
// registry with the cache as applier.
type Daemon struct {
	db       *localdb.DB
	engine   *sync.Engine
	registry *sync.Registry
	cfg      Config
	log      *slog.Logger

	pushMu gosync.Mutex // one PushDirty at a time

	mu       gosync.Mutex
	inflight map[string]bool
	merged   map[string]json.RawMessage
}

// New creates a daemon and installs it as the engine's applier, so merge
// results produced by a push reach the cache once the record is clean.
func New(db *localdb.DB, engine *sync.Engine, registry *sync.Registry, cfg Config) *Daemon {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = sync.Strategies()
	}
	d := &Daemon{
		db:       db,
		engine:   engine,
		registry: registry,
		cfg:      cfg,
		log:      cfg.Logger,
		inflight: make(map[string]bool),
		merged:   make(map[string]json.RawMessage),
	}
	engine.SetApplier(d)
	return d
}

func recordID(collection, key string) string {
	if key == "" {
		return collection
	}
	return collection + "/" + key
}

// ApplyRemoteUpdate implements sync.Applier. Merge results for records that
// are being pushed are held until the record has been marked clean.
func (d *Daemon) ApplyRemoteUpdate(ctx context.Context, s sync.Strategy, key string, data json.RawMessage) error {
	id := recordID(s.Collection, key)
	d.mu.Lock()
	if d.inflight[id] {
		d.merged[id] = append(json.RawMessage(nil), data...)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.db.ApplyRemoteUpdate(ctx, s, key, data)
}

// PushDirty pushes every dirty record and marks the ones that reached the
// remote store clean.
func (d *Daemon) PushDirty(ctx context.Context) (PushResult, error) {
	d.pushMu.Lock()
	defer d.pushMu.Unlock()

	if !d.engine.Available() {
		return PushResult{}, nil
	}
	records, err := d.db.Dirty()
	if err != nil {
		return PushResult{}, err
	}
	return d.pushLocked(ctx, records)
}

// PushRecords pushes the given records whether or not they are dirty and
// marks the ones that reached the remote store clean.
func (d *Daemon) PushRecords(ctx context.Context, records []localdb.Record) (PushResult, error) {
	d.pushMu.Lock()
	defer d.pushMu.Unlock()

	if !d.engine.Available() {
		return PushResult{}, nil
	}
	return d.pushLocked(ctx, records)
}

func (d *Daemon) pushLocked(ctx context.Context, records []localdb.Record) (PushResult, error) {
	var res PushResult
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s, ok := d.lookup(rec.Collection)
		if !ok {
			res.Skipped++
			continue
		}
		id := recordID(rec.Collection, rec.Key)
		d.mu.Lock()
		d.inflight[id] = true
		d.mu.Unlock()

		err := d.engine.PushModified(ctx, s, rec.Data, rec.Key, rec.UpdatedAt.UnixMilli())

		d.mu.Lock()
		delete(d.inflight, id)
		merged, hasMerged := d.merged[id]
		delete(d.merged, id)
		d.mu.Unlock()

		if err != nil {
			d.log.Warn("push record", "id", id, "err", err)
			res.Skipped++
			continue
		}
		if d.engine.Queued(s, rec.Key) {
			res.Queued++
			continue
		}
		cleaned, err := d.db.MarkClean(rec.Collection, rec.Key, rec.UpdatedAt)
		if err != nil {
			return res, err
		}
		if !cleaned {
			res.Changed++
			continue
		}
		res.Pushed++
		if hasMerged {
			if err := d.db.ApplyRemoteUpdate(ctx, s, rec.Key, merged); err != nil {
				d.log.Warn("apply merged record", "id", id, "err", err)
			}
		}
	}
	if len(records) > 0 {
		d.log.Debug("pushed records", "pushed", res.Pushed, "queued", res.Queued, "changed", res.Changed, "skipped", res.Skipped)
	}
	return res, nil
}

func (d *Daemon) lookup(collection string) (sync.Strategy, bool) {
	for _, s := range d.cfg.Strategies {
		if s.Collection == collection {
			return s, true
		}
	}
	return sync.Strategy{}, false
}

// Run holds the data directory lock, pushes dirty records, attaches remote
// listeners and then pushes again on every debounced local change and on
// the configured interval. It returns when ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	lock := flock.New(filepath.Join(d.db.Dir(), lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = lock.Unlock() }()

	// Writes queued in memory by an earlier process were lost with it;
	// dirty rows are the durable record of them.
	if _, err := d.PushDirty(ctx); err != nil && ctx.Err() == nil {
		d.log.Warn("initial push", "err", err)
	}

	detach, err := d.registry.AttachAll(ctx, d.db, d.cfg.Strategies...)
	if err != nil {
		return fmt.Errorf("attach listeners: %w", err)
	}
	defer detach()
	d.log.Info("daemon started", "dir", d.db.Dir(), "listeners", d.registry.Attached())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.db.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", d.db.Dir(), err)
	}

	g, ctx := errgroup.WithContext(ctx)
	trigger := make(chan struct{}, 1)
	g.Go(func() error { return d.watchLoop(ctx, watcher, trigger) })
	g.Go(func() error { return d.pushLoop(ctx, trigger) })

	err = g.Wait()
	d.log.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// isCacheFile reports whether name is the cache database or its WAL.
func isCacheFile(dbPath, name string) bool {
	return name == dbPath || name == dbPath+"-wal"
}

// watchLoop turns cache file events into debounced push triggers.
func (d *Daemon) watchLoop(ctx context.Context, w *fsnotify.Watcher, trigger chan<- struct{}) error {
	dbPath := filepath.Clean(d.db.Path())
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !isCacheFile(dbPath, filepath.Clean(ev.Name)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(d.cfg.Debounce)
			} else {
				timer.Reset(d.cfg.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			select {
			case trigger <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("watcher error", "err", err)
		}
	}
}

// pushLoop pushes on triggers and on the periodic interval.
func (d *Daemon) pushLoop(ctx context.Context, trigger <-chan struct{}) error {
	var tick <-chan time.Time
	if d.cfg.Interval > 0 {
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trigger:
		case <-tick:
			d.engine.RetryQueue().Flush(ctx)
		}
		if _, err := d.PushDirty(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("push dirty", "err", err)
		}
	}
}

// Running reports whether a daemon holds the lock for dir.
func Running(dir string) bool {
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return false
	}
	if locked {
		_ = lock.Unlock()
		return false
	}
	return true
}

// LogWriter returns the destination for daemon logs: a size-rotated file
// when path is set, stderr otherwise.
func LogWriter(path string) io.WriteCloser {
	if strings.TrimSpace(path) == "" {
		return nopCloser{os.Stderr}
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
