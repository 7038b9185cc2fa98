// Package synclog persists sync engine log entries to the local database
// and mirrors them to slog.
package synclog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/marcus/blocksync/internal/localdb"
	"github.com/marcus/blocksync/internal/sync"
)

// DefaultMaxRows bounds the persisted log.
const DefaultMaxRows = 5000

// pruneEvery is how many inserts happen between prunes.
const pruneEvery = 200

// Store is the persistence the sink writes to.
type Store interface {
	InsertSyncLog(e localdb.SyncLogEntry) (int64, error)
	PruneSyncLog(maxRows int) (int64, error)
}

// Sink implements sync.LogSink.
type Sink struct {
	store    Store
	logger   *slog.Logger
	minLevel sync.Level
	maxRows  int

	mu       gosync.Mutex
	inserted int
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger mirrors entries to logger instead of slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithMinLevel drops persisted entries below level. Mirrored output is
// filtered by the logger's own handler.
func WithMinLevel(level sync.Level) Option {
	return func(s *Sink) { s.minLevel = level }
}

// WithMaxRows sets how many rows the sink keeps.
func WithMaxRows(n int) Option {
	return func(s *Sink) { s.maxRows = n }
}

// New creates a sink writing to store. A nil store only mirrors to slog.
func New(store Store, opts ...Option) *Sink {
	s := &Sink{store: store, minLevel: sync.LevelDebug, maxRows: DefaultMaxRows}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

var _ sync.LogSink = (*Sink)(nil)

var levelRank = map[sync.Level]int{
	sync.LevelDebug: 0,
	sync.LevelInfo:  1,
	sync.LevelWarn:  2,
	sync.LevelError: 3,
}

// AddSyncLog records one entry. Persistence failures are reported to slog
// and otherwise swallowed so logging never breaks a sync.
func (s *Sink) AddSyncLog(channel string, level sync.Level, msg string, meta map[string]any, err error) {
	attrs := make([]any, 0, 2*len(meta)+4)
	attrs = append(attrs, "channel", channel)
	for k, v := range meta {
		attrs = append(attrs, k, v)
	}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	s.logger.Log(context.Background(), level.SlogLevel(), msg, attrs...)

	if s.store == nil || levelRank[level] < levelRank[s.minLevel] {
		return
	}
	entry := localdb.SyncLogEntry{
		Channel: channel,
		Level:   string(level),
		Message: msg,
		Meta:    encodable(meta),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if _, ierr := s.store.InsertSyncLog(entry); ierr != nil {
		s.logger.Warn("sync log: persist failed", "err", ierr)
		return
	}
	s.maybePrune()
}

func (s *Sink) maybePrune() {
	s.mu.Lock()
	s.inserted++
	due := s.inserted%pruneEvery == 0
	s.mu.Unlock()
	if !due || s.maxRows <= 0 {
		return
	}
	if _, err := s.store.PruneSyncLog(s.maxRows); err != nil {
		s.logger.Warn("sync log: prune failed", "err", err)
	}
}

// encodable replaces values json cannot encode with their string form.
func encodable(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch tv := v.(type) {
		case error:
			out[k] = tv.Error()
		case fmt.Stringer:
			out[k] = tv.String()
		default:
			if _, err := json.Marshal(v); err != nil {
				out[k] = fmt.Sprint(v)
			} else {
				out[k] = v
			}
		}
	}
	return out
}
