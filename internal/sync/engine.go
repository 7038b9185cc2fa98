package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/marcus/blocksync/internal/remote"
)

// Applier writes remote data into the local cache.
type Applier interface {
	ApplyRemoteUpdate(ctx context.Context, s Strategy, key string, data json.RawMessage) error
}

// Clock yields server-derived timestamps in milliseconds.
type Clock interface {
	NowMillis() int64
}

type localClock struct{}

func (localClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Options configures an Engine.
type Options struct {
	Store      remote.Store // nil runs in local-only mode
	UserID     string
	DeviceID   string
	Clock      Clock   // default: local wall clock
	Log        LogSink // default: slog
	Applier    Applier // receives merge results that differ from local data
	MaxRetries int     // default 3
	Retry      RetryConfig
}

// Engine pushes local snapshots to the remote store, fetches remote
// snapshots and listens for remote changes.
type Engine struct {
	store      remote.Store
	userID     string
	deviceID   string
	clock      Clock
	log        LogSink
	applier    Applier
	maxRetries int
	retry      *RetryQueue

	mu      gosync.Mutex
	hashes  map[string]uint64
	onError ErrorCallback
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = localClock{}
	}
	if opts.Log == nil {
		opts.Log = slogSink{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	e := &Engine{
		store:      opts.Store,
		userID:     opts.UserID,
		deviceID:   opts.DeviceID,
		clock:      opts.Clock,
		log:        opts.Log,
		applier:    opts.Applier,
		maxRetries: opts.MaxRetries,
		retry:      NewRetryQueue(opts.Retry),
		hashes:     make(map[string]uint64),
	}
	e.retry.SetErrorCallback(e.retryFailed)
	return e
}

// DeviceID returns the local device id.
func (e *Engine) DeviceID() string { return e.deviceID }

// UserID returns the user whose tree the engine syncs.
func (e *Engine) UserID() string { return e.userID }

// RetryQueue returns the engine's retry queue.
func (e *Engine) RetryQueue() *RetryQueue { return e.retry }

// Queued reports whether a failed push for (s, key) awaits retry.
func (e *Engine) Queued(s Strategy, key string) bool {
	return e.retry.Has(syncID(s, key))
}

// Available reports whether a remote store is configured and reachable.
func (e *Engine) Available() bool {
	return e.store != nil && e.store.Available()
}

// SetErrorCallback installs the callback invoked after every failed retry.
// Last writer wins.
func (e *Engine) SetErrorCallback(cb ErrorCallback) {
	e.mu.Lock()
	e.onError = cb
	e.mu.Unlock()
}

// SetApplier replaces the applier that receives merge results.
func (e *Engine) SetApplier(a Applier) {
	e.mu.Lock()
	e.applier = a
	e.mu.Unlock()
}

// ClearRetryQueue drops queued writes and stops their timers.
func (e *Engine) ClearRetryQueue() {
	e.retry.Clear()
}

// ResetHashes forgets every recorded fingerprint so the next push of each
// collection goes to the remote store.
func (e *Engine) ResetHashes() {
	e.mu.Lock()
	e.hashes = make(map[string]uint64)
	e.mu.Unlock()
}

func (e *Engine) retryFailed(id string, err error, willRetry bool) {
	level := LevelWarn
	msg := "retry failed, will retry"
	if !willRetry {
		level = LevelError
		msg = "retry exhausted, dropping write"
	}
	e.log.AddSyncLog(ChannelRetry, level, msg, map[string]any{"id": id}, err)

	e.mu.Lock()
	cb := e.onError
	e.mu.Unlock()
	if cb != nil {
		cb(id, err, willRetry)
	}
}

func syncID(s Strategy, key string) string {
	if key == "" {
		return s.Collection
	}
	return s.Collection + "/" + key
}

func (e *Engine) lastHash(id string) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hashes[id]
	return h, ok
}

func (e *Engine) remember(id string, h uint64) {
	e.mu.Lock()
	e.hashes[id] = h
	e.mu.Unlock()
}

// Push writes data to the remote store for (s, key) unless it is unchanged
// since the last sync or the remote copy is newer. Transient failures are
// logged and queued for retry; the returned error is non-nil only for
// invalid strategies, keys or unencodable data.
func (e *Engine) Push(ctx context.Context, s Strategy, data any, key string) error {
	return e.push(ctx, s, data, key, 0)
}

// PushModified is Push for data last modified locally at modifiedAt
// (milliseconds). Conflict resolution compares the remote envelope against
// modifiedAt instead of the current time.
func (e *Engine) PushModified(ctx context.Context, s Strategy, data any, key string, modifiedAt int64) error {
	return e.push(ctx, s, data, key, modifiedAt)
}

func (e *Engine) push(ctx context.Context, s Strategy, data any, key string, modifiedAt int64) error {
	if err := s.CheckKey(key); err != nil {
		return err
	}
	if !e.Available() {
		return nil
	}
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	fp, err := Fingerprint(raw)
	if err != nil {
		return err
	}

	id := syncID(s, key)
	if last, ok := e.lastHash(id); ok && last == fp {
		e.log.AddSyncLog(ChannelPush, LevelDebug, "unchanged since last sync, skipping", map[string]any{"id": id}, nil)
		return nil
	}

	if err := e.write(ctx, s, key, raw, fp, modifiedAt); err != nil {
		e.log.AddSyncLog(ChannelPush, LevelWarn, "push failed, queued for retry", map[string]any{"id": id}, err)
		e.retry.Add(id, s, raw, key, func(ctx context.Context) error {
			return e.write(ctx, s, key, raw, fp, modifiedAt)
		}, e.maxRetries)
		e.retry.Schedule(id)
		return nil
	}
	// A fresh write supersedes any queued attempt.
	e.retry.Drop(id)
	return nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("push: data is not valid JSON")
		}
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("push: marshal data: %w", err)
		}
		return b, nil
	}
}

// write performs one fetch, resolve and write cycle.
func (e *Engine) write(ctx context.Context, s Strategy, key string, raw json.RawMessage, fp uint64, modifiedAt int64) error {
	id := syncID(s, key)
	path := s.Path(e.userID, key)
	meta := map[string]any{"id": id}

	cur, err := e.store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}

	now := e.clock.NowMillis()
	proposedAt := modifiedAt
	if proposedAt == 0 {
		proposedAt = now
	}
	out := raw
	merged := false
	var remoteAt int64

	if cur != nil {
		remoteEnv, err := DecodeEnvelope(cur)
		if err != nil {
			e.log.AddSyncLog(ChannelPush, LevelWarn, "remote value unreadable, overwriting", meta, err)
		} else {
			remoteAt = remoteEnv.UpdatedAt
			if sameContent(remoteEnv.Data, raw) {
				e.remember(id, fp)
				e.log.AddSyncLog(ChannelPush, LevelDebug, "remote already has this content", meta, nil)
				return nil
			}
			local := RawEnvelope{Data: raw, UpdatedAt: proposedAt, DeviceID: e.deviceID}
			if s.Kind == KindLWW {
				if winner := ResolveLWW(local, remoteEnv); winner.UpdatedAt != local.UpdatedAt {
					meta["remote_updated_at"] = remoteEnv.UpdatedAt
					meta["local_updated_at"] = proposedAt
					e.log.AddSyncLog(ChannelPush, LevelInfo, "remote is newer, skipping write", meta, nil)
					e.applyLocal(ctx, s, key, remoteEnv.Data)
					return nil
				}
			} else {
				res, err := s.Resolve(local, remoteEnv)
				if err != nil {
					return fmt.Errorf("merge %s: %w", id, err)
				}
				if sameContent(res.Data, remoteEnv.Data) {
					e.remember(id, fp)
					e.log.AddSyncLog(ChannelPush, LevelDebug, "remote already contains local changes", meta, nil)
					e.applyLocal(ctx, s, key, res.Data)
					return nil
				}
				out = res.Data
				merged = !sameContent(res.Data, raw)
			}
		}
	}

	// Timestamps at a path never move backwards.
	env := RawEnvelope{Data: out, UpdatedAt: max(now, remoteAt), DeviceID: e.deviceID}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := e.store.Set(ctx, path, b); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	e.remember(id, fp)
	meta["updated_at"] = env.UpdatedAt
	meta["merged"] = merged
	e.log.AddSyncLog(ChannelPush, LevelInfo, "pushed", meta, nil)
	if merged {
		e.applyLocal(ctx, s, key, out)
	}
	return nil
}

func (e *Engine) applyLocal(ctx context.Context, s Strategy, key string, data json.RawMessage) {
	e.mu.Lock()
	applier := e.applier
	e.mu.Unlock()
	if applier == nil {
		return
	}
	if err := applier.ApplyRemoteUpdate(ctx, s, key, data); err != nil {
		e.log.AddSyncLog(ChannelPush, LevelError, "apply merged data locally", map[string]any{"id": syncID(s, key)}, err)
	}
}

// FetchEnvelope returns the remote envelope for (s, key). It returns
// (nil, nil) when the store is unavailable, nothing is stored, or the read
// fails.
func (e *Engine) FetchEnvelope(ctx context.Context, s Strategy, key string) (*RawEnvelope, error) {
	if err := s.CheckKey(key); err != nil {
		return nil, err
	}
	if !e.Available() {
		return nil, nil
	}
	path := s.Path(e.userID, key)
	meta := map[string]any{"id": syncID(s, key)}
	b, err := e.store.Get(ctx, path)
	if err != nil {
		e.log.AddSyncLog(ChannelFetch, LevelWarn, "fetch failed", meta, err)
		return nil, nil
	}
	if b == nil {
		return nil, nil
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		e.log.AddSyncLog(ChannelFetch, LevelWarn, "remote value unreadable", meta, err)
		return nil, nil
	}
	return &env, nil
}

// Fetch returns the unwrapped remote data for (s, key), or nil.
func (e *Engine) Fetch(ctx context.Context, s Strategy, key string) (json.RawMessage, error) {
	env, err := e.FetchEnvelope(ctx, s, key)
	if err != nil || env == nil {
		return nil, err
	}
	return env.Data, nil
}

// FetchAs fetches and decodes remote data. It returns nil when Fetch would.
func FetchAs[T any](ctx context.Context, e *Engine, s Strategy, key string) (*T, error) {
	data, err := e.Fetch(ctx, s, key)
	if err != nil || data == nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		e.log.AddSyncLog(ChannelFetch, LevelWarn, "decode remote data", map[string]any{"id": syncID(s, key)}, err)
		return nil, nil
	}
	return &v, nil
}

// Listen calls onUpdate with the data of every remote change at (s, key)
// written by another device. The returned function detaches the listener;
// calling it again is a no-op.
func (e *Engine) Listen(s Strategy, key string, onUpdate func(json.RawMessage)) (remote.Unsubscribe, error) {
	if err := s.CheckKey(key); err != nil {
		return nil, err
	}
	if e.store == nil {
		return func() {}, nil
	}
	unsub := e.store.OnValue(s.Path(e.userID, key), func(b []byte) {
		if data, ok := e.unwrapRemote(ChannelListen, s, key, b); ok {
			onUpdate(data)
		}
	})
	return once(unsub), nil
}

// unwrapRemote decodes a remote envelope and drops self-echoes.
func (e *Engine) unwrapRemote(channel string, s Strategy, key string, b []byte) (json.RawMessage, bool) {
	if b == nil {
		return nil, false
	}
	id := syncID(s, key)
	env, err := DecodeEnvelope(b)
	if err != nil {
		e.log.AddSyncLog(channel, LevelWarn, "ignoring unreadable remote value", map[string]any{"id": id}, err)
		return nil, false
	}
	if env.DeviceID == e.deviceID {
		e.log.AddSyncLog(channel, LevelDebug, "self-echo suppressed", map[string]any{"id": id}, nil)
		return nil, false
	}
	if fp, err := Fingerprint(env.Data); err == nil {
		e.remember(id, fp)
	}
	return env.Data, true
}

func once(fn remote.Unsubscribe) remote.Unsubscribe {
	var o gosync.Once
	return func() {
		o.Do(func() {
			if fn != nil {
				fn()
			}
		})
	}
}
