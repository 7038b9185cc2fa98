package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/marcus/blocksync/internal/datekey"
	"github.com/marcus/blocksync/internal/remote"
)

// DefaultLookbackDays bounds date-keyed subscriptions when none is configured.
const DefaultLookbackDays = 7

// StartAtKey returns the first date key a range-limited listener should see.
func StartAtKey(now time.Time, lookbackDays int) string {
	return datekey.Lookback(now, lookbackDays)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	LookbackDays int
	Now          func() time.Time
}

// Registry attaches remote listeners shaped to each collection's layout:
// whole-node listeners for single nodes, child listeners for lists, and
// child listeners restricted to a trailing date window for date-keyed
// collections. It does not dedupe; attaching the same path twice yields two
// listeners.
type Registry struct {
	engine       *Engine
	lookbackDays int
	now          func() time.Time

	mu       gosync.Mutex
	attached int
}

// NewRegistry creates a registry bound to e's store, user and device.
func NewRegistry(e *Engine, cfg RegistryConfig) *Registry {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{engine: e, lookbackDays: cfg.LookbackDays, now: cfg.Now}
}

// Attached returns the number of listeners currently attached.
func (r *Registry) Attached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attached
}

func (r *Registry) track(unsub remote.Unsubscribe) remote.Unsubscribe {
	r.mu.Lock()
	r.attached++
	r.mu.Unlock()
	return once(func() {
		unsub()
		r.mu.Lock()
		r.attached--
		r.mu.Unlock()
	})
}

// AttachOnValue subscribes to a whole node.
func (r *Registry) AttachOnValue(path string, cb func([]byte)) remote.Unsubscribe {
	if r.engine.store == nil {
		return func() {}
	}
	return r.track(r.engine.store.OnValue(path, cb))
}

// AttachOnChildKeyRange subscribes to children of path whose key is >= startAtKey.
func (r *Registry) AttachOnChildKeyRange(path, startAtKey string, cb func(remote.ChildEvent)) remote.Unsubscribe {
	if r.engine.store == nil {
		return func() {}
	}
	return r.track(r.engine.store.OnChildKeyRange(path, startAtKey, cb))
}

// AttachOnChild subscribes to every child of path.
func (r *Registry) AttachOnChild(path string, cb func(remote.ChildEvent)) remote.Unsubscribe {
	if r.engine.store == nil {
		return func() {}
	}
	return r.track(r.engine.store.OnChild(path, cb))
}

// Attach subscribes to one collection and forwards remote changes made by
// other devices to applier.
func (r *Registry) Attach(ctx context.Context, s Strategy, applier Applier) (remote.Unsubscribe, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	e := r.engine
	path := s.Path(e.userID, "")

	apply := func(key string, data json.RawMessage) {
		if err := applier.ApplyRemoteUpdate(ctx, s, key, data); err != nil {
			e.log.AddSyncLog(ChannelListen, LevelError, "apply remote update", map[string]any{"id": syncID(s, key)}, err)
			return
		}
		e.log.AddSyncLog(ChannelListen, LevelDebug, "applied remote update", map[string]any{"id": syncID(s, key)}, nil)
	}
	onChild := func(ev remote.ChildEvent) {
		if ev.Kind == remote.ChildRemoved {
			e.log.AddSyncLog(ChannelListen, LevelDebug, "ignoring remote removal", map[string]any{"id": syncID(s, ev.Key)}, nil)
			return
		}
		if data, ok := e.unwrapRemote(ChannelListen, s, ev.Key, ev.Value); ok {
			apply(ev.Key, data)
		}
	}

	switch s.Shape {
	case ShapeNode:
		return r.AttachOnValue(path, func(b []byte) {
			if data, ok := e.unwrapRemote(ChannelListen, s, "", b); ok {
				apply("", data)
			}
		}), nil
	case ShapeDateKeyed:
		startAt := StartAtKey(r.now(), r.lookbackDays)
		e.log.AddSyncLog(ChannelListen, LevelDebug, "attaching range listener", map[string]any{"collection": s.Collection, "start_at": startAt}, nil)
		return r.AttachOnChildKeyRange(path, startAt, onChild), nil
	case ShapeChildList:
		return r.AttachOnChild(path, onChild), nil
	default:
		return nil, fmt.Errorf("%w: %s has shape %s", ErrInvalidStrategy, s.Collection, s.Shape)
	}
}

// AttachAll attaches every strategy (all predefined ones when none are
// given) and returns a single function detaching them all.
func (r *Registry) AttachAll(ctx context.Context, applier Applier, strategies ...Strategy) (remote.Unsubscribe, error) {
	if len(strategies) == 0 {
		strategies = Strategies()
	}
	unsubs := make([]remote.Unsubscribe, 0, len(strategies))
	detach := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, s := range strategies {
		u, err := r.Attach(ctx, s, applier)
		if err != nil {
			detach()
			return nil, fmt.Errorf("attach %s: %w", s.Collection, err)
		}
		unsubs = append(unsubs, u)
	}
	return once(detach), nil
}
