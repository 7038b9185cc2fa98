package remote

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// ListenerMode identifies how a listener was attached.
type ListenerMode string

const (
	ModeValue      ListenerMode = "value"
	ModeChild      ListenerMode = "child"
	ModeChildRange ListenerMode = "child_range"
)

// ListenerInfo describes an attached listener.
type ListenerInfo struct {
	Mode    ListenerMode
	Path    string
	StartAt string
}

type memListener struct {
	id      uint64
	info    ListenerInfo
	onValue func([]byte)
	onChild func(ChildEvent)
}

// Memory is an in-process Store. Listeners are notified synchronously on the
// writer's goroutine, outside the store lock.
type Memory struct {
	mu        sync.Mutex
	nodes     map[string][]byte
	listeners map[uint64]*memListener
	nextID    uint64
	available bool
	writes    int
	readErr   error
	writeErr  error
}

// NewMemory creates an empty, available in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[string][]byte),
		listeners: make(map[uint64]*memListener),
		available: true,
	}
}

// Available reports whether the store accepts operations.
func (m *Memory) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// SetAvailable toggles availability.
func (m *Memory) SetAvailable(v bool) {
	m.mu.Lock()
	m.available = v
	m.mu.Unlock()
}

// FailReads makes every Get return err until cleared with nil.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// FailWrites makes every Set return err until cleared with nil.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Writes returns the number of successful Set calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Listeners returns the attached listeners ordered by attach time.
func (m *Memory) Listeners() []ListenerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ListenerInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.listeners[id].info)
	}
	return out
}

// Get returns a copy of the value at path.
func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil, ErrUnavailable
	}
	if m.readErr != nil {
		return nil, m.readErr
	}
	v, ok := m.nodes[Join(path)]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

// Set stores value at path and notifies listeners on path and its parent.
func (m *Memory) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = Join(path)
	m.mu.Lock()
	if !m.available {
		m.mu.Unlock()
		return ErrUnavailable
	}
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return err
	}
	_, existed := m.nodes[path]
	v := bytes.Clone(value)
	if v == nil {
		delete(m.nodes, path)
	} else {
		m.nodes[path] = v
	}
	m.writes++
	notify := m.matching(path)
	m.mu.Unlock()

	_, key := Split(path)
	kind := ChildChanged
	switch {
	case v == nil:
		kind = ChildRemoved
	case !existed:
		kind = ChildAdded
	}
	for _, l := range notify {
		switch l.info.Mode {
		case ModeValue:
			l.onValue(bytes.Clone(v))
		default:
			l.onChild(ChildEvent{Kind: kind, Key: key, Value: bytes.Clone(v)})
		}
	}
	return nil
}

// matching returns listeners interested in a write to path. Caller holds mu.
func (m *Memory) matching(path string) []*memListener {
	parent, key := Split(path)
	var out []*memListener
	for _, l := range m.listeners {
		switch l.info.Mode {
		case ModeValue:
			if l.info.Path == path {
				out = append(out, l)
			}
		case ModeChild:
			if l.info.Path == parent {
				out = append(out, l)
			}
		case ModeChildRange:
			if l.info.Path == parent && key >= l.info.StartAt {
				out = append(out, l)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OnValue attaches a value listener and delivers the current value if present.
func (m *Memory) OnValue(path string, cb func([]byte)) Unsubscribe {
	l := &memListener{info: ListenerInfo{Mode: ModeValue, Path: Join(path)}, onValue: cb}
	initial, ok := m.attach(l)
	if ok && len(initial) > 0 {
		cb(initial[0].Value)
	}
	return m.detachFunc(l.id)
}

// OnChild attaches a child listener and replays existing children as added.
func (m *Memory) OnChild(path string, cb func(ChildEvent)) Unsubscribe {
	return m.onChild(ListenerInfo{Mode: ModeChild, Path: Join(path)}, cb)
}

// OnChildKeyRange attaches a child listener limited to keys >= startAt.
func (m *Memory) OnChildKeyRange(path, startAt string, cb func(ChildEvent)) Unsubscribe {
	return m.onChild(ListenerInfo{Mode: ModeChildRange, Path: Join(path), StartAt: startAt}, cb)
}

func (m *Memory) onChild(info ListenerInfo, cb func(ChildEvent)) Unsubscribe {
	l := &memListener{info: info, onChild: cb}
	initial, _ := m.attach(l)
	for _, ev := range initial {
		cb(ev)
	}
	return m.detachFunc(l.id)
}

// attach registers l and returns the snapshot it should see first.
func (m *Memory) attach(l *memListener) ([]ChildEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l.id = m.nextID
	m.listeners[l.id] = l

	switch l.info.Mode {
	case ModeValue:
		v, ok := m.nodes[l.info.Path]
		if !ok {
			return nil, false
		}
		return []ChildEvent{{Kind: ChildAdded, Value: bytes.Clone(v)}}, true
	default:
		var out []ChildEvent
		prefix := l.info.Path + "/"
		for p, v := range m.nodes {
			key, ok := strings.CutPrefix(p, prefix)
			if !ok || key == "" || strings.Contains(key, "/") {
				continue
			}
			if l.info.Mode == ModeChildRange && key < l.info.StartAt {
				continue
			}
			out = append(out, ChildEvent{Kind: ChildAdded, Key: key, Value: bytes.Clone(v)})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		return out, len(out) > 0
	}
}

func (m *Memory) detachFunc(id uint64) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}
