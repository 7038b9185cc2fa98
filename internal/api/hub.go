package api

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/marcus/blocksync/internal/remote"
)

// WatchMessage is one frame on a /v1/watch stream.
type WatchMessage struct {
	Type  string          `json:"type"` // "value" or "child"
	Kind  string          `json:"kind,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

var nullValue = json.RawMessage("null")

// watchBuffer is how many frames a watcher may lag before it is dropped.
const watchBuffer = 64

// watcher is one subscribed stream.
type watcher struct {
	id      uint64
	path    string
	mode    remote.ListenerMode
	startAt string
	send    chan WatchMessage
	done    chan struct{}
	once    sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.done) })
}

// match returns the frame w should receive for a write at path, if any.
func (w *watcher) match(path, parent, key string, value []byte, existed bool) (WatchMessage, bool) {
	v := json.RawMessage(value)
	if value == nil {
		v = nullValue
	}
	switch w.mode {
	case remote.ModeValue:
		if path != w.path {
			return WatchMessage{}, false
		}
		return WatchMessage{Type: "value", Value: v}, true
	case remote.ModeChild, remote.ModeChildRange:
		if parent != w.path || key < w.startAt {
			return WatchMessage{}, false
		}
		kind := remote.ChildChanged
		switch {
		case value == nil:
			kind = remote.ChildRemoved
		case !existed:
			kind = remote.ChildAdded
		}
		m := WatchMessage{Type: "child", Kind: string(kind), Key: key}
		if value != nil {
			m.Value = v
		}
		return m, true
	}
	return WatchMessage{}, false
}

// Hub fans node writes out to watchers.
type Hub struct {
	mu       sync.RWMutex
	watchers map[uint64]*watcher
	nextID   uint64
	closed   bool
	metrics  *Metrics
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{watchers: make(map[uint64]*watcher), metrics: metrics}
}

// subscribe registers a watcher. The watcher's done channel is closed when it
// is dropped or the hub shuts down.
func (h *Hub) subscribe(path string, mode remote.ListenerMode, startAt string) (*watcher, func()) {
	w := &watcher{
		path:    path,
		mode:    mode,
		startAt: startAt,
		send:    make(chan WatchMessage, watchBuffer),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		w.close()
		return w, func() {}
	}
	h.nextID++
	w.id = h.nextID
	h.watchers[w.id] = w
	h.mu.Unlock()
	h.metrics.WatcherDelta(1)

	var once sync.Once
	return w, func() {
		once.Do(func() {
			h.mu.Lock()
			_, ok := h.watchers[w.id]
			delete(h.watchers, w.id)
			h.mu.Unlock()
			if ok {
				h.metrics.WatcherDelta(-1)
			}
			w.close()
		})
	}
}

// Publish delivers a write at path to every matching watcher. Watchers whose
// buffer is full are dropped; they reconnect and resync from a snapshot.
func (h *Hub) Publish(path string, value []byte, existed bool) {
	parent, key := remote.Split(path)
	path = strings.Trim(path, "/")

	var slow []*watcher
	var sent int64
	h.mu.RLock()
	for _, w := range h.watchers {
		m, ok := w.match(path, parent, key, value, existed)
		if !ok {
			continue
		}
		select {
		case w.send <- m:
			sent++
		default:
			slow = append(slow, w)
		}
	}
	h.mu.RUnlock()
	h.metrics.RecordBroadcast(sent)

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, w := range slow {
		if _, ok := h.watchers[w.id]; ok {
			delete(h.watchers, w.id)
			h.metrics.WatcherDelta(-1)
			h.metrics.RecordDropped()
		}
		w.close()
	}
	h.mu.Unlock()
}

// Len returns the number of active watchers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Close drops every watcher and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, w := range h.watchers {
		delete(h.watchers, id)
		h.metrics.WatcherDelta(-1)
		w.close()
	}
}
