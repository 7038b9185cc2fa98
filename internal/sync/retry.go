package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	gosync "sync"
	"time"
)

// SyncFunc performs one attempt of a queued write.
type SyncFunc func(ctx context.Context) error

// ErrorCallback is invoked after every failed attempt. willRetry is false
// when the item has exhausted its retries and was dropped.
type ErrorCallback func(id string, err error, willRetry bool)

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RetryItem is a queued write.
type RetryItem struct {
	ID         string
	Strategy   Strategy
	Payload    json.RawMessage
	Key        string
	RetryCount int
	MaxRetries int

	fn       SyncFunc
	timer    Timer
	inFlight bool
	failures int // failed attempts so far; drives the backoff exponent
}

// RetryStatus is a read-only view of a queued item.
type RetryStatus struct {
	ID         string
	Collection string
	Key        string
	RetryCount int
	MaxRetries int
	Scheduled  bool
}

// RetryConfig configures a RetryQueue.
type RetryConfig struct {
	BaseDelay      time.Duration // default 1s
	MaxDelay       time.Duration // default 5m
	AttemptTimeout time.Duration // per scheduled attempt, default 30s
	Scheduler      Scheduler
}

// RetryQueue holds failed writes and retries them with exponential backoff.
// Items live in memory only.
type RetryQueue struct {
	mu             gosync.Mutex
	items          map[string]*RetryItem
	onError        ErrorCallback
	baseDelay      time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration
	sched          Scheduler
}

// NewRetryQueue creates an empty queue.
func NewRetryQueue(cfg RetryConfig) *RetryQueue {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	return &RetryQueue{
		items:          make(map[string]*RetryItem),
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		attemptTimeout: cfg.AttemptTimeout,
		sched:          cfg.Scheduler,
	}
}

// SetErrorCallback replaces the error callback. Pass nil to clear it.
func (q *RetryQueue) SetErrorCallback(cb ErrorCallback) {
	q.mu.Lock()
	q.onError = cb
	q.mu.Unlock()
}

// Add registers a write, or re-registers an existing id which increments its
// retry count and replaces its payload and function. Nothing is scheduled.
func (q *RetryQueue) Add(id string, s Strategy, payload json.RawMessage, key string, fn SyncFunc, maxRetries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok {
		item.RetryCount++
		item.Strategy = s
		item.Payload = payload
		item.Key = key
		item.fn = fn
		item.MaxRetries = maxRetries
		slog.Debug("retry: re-registered", "id", id, "retry_count", item.RetryCount)
		return
	}
	q.items[id] = &RetryItem{
		ID:         id,
		Strategy:   s,
		Payload:    payload,
		Key:        key,
		MaxRetries: maxRetries,
		fn:         fn,
	}
	slog.Debug("retry: queued", "id", id, "collection", s.Collection, "key", key)
}

// Schedule arms the backoff timer for id if none is pending. The write that
// queued the item counts as its first failure. It returns false when id is
// not queued.
func (q *RetryQueue) Schedule(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return false
	}
	if item.failures == 0 {
		item.failures = 1
	}
	if item.timer == nil {
		q.armLocked(item, q.backoff(item.failures))
	}
	return true
}

// RetryNow runs the queued write for id immediately. It returns true only
// when the attempt succeeded and the item was removed.
func (q *RetryQueue) RetryNow(ctx context.Context, id string) bool {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok || item.inFlight {
		q.mu.Unlock()
		return false
	}
	if item.timer != nil {
		item.timer.Stop()
		item.timer = nil
	}
	item.inFlight = true
	fn := item.fn
	q.mu.Unlock()

	err := fn(ctx)

	q.mu.Lock()
	item.inFlight = false
	if q.items[id] != item {
		// Cleared while the attempt was running.
		q.mu.Unlock()
		return err == nil
	}
	if err == nil {
		delete(q.items, id)
		q.mu.Unlock()
		slog.Debug("retry: succeeded", "id", id, "retry_count", item.RetryCount)
		return true
	}

	item.RetryCount++
	item.failures++
	willRetry := item.RetryCount <= item.MaxRetries
	if willRetry {
		delay := q.backoff(item.failures)
		q.armLocked(item, delay)
		slog.Debug("retry: attempt failed", "id", id, "retry_count", item.RetryCount, "next_in", delay, "err", err)
	} else {
		delete(q.items, id)
		slog.Warn("retry: giving up", "id", id, "retry_count", item.RetryCount, "err", err)
	}
	cb := q.onError
	q.mu.Unlock()

	if cb != nil {
		cb(id, err, willRetry)
	}
	return false
}

// Clear drops every item and stops every pending timer.
func (q *RetryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, item := range q.items {
		if item.timer != nil {
			item.timer.Stop()
			item.timer = nil
		}
		delete(q.items, id)
	}
}

// Drop removes id and stops its timer. It reports whether id was queued.
func (q *RetryQueue) Drop(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return false
	}
	if item.timer != nil {
		item.timer.Stop()
		item.timer = nil
	}
	delete(q.items, id)
	return true
}

// Len returns the number of queued items.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Has reports whether id is queued.
func (q *RetryQueue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// Pending returns a snapshot of queued items ordered by id.
func (q *RetryQueue) Pending() []RetryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RetryStatus, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, RetryStatus{
			ID:         item.ID,
			Collection: item.Strategy.Collection,
			Key:        item.Key,
			RetryCount: item.RetryCount,
			MaxRetries: item.MaxRetries,
			Scheduled:  item.timer != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Flush runs every queued item once and returns how many succeeded.
func (q *RetryQueue) Flush(ctx context.Context) int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.items))
	for id := range q.items {
		ids = append(ids, id)
	}
	q.mu.Unlock()
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if q.RetryNow(ctx, id) {
			n++
		}
	}
	return n
}

// backoff returns baseDelay * 2^attempt, capped at maxDelay.
func (q *RetryQueue) backoff(attempt int) time.Duration {
	d := q.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= q.maxDelay {
			return q.maxDelay
		}
	}
	return d
}

// armLocked schedules a retry of item after d. Caller holds mu.
func (q *RetryQueue) armLocked(item *RetryItem, d time.Duration) {
	var t Timer
	t = q.sched.AfterFunc(d, func() {
		q.mu.Lock()
		if q.items[item.ID] != item || item.timer != t {
			q.mu.Unlock()
			return
		}
		item.timer = nil
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), q.attemptTimeout)
		defer cancel()
		q.RetryNow(ctx, item.ID)
	})
	item.timer = t
}
