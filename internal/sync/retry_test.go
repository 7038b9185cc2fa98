package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeScheduler runs timers when Advance moves its virtual clock past them.
type fakeScheduler struct {
	mu     gosync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance fires due timers in order, including timers armed by callbacks.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	for {
		s.mu.Lock()
		var next *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		next.fired = true
		s.now = next.at
		s.mu.Unlock()
		next.f()
	}
}

// Pending returns the delays of armed timers relative to now.
func (s *fakeScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at-s.now)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var errOffline = errors.New("offline")

func newTestQueue() (*RetryQueue, *fakeScheduler) {
	sched := &fakeScheduler{}
	return NewRetryQueue(RetryConfig{BaseDelay: time.Second, Scheduler: sched}), sched
}

type callbackRecorder struct {
	mu    gosync.Mutex
	calls []bool
	ids   []string
}

func (r *callbackRecorder) record(id string, err error, willRetry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.calls = append(r.calls, willRetry)
}

func (r *callbackRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

func TestRetryNowAbsent(t *testing.T) {
	q, _ := newTestQueue()
	if q.RetryNow(context.Background(), "missing") {
		t.Fatal("RetryNow on absent id returned true")
	}
}

func TestAddSchedulesNothing(t *testing.T) {
	q, sched := newTestQueue()
	var calls atomic.Int32
	q.Add("a", GameState, nil, "", func(context.Context) error { calls.Add(1); return nil }, 3)

	sched.Advance(time.Hour)
	if calls.Load() != 0 {
		t.Fatalf("Add ran the function %d times", calls.Load())
	}
	if len(sched.Pending()) != 0 {
		t.Fatalf("Add armed a timer")
	}
	if q.Len() != 1 {
		t.Fatalf("len: got %d, want 1", q.Len())
	}
}

func TestRetryNowSuccessRemoves(t *testing.T) {
	q, _ := newTestQueue()
	q.Add("a", GameState, nil, "", func(context.Context) error { return nil }, 3)
	if !q.RetryNow(context.Background(), "a") {
		t.Fatal("RetryNow: got false, want true")
	}
	if q.Len() != 0 {
		t.Fatalf("len after success: got %d, want 0", q.Len())
	}
}

func TestRetryNowFailureKeepsItem(t *testing.T) {
	q, _ := newTestQueue()
	rec := &callbackRecorder{}
	q.SetErrorCallback(rec.record)
	q.Add("a", GameState, nil, "", func(context.Context) error { return errOffline }, 3)

	if q.RetryNow(context.Background(), "a") {
		t.Fatal("RetryNow on failure returned true")
	}
	if q.Len() != 1 {
		t.Fatalf("item removed while retries remain")
	}
	p := q.Pending()
	if len(p) != 1 || p[0].RetryCount != 1 || !p[0].Scheduled {
		t.Fatalf("pending: got %+v", p)
	}
	if got := rec.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("callbacks: got %v, want [true]", got)
	}
}

func TestRetryExhaustion(t *testing.T) {
	q, _ := newTestQueue()
	rec := &callbackRecorder{}
	q.SetErrorCallback(rec.record)
	q.Add("a", GameState, nil, "", func(context.Context) error { return errOffline }, 3)

	for i := 0; i < 4; i++ {
		if q.RetryNow(context.Background(), "a") {
			t.Fatalf("attempt %d returned true", i+1)
		}
	}

	got := rec.snapshot()
	want := []bool{true, true, true, false}
	if len(got) != len(want) {
		t.Fatalf("callbacks: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("callback %d willRetry: got %v, want %v", i, got[i], want[i])
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len after exhaustion: got %d, want 0", q.Len())
	}
}

func TestRetryBackoffTiming(t *testing.T) {
	q, sched := newTestQueue()
	var calls atomic.Int32
	q.Add("a", GameState, nil, "", func(context.Context) error { calls.Add(1); return errOffline }, 5)

	q.RetryNow(context.Background(), "a")
	if calls.Load() != 1 {
		t.Fatalf("calls: got %d, want 1", calls.Load())
	}

	sched.Advance(1999 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("retried before backoff elapsed: %d calls", calls.Load())
	}
	sched.Advance(time.Millisecond)
	if calls.Load() != 2 {
		t.Fatalf("after 2s: got %d calls, want 2", calls.Load())
	}

	// Second failure doubles the delay.
	if p := sched.Pending(); len(p) != 1 || p[0] != 4*time.Second {
		t.Fatalf("next delay: got %v, want [4s]", p)
	}
	sched.Advance(4 * time.Second)
	if calls.Load() != 3 {
		t.Fatalf("after 4s more: got %d calls, want 3", calls.Load())
	}
}

func TestRetryBackoffCapped(t *testing.T) {
	sched := &fakeScheduler{}
	q := NewRetryQueue(RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Scheduler: sched})
	q.Add("a", GameState, nil, "", func(context.Context) error { return errOffline }, 10)
	for i := 0; i < 6; i++ {
		q.RetryNow(context.Background(), "a")
	}
	if p := sched.Pending(); len(p) != 1 || p[0] != 5*time.Second {
		t.Fatalf("capped delay: got %v, want [5s]", p)
	}
}

func TestScheduledRetriesRunUntilExhausted(t *testing.T) {
	q, sched := newTestQueue()
	rec := &callbackRecorder{}
	q.SetErrorCallback(rec.record)
	q.Add("a", GameState, nil, "", func(context.Context) error { return errOffline }, 3)

	if !q.Schedule("a") {
		t.Fatal("Schedule: got false")
	}
	if p := sched.Pending(); len(p) != 1 || p[0] != 2*time.Second {
		t.Fatalf("first delay: got %v, want [2s]", p)
	}
	for i := 0; i < 10; i++ {
		sched.Advance(time.Minute)
	}
	got := rec.snapshot()
	if len(got) != 4 || got[3] {
		t.Fatalf("callbacks: got %v, want 4 with final false", got)
	}
	if q.Len() != 0 {
		t.Fatalf("len: got %d, want 0", q.Len())
	}
}

func TestScheduledRetryDelaysDouble(t *testing.T) {
	q, sched := newTestQueue()
	q.Add("a", GameState, nil, "", func(context.Context) error { return errOffline }, 5)
	q.Schedule("a")

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		p := sched.Pending()
		if len(p) != 1 {
			t.Fatalf("attempt %d: pending timers %v, want one", i+1, p)
		}
		delays = append(delays, p[0])
		sched.Advance(p[0])
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays: got %v, want %v", delays, want)
		}
	}
}

func TestScheduleAbsent(t *testing.T) {
	q, _ := newTestQueue()
	if q.Schedule("nope") {
		t.Fatal("Schedule on absent id returned true")
	}
}

func TestReAddIncrementsAndReplaces(t *testing.T) {
	q, _ := newTestQueue()
	var ran string
	q.Add("a", GameState, nil, "", func(context.Context) error { ran = "first"; return nil }, 3)
	q.Add("a", GameState, []byte(`{"v":2}`), "", func(context.Context) error { ran = "second"; return nil }, 3)

	p := q.Pending()
	if len(p) != 1 || p[0].RetryCount != 1 {
		t.Fatalf("pending after re-add: got %+v", p)
	}
	if !q.RetryNow(context.Background(), "a") {
		t.Fatal("RetryNow failed")
	}
	if ran != "second" {
		t.Fatalf("ran %q, want latest registration", ran)
	}
}

func TestReAddCountsTowardLimit(t *testing.T) {
	q, _ := newTestQueue()
	rec := &callbackRecorder{}
	q.SetErrorCallback(rec.record)
	fail := func(context.Context) error { return errOffline }
	q.Add("a", GameState, nil, "", fail, 1)
	q.Add("a", GameState, nil, "", fail, 1)

	q.RetryNow(context.Background(), "a")
	if got := rec.snapshot(); len(got) != 1 || got[0] {
		t.Fatalf("callbacks: got %v, want [false]", got)
	}
	if q.Len() != 0 {
		t.Fatalf("len: got %d, want 0", q.Len())
	}
}

func TestClearCancelsTimers(t *testing.T) {
	q, sched := newTestQueue()
	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("item-%d", i)
		q.Add(id, GameState, nil, "", func(context.Context) error { calls.Add(1); return errOffline }, 3)
		q.RetryNow(context.Background(), id)
	}
	if len(sched.Pending()) != 3 {
		t.Fatalf("pending timers: got %d, want 3", len(sched.Pending()))
	}

	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("len after clear: got %d", q.Len())
	}
	if len(sched.Pending()) != 0 {
		t.Fatalf("timers survived clear: %v", sched.Pending())
	}
	before := calls.Load()
	sched.Advance(time.Hour)
	if calls.Load() != before {
		t.Fatalf("cleared items still ran")
	}
}

func TestErrorCallbackLastWriterWins(t *testing.T) {
	q, _ := newTestQueue()
	first, second := &callbackRecorder{}, &callbackRecorder{}
	q.SetErrorCallback(first.record)
	q.SetErrorCallback(second.record)
	q.Add("a", GameState, nil, "", func(context.Context) error { return errOffline }, 3)
	q.RetryNow(context.Background(), "a")

	if len(first.snapshot()) != 0 || len(second.snapshot()) != 1 {
		t.Fatalf("callbacks: first %v second %v", first.snapshot(), second.snapshot())
	}
}

func TestFlush(t *testing.T) {
	q, _ := newTestQueue()
	q.Add("ok", GameState, nil, "", func(context.Context) error { return nil }, 3)
	q.Add("bad", GameState, nil, "", func(context.Context) error { return errOffline }, 3)
	if n := q.Flush(context.Background()); n != 1 {
		t.Fatalf("flushed: got %d, want 1", n)
	}
	if q.Len() != 1 {
		t.Fatalf("len: got %d, want 1", q.Len())
	}
}

func TestRetryQueueConcurrentUse(t *testing.T) {
	q, sched := newTestQueue()
	var wg gosync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("item-%d", i%5)
			q.Add(id, GameState, nil, "", func(context.Context) error {
				if i%2 == 0 {
					return nil
				}
				return errOffline
			}, 3)
			q.RetryNow(context.Background(), id)
			_ = q.Pending()
		}(i)
	}
	wg.Wait()
	sched.Advance(time.Hour)
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("len after clear: got %d", q.Len())
	}
}
