package sync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/marcus/blocksync/internal/models"
	"github.com/marcus/blocksync/internal/remote"
)

type fixedClock struct{ ms int64 }

func (c *fixedClock) NowMillis() int64 { return c.ms }

type logEntry struct {
	channel string
	level   Level
	msg     string
	err     error
}

type recordingSink struct {
	mu      gosync.Mutex
	entries []logEntry
}

func (s *recordingSink) AddSyncLog(channel string, level Level, msg string, meta map[string]any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, logEntry{channel, level, msg, err})
}

func (s *recordingSink) has(channel, substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.channel == channel && strings.Contains(e.msg, substr) {
			return true
		}
	}
	return false
}

type appliedUpdate struct {
	collection string
	key        string
	data       json.RawMessage
}

type recordingApplier struct {
	mu      gosync.Mutex
	updates []appliedUpdate
	err     error
}

func (a *recordingApplier) ApplyRemoteUpdate(_ context.Context, s Strategy, key string, data json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates = append(a.updates, appliedUpdate{s.Collection, key, append(json.RawMessage(nil), data...)})
	return a.err
}

func (a *recordingApplier) snapshot() []appliedUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]appliedUpdate(nil), a.updates...)
}

type engineFixture struct {
	engine  *Engine
	store   *remote.Memory
	clock   *fixedClock
	sink    *recordingSink
	applier *recordingApplier
	sched   *fakeScheduler
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:   remote.NewMemory(),
		clock:   &fixedClock{ms: 1_000_000},
		sink:    &recordingSink{},
		applier: &recordingApplier{},
		sched:   &fakeScheduler{},
	}
	f.engine = NewEngine(Options{
		Store:      f.store,
		UserID:     "u1",
		DeviceID:   "device1",
		Clock:      f.clock,
		Log:        f.sink,
		Applier:    f.applier,
		MaxRetries: 3,
		Retry:      RetryConfig{BaseDelay: time.Second, Scheduler: f.sched},
	})
	t.Cleanup(f.engine.ClearRetryQueue)
	return f
}

// seed writes an envelope as another device would.
func (f *engineFixture) seed(t *testing.T, path string, data any, updatedAt int64, deviceID string) {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	env, _ := json.Marshal(RawEnvelope{Data: b, UpdatedAt: updatedAt, DeviceID: deviceID})
	if err := f.store.Set(context.Background(), path, env); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *engineFixture) stored(t *testing.T, path string) RawEnvelope {
	t.Helper()
	b, err := f.store.Get(context.Background(), path)
	if err != nil || b == nil {
		t.Fatalf("get %s: (%s, %v)", path, b, err)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return env
}

func TestPushWritesEnvelope(t *testing.T) {
	f := setupEngine(t)
	if err := f.engine.Push(context.Background(), Settings, models.Settings{LookbackDays: 14}, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	env := f.stored(t, "users/u1/settings")
	if env.DeviceID != "device1" || env.UpdatedAt != 1_000_000 {
		t.Fatalf("envelope meta: got %s/%d", env.DeviceID, env.UpdatedAt)
	}
	if string(env.Data) != `{"lookbackDays":14}` {
		t.Fatalf("data: got %s", env.Data)
	}
}

func TestPushWithoutStoreIsNoop(t *testing.T) {
	e := NewEngine(Options{UserID: "u1", DeviceID: "d"})
	if err := e.Push(context.Background(), GameState, models.GameState{TotalXP: 1}, ""); err != nil {
		t.Fatalf("push without store: %v", err)
	}
	if e.RetryQueue().Len() != 0 {
		t.Fatal("local-only push queued a retry")
	}

	f := setupEngine(t)
	f.store.SetAvailable(false)
	if err := f.engine.Push(context.Background(), GameState, models.GameState{TotalXP: 1}, ""); err != nil {
		t.Fatalf("push unavailable: %v", err)
	}
	if f.engine.RetryQueue().Len() != 0 {
		t.Fatal("unavailable push queued a retry")
	}
}

func TestPushIdenticalDataWritesOnce(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	data := map[string]any{"a": 1, "b": []int{1, 2}}

	for i := 0; i < 2; i++ {
		if err := f.engine.Push(ctx, Settings, data, ""); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		f.clock.ms += 1000
	}
	if f.store.Writes() != 1 {
		t.Fatalf("writes: got %d, want 1", f.store.Writes())
	}

	if err := f.engine.Push(ctx, Settings, map[string]any{"a": 2}, ""); err != nil {
		t.Fatalf("push changed: %v", err)
	}
	if f.store.Writes() != 2 {
		t.Fatalf("writes after change: got %d, want 2", f.store.Writes())
	}
}

func TestPushSkipsWhenRemoteNewer(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, "users/u1/settings", map[string]any{"v": "remote"}, f.clock.ms+5000, "phone")

	if err := f.engine.Push(context.Background(), Settings, map[string]any{"v": "local"}, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	if f.store.Writes() != 1 {
		t.Fatalf("writes: got %d, want only the seed", f.store.Writes())
	}
	if env := f.stored(t, "users/u1/settings"); env.DeviceID != "phone" {
		t.Fatalf("remote overwritten by %s", env.DeviceID)
	}
	if !f.sink.has(ChannelPush, "remote is newer") {
		t.Fatal("missing skip log entry")
	}
	applied := f.applier.snapshot()
	if len(applied) != 1 || applied[0].collection != "settings" || !sameContent(applied[0].data, json.RawMessage(`{"v":"remote"}`)) {
		t.Fatalf("winning remote not applied locally: %+v", applied)
	}
}

func TestPushModifiedStaleLocal(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	path := DailyData.Path("u1", "2026-02-18")
	f.seed(t, path, models.DailyData{Date: "2026-02-18"}, 2000, "phone")
	f.clock.ms = 3000

	stale := models.DailyData{Date: "2026-02-18", Tasks: []models.Task{{ID: "old"}}}
	if err := f.engine.PushModified(ctx, DailyData, stale, "2026-02-18", 1500); err != nil {
		t.Fatalf("push stale: %v", err)
	}
	if f.store.Writes() != 1 {
		t.Fatalf("stale local overwrote remote")
	}

	fresh := models.DailyData{Date: "2026-02-18", Tasks: []models.Task{{ID: "new"}}}
	if err := f.engine.PushModified(ctx, DailyData, fresh, "2026-02-18", 2500); err != nil {
		t.Fatalf("push fresh: %v", err)
	}
	env := f.stored(t, path)
	if env.DeviceID != "device1" || env.UpdatedAt != 3000 {
		t.Fatalf("fresh write meta: got %s/%d, want device1/3000", env.DeviceID, env.UpdatedAt)
	}
}

func TestPushTieGoesToLocal(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, "users/u1/settings", map[string]any{"v": "remote"}, f.clock.ms, "phone")
	if err := f.engine.Push(context.Background(), Settings, map[string]any{"v": "local"}, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	env := f.stored(t, "users/u1/settings")
	if env.DeviceID != "device1" || env.UpdatedAt != f.clock.ms {
		t.Fatalf("tie: got %s/%d", env.DeviceID, env.UpdatedAt)
	}
}

func TestPushNeverMovesTimestampBackwards(t *testing.T) {
	f := setupEngine(t)
	f.seed(t, "users/u1/gameState", models.GameState{TotalXP: 5}, f.clock.ms+10_000, "phone")
	if err := f.engine.Push(context.Background(), GameState, models.GameState{TotalXP: 9}, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	env := f.stored(t, "users/u1/gameState")
	if env.UpdatedAt != f.clock.ms+10_000 {
		t.Fatalf("updatedAt: got %d, want remote timestamp kept", env.UpdatedAt)
	}
}

func TestPushMergesGameState(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	f.seed(t, "users/u1/gameState", models.GameState{
		TotalXP:     100,
		DailyQuests: []models.DailyQuest{{ID: "q1", Progress: 1, Target: 3}},
	}, f.clock.ms-1000, "phone")

	local := models.GameState{
		TotalXP:     60,
		Streak:      2,
		DailyQuests: []models.DailyQuest{{ID: "q2", Progress: 1, Target: 1, Completed: true}},
	}
	if err := f.engine.Push(ctx, GameState, local, ""); err != nil {
		t.Fatalf("push: %v", err)
	}

	env := f.stored(t, "users/u1/gameState")
	var got models.GameState
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TotalXP != 100 || got.Streak != 2 || len(got.DailyQuests) != 2 {
		t.Fatalf("merged: got %+v", got)
	}
	if env.DeviceID != "device1" {
		t.Fatalf("writer: got %s", env.DeviceID)
	}

	applied := f.applier.snapshot()
	if len(applied) != 1 || applied[0].collection != "gameState" || applied[0].key != "" {
		t.Fatalf("applied: got %+v", applied)
	}
	if !sameContent(applied[0].data, env.Data) {
		t.Fatalf("applied data differs from written data")
	}
}

func TestPushMergeAlreadyContainedSkipsWrite(t *testing.T) {
	f := setupEngine(t)
	remoteState := models.GameState{TotalXP: 100, Streak: 3}
	f.seed(t, "users/u1/gameState", remoteState, f.clock.ms-1000, "phone")

	if err := f.engine.Push(context.Background(), GameState, models.GameState{TotalXP: 40, Streak: 1}, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	if f.store.Writes() != 1 {
		t.Fatalf("writes: got %d, want only the seed", f.store.Writes())
	}
	applied := f.applier.snapshot()
	if len(applied) != 1 {
		t.Fatalf("local not converged: %+v", applied)
	}
	var got models.GameState
	_ = json.Unmarshal(applied[0].data, &got)
	if got.TotalXP != 100 || got.Streak != 3 {
		t.Fatalf("applied: got %+v", got)
	}
}

func TestPushMergesCompletedInbox(t *testing.T) {
	f := setupEngine(t)
	key := "2026-02-18"
	created := time.Date(2026, 2, 18, 8, 0, 0, 0, time.UTC)
	f.seed(t, CompletedInbox.Path("u1", key), []models.Task{{ID: "r1", CreatedAt: created}}, f.clock.ms-1, "phone")

	local := []models.Task{{ID: "l1", CreatedAt: created.Add(time.Hour)}}
	if err := f.engine.Push(context.Background(), CompletedInbox, local, key); err != nil {
		t.Fatalf("push: %v", err)
	}
	env := f.stored(t, CompletedInbox.Path("u1", key))
	var tasks []models.Task
	_ = json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 2 || tasks[0].ID != "l1" || tasks[1].ID != "r1" {
		t.Fatalf("merged tasks: got %+v", tasks)
	}
}

func TestPushIdenticalRemoteRecordsHash(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	f.seed(t, "users/u1/settings", map[string]any{"v": 1}, f.clock.ms-1, "phone")

	_ = f.engine.Push(ctx, Settings, map[string]any{"v": 1}, "")
	f.store.FailReads(errors.New("should not read"))
	_ = f.engine.Push(ctx, Settings, map[string]any{"v": 1}, "")

	if f.store.Writes() != 1 {
		t.Fatalf("writes: got %d, want only the seed", f.store.Writes())
	}
	if f.engine.RetryQueue().Len() != 0 {
		t.Fatal("second push hit the store")
	}
}

func TestPushFailureQueuesRetry(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	f.store.FailWrites(errOffline)

	if err := f.engine.Push(ctx, GameState, models.GameState{TotalXP: 7}, ""); err != nil {
		t.Fatalf("push surfaced transient error: %v", err)
	}
	pending := f.engine.RetryQueue().Pending()
	if len(pending) != 1 || pending[0].ID != "gameState" || !pending[0].Scheduled {
		t.Fatalf("pending: got %+v", pending)
	}
	if p := f.sched.Pending(); len(p) != 1 || p[0] != 2*time.Second {
		t.Fatalf("first retry delay: got %v, want [2s]", p)
	}

	f.store.FailWrites(nil)
	f.sched.Advance(2 * time.Second)
	if f.engine.RetryQueue().Len() != 0 {
		t.Fatalf("queue not drained after successful retry")
	}
	if f.store.Writes() != 1 {
		t.Fatalf("writes: got %d, want 1", f.store.Writes())
	}

	// The retried write counts as synced.
	_ = f.engine.Push(ctx, GameState, models.GameState{TotalXP: 7}, "")
	if f.store.Writes() != 1 {
		t.Fatalf("duplicate write after retry")
	}
}

func TestPushReadFailureQueuesRetry(t *testing.T) {
	f := setupEngine(t)
	f.store.FailReads(errOffline)
	if err := f.engine.Push(context.Background(), Settings, map[string]any{"x": 1}, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	if f.engine.RetryQueue().Len() != 1 {
		t.Fatal("read failure not queued")
	}
	if !f.sink.has(ChannelPush, "queued for retry") {
		t.Fatal("missing failure log")
	}
}

func TestPushPermanentFailureCallback(t *testing.T) {
	f := setupEngine(t)
	rec := &callbackRecorder{}
	f.engine.SetErrorCallback(rec.record)
	f.store.FailWrites(errOffline)

	_ = f.engine.Push(context.Background(), Settings, map[string]any{"x": 1}, "")
	for i := 0; i < 10; i++ {
		f.sched.Advance(time.Minute)
	}

	got := rec.snapshot()
	if len(got) != 4 {
		t.Fatalf("callbacks: got %d, want 4", len(got))
	}
	if got[3] {
		t.Fatal("final callback should report willRetry=false")
	}
	if f.engine.RetryQueue().Len() != 0 {
		t.Fatal("exhausted item still queued")
	}
	if !f.sink.has(ChannelRetry, "dropping write") {
		t.Fatal("missing final failure log")
	}
}

func TestPushProgrammingErrors(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	bad := Strategy{Collection: "bad", Kind: MergeKind(9), Shape: ShapeNode}
	if err := f.engine.Push(ctx, bad, 1, ""); !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("invalid strategy: got %v", err)
	}
	if err := f.engine.Push(ctx, DailyData, 1, ""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("missing key: got %v", err)
	}
	if err := f.engine.Push(ctx, Settings, make(chan int), ""); err == nil {
		t.Fatal("expected marshal error")
	}
	if f.store.Writes() != 0 || f.engine.RetryQueue().Len() != 0 {
		t.Fatal("programming errors must not touch the store or queue")
	}
}

func TestFetch(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	data, err := f.engine.Fetch(ctx, GameState, "")
	if err != nil || data != nil {
		t.Fatalf("missing: got (%s, %v)", data, err)
	}

	f.seed(t, "users/u1/gameState", models.GameState{TotalXP: 42}, 10, "phone")
	gs, err := FetchAs[models.GameState](ctx, f.engine, GameState, "")
	if err != nil || gs == nil || gs.TotalXP != 42 {
		t.Fatalf("fetch: got (%+v, %v)", gs, err)
	}

	f.store.FailReads(errOffline)
	data, err = f.engine.Fetch(ctx, GameState, "")
	if err != nil || data != nil {
		t.Fatalf("read failure: got (%s, %v), want (nil, nil)", data, err)
	}
	if !f.sink.has(ChannelFetch, "fetch failed") {
		t.Fatal("read failure not logged")
	}

	f.store.FailReads(nil)
	f.store.SetAvailable(false)
	if data, _ := f.engine.Fetch(ctx, GameState, ""); data != nil {
		t.Fatalf("unavailable: got %s", data)
	}

	if _, err := f.engine.Fetch(ctx, DailyData, ""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("missing key: got %v", err)
	}
}

func TestFetchUnreadableValue(t *testing.T) {
	f := setupEngine(t)
	_ = f.store.Set(context.Background(), "users/u1/settings", []byte(`{"nope":true}`))
	data, err := f.engine.Fetch(context.Background(), Settings, "")
	if err != nil || data != nil {
		t.Fatalf("got (%s, %v), want (nil, nil)", data, err)
	}
}

func TestListenSuppressesSelfEcho(t *testing.T) {
	f := setupEngine(t)
	var got []string
	unsub, err := f.engine.Listen(Settings, "", func(data json.RawMessage) {
		got = append(got, string(data))
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer unsub()

	f.seed(t, "users/u1/settings", map[string]int{"a": 1}, 1, "device1")
	if len(got) != 0 {
		t.Fatalf("self-echo delivered: %v", got)
	}
	f.seed(t, "users/u1/settings", map[string]int{"a": 2}, 2, "remote")
	if len(got) != 1 || got[0] != `{"a":2}` {
		t.Fatalf("remote update: got %v, want [{\"a\":2}]", got)
	}
}

func TestListenUnsubscribeIdempotent(t *testing.T) {
	f := setupEngine(t)
	calls := 0
	unsub, err := f.engine.Listen(Settings, "", func(json.RawMessage) { calls++ })
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	unsub()
	unsub()
	f.seed(t, "users/u1/settings", 1, 1, "remote")
	if calls != 0 {
		t.Fatalf("callback after unsubscribe: %d", calls)
	}
	if n := len(f.store.Listeners()); n != 0 {
		t.Fatalf("listeners left: %d", n)
	}
}

func TestListenUpdateSuppressesEchoPush(t *testing.T) {
	f := setupEngine(t)
	var received json.RawMessage
	unsub, _ := f.engine.Listen(Settings, "", func(data json.RawMessage) { received = data })
	defer unsub()

	f.seed(t, "users/u1/settings", map[string]int{"a": 3}, 5, "remote")
	if received == nil {
		t.Fatal("no update")
	}
	// Pushing back what was just received is a no-op.
	_ = f.engine.Push(context.Background(), Settings, received, "")
	if f.store.Writes() != 1 {
		t.Fatalf("writes: got %d, want 1", f.store.Writes())
	}
}

func TestResetHashes(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	_ = f.engine.Push(ctx, Settings, map[string]int{"a": 1}, "")
	f.engine.ResetHashes()
	f.store.FailReads(errOffline)
	_ = f.engine.Push(ctx, Settings, map[string]int{"a": 1}, "")
	if f.engine.RetryQueue().Len() != 1 {
		t.Fatal("push after reset did not reach the store")
	}
}

func TestFreshPushSupersedesQueuedRetry(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	f.store.FailWrites(errOffline)
	_ = f.engine.Push(ctx, Settings, map[string]int{"a": 1}, "")
	if !f.engine.Queued(Settings, "") {
		t.Fatal("failed push not queued")
	}

	f.store.FailWrites(nil)
	_ = f.engine.Push(ctx, Settings, map[string]int{"a": 2}, "")
	if f.engine.Queued(Settings, "") {
		t.Fatal("stale retry still queued after a successful push")
	}
	if p := f.sched.Pending(); len(p) != 0 {
		t.Fatalf("retry timer still armed: %v", p)
	}
}
