package localdb

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/blocksync/internal/models"
	"github.com/marcus/blocksync/internal/sync"
)

var testNow = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

func setupDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	now := testNow
	db.SetClock(func() time.Time { return now })
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "blocksync.db")); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
	v, err := db.GetSchemaVersion()
	if err != nil || v != SchemaVersion {
		t.Fatalf("schema version: got %d (%v), want %d", v, err, SchemaVersion)
	}
}

func TestReopenSkipsMigrations(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	n, err := db.RunMigrations()
	if err != nil || n != 0 {
		t.Fatalf("migrations on reopen: got %d (%v)", n, err)
	}
}

func TestPutGetDirty(t *testing.T) {
	db := setupDB(t)

	if _, err := db.Get("settings", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v, want ErrNotFound", err)
	}
	rec, err := db.Put("settings", "", models.Settings{TimeZone: "UTC"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !rec.Dirty {
		t.Fatal("Put should mark dirty")
	}

	got, err := db.Get("settings", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != `{"timeZone":"UTC"}` || !got.Dirty || !got.UpdatedAt.Equal(testNow) {
		t.Fatalf("record: got %+v", got)
	}

	dirty, err := db.Dirty()
	if err != nil || len(dirty) != 1 {
		t.Fatalf("Dirty: got %d (%v)", len(dirty), err)
	}
	total, nDirty, err := db.Count()
	if err != nil || total != 1 || nDirty != 1 {
		t.Fatalf("Count: got %d/%d (%v)", total, nDirty, err)
	}
}

func TestMarkCleanOnlyWhenUnchanged(t *testing.T) {
	db := setupDB(t)
	rec, _ := db.Put("settings", "", map[string]int{"v": 1})

	later := testNow.Add(time.Second)
	db.SetClock(func() time.Time { return later })
	if _, err := db.Put("settings", "", map[string]int{"v": 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := db.MarkClean("settings", "", rec.UpdatedAt)
	if err != nil {
		t.Fatalf("MarkClean: %v", err)
	}
	if ok {
		t.Fatal("stale MarkClean cleared a newer change")
	}

	ok, err = db.MarkClean("settings", "", later)
	if err != nil || !ok {
		t.Fatalf("MarkClean current: got %v (%v)", ok, err)
	}
	if dirty, _ := db.Dirty(); len(dirty) != 0 {
		t.Fatalf("dirty after clean: %d", len(dirty))
	}
}

func TestApplyRemoteUpdate(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if err := db.ApplyRemoteUpdate(ctx, sync.Templates, "t1", json.RawMessage(`{"id":"t1","text":"Read"}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rec, err := db.Get("templates", "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Dirty {
		t.Fatal("remote data must not be dirty")
	}

	// Dirty local data is preserved.
	if _, err := db.Put("templates", "t1", map[string]string{"id": "t1", "text": "Local"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.ApplyRemoteUpdate(ctx, sync.Templates, "t1", json.RawMessage(`{"id":"t1","text":"Remote"}`)); err != nil {
		t.Fatalf("apply over dirty: %v", err)
	}
	rec, _ = db.Get("templates", "t1")
	if string(rec.Data) != `{"id":"t1","text":"Local"}` || !rec.Dirty {
		t.Fatalf("dirty record overwritten: %+v", rec)
	}
}

func TestListSinceKey(t *testing.T) {
	db := setupDB(t)
	for _, d := range []string{"2026-02-01", "2026-02-12", "2026-02-18"} {
		if err := db.SaveDailyData(models.DailyData{Date: d}); err != nil {
			t.Fatalf("SaveDailyData: %v", err)
		}
	}
	recs, err := db.List("dailyData", "2026-02-11")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 || recs[0].Key != "2026-02-12" || recs[1].Key != "2026-02-18" {
		t.Fatalf("List: got %+v", recs)
	}
	days, err := db.RecentDays(7)
	if err != nil || len(days) != 2 {
		t.Fatalf("RecentDays: got %d (%v)", len(days), err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	db := setupDB(t)
	day := db.Today()
	block := "9-12"

	task, err := db.AddTask(day, models.Task{Title: "Write report", Difficulty: models.DifficultyHard, TimeBlock: &block})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if task.ID == "" || task.BaseXP != 50 || !task.CreatedAt.Equal(testNow) {
		t.Fatalf("task defaults: got %+v", task)
	}

	done, err := db.CompleteTask(day, task.ID)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !done.Completed || done.CompletedAt == nil || done.UpdatedAt == nil {
		t.Fatalf("completed task: got %+v", done)
	}

	gs, err := db.GameState()
	if err != nil {
		t.Fatalf("GameState: %v", err)
	}
	if gs.TotalXP != 50 || gs.DailyXP != 50 || gs.AvailableXP != 50 {
		t.Fatalf("xp: got %+v", gs)
	}
	if len(gs.TimeBlockXPHistory) != 1 || gs.TimeBlockXPHistory[0].Blocks[block] != 50 {
		t.Fatalf("block history: got %+v", gs.TimeBlockXPHistory)
	}

	rec, err := db.Get("completedInbox", day)
	if err != nil {
		t.Fatalf("completed inbox: %v", err)
	}
	var inbox []models.Task
	_ = json.Unmarshal(rec.Data, &inbox)
	if len(inbox) != 1 || inbox[0].ID != task.ID {
		t.Fatalf("inbox: got %+v", inbox)
	}

	// Completing twice awards nothing more.
	if _, err := db.CompleteTask(day, task.ID); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	gs, _ = db.GameState()
	if gs.TotalXP != 50 {
		t.Fatalf("xp after second complete: %d", gs.TotalXP)
	}

	if _, err := db.CompleteTask(day, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task: got %v", err)
	}
}

func TestAddXPHistoryWindow(t *testing.T) {
	db := setupDB(t)
	for i := 1; i <= 9; i++ {
		day := testNow.AddDate(0, 0, i).Format("2006-01-02")
		if _, err := db.AddXP(day, 10, ""); err != nil {
			t.Fatalf("AddXP: %v", err)
		}
	}
	gs, _ := db.GameState()
	if len(gs.XPHistory) != models.XPHistoryRetention {
		t.Fatalf("history: got %d entries", len(gs.XPHistory))
	}
	if gs.DailyXP != 10 || gs.TotalXP != 90 || gs.Level != 1 {
		t.Fatalf("counters: got %+v", gs)
	}
}

func TestTemplates(t *testing.T) {
	db := setupDB(t)
	if _, err := db.PutTemplate(models.Template{ID: "b", Text: "Walk"}); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	if _, err := db.PutTemplate(models.Template{ID: "a", Text: "Read"}); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	tpls, err := db.Templates()
	if err != nil || len(tpls) != 2 || tpls[0].ID != "a" {
		t.Fatalf("Templates: got %+v (%v)", tpls, err)
	}
}

func TestSyncLog(t *testing.T) {
	db := setupDB(t)
	for i, msg := range []string{"one", "two", "three"} {
		_, err := db.InsertSyncLog(SyncLogEntry{
			Channel: "push",
			Level:   "info",
			Message: msg,
			Meta:    map[string]any{"n": i},
		})
		if err != nil {
			t.Fatalf("InsertSyncLog: %v", err)
		}
	}

	tail, err := db.SyncLogTail(2)
	if err != nil {
		t.Fatalf("SyncLogTail: %v", err)
	}
	if len(tail) != 2 || tail[0].Message != "two" || tail[1].Message != "three" {
		t.Fatalf("tail: got %+v", tail)
	}
	if tail[1].Meta["n"] != float64(2) {
		t.Fatalf("meta: got %v", tail[1].Meta)
	}

	since, err := db.SyncLogSince(tail[0].ID, 10)
	if err != nil || len(since) != 1 || since[0].Message != "three" {
		t.Fatalf("since: got %+v (%v)", since, err)
	}

	n, err := db.PruneSyncLog(1)
	if err != nil || n != 2 {
		t.Fatalf("prune: got %d (%v)", n, err)
	}
}
