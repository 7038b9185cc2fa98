package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/blocksync/internal/daemon"
	"github.com/marcus/blocksync/internal/localdb"
	"github.com/marcus/blocksync/internal/models"
	"github.com/marcus/blocksync/internal/tui/watch"
)

// isolate points config and cache at temp dirs.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, k := range []string{"BLOCKSYNC_URL", "BLOCKSYNC_TOKEN", "BLOCKSYNC_USER", "BLOCKSYNC_DATA_DIR"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	dataDirFlag = dir
	t.Cleanup(func() { dataDirFlag = "" })
	return dir
}

func openTestDB(t *testing.T) *localdb.DB {
	t.Helper()
	db, err := openLocalDB()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLookupCollection(t *testing.T) {
	tests := []struct {
		name, key string
		wantErr   bool
	}{
		{"gameState", "", false},
		{"gameState", "x", true},
		{"dailyData", "2026-02-18", false},
		{"dailyData", "feb", true},
		{"dailyData", "", false}, // whole collection
		{"templates", "t1", false},
		{"nope", "", true},
	}
	for _, tt := range tests {
		_, err := lookupCollection(tt.name, tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("lookupCollection(%q, %q) err = %v, wantErr %v", tt.name, tt.key, err, tt.wantErr)
		}
	}
}

func TestSelectRecords(t *testing.T) {
	isolate(t)
	db := openTestDB(t)

	recs, err := selectRecords(db, nil, "", nil)
	if err != nil || recs != nil {
		t.Fatalf("no args: got %v (%v), want nil for all dirty", recs, err)
	}
	if _, err := selectRecords(db, nil, "x.json", nil); err == nil {
		t.Fatal("--file without collection should fail")
	}

	stdin := strings.NewReader(`{"text":"stretch"}`)
	recs, err = selectRecords(db, []string{"templates", "t1"}, "-", stdin)
	if err != nil || len(recs) != 1 {
		t.Fatalf("file from stdin: got %v (%v)", recs, err)
	}
	if !recs[0].Dirty || string(recs[0].Data) != `{"text":"stretch"}` {
		t.Fatalf("stored record: %+v", recs[0])
	}

	if _, err := db.Put("templates", "t2", map[string]string{"text": "walk"}); err != nil {
		t.Fatal(err)
	}
	recs, err = selectRecords(db, []string{"templates"}, "", nil)
	if err != nil || len(recs) != 2 {
		t.Fatalf("whole collection: got %d (%v)", len(recs), err)
	}

	if _, err := selectRecords(db, []string{"templates"}, "-", strings.NewReader(`{}`)); err == nil {
		t.Fatal("--file on keyed collection without key should fail")
	}
	if _, err := selectRecords(db, []string{"settings"}, "", nil); !errors.Is(err, localdb.ErrNotFound) {
		t.Fatalf("missing record: got %v", err)
	}
}

func TestReadJSONFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(good, []byte(`{"timeZone":"UTC"}`), 0644)
	os.WriteFile(bad, []byte(`{oops`), 0644)

	if data, err := readJSONFile(good, nil); err != nil || !strings.Contains(string(data), "UTC") {
		t.Fatalf("good: %q (%v)", data, err)
	}
	if _, err := readJSONFile(bad, nil); err == nil || !strings.Contains(err.Error(), "not valid JSON") {
		t.Fatalf("bad: %v", err)
	}
	if _, err := readJSONFile(filepath.Join(dir, "missing.json"), nil); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestPrintPushResult(t *testing.T) {
	var buf bytes.Buffer
	printPushResult(&buf, daemon.PushResult{})
	if !strings.Contains(buf.String(), "Nothing to push") {
		t.Fatalf("empty: %q", buf.String())
	}

	buf.Reset()
	printPushResult(&buf, daemon.PushResult{Pushed: 2, Queued: 1, Changed: 1})
	for _, want := range []string{"Pushed 2 of 4", "1 failed", "1 changed"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("missing %q in %q", want, buf.String())
		}
	}
}

func TestFindTaskID(t *testing.T) {
	isolate(t)
	db := openTestDB(t)
	const date = "2026-02-18"
	for _, id := range []string{"abc111", "abc222", "def333"} {
		if _, err := db.AddTask(date, models.Task{ID: id, Title: id}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		prefix, want, errPart string
	}{
		{"def", "def333", ""},
		{"abc111", "abc111", ""},
		{"abc", "", "ambiguous"},
		{"zzz", "", "no task"},
	}
	for _, tt := range tests {
		got, err := findTaskID(db, date, tt.prefix)
		if tt.errPart != "" {
			if err == nil || !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("findTaskID(%q) err = %v, want %q", tt.prefix, err, tt.errPart)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("findTaskID(%q) = %q (%v), want %q", tt.prefix, got, err, tt.want)
		}
	}
}

func TestFormatMeta(t *testing.T) {
	got := formatMeta(map[string]any{"id": "settings", "updated_at": float64(1700000000000), "merged": true})
	want := "id=settings merged=true updated_at=1700000000000"
	if got != want {
		t.Fatalf("formatMeta = %q, want %q", got, want)
	}
	if formatMeta(nil) != "" {
		t.Fatal("nil meta should be empty")
	}
}

func TestPrintLogEntry(t *testing.T) {
	var buf bytes.Buffer
	printLogEntry(&buf, localdb.SyncLogEntry{
		ID:        1,
		Channel:   "push",
		Level:     "warn",
		Message:   "fetch failed",
		Meta:      map[string]any{"id": "gameState"},
		Error:     "offline",
		CreatedAt: time.Date(2026, 2, 18, 10, 30, 45, 0, time.Local),
	})
	for _, want := range []string{"10:30:45", "WARN", "push", "fetch failed", "id=gameState", "offline"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("missing %q in %q", want, buf.String())
		}
	}
}

func TestFormatWatchEvent(t *testing.T) {
	at := time.Date(2026, 2, 18, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		ev   watch.Event
		want []string
	}{
		{watch.Event{At: at, Collection: "dailyData", Key: "2026-02-18", Data: json.RawMessage(`{"a":1}`)}, []string{"09:00:00", "dailyData/2026-02-18", "7 B"}},
		{watch.Event{At: at, Collection: "templates", Key: "t1"}, []string{"templates/t1", "removed"}},
		{watch.Event{At: at, Collection: "gameState", Data: json.RawMessage(`{}`), Err: errors.New("locked")}, []string{"gameState", "apply failed: locked"}},
	}
	for _, tt := range tests {
		got := formatWatchEvent(tt.ev)
		for _, want := range tt.want {
			if !strings.Contains(got, want) {
				t.Errorf("formatWatchEvent(%s) = %q, missing %q", tt.ev.Collection, got, want)
			}
		}
	}
}

func TestStreamEventsStopsOnCancel(t *testing.T) {
	events := make(chan watch.Event, 2)
	events <- watch.Event{Collection: "settings", Data: json.RawMessage(`{}`)}
	ctx, cancel := context.WithCancel(context.Background())

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		streamEvents(ctx, &buf, events)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("streamEvents did not stop")
	}
	if !strings.Contains(buf.String(), "settings") {
		t.Fatalf("output: %q", buf.String())
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("short"); got != "****" {
		t.Fatalf("short: %q", got)
	}
	if got := maskToken("eyJhbGciOiJIUzI1NiJ9.payload.sig"); got != "eyJhbG….sig" {
		t.Fatalf("long: %q", got)
	}
}

func TestBuildStatus(t *testing.T) {
	dir := isolate(t)
	db := openTestDB(t)
	if _, err := db.Put("settings", "", models.Settings{TimeZone: "UTC"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AddTask("2026-02-18", models.Task{Title: "a"}); err != nil {
		t.Fatal(err)
	}

	r, err := buildStatus(db, dir)
	if err != nil {
		t.Fatalf("buildStatus: %v", err)
	}
	if r.Authenticated || r.DaemonRunning {
		t.Fatalf("report: %+v", r)
	}
	if r.Records != 2 || r.Unpushed != 2 {
		t.Fatalf("counts: %d/%d", r.Records, r.Unpushed)
	}
	if r.Collections["settings"] != 1 || r.Collections["dailyData"] != 1 {
		t.Fatalf("collections: %v", r.Collections)
	}
	if r.DeviceID == "" {
		t.Fatal("device id should be generated")
	}

	var buf bytes.Buffer
	printStatus(&buf, r)
	for _, want := range []string{"not authenticated", "Daemon:    stopped", "2 records, 2 unpushed"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("missing %q in %q", want, buf.String())
		}
	}
}
