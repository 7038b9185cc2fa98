package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var testNow = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db, err := NewSQLite(conn)
	if err != nil {
		t.Fatalf("init test db: %v", err)
	}
	now := testNow
	db.SetClock(func() time.Time { return now })
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenSQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "server.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if v := db.SchemaVersion(); v != ServerSchemaVersion {
		t.Fatalf("schema version: got %d, want %d", v, ServerSchemaVersion)
	}
	db.Close()

	// Reopen runs nothing.
	db, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if n, err := db.RunMigrations(); err != nil || n != 0 {
		t.Fatalf("migrations on reopen: %d (%v)", n, err)
	}
}

func TestOpenDispatch(t *testing.T) {
	if !IsPostgresURL("postgres://u@h/db") || !IsPostgresURL("postgresql://h/db") {
		t.Fatal("postgres urls not detected")
	}
	if IsPostgresURL("/var/lib/blocksync/server.db") {
		t.Fatal("file path detected as postgres")
	}
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*SQLite); !ok {
		t.Fatalf("Open returned %T", store)
	}
}

func TestSetGetNode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.GetNode(ctx, "users/u1/settings"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v", err)
	}

	existed, err := db.SetNode(ctx, "users/u1/settings", []byte(`{"a":1}`))
	if err != nil || existed {
		t.Fatalf("first set: existed=%v err=%v", existed, err)
	}
	existed, err = db.SetNode(ctx, "users/u1/settings", []byte(`{"a":2}`))
	if err != nil || !existed {
		t.Fatalf("second set: existed=%v err=%v", existed, err)
	}

	n, err := db.GetNode(ctx, "users/u1/settings")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if string(n.Value) != `{"a":2}` || n.Parent != "users/u1" || n.Key != "settings" || !n.UpdatedAt.Equal(testNow) {
		t.Fatalf("node: got %+v", n)
	}

	existed, err = db.SetNode(ctx, "users/u1/settings", nil)
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	if _, err := db.GetNode(ctx, "users/u1/settings"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: got %v", err)
	}
}

func TestListChildren(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, p := range []string{
		"users/u1/dailyData/2026-02-18",
		"users/u1/dailyData/2026-02-01",
		"users/u1/dailyData/2026-02-12",
		"users/u1/dailyData/2026-02-12/extra",
		"users/u2/dailyData/2026-02-15",
	} {
		if _, err := db.SetNode(ctx, p, []byte(`{}`)); err != nil {
			t.Fatalf("SetNode %s: %v", p, err)
		}
	}

	nodes, err := db.ListChildren(ctx, "users/u1/dailyData", "2026-02-11")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Key != "2026-02-12" || nodes[1].Key != "2026-02-18" {
		t.Fatalf("children: got %+v", nodes)
	}

	all, _ := db.ListChildren(ctx, "users/u1/dailyData", "")
	if len(all) != 3 {
		t.Fatalf("all children: got %d", len(all))
	}
}

func TestDevices(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.TouchDevice(ctx, "u1", "phone"); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}
	later := testNow.Add(time.Hour)
	db.SetClock(func() time.Time { return later })
	if err := db.TouchDevice(ctx, "u1", "laptop"); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}
	if err := db.TouchDevice(ctx, "u1", "phone"); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}
	if err := db.TouchDevice(ctx, "u2", "tablet"); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}

	devices, err := db.ListDevices(ctx, "u1")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices: got %+v", devices)
	}
	phone := devices[1]
	if devices[0].DeviceID != "laptop" || phone.DeviceID != "phone" {
		t.Fatalf("order: got %+v", devices)
	}
	if !phone.FirstSeenAt.Equal(testNow) || !phone.LastSeenAt.Equal(later) {
		t.Fatalf("phone timestamps: got %+v", phone)
	}
}

func TestMigrationFromV1(t *testing.T) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	defer conn.Close()

	if _, err := conn.Exec(serverSchema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	conn.Exec(`INSERT INTO schema_info (key, value) VALUES ('version', '1')`)
	conn.Exec(`INSERT INTO devices (user_id, device_id, last_seen_at) VALUES ('u1', 'old', 42)`)

	db, err := NewSQLite(conn)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if v := db.SchemaVersion(); v != 2 {
		t.Fatalf("version: got %d", v)
	}
	devices, err := db.ListDevices(context.Background(), "u1")
	if err != nil || len(devices) != 1 {
		t.Fatalf("devices: %+v (%v)", devices, err)
	}
	if devices[0].FirstSeenAt.UnixMilli() != 42 {
		t.Fatalf("first_seen_at not backfilled: %v", devices[0].FirstSeenAt)
	}
}
