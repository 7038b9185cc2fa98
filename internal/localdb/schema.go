package localdb

// SchemaVersion is the current database schema version
const SchemaVersion = 2

const schema = `
-- Cached collection records, one row per (collection, key)
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL,
    key TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    dirty INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (collection, key)
);

CREATE INDEX IF NOT EXISTS idx_records_dirty ON records(dirty) WHERE dirty = 1;

-- Sync log entries
CREATE TABLE IF NOT EXISTS sync_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    meta TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

-- Schema info
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Migration defines a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all migrations in order
var Migrations = []Migration{
	{
		Version:     2,
		Description: "Track remote envelope metadata on records",
		SQL: `
ALTER TABLE records ADD COLUMN remote_updated_at INTEGER NOT NULL DEFAULT 0;
ALTER TABLE records ADD COLUMN remote_device_id TEXT NOT NULL DEFAULT '';
`,
	},
}
