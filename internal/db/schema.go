package db

// SchemaVersion is the current client database schema version
const SchemaVersion = 2

const schema = `
-- Pending mutations, replayed in id order
CREATE TABLE IF NOT EXISTS outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    method TEXT NOT NULL CHECK(method IN ('POST', 'PUT', 'PATCH', 'DELETE')),
    payload JSON NOT NULL DEFAULT 'null',
    idempotency_key TEXT NOT NULL UNIQUE,
    metadata JSON,
    created_at DATETIME NOT NULL
);

-- Last known good reads per resource key
CREATE TABLE IF NOT EXISTS snapshots (
    resource_key TEXT PRIMARY KEY,
    payload JSON NOT NULL,
    saved_at DATETIME NOT NULL
);
`

// Migration represents a client database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all client database migrations in order
var Migrations = []Migration{
	// Version 1 is the initial schema - no migration needed
	{
		Version:     2,
		Description: "Index snapshots by save time",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_snapshots_saved_at ON snapshots(saved_at);`,
	},
}
