package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFile)
	database, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()

	for _, table := range []string{"outbox", "snapshots", "schema_info"} {
		var name string
		err := database.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	if got := database.SchemaVersion(); got != SchemaVersion {
		t.Errorf("schema version: got %d, want %d", got, SchemaVersion)
	}
	if database.Path() != path {
		t.Errorf("path: got %q, want %q", database.Path(), path)
	}
}

func TestOpen_ReopenIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.Conn().Exec(
		`INSERT INTO outbox (action, endpoint, method, payload, idempotency_key, created_at) VALUES ('add_record', '/records', 'POST', '{}', 'k1', CURRENT_TIMESTAMP)`,
	); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	n, err := second.RunMigrations()
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if n != 0 {
		t.Errorf("migrations run on current db: got %d, want 0", n)
	}

	var count int
	if err := second.Conn().QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows after reopen: got %d, want 1", count)
	}
}

func TestSchema_RejectsUnknownMethod(t *testing.T) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Exec(schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	_, err = conn.Exec(`INSERT INTO outbox (action, endpoint, method, payload, idempotency_key, created_at) VALUES ('add_record', '/records', 'GET', '{}', 'k1', CURRENT_TIMESTAMP)`)
	if err == nil {
		t.Fatal("expected CHECK constraint failure for GET")
	}
}

func TestSchema_IdempotencyKeyUnique(t *testing.T) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Exec(schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	insert := `INSERT INTO outbox (action, endpoint, method, payload, idempotency_key, created_at) VALUES ('add_record', '/records', 'POST', '{}', 'same', CURRENT_TIMESTAMP)`
	if _, err := conn.Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := conn.Exec(insert); err == nil {
		t.Fatal("expected unique violation on repeated idempotency_key")
	}
}
