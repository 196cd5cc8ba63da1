// Package snapshot keeps the last successful read of each resource so reads
// can degrade to stale data while the server is unreachable.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus/offsync/internal/db"
)

// ErrMissing is returned by Read when no snapshot exists for the key.
var ErrMissing = errors.New("snapshot missing")

// Entry is a cached read result.
type Entry struct {
	Key     string
	Payload json.RawMessage
	SavedAt time.Time
}

// Store holds one payload per resource key. Save overwrites; entries never expire.
type Store interface {
	Save(ctx context.Context, key string, payload json.RawMessage) error
	Read(ctx context.Context, key string) (*Entry, error)
}

// SQLite stores snapshots in the client database.
type SQLite struct {
	conn *sql.DB
	now  func() time.Time
}

// NewSQLite returns a snapshot store in database.
func NewSQLite(database *db.DB) *SQLite {
	return &SQLite{conn: database.Conn(), now: time.Now}
}

func (s *SQLite) Save(ctx context.Context, key string, payload json.RawMessage) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO snapshots (resource_key, payload, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(resource_key) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		key, string(payload), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Read(ctx context.Context, key string) (*Entry, error) {
	var payload, savedAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT payload, saved_at FROM snapshots WHERE resource_key = ?`, key,
	).Scan(&payload, &savedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}

	e := &Entry{Key: key, Payload: json.RawMessage(payload)}
	if ts, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		e.SavedAt = ts
	}
	return e, nil
}

// Memory is a non-durable snapshot store for tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemory returns an empty in-memory snapshot store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), now: time.Now}
}

func (m *Memory) Save(_ context.Context, key string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{
		Key:     key,
		Payload: append(json.RawMessage(nil), payload...),
		SavedAt: m.now().UTC(),
	}
	return nil
}

func (m *Memory) Read(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrMissing
	}
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	return &e, nil
}
