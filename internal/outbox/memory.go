package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus/offsync/internal/mutation"
)

// Memory is a non-durable outbox with the same semantics as SQLite. Queued
// records are lost when the process exits; use it for tests and environments
// without a writable disk.
type Memory struct {
	mu      sync.Mutex
	records []mutation.Record
	keys    map[string]bool
	nextID  int64
}

// NewMemory returns an empty in-memory outbox.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]bool)}
}

func (m *Memory) Enqueue(_ context.Context, rec *mutation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[rec.IdempotencyKey] {
		return fmt.Errorf("enqueue %s: %w", rec.IdempotencyKey, ErrDuplicateKey)
	}
	if len(rec.Payload) == 0 {
		rec.Payload = []byte("null")
	}
	m.nextID++
	rec.ID = m.nextID
	m.keys[rec.IdempotencyKey] = true
	m.records = append(m.records, cloneRecord(*rec))
	return nil
}

func (m *Memory) List(_ context.Context) ([]mutation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]mutation.Record, len(m.records))
	for i, r := range m.records {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

func (m *Memory) Remove(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.records {
		if r.ID == id {
			delete(m.keys, r.IdempotencyKey)
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

// cloneRecord copies the byte slices so callers cannot mutate stored records.
func cloneRecord(r mutation.Record) mutation.Record {
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Metadata != nil {
		r.Metadata = append([]byte(nil), r.Metadata...)
	}
	return r
}
