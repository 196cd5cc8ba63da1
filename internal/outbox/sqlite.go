package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/offsync/internal/db"
	"github.com/marcus/offsync/internal/mutation"
)

// SQLite is the durable outbox backed by the client database.
type SQLite struct {
	conn *sql.DB
}

// NewSQLite returns an outbox stored in database.
func NewSQLite(database *db.DB) *SQLite {
	return &SQLite{conn: database.Conn()}
}

// Enqueue inserts rec and sets its ID.
func (s *SQLite) Enqueue(ctx context.Context, rec *mutation.Record) error {
	var metadata any
	if len(rec.Metadata) > 0 {
		metadata = string(rec.Metadata)
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO outbox (action, endpoint, method, payload, idempotency_key, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Action), rec.Endpoint, string(rec.Method), string(payload),
		rec.IdempotencyKey, metadata, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("enqueue %s: %w", rec.IdempotencyKey, ErrDuplicateKey)
		}
		return fmt.Errorf("enqueue: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// List returns all queued records ordered by id.
func (s *SQLite) List(ctx context.Context) ([]mutation.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, action, endpoint, method, payload, idempotency_key, metadata, created_at
		FROM outbox ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var records []mutation.Record
	for rows.Next() {
		var (
			rec                   mutation.Record
			action, method, tsStr string
			payload               string
			metadata              sql.NullString
		)
		if err := rows.Scan(&rec.ID, &action, &rec.Endpoint, &method, &payload, &rec.IdempotencyKey, &metadata, &tsStr); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		rec.Action = mutation.Action(action)
		rec.Method = mutation.Method(method)
		rec.Payload = json.RawMessage(payload)
		if metadata.Valid && metadata.String != "" {
			rec.Metadata = json.RawMessage(metadata.String)
		}
		if ts, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
			rec.CreatedAt = ts
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return records, nil
}

// Remove deletes the record with the given id.
func (s *SQLite) Remove(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove %d: %w", id, err)
	}
	return nil
}

// Count returns the number of queued records.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
