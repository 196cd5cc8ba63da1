package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/offsync/internal/idempotency"
)

// IdempotencyCache returns an idempotency.Cache stored in the
// idempotency_keys table. Entries survive restarts.
func (db *ServerDB) IdempotencyCache() idempotency.Cache {
	return idemStore{db: db}
}

type idemStore struct{ db *ServerDB }

func (s idemStore) Get(ctx context.Context, actorID, key string) (*idempotency.Entry, error) {
	var (
		e                idempotency.Entry
		created, expires string
	)
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT status, body, content_type, fingerprint, created_at, expires_at
		 FROM idempotency_keys WHERE actor_id = ? AND idem_key = ? AND expires_at > ?`,
		actorID, key, time.Now().UTC().Format(timeLayout),
	).Scan(&e.Status, &e.Body, &e.ContentType, &e.Fingerprint, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency entry: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return &e, nil
}

func (s idemStore) Put(ctx context.Context, actorID, key string, e idempotency.Entry) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency_keys
		 (actor_id, idem_key, status, body, content_type, fingerprint, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		actorID, key, e.Status, e.Body, e.ContentType, e.Fingerprint,
		e.CreatedAt.UTC().Format(timeLayout), e.ExpiresAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put idempotency entry: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotency deletes entries that expired before now.
func (db *ServerDB) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
