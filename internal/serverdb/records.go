package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is a stored JSON object. Version starts at 1 and increases on
// every write.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// WriteOptions controls conflict checks. ExpectedVersion, when set, must
// match the stored version. Overwrite skips every conflict check.
type WriteOptions struct {
	ExpectedVersion *int64
	Overwrite       bool
}

func (o WriteOptions) versionConflict(current int64) bool {
	return !o.Overwrite && o.ExpectedVersion != nil && *o.ExpectedVersion != current
}

// CreateRecord inserts a record. An empty id is generated. An existing id
// is a conflict unless overwrite is set, in which case the data is replaced.
func (db *ServerDB) CreateRecord(ctx context.Context, collection, id string, data json.RawMessage, overwrite bool) (*Record, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := validateRecord(collection, id, data); err != nil {
		return nil, err
	}

	var rec *Record
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecordTx(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if existing != nil {
			if !overwrite {
				return fmt.Errorf("%w: %s/%s already exists", ErrConflict, collection, id)
			}
			rec, err = updateRecordTx(ctx, tx, existing, data)
			return err
		}
		rec, err = insertRecordTx(ctx, tx, collection, id, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PutRecord replaces or creates a record. created reports whether the
// record did not exist before.
func (db *ServerDB) PutRecord(ctx context.Context, collection, id string, data json.RawMessage, opts WriteOptions) (rec *Record, created bool, err error) {
	if err := validateRecord(collection, id, data); err != nil {
		return nil, false, err
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecordTx(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if existing == nil {
			if opts.versionConflict(0) && *opts.ExpectedVersion > 0 {
				return fmt.Errorf("%w: %s/%s no longer exists", ErrConflict, collection, id)
			}
			created = true
			rec, err = insertRecordTx(ctx, tx, collection, id, data)
			return err
		}
		if opts.versionConflict(existing.Version) {
			return fmt.Errorf("%w: %s/%s is at version %d, not %d", ErrConflict, collection, id, existing.Version, *opts.ExpectedVersion)
		}
		rec, err = updateRecordTx(ctx, tx, existing, data)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// PatchRecord merges fields into an existing record. A null value removes
// the field.
func (db *ServerDB) PatchRecord(ctx context.Context, collection, id string, patch map[string]json.RawMessage, opts WriteOptions) (*Record, error) {
	if err := validateRecord(collection, id, json.RawMessage("{}")); err != nil {
		return nil, err
	}

	var rec *Record
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecordTx(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		if opts.versionConflict(existing.Version) {
			return fmt.Errorf("%w: %s/%s is at version %d, not %d", ErrConflict, collection, id, existing.Version, *opts.ExpectedVersion)
		}

		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(existing.Data, &fields); err != nil {
			return fmt.Errorf("decode stored record: %w", err)
		}
		for k, v := range patch {
			if strings.TrimSpace(string(v)) == "null" {
				delete(fields, k)
				continue
			}
			fields[k] = v
		}
		merged, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode merged record: %w", err)
		}
		rec, err = updateRecordTx(ctx, tx, existing, merged)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteRecord removes a record. Deleting a missing record is a conflict
// unless overwrite is set.
func (db *ServerDB) DeleteRecord(ctx context.Context, collection, id string, opts WriteOptions) (existed bool, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecordTx(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if existing == nil {
			if opts.Overwrite {
				return nil
			}
			return fmt.Errorf("%w: %s/%s already deleted", ErrConflict, collection, id)
		}
		if opts.versionConflict(existing.Version) {
			return fmt.Errorf("%w: %s/%s is at version %d, not %d", ErrConflict, collection, id, existing.Version, *opts.ExpectedVersion)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		existed = true
		return nil
	})
	return existed, err
}

// GetRecord returns a record or ErrNotFound.
func (db *ServerDB) GetRecord(ctx context.Context, collection, id string) (*Record, error) {
	rec, err := scanRecord(db.conn.QueryRowContext(ctx, selectRecord+` WHERE collection = ? AND id = ?`, collection, id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return rec, nil
}

// ListRecords returns up to limit records of a collection ordered by id.
func (db *ServerDB) ListRecords(ctx context.Context, collection string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, selectRecord+` WHERE collection = ? ORDER BY id LIMIT ?`, collection, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: iterate: %w", err)
	}
	return records, nil
}

const selectRecord = `SELECT collection, id, data, version, created_at, updated_at FROM records`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord returns nil, nil for sql.ErrNoRows.
func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec              Record
		data             string
		created, updated string
	)
	err := row.Scan(&rec.Collection, &rec.ID, &data, &rec.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.Data = json.RawMessage(data)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

func getRecordTx(ctx context.Context, tx *sql.Tx, collection, id string) (*Record, error) {
	return scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE collection = ? AND id = ?`, collection, id))
}

func insertRecordTx(ctx context.Context, tx *sql.Tx, collection, id string, data json.RawMessage) (*Record, error) {
	now := time.Now().UTC()
	ts := now.Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (collection, id, data, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		collection, id, string(data), ts, ts,
	); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return &Record{Collection: collection, ID: id, Data: data, Version: 1, CreatedAt: now, UpdatedAt: now}, nil
}

func updateRecordTx(ctx context.Context, tx *sql.Tx, existing *Record, data json.RawMessage) (*Record, error) {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, version = version + 1, updated_at = ? WHERE collection = ? AND id = ?`,
		string(data), now.Format(timeLayout), existing.Collection, existing.ID,
	); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	rec := *existing
	rec.Data = data
	rec.Version++
	rec.UpdatedAt = now
	return &rec, nil
}

func (db *ServerDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func validateRecord(collection, id string, data json.RawMessage) error {
	if !ValidName(collection) {
		return fmt.Errorf("%w: bad collection %q", ErrInvalid, collection)
	}
	if !ValidName(id) {
		return fmt.Errorf("%w: bad id %q", ErrInvalid, id)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: data must be a JSON object", ErrInvalid)
	}
	return nil
}

// ValidName reports whether s can be used as a collection or record id:
// 1-128 characters of letters, digits, '-', '_' and '.', and not "." or "..".
func ValidName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return s != "." && s != ".."
}
