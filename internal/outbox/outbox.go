// Package outbox stores pending mutations durably and in order until the
// sync engine confirms them.
package outbox

import (
	"context"
	"errors"

	"github.com/marcus/offsync/internal/mutation"
)

// ErrDuplicateKey is returned when a record with the same idempotency key is
// already queued.
var ErrDuplicateKey = errors.New("idempotency key already queued")

// Store is an order-preserving queue of pending mutation records.
//
// Enqueue assigns rec.ID (strictly increasing, never reused) and returns only
// after the record is stored. List returns records in enqueue order. Remove
// deletes one record; removing an unknown id is not an error.
type Store interface {
	Enqueue(ctx context.Context, rec *mutation.Record) error
	List(ctx context.Context) ([]mutation.Record, error)
	Remove(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
}
