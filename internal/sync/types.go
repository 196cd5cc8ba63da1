// Package sync delivers mutations to the server, queueing them in the
// outbox while offline and replaying the outbox in order on reconnect.
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/offsync/internal/mutation"
	"github.com/marcus/offsync/internal/transport"
)

// Connectivity is the engine's view of the connectivity monitor.
type Connectivity interface {
	Online() bool
	SetOnline(online bool)
}

// Locker guards drains across processes sharing one outbox.
type Locker interface {
	TryLock() (unlock func(), ok bool, err error)
}

// SubmitResult reports how a submission was handled. Queued is true when
// the mutation was stored for a later drain instead of being applied.
type SubmitResult struct {
	Queued bool            `json:"queued"`
	Record mutation.Record `json:"record"`
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Synced    int   `json:"synced"`
	Remaining int   `json:"remaining"`
	Skipped   bool  `json:"skipped,omitempty"` // another drain was running
	Blocked   error `json:"-"`                 // non-network failure that halted the pass
}

// DeliveryError is a send failure that was not network-classified. For
// drains the record stays at the head of the outbox.
type DeliveryError struct {
	Class  transport.Class
	Record mutation.Record
	Resent bool // failure happened on the overwrite resend
	Err    error
}

func (e *DeliveryError) Error() string {
	stage := "send"
	if e.Resent {
		stage = "overwrite resend"
	}
	return fmt.Sprintf("%s %s %s (%s): %s: %v",
		stage, e.Record.Method, e.Record.Endpoint, e.Record.IdempotencyKey, e.Class, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ReadResult is the outcome of Reader.Read.
type ReadResult struct {
	Data    json.RawMessage `json:"data"`
	Stale   bool            `json:"stale"`
	SavedAt time.Time       `json:"saved_at"`
}
