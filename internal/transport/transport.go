// Package transport delivers queued mutations to the server and classifies
// the outcome of each attempt.
package transport

import (
	"context"

	"github.com/marcus/offsync/internal/mutation"
	"github.com/marcus/offsync/internal/syncclient"
)

// Sender delivers one mutation. overwrite asks the server to apply the
// mutation against current state even if it conflicts.
type Sender interface {
	Send(ctx context.Context, rec *mutation.Record, overwrite bool) error
}

// HTTP sends mutations through a syncclient.Client.
type HTTP struct {
	client *syncclient.Client
}

// NewHTTP returns a Sender backed by client.
func NewHTTP(client *syncclient.Client) *HTTP {
	return &HTTP{client: client}
}

// Send issues rec.Method rec.Endpoint with the record's idempotency key.
func (h *HTTP) Send(ctx context.Context, rec *mutation.Record, overwrite bool) error {
	_, err := h.client.Send(ctx, string(rec.Method), rec.Endpoint, rec.Payload, rec.IdempotencyKey, overwrite)
	return err
}
