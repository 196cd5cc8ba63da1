package mutation

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Shape describes what a valid mutation of one action looks like.
type Shape struct {
	Method          Method
	NeedsResourceID bool // endpoint must name a single resource: /collection/id
	PayloadRequired bool // payload must be a JSON object
}

// Catalog maps every known action to its shape. Mutations whose action is
// not in the catalog are rejected before anything is sent or stored.
type Catalog map[Action]Shape

// DefaultCatalog returns the record actions understood by the mutation endpoint.
func DefaultCatalog() Catalog {
	return Catalog{
		ActionAddRecord:    {Method: MethodPost, PayloadRequired: true},
		ActionUpdateRecord: {Method: MethodPut, NeedsResourceID: true, PayloadRequired: true},
		ActionPatchRecord:  {Method: MethodPatch, NeedsResourceID: true, PayloadRequired: true},
		ActionDeleteRecord: {Method: MethodDelete, NeedsResourceID: true},
	}
}

// Register adds or replaces the shape of an action.
func (c Catalog) Register(action Action, shape Shape) {
	c[action] = shape
}

// Actions returns the known actions sorted by name.
func (c Catalog) Actions() []Action {
	out := make([]Action, 0, len(c))
	for a := range c {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Normalize fills the method from the action's shape when the caller left it empty.
func (c Catalog) Normalize(s Submission) Submission {
	if s.Method == "" {
		if shape, ok := c[s.Action]; ok {
			s.Method = shape.Method
		}
	}
	return s
}

// Validate checks s against the shape of its action.
func (c Catalog) Validate(s Submission) error {
	shape, ok := c[s.Action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalid, s.Action)
	}
	if s.Method != shape.Method {
		return fmt.Errorf("%w: action %s requires %s, got %q", ErrInvalid, s.Action, shape.Method, s.Method)
	}
	if err := validateEndpoint(s.Endpoint); err != nil {
		return err
	}

	segs := segments(s.Endpoint)
	if len(segs) == 0 {
		return fmt.Errorf("%w: endpoint %q names no collection", ErrInvalid, s.Endpoint)
	}
	if shape.NeedsResourceID && len(segs) < 2 {
		return fmt.Errorf("%w: action %s needs a resource id in endpoint %q", ErrInvalid, s.Action, s.Endpoint)
	}

	switch {
	case shape.PayloadRequired && !isJSONObject(s.Payload):
		return fmt.Errorf("%w: action %s needs a JSON object payload", ErrInvalid, s.Action)
	case !shape.PayloadRequired && !isEmptyPayload(s.Payload) && !isJSONObject(s.Payload):
		return fmt.Errorf("%w: payload must be empty or a JSON object", ErrInvalid)
	}

	if len(s.Metadata) > 0 && !json.Valid(s.Metadata) {
		return fmt.Errorf("%w: metadata is not valid JSON", ErrInvalid)
	}
	if s.IdempotencyKey != "" {
		if err := validateKey(s.IdempotencyKey); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRecord re-checks a stored record before it is sent.
func (c Catalog) ValidateRecord(r Record) error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: record %d has no idempotency key", ErrInvalid, r.ID)
	}
	return c.Validate(Submission{
		Action:         r.Action,
		Endpoint:       r.Endpoint,
		Method:         r.Method,
		Payload:        r.Payload,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       r.Metadata,
	})
}
