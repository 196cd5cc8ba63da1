// Package mutation defines the write intents the client records and replays:
// a closed set of actions, each with a fixed shape, plus the durable record
// form stored in the outbox.
package mutation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid mutation")

// Action is the symbolic operation tag of a mutation.
type Action string

const (
	ActionAddRecord    Action = "add_record"
	ActionUpdateRecord Action = "update_record"
	ActionPatchRecord  Action = "patch_record"
	ActionDeleteRecord Action = "delete_record"
)

// Method is the HTTP method a mutation is sent with.
type Method string

const (
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// ParseMethod normalizes and checks a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unsupported method %q", ErrInvalid, s)
	}
}

// MaxKeyLength bounds caller-supplied idempotency keys.
const MaxKeyLength = 255

// Submission is a caller's request to apply a mutation.
type Submission struct {
	Action         Action
	Endpoint       string
	Method         Method
	Payload        json.RawMessage
	IdempotencyKey string          // optional; generated when empty
	Metadata       json.RawMessage // optional caller reconciliation data
}

// Record is one unconfirmed write intent. Records are never mutated after
// they are stored; the same IdempotencyKey is sent on every attempt.
type Record struct {
	ID             int64           `json:"id"`
	Action         Action          `json:"action"`
	Endpoint       string          `json:"endpoint"`
	Method         Method          `json:"method"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewIdempotencyKey returns a fresh random key.
func NewIdempotencyKey() string {
	return "ofs-" + uuid.NewString()
}

// Record builds the unsaved record for s, generating a key if s has none.
// The caller must have validated s.
func (s Submission) Record(now time.Time) Record {
	key := s.IdempotencyKey
	if key == "" {
		key = NewIdempotencyKey()
	}
	payload := s.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}
	return Record{
		Action:         s.Action,
		Endpoint:       s.Endpoint,
		Method:         s.Method,
		Payload:        payload,
		IdempotencyKey: key,
		Metadata:       s.Metadata,
		CreatedAt:      now.UTC(),
	}
}

func validateKey(key string) error {
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: idempotency key longer than %d bytes", ErrInvalid, MaxKeyLength)
	}
	for _, r := range key {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || r == ' ' {
			return fmt.Errorf("%w: idempotency key contains %q", ErrInvalid, r)
		}
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	switch {
	case !strings.HasPrefix(endpoint, "/"):
		return fmt.Errorf("%w: endpoint %q must start with /", ErrInvalid, endpoint)
	case strings.Contains(endpoint, ".."):
		return fmt.Errorf("%w: endpoint %q contains ..", ErrInvalid, endpoint)
	case strings.ContainsAny(endpoint, "?# \t\r\n"):
		return fmt.Errorf("%w: endpoint %q contains query, fragment or whitespace", ErrInvalid, endpoint)
	case strings.Contains(endpoint, "//"):
		return fmt.Errorf("%w: endpoint %q has an empty segment", ErrInvalid, endpoint)
	}
	return nil
}

// segments returns the non-empty path segments of endpoint.
func segments(endpoint string) []string {
	return strings.FieldsFunc(endpoint, func(r rune) bool { return r == '/' })
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(trimmed, &obj) == nil
}

func isEmptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
