package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/marcus/offsync/internal/idempotency"
	"github.com/marcus/offsync/internal/serverdb"
)

// Idempotency protocol headers.
const (
	headerIdempotencyKey = "Idempotency-Key"
	headerOverwrite      = "X-Overwrite"
	headerReplayed       = "Idempotent-Replayed"
)

const maxIdempotencyKeyLen = 255

// RecordListResponse is the body of GET /v1/{collection}.
type RecordListResponse struct {
	Records []serverdb.Record `json:"records"`
}

// DeleteResponse is the body of a successful DELETE.
type DeleteResponse struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Deleted    bool   `json:"deleted"`
}

// mutation is a decoded write request.
type mutation struct {
	collection string
	id         string
	fields     map[string]json.RawMessage
	version    *int64
	overwrite  bool
}

// data returns the payload without the control fields.
func (m *mutation) data() json.RawMessage {
	b, _ := json.Marshal(m.fields)
	return b
}

func (m *mutation) opts() serverdb.WriteOptions {
	return serverdb.WriteOptions{ExpectedVersion: m.version, Overwrite: m.overwrite}
}

// handleCreate handles POST /v1/{collection}.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.guarded(w, r, func(ctx context.Context, m *mutation) idempotency.Response {
		rec, err := s.store.CreateRecord(ctx, m.collection, m.id, m.data(), m.overwrite)
		if err != nil {
			return s.mutationError(ctx, r.Method, err)
		}
		s.metrics.RecordMutation(r.Method, "ok")
		status := http.StatusCreated
		if rec.Version > 1 {
			status = http.StatusOK
		}
		return jsonResponse(status, rec)
	})
}

// handlePut handles PUT /v1/{collection}/{id}.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.guarded(w, r, func(ctx context.Context, m *mutation) idempotency.Response {
		rec, created, err := s.store.PutRecord(ctx, m.collection, m.id, m.data(), m.opts())
		if err != nil {
			return s.mutationError(ctx, r.Method, err)
		}
		s.metrics.RecordMutation(r.Method, "ok")
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return jsonResponse(status, rec)
	})
}

// handlePatch handles PATCH /v1/{collection}/{id}.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	s.guarded(w, r, func(ctx context.Context, m *mutation) idempotency.Response {
		rec, err := s.store.PatchRecord(ctx, m.collection, m.id, m.fields, m.opts())
		if err != nil {
			return s.mutationError(ctx, r.Method, err)
		}
		s.metrics.RecordMutation(r.Method, "ok")
		return jsonResponse(http.StatusOK, rec)
	})
}

// handleDelete handles DELETE /v1/{collection}/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.guarded(w, r, func(ctx context.Context, m *mutation) idempotency.Response {
		existed, err := s.store.DeleteRecord(ctx, m.collection, m.id, m.opts())
		if err != nil {
			return s.mutationError(ctx, r.Method, err)
		}
		s.metrics.RecordMutation(r.Method, "ok")
		return jsonResponse(http.StatusOK, DeleteResponse{Collection: m.collection, ID: m.id, Deleted: existed})
	})
}

// handleGet handles GET /v1/{collection}/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := pathRecord(w, r)
	if !ok {
		return
	}
	rec, err := s.store.GetRecord(r.Context(), collection, id)
	if err != nil {
		status, code := recordErrorStatus(err)
		if status >= 500 {
			logFor(r.Context()).Error("get record", "collection", collection, "id", id, "err", err)
			writeError(w, status, code, "failed to read record")
			return
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleList handles GET /v1/{collection}?limit=N.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if !serverdb.ValidName(collection) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid collection name")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.store.ListRecords(r.Context(), collection, limit)
	if err != nil {
		logFor(r.Context()).Error("list records", "collection", collection, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: recs})
}

// guarded decodes a write request and runs apply through the idempotency
// guard. The stored response is written verbatim on replay.
func (s *Server) guarded(w http.ResponseWriter, r *http.Request, apply func(context.Context, *mutation) idempotency.Response) {
	collection := r.PathValue("collection")
	if !serverdb.ValidName(collection) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid collection name")
		return
	}
	id := r.PathValue("id")
	if id != "" && !serverdb.ValidName(id) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid record id")
		return
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "idempotency key too long")
		return
	}
	overwrite := parseBoolHeader(r.Header.Get(headerOverwrite))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "failed to read body")
		return
	}

	req := idempotency.Request{
		ActorID:     getActor(r.Context()).ID,
		Key:         key,
		Overwrite:   overwrite,
		Fingerprint: idempotency.Fingerprint(r.Method, r.URL.Path, body),
	}
	resp, replayed, err := s.guard.Do(r.Context(), req, func(ctx context.Context) idempotency.Response {
		m, err := decodeMutation(collection, id, body)
		if err != nil {
			s.metrics.RecordMutation(r.Method, "invalid")
			return errorResponse(http.StatusUnprocessableEntity, ErrCodeValidationFailed, err.Error())
		}
		m.overwrite = overwrite
		return apply(ctx, m)
	})
	if errors.Is(err, idempotency.ErrKeyReused) {
		s.metrics.RecordKeyReused()
		writeError(w, http.StatusUnprocessableEntity, ErrCodeKeyReused, err.Error())
		return
	}
	if err != nil {
		logFor(r.Context()).Error("idempotency guard", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "idempotency check failed")
		return
	}

	if replayed {
		s.metrics.RecordReplay()
		w.Header().Set(headerReplayed, "true")
		logFor(r.Context()).Debug("idempotent replay", "key", key, "status", resp.Status)
	} else if overwrite {
		s.metrics.RecordOverwrite()
	}

	ct := resp.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// decodeMutation parses a JSON object body. The optional "id" (POST only)
// and "version" fields are control fields and are not stored.
func decodeMutation(collection, id string, body []byte) (*mutation, error) {
	m := &mutation{collection: collection, id: id, fields: map[string]json.RawMessage{}}
	if len(strings.TrimSpace(string(body))) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(body, &m.fields); err != nil || m.fields == nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}

	if raw, ok := m.fields["id"]; ok {
		delete(m.fields, "id")
		if id == "" {
			if err := json.Unmarshal(raw, &m.id); err != nil {
				return nil, fmt.Errorf("id must be a string")
			}
		}
	}
	if raw, ok := m.fields["version"]; ok {
		delete(m.fields, "version")
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil || v < 0 {
			return nil, fmt.Errorf("version must be a non-negative integer")
		}
		m.version = &v
	}
	return m, nil
}

// mutationError maps a store error to a cacheable response.
func (s *Server) mutationError(ctx context.Context, method string, err error) idempotency.Response {
	status, code := recordErrorStatus(err)
	switch status {
	case http.StatusConflict:
		s.metrics.RecordMutation(method, "conflict")
	case http.StatusNotFound:
		s.metrics.RecordMutation(method, "not_found")
	case http.StatusUnprocessableEntity:
		s.metrics.RecordMutation(method, "invalid")
	default:
		s.metrics.RecordMutation(method, "error")
		logFor(ctx).Error("apply mutation", "method", method, "err", err)
		return errorResponse(status, code, "failed to apply mutation")
	}
	return errorResponse(status, code, err.Error())
}

func recordErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, serverdb.ErrConflict):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, serverdb.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, serverdb.ErrInvalid):
		return http.StatusUnprocessableEntity, ErrCodeValidationFailed
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

func pathRecord(w http.ResponseWriter, r *http.Request) (collection, id string, ok bool) {
	collection, id = r.PathValue("collection"), r.PathValue("id")
	if !serverdb.ValidName(collection) || !serverdb.ValidName(id) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid record path")
		return "", "", false
	}
	return collection, id, true
}

func jsonResponse(status int, v any) idempotency.Response {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, ErrCodeInternal, "failed to encode response")
	}
	return idempotency.Response{Status: status, Body: append(b, '\n'), ContentType: "application/json"}
}

func errorResponse(status int, code, message string) idempotency.Response {
	return idempotency.Response{Status: status, Body: errorBody(code, message), ContentType: "application/json"}
}

func parseBoolHeader(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
