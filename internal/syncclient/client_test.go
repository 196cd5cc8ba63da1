package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_Headers(t *testing.T) {
	var gotKey, gotOverwrite, gotAuth, gotBody, gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(HeaderIdempotencyKey)
		gotOverwrite = r.Header.Get(HeaderOverwrite)
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set(HeaderReplayed, "true")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"r1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "tok", time.Second)
	resp, err := c.Send(context.Background(), http.MethodPost, "/records", json.RawMessage(`{"a":1}`), "k1", true)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/records" {
		t.Errorf("request: got %s %s", gotMethod, gotPath)
	}
	if gotKey != "k1" {
		t.Errorf("idempotency key: got %q, want k1", gotKey)
	}
	if gotOverwrite != "true" {
		t.Errorf("overwrite header: got %q, want true", gotOverwrite)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth: got %q", gotAuth)
	}
	if gotBody != `{"a":1}` {
		t.Errorf("body: got %q", gotBody)
	}
	if resp.Status != http.StatusCreated || !resp.Replayed {
		t.Errorf("response: got %+v", resp)
	}
}

func TestSend_NoOverwriteNoBody(t *testing.T) {
	var hasOverwrite bool
	var bodyLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasOverwrite = r.Header[HeaderOverwrite]
		b, _ := io.ReadAll(r.Body)
		bodyLen = len(b)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 0)
	if _, err := c.Send(context.Background(), http.MethodDelete, "/records/r1", json.RawMessage("null"), "k", false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if hasOverwrite {
		t.Error("overwrite header should be absent")
	}
	if bodyLen != 0 {
		t.Errorf("body: got %d bytes, want 0", bodyLen)
	}
}

func TestStatusError_Sentinels(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusConflict, ErrConflict},
		{http.StatusPreconditionFailed, ErrConflict},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnprocessableEntity, ErrValidation},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":{"code":"some_code","message":"nope"}}`))
		}))
		c := New(srv.URL, "", time.Second)
		_, err := c.Send(context.Background(), http.MethodPut, "/records/x", json.RawMessage(`{}`), "k", false)
		srv.Close()

		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
		}
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: not a StatusError", tt.status)
		}
		if se.Status != tt.status || se.Code != "some_code" || se.Message != "nope" {
			t.Errorf("status %d: got %+v", tt.status, se)
		}
	}
}

func TestStatusError_PlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Get(context.Background(), "/records")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StatusError", err)
	}
	if se.Status != http.StatusBadGateway || se.Message != "bad gateway" {
		t.Errorf("got %+v", se)
	}
}

func TestHealthCheck_UsesServerRoot(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	h, err := New(srv.URL+"/v1", "", time.Second).HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if gotPath != "/healthz" {
		t.Errorf("path: got %q, want /healthz", gotPath)
	}
	if h.Status != "ok" {
		t.Errorf("status: got %q", h.Status)
	}
}
