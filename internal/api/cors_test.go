package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// stubHandler is a simple handler that returns 200 OK.
var stubHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newCORSServer(origins []string) *Server {
	return &Server{
		config: Config{
			CORSAllowedOrigins: origins,
		},
	}
}

func TestCORS_NoOriginsConfigured(t *testing.T) {
	s := newCORSServer(nil)
	handler := s.CORSMiddleware(stubHandler)

	req := httptest.NewRequest("GET", "/v1/notes", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers when no origins configured")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCORS_NoOriginHeader(t *testing.T) {
	s := newCORSServer([]string{"https://example.com"})
	handler := s.CORSMiddleware(stubHandler)

	req := httptest.NewRequest("GET", "/v1/notes", nil)
	// No Origin header set
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers when no Origin header")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	s := newCORSServer([]string{"https://app.example.com"})
	handler := s.CORSMiddleware(stubHandler)

	req := httptest.NewRequest("GET", "/v1/notes", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected Access-Control-Allow-Origin=https://app.example.com, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != corsAllowedHeaders {
		t.Fatalf("expected Allow-Headers, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, PATCH, DELETE, OPTIONS" {
		t.Fatalf("expected Allow-Methods, got %q", got)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	s := newCORSServer([]string{"https://app.example.com"})
	handler := s.CORSMiddleware(stubHandler)

	req := httptest.NewRequest("GET", "/v1/notes", nil)
	req.Header.Set("Origin", "https://evil.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers for disallowed origin")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCORS_PreflightAllowed(t *testing.T) {
	s := newCORSServer([]string{"https://app.example.com"})
	handler := s.CORSMiddleware(stubHandler)

	req := httptest.NewRequest("OPTIONS", "/v1/notes", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected CORS origin header on preflight, got %q", got)
	}
}

func TestCORS_WildcardOrigin(t *testing.T) {
	s := newCORSServer([]string{"*"})
	handler := s.CORSMiddleware(stubHandler)

	req := httptest.NewRequest("GET", "/v1/notes", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example.com" {
		t.Fatalf("expected wildcard to allow any origin, got %q", got)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCORS_MultipleAllowedOrigins(t *testing.T) {
	s := newCORSServer([]string{"https://one.example.com", "https://two.example.com"})
	handler := s.CORSMiddleware(stubHandler)

	// First origin should be allowed
	req := httptest.NewRequest("GET", "/v1/notes", nil)
	req.Header.Set("Origin", "https://one.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://one.example.com" {
		t.Fatalf("expected first origin allowed, got %q", got)
	}

	// Second origin should be allowed
	req = httptest.NewRequest("GET", "/v1/notes", nil)
	req.Header.Set("Origin", "https://two.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://two.example.com" {
		t.Fatalf("expected second origin allowed, got %q", got)
	}

	// Third origin should NOT be allowed
	req = httptest.NewRequest("GET", "/v1/notes", nil)
	req.Header.Set("Origin", "https://three.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected third origin to be disallowed")
	}
}

func TestCORS_PreflightMutationMethods(t *testing.T) {
	s := newCORSServer([]string{"https://app.example.com"})
	called := false
	handler := s.CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	for _, method := range []string{"PATCH", "DELETE", "PUT"} {
		req := httptest.NewRequest("OPTIONS", "/v1/notes/n1", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", method)
		req.Header.Set("Access-Control-Request-Headers", "Idempotency-Key, X-Overwrite")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Fatalf("%s preflight: expected 204, got %d", method, w.Code)
		}
		if !headerListContains(w.Header().Get("Access-Control-Allow-Methods"), method) {
			t.Errorf("%s preflight: method not allowed: %q", method, w.Header().Get("Access-Control-Allow-Methods"))
		}
		allowed := w.Header().Get("Access-Control-Allow-Headers")
		for _, h := range []string{"Idempotency-Key", "X-Overwrite"} {
			if !headerListContains(allowed, h) {
				t.Errorf("%s preflight: %s not allowed: %q", method, h, allowed)
			}
		}
	}
	if called {
		t.Error("preflight reached the wrapped handler")
	}
}

func TestCORS_ExposesReplayHeader(t *testing.T) {
	s := newCORSServer([]string{"https://app.example.com"})
	handler := s.CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest("POST", "/v1/notes", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Idempotency-Key", "k-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	exposed := w.Header().Get("Access-Control-Expose-Headers")
	if !headerListContains(exposed, "Idempotent-Replayed") {
		t.Fatalf("Idempotent-Replayed not exposed: %q", exposed)
	}
	if w.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatal("replay header from handler was dropped")
	}

	// A disallowed origin gets no expose list.
	req = httptest.NewRequest("POST", "/v1/notes", nil)
	req.Header.Set("Origin", "https://evil.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "" {
		t.Fatalf("expected no expose headers for disallowed origin, got %q", got)
	}
}

func headerListContains(list, name string) bool {
	for _, v := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(v), name) {
			return true
		}
	}
	return false
}
