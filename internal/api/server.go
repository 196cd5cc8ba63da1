package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/offsync/internal/idempotency"
	"github.com/marcus/offsync/internal/serverdb"
)

// Server is the HTTP API server for offsync-server.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	guard       *idempotency.Guard
	cache       idempotency.Cache
	metrics     *Metrics
	rateLimiter *RateLimiter
	cancel      context.CancelFunc
}

// NewServer creates a new Server with the given config, store and
// idempotency cache. A nil cache falls back to an in-memory one.
func NewServer(cfg Config, store *serverdb.ServerDB, cache idempotency.Cache) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("new server: nil store")
	}
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	if cache == nil {
		cache = idempotency.NewMemory(ttl)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	s := &Server{
		config:      cfg,
		store:       store,
		guard:       idempotency.NewGuard(cache, ttl, slog.Default()),
		cache:       cache,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// OpenCache builds the idempotency cache selected by cfg.IdempotencyBackend.
// The returned close function releases backend connections.
func OpenCache(ctx context.Context, cfg Config, store *serverdb.ServerDB) (idempotency.Cache, func() error, error) {
	noop := func() error { return nil }
	switch cfg.IdempotencyBackend {
	case "", BackendMemory:
		return idempotency.NewMemory(cfg.IdempotencyTTL), noop, nil
	case BackendSQLite:
		return store.IdempotencyCache(), noop, nil
	case BackendRedis:
		r := idempotency.NewRedis(idempotency.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.IdempotencyTTL,
		})
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown idempotency backend %q", cfg.IdempotencyBackend)
	}
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	// Periodically purge expired idempotency entries and rate limit buckets
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cleanup panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup(ctx)
			}
		}
	}()

	return nil
}

func (s *Server) cleanup(ctx context.Context) {
	s.rateLimiter.cleanup()
	n, err := s.store.PurgeExpiredIdempotency(ctx, time.Now())
	if err != nil {
		slog.Error("purge expired idempotency keys", "err", err)
		return
	}
	if n > 0 {
		s.metrics.RecordPurged(n)
		slog.Info("purged expired idempotency keys", "count", n)
	}
}

// Handler returns the server's root handler, for embedding in httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Records
	mux.HandleFunc("POST /v1/{collection}", s.requireActor(s.withRateLimit(s.handleCreate, limitClassWrite)))
	mux.HandleFunc("GET /v1/{collection}", s.requireActor(s.withRateLimit(s.handleList, limitClassRead)))
	mux.HandleFunc("GET /v1/{collection}/{id}", s.requireActor(s.withRateLimit(s.handleGet, limitClassRead)))
	mux.HandleFunc("PUT /v1/{collection}/{id}", s.requireActor(s.withRateLimit(s.handlePut, limitClassWrite)))
	mux.HandleFunc("PATCH /v1/{collection}/{id}", s.requireActor(s.withRateLimit(s.handlePatch, limitClassWrite)))
	mux.HandleFunc("DELETE /v1/{collection}/{id}", s.requireActor(s.withRateLimit(s.handleDelete, limitClassWrite)))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, s.CORSMiddleware, maxBytesMiddleware(10<<20))
}

// handleHealth returns a health check response, pinging the server DB and
// the idempotency backend when it supports it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	if p, ok := s.cache.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			logFor(r.Context()).Warn("idempotency backend ping", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "idempotency backend unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
