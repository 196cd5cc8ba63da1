package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements per-key fixed-window rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count    int
	windowAt time.Time
}

// NewRateLimiter creates a RateLimiter. Stale buckets are dropped by the
// server's cleanup loop.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket)}
}

// Allow checks if the key is within the rate limit (limit per 1-minute window).
func (rl *RateLimiter) Allow(key string, limit int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowAt) >= time.Minute {
		rl.buckets[key] = &bucket{count: 1, windowAt: now}
		return true
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-2 * time.Minute)
	for k, b := range rl.buckets {
		if b.windowAt.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// Rate limit classes.
const (
	limitClassWrite = "write"
	limitClassRead  = "read"
)

// withRateLimit wraps an authenticated handler with per-actor rate limiting.
// Requests without an actor are keyed by client IP.
func (s *Server) withRateLimit(handler http.HandlerFunc, class string) http.HandlerFunc {
	limit := s.config.RateLimitRead
	if class == limitClassWrite {
		limit = s.config.RateLimitWrite
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if limit <= 0 {
			handler(w, r)
			return
		}
		subject := "ip:" + clientIP(r)
		if a := getActor(r.Context()); a != nil {
			subject = "actor:" + a.ID
		}
		key := fmt.Sprintf("%s:%s", subject, class)
		if !s.rateLimiter.Allow(key, limit) {
			s.metrics.RecordRateLimited(class)
			logFor(r.Context()).Warn("rate limited", "class", class, "ip", clientIP(r))
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		handler(w, r)
	}
}

// clientIP extracts the client IP from the request, checking X-Forwarded-For first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
