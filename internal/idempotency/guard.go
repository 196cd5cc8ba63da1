// Package idempotency makes mutation endpoints safe to retry: a request
// carrying a key already seen for the same actor gets the stored response
// instead of being applied again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a response is kept for replay.
const DefaultTTL = 10 * time.Minute

// ErrKeyReused is returned when a key is presented again with a different
// request than the one it was first used for.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Entry is a stored response.
type Entry struct {
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	ContentType string    `json:"content_type"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Cache stores entries per (actor, key). Get returns nil, nil when there
// is no live entry.
type Cache interface {
	Get(ctx context.Context, actorID, key string) (*Entry, error)
	Put(ctx context.Context, actorID, key string, e Entry) error
}

// Request identifies one guarded call.
type Request struct {
	ActorID     string
	Key         string
	Overwrite   bool
	Fingerprint string
}

// Response is what the guarded handler produced.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

const stripes = 64

// Guard serializes requests per (actor, key) and replays stored responses.
type Guard struct {
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	locks  [stripes]sync.Mutex
}

// NewGuard creates a Guard. ttl <= 0 uses DefaultTTL.
func NewGuard(cache Cache, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cache: cache, ttl: ttl, logger: logger, now: time.Now}
}

// TTL returns the replay window.
func (g *Guard) TTL() time.Duration { return g.ttl }

// Do runs apply at most once per (actor, key) within the TTL. replayed is
// true when the response came from the cache. With Overwrite set, apply
// runs again and replaces the stored response. Responses with a 5xx
// status are not stored so the client can retry them.
func (g *Guard) Do(ctx context.Context, req Request, apply func(context.Context) Response) (Response, bool, error) {
	if req.Key == "" {
		return apply(ctx), false, nil
	}

	mu := g.lockFor(req.ActorID, req.Key)
	mu.Lock()
	defer mu.Unlock()

	if !req.Overwrite {
		e, err := g.cache.Get(ctx, req.ActorID, req.Key)
		if err != nil {
			return Response{}, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		if e != nil && g.live(e) {
			if e.Fingerprint != "" && req.Fingerprint != "" && e.Fingerprint != req.Fingerprint {
				return Response{}, false, ErrKeyReused
			}
			return Response{Status: e.Status, Body: e.Body, ContentType: e.ContentType}, true, nil
		}
	}

	resp := apply(ctx)
	if resp.Status >= 500 {
		return resp, false, nil
	}

	now := g.now().UTC()
	entry := Entry{
		Status:      resp.Status,
		Body:        resp.Body,
		ContentType: resp.ContentType,
		Fingerprint: req.Fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	if err := g.cache.Put(ctx, req.ActorID, req.Key, entry); err != nil {
		g.logger.Warn("idempotency store", "actor", req.ActorID, "key", req.Key, "err", err)
	}
	return resp, false, nil
}

func (g *Guard) live(e *Entry) bool {
	return e.ExpiresAt.IsZero() || g.now().Before(e.ExpiresAt)
}

func (g *Guard) lockFor(actorID, key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(actorID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return &g.locks[h.Sum32()%stripes]
}

// Fingerprint identifies a request by method, path and body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// cacheKey joins actor and key for flat key spaces.
func cacheKey(actorID, key string) string {
	return actorID + ":" + key
}
