package idempotency

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is a process-local Cache. Entries vanish on restart.
type Memory struct{ c *gocache.Cache }

// NewMemory creates a Memory cache whose entries expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{c: gocache.New(ttl, time.Minute)}
}

func (m *Memory) Get(_ context.Context, actorID, key string) (*Entry, error) {
	v, ok := m.c.Get(cacheKey(actorID, key))
	if !ok {
		return nil, nil
	}
	e, _ := v.(Entry)
	return &e, nil
}

func (m *Memory) Put(_ context.Context, actorID, key string, e Entry) error {
	ttl := gocache.DefaultExpiration
	if !e.ExpiresAt.IsZero() {
		ttl = time.Until(e.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	m.c.Set(cacheKey(actorID, key), e, ttl)
	return nil
}
