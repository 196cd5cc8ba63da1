package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces keys written by Redis.
const DefaultRedisPrefix = "offsync:idem:"

// Redis is a Cache shared by every server instance pointing at the same
// Redis database.
type Redis struct {
	c      *rdb.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedis connects to Redis. The connection is checked lazily on first use.
func NewRedis(opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Redis{
		c:      rdb.NewClient(&rdb.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}),
		prefix: opts.Prefix,
		ttl:    opts.TTL,
	}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.c.Close()
}

func (r *Redis) Get(ctx context.Context, actorID, key string) (*Entry, error) {
	b, err := r.c.Get(ctx, r.prefix+cacheKey(actorID, key)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}

func (r *Redis) Put(ctx context.Context, actorID, key string, e Entry) error {
	ttl := r.ttl
	if !e.ExpiresAt.IsZero() {
		ttl = time.Until(e.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := r.c.Set(ctx, r.prefix+cacheKey(actorID, key), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
