// Package verdictcache implements the TTL-bounded content-fingerprint cache
// JudgeGate consults before calling the text-generation endpoint (spec §4.5,
// §3 CachedJudgement). The key is SHA-256 over "<justification>|<evidence>",
// computed by the caller; this package only stores and retrieves.
package verdictcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/veil/internal/core"
)

// ErrUnavailable signals the cache backend could not be reached. Unlike
// NonceStore, an unreachable verdict cache is never a fail-open trigger —
// JudgeGate simply treats it as a miss and falls through to the model call.
var ErrUnavailable = errors.New("verdictcache: unreachable")

// Cache is the fingerprint -> CachedJudgement contract.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*core.CachedJudgement, bool)
	Put(ctx context.Context, fingerprint string, judgement *core.CachedJudgement, ttl time.Duration) error
}

// RedisCache backs the cache with Redis GET/SETEX.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache dials addr and returns a Redis-backed verdict cache.
func NewRedisCache(addr string) (*RedisCache, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisCache{client: client, prefix: "veil:l4:judge:"}, nil
}

// Get returns the cached judgement for fingerprint, if present and unexpired.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*core.CachedJudgement, bool) {
	raw, err := c.client.Get(ctx, c.prefix+fingerprint).Bytes()
	if err != nil {
		return nil, false
	}
	var cj core.CachedJudgement
	if err := json.Unmarshal(raw, &cj); err != nil {
		return nil, false
	}
	return &cj, true
}

// Put stores judgement for fingerprint with the given TTL.
func (c *RedisCache) Put(ctx context.Context, fingerprint string, judgement *core.CachedJudgement, ttl time.Duration) error {
	raw, err := json.Marshal(judgement)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+fingerprint, raw, ttl).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Close releases the underlying connection.
func (c *RedisCache) Close() error { return c.client.Close() }

type memoryEntry struct {
	judgement *core.CachedJudgement
	expiresAt time.Time
}

// MemoryCache is an in-process fake for tests and single-instance dev runs.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates an empty in-memory verdict cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get implements Cache, lazily evicting an expired entry on access.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) (*core.CachedJudgement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, fingerprint)
		return nil, false
	}
	return entry.judgement, true
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, fingerprint string, judgement *core.CachedJudgement, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = memoryEntry{judgement: judgement, expiresAt: time.Now().Add(ttl)}
	return nil
}
