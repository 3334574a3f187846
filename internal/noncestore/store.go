// Package noncestore implements the single-use nonce tracking IntentGate
// uses for replay defense (spec §4.2, §3 NonceRecord).
//
// The production backend is Redis SETNX+EXPIRE, the exact verbs named in
// spec §6; ClaimOrReject is the atomic set-if-absent-with-TTL primitive the
// spec requires so two concurrent requests bearing the same nonce cannot
// both win.
package noncestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable signals the store could not be reached at all — the
// condition IntentGate's dev-only fail-open exception checks for.
var ErrUnavailable = errors.New("noncestore: unreachable")

// Store is the NonceStore contract: atomic check-and-set for single-use
// tokens with a TTL.
type Store interface {
	// ClaimOrReject atomically marks nonce as used if it is not already
	// present, and returns true iff this call is the one that claimed it
	// (i.e. true == fresh, false == replay). Returns ErrUnavailable if the
	// backing store could not be reached.
	ClaimOrReject(ctx context.Context, nonce string, ttl time.Duration) (fresh bool, err error)
}

// RedisStore backs NonceRecord with Redis SETNX + EXPIRE.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore dials addr and returns a Redis-backed nonce store.
func NewRedisStore(addr string) (*RedisStore, error) {
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

	return &RedisStore{client: client, prefix: "veil:nonce:"}, nil
}

// ClaimOrReject implements Store using SETNX then EXPIRE, mirroring the
// original nonce_service.py check_and_set two-step exactly.
func (s *RedisStore) ClaimOrReject(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	key := s.prefix + nonce
	wasSet, err := s.client.SetNX(ctx, key, "1", 0).Result()
	if err != nil {
		return false, ErrUnavailable
	}
	if !wasSet {
		return false, nil
	}
	// Best-effort TTL attach; the claim already succeeded atomically.
	s.client.Expire(ctx, key, ttl)
	return true, nil
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error { return s.client.Close() }

// MemoryStore is an in-process fake for tests and single-instance dev runs.
// Not linearizable across processes, but atomic within one.
type MemoryStore struct {
	mu      sync.Mutex
	claimed map[string]time.Time
}

// NewMemoryStore creates an empty in-memory nonce store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claimed: make(map[string]time.Time)}
}

// ClaimOrReject implements Store with a mutex-guarded map. A claim is never
// released before its expiry; an expired claim is overwritten when the same
// nonce is presented again, and entries are not otherwise removed.
func (s *MemoryStore) ClaimOrReject(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := s.claimed[nonce]; ok {
		if now.Before(expiresAt) {
			return false, nil
		}
		// TTL elapsed; treat as fresh and re-claim.
	}
	s.claimed[nonce] = now.Add(ttl)
	return true, nil
}

// UnavailableStore always reports ErrUnavailable — used to simulate an
// unreachable K/V store in tests of the dev-only fail-open path.
type UnavailableStore struct{}

func (UnavailableStore) ClaimOrReject(context.Context, string, time.Duration) (bool, error) {
	return false, ErrUnavailable
}
