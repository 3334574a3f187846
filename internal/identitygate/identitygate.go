// Package identitygate implements IdentityGate, the first gate in the
// pipeline (spec §4.1, L1 in the original). It validates the internal
// handshake between the trusted proxy and the engine: a shared-secret
// header plus a sandbox-fingerprint check against the declared authorized
// proxy image.
package identitygate

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/ocx/veil/internal/config"
	"github.com/ocx/veil/internal/core"
)

// BypassPaths lists routes that skip IdentityGate entirely — the exact
// whitelist the original L1IdentityMiddleware carries, plus the two
// documentation routes every HTTP surface in this stack exposes.
var BypassPaths = []string{
	"/health",
	"/dashboard",
	"/api/v1/stats",
	"/api/v1/health",
	"/docs",
	"/openapi.json",
}

// FingerprintUnknown and FingerprintError are the sentinel sandbox
// identities a Resolver may return instead of a real image digest.
const (
	FingerprintUnknown = "UNKNOWN"
	FingerprintError   = "ERROR"
)

// Resolver maps a client network address to the sandbox identity that
// occupies it — an image digest, a PID-derived fingerprint, or one of the
// FingerprintUnknown/FingerprintError sentinels.
type Resolver interface {
	Resolve(ctx context.Context, clientAddress string) (fingerprint string, err error)
}

// Gate implements IdentityGate.
type Gate struct {
	token               string
	authorizedProxyHash string
	resolver            Resolver
	isDev               bool
	cache               *fingerprintCache
}

// New builds an IdentityGate from cfg and a sandbox resolver.
func New(cfg *config.Config, resolver Resolver) *Gate {
	size := cfg.Identity.FingerprintCacheSize
	if size <= 0 {
		size = 512
	}
	return &Gate{
		token:               cfg.InternalToken,
		authorizedProxyHash: cfg.AuthorizedProxyHash,
		resolver:            resolver,
		isDev:               cfg.IsDev(),
		cache:               newFingerprintCache(size),
	}
}

// Evaluate implements the GateFunc signature: nil means forward, a non-nil
// Verdict means BLOCK.
func (g *Gate) Evaluate(ctx context.Context, req *core.AssessmentRequest, _ *core.PipelineContext) *core.Verdict {
	for _, p := range BypassPaths {
		if strings.HasPrefix(req.URL, p) {
			return nil
		}
	}

	token := req.Headers["X-Internal-Token"]
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
		return core.Block("identity", "Reflex L1: Unauthorized Handshake")
	}

	fingerprint, err := g.lookupFingerprint(ctx, req.ClientAddress)
	if err != nil || fingerprint == FingerprintError {
		return core.Block("identity", "Reflex L1: Runtime Identity Lookup Failed")
	}

	if fingerprint == FingerprintUnknown {
		if g.isDev {
			return nil
		}
		return core.Block("identity", "Reflex L1: Runtime Identity Mismatch (Target: "+fingerprint+")")
	}

	if fingerprint != g.authorizedProxyHash {
		return core.Block("identity", "Reflex L1: Runtime Identity Mismatch (Target: "+fingerprint+")")
	}

	return nil
}

func (g *Gate) lookupFingerprint(ctx context.Context, clientAddress string) (string, error) {
	if fp, ok := g.cache.get(clientAddress); ok {
		return fp, nil
	}
	fp, err := g.resolver.Resolve(ctx, clientAddress)
	if err != nil {
		return FingerprintError, err
	}
	if fp != FingerprintUnknown && fp != FingerprintError {
		g.cache.put(clientAddress, fp)
	}
	return fp, nil
}

// fingerprintCache is a small bounded LRU so a steady-state proxy address
// doesn't re-trigger a docker/ebpf/spiffe lookup on every request. Guarded by
// a mutex: spec §5 requires a single writer per key, and concurrent requests
// resolving distinct addresses still share this one process-wide cache.
type fingerprintCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]cacheEntry
	order    []string
}

type cacheEntry struct {
	fingerprint string
	storedAt    time.Time
}

func newFingerprintCache(capacity int) *fingerprintCache {
	return &fingerprintCache{capacity: capacity, entries: make(map[string]cacheEntry)}
}

func (c *fingerprintCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	for i, k := range c.order {
		if k == key {
			copy(c.order[i:], c.order[i+1:])
			c.order[len(c.order)-1] = key
			break
		}
	}
	return e.fingerprint, true
}

func (c *fingerprintCache) put(key, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{fingerprint: fingerprint, storedAt: time.Now()}
}

// HeaderKey returns the canonical internal-token header name.
func HeaderKey() string { return "X-Internal-Token" }
