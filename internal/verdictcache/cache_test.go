package verdictcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/veil/internal/core"
)

func TestMemoryCache_MissThenHit(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	_, ok := cache.Get(ctx, "fp-1")
	assert.False(t, ok)

	judgement := &core.CachedJudgement{Verdict: true, Confidence: 0.92, Reason: "entailed"}
	require.NoError(t, cache.Put(ctx, "fp-1", judgement, time.Minute))

	got, ok := cache.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.Equal(t, judgement, got)
}

func TestMemoryCache_ExpiresAfterTTL(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	judgement := &core.CachedJudgement{Verdict: true, Confidence: 0.9}
	require.NoError(t, cache.Put(ctx, "fp-1", judgement, time.Millisecond))

	time.Sleep(5 * time.Millisecond)

	_, ok := cache.Get(ctx, "fp-1")
	assert.False(t, ok, "an expired entry must not be returned")
}
