package noncestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_FirstClaimIsFresh(t *testing.T) {
	store := NewMemoryStore()

	fresh, err := store.ClaimOrReject(context.Background(), "nonce-1", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMemoryStore_ReplayIsRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fresh, err := store.ClaimOrReject(ctx, "nonce-1", 300*time.Second)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = store.ClaimOrReject(ctx, "nonce-1", 300*time.Second)
	require.NoError(t, err)
	assert.False(t, fresh, "a reused nonce must be rejected")
}

func TestMemoryStore_ExpiredNonceCanBeReclaimed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fresh, err := store.ClaimOrReject(ctx, "nonce-1", 1*time.Millisecond)
	require.NoError(t, err)
	require.True(t, fresh)

	time.Sleep(5 * time.Millisecond)

	fresh, err = store.ClaimOrReject(ctx, "nonce-1", time.Second)
	require.NoError(t, err)
	assert.True(t, fresh, "a nonce past its TTL is no longer a replay")
}

func TestUnavailableStore_AlwaysErrors(t *testing.T) {
	store := UnavailableStore{}
	_, err := store.ClaimOrReject(context.Background(), "nonce-1", time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}
