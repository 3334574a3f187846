package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEphemeral_GeneratesDistinctKeysEachCall(t *testing.T) {
	priv1, pub1, err := (Ephemeral{}).Keypair()
	require.NoError(t, err)
	priv2, pub2, err := (Ephemeral{}).Keypair()
	require.NoError(t, err)

	assert.NotEqual(t, priv1, priv2)
	assert.NotEqual(t, pub1, pub2)
}

func TestFileKeyStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	passphrase := "correct-horse-battery-staple"

	store1 := NewFileKeyStore(path, passphrase)
	priv1, pub1, err := store1.Keypair()
	require.NoError(t, err)

	store2 := NewFileKeyStore(path, passphrase)
	priv2, pub2, err := store2.Keypair()
	require.NoError(t, err)

	assert.Equal(t, priv1, priv2, "a second store pointed at the same file must recover the same key")
	assert.Equal(t, pub1, pub2)
}

func TestFileKeyStore_WrongPassphraseFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	store1 := NewFileKeyStore(path, "correct-passphrase")
	_, _, err := store1.Keypair()
	require.NoError(t, err)

	store2 := NewFileKeyStore(path, "wrong-passphrase")
	_, _, err = store2.Keypair()
	assert.Error(t, err)
}
