// Package keystore manages the Ed25519 signing keypair the ledger uses to
// sign every entry (spec §4.6, §9). The default is an ephemeral in-memory
// key generated at startup, matching the original ledger.py behavior of
// logging a fresh public key on boot; FileKeyStore and PostgresKeyStore are
// the persistence extensions so a restart can keep signing with the same
// key and a verifier can check old entries against a stable identity.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyStore hands back the signing keypair the ledger should use. Backends
// create the key on first use and persist it where the backend allows.
type KeyStore interface {
	Keypair() (ed25519.PrivateKey, ed25519.PublicKey, error)
}

// Ephemeral generates a fresh keypair every process start. This is the
// default backend: it matches the spec's baseline requirement (§4.6) that
// every entry be signed, without requiring any external dependency.
type Ephemeral struct{}

func (Ephemeral) Keypair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: generate: %w", err)
	}
	return priv, pub, nil
}

// FileKeyStore persists the private key to disk, encrypted at rest with
// chacha20poly1305 under a passphrase-derived key, so the signing identity
// survives restarts without needing a database.
type FileKeyStore struct {
	path       string
	passphrase string
}

// NewFileKeyStore returns a KeyStore that reads/writes an encrypted key file
// at path, sealed with passphrase.
func NewFileKeyStore(path, passphrase string) *FileKeyStore {
	return &FileKeyStore{path: path, passphrase: passphrase}
}

func (f *FileKeyStore) Keypair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if raw, err := os.ReadFile(f.path); err == nil {
		priv, err := f.decrypt(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("keystore: decrypt %s: %w", f.path, err)
		}
		pub := priv.Public().(ed25519.PublicKey)
		return priv, pub, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: generate: %w", err)
	}
	sealed, err := f.encrypt(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: encrypt: %w", err)
	}
	if err := os.WriteFile(f.path, sealed, 0600); err != nil {
		return nil, nil, fmt.Errorf("keystore: write %s: %w", f.path, err)
	}
	return priv, pub, nil
}

func (f *FileKeyStore) aead() (chacha20poly1305.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	copy(key, []byte(f.passphrase))
	return chacha20poly1305.New(key)
}

func (f *FileKeyStore) encrypt(priv ed25519.PrivateKey) ([]byte, error) {
	aead, err := f.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, priv, nil)
	return append(nonce, sealed...), nil
}

func (f *FileKeyStore) decrypt(raw []byte) (ed25519.PrivateKey, error) {
	aead, err := f.aead()
	if err != nil {
		return nil, err
	}
	if len(raw) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("key file truncated")
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(plain), nil
}

// PostgresKeyStore persists the private key in a Postgres table, for
// deployments that already run Postgres for other state and would rather
// not manage a key file on an immutable container filesystem.
type PostgresKeyStore struct {
	db   *sql.DB
	name string
}

// NewPostgresKeyStore opens dsn and ensures the backing table exists. name
// identifies this engine instance's key row, allowing several engines to
// share one database.
func NewPostgresKeyStore(dsn, name string) (*PostgresKeyStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("keystore: ping: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS veil_signing_keys (
		name TEXT PRIMARY KEY,
		private_key_hex TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("keystore: migrate: %w", err)
	}
	return &PostgresKeyStore{db: db, name: name}, nil
}

func (p *PostgresKeyStore) Keypair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	var hexKey string
	err := p.db.QueryRow(`SELECT private_key_hex FROM veil_signing_keys WHERE name = $1`, p.name).Scan(&hexKey)
	if err == nil {
		raw, decErr := hex.DecodeString(hexKey)
		if decErr != nil {
			return nil, nil, fmt.Errorf("keystore: decode stored key: %w", decErr)
		}
		priv := ed25519.PrivateKey(raw)
		return priv, priv.Public().(ed25519.PublicKey), nil
	}
	if err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("keystore: query: %w", err)
	}

	pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return nil, nil, fmt.Errorf("keystore: generate: %w", genErr)
	}
	_, err = p.db.Exec(
		`INSERT INTO veil_signing_keys (name, private_key_hex) VALUES ($1, $2)
		 ON CONFLICT (name) DO NOTHING`,
		p.name, hex.EncodeToString(priv),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: insert: %w", err)
	}
	return priv, pub, nil
}

func (p *PostgresKeyStore) Close() error { return p.db.Close() }
