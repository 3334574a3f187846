// Package ledger implements the append-only, hash-chained, Ed25519-signed
// forensic log every assessment outcome is recorded to (spec §4.6, L7 in the
// original). Entries are canonical JSON (alphabetically sorted keys, the
// same guarantee Python's json.dumps(sort_keys=True) gives the original —
// encoding/json already sorts map[string]any keys, so entries are built as
// maps rather than structs to get that for free) chained by SHA-256 over
// the previous entry and signed over "<prev_hash>|<canonical data>|<ts>".
package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ocx/veil/internal/keystore"
	"github.com/ocx/veil/internal/metrics"
)

var genesisHash = strings.Repeat("0", 64)

// Recorder is the append-only ledger.
type Recorder struct {
	mu       sync.Mutex
	path     string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	lastHash string
	metrics  *metrics.Metrics
}

// New opens (or initializes) the ledger file at path, loading/generating a
// signing key from ks, and computes the current chain tip.
func New(path string, ks keystore.KeyStore, m *metrics.Metrics) (*Recorder, error) {
	priv, pub, err := ks.Keypair()
	if err != nil {
		return nil, fmt.Errorf("ledger: keystore: %w", err)
	}

	r := &Recorder{path: path, priv: priv, pub: pub, metrics: m}

	lastHash, err := r.initLedger()
	if err != nil {
		return nil, err
	}
	r.lastHash = lastHash

	slog.Info("ledger: signing public key", "public_key", base64.StdEncoding.EncodeToString(pub))
	return r, nil
}

// initLedger creates the genesis entry if the file doesn't exist yet, or
// reads the last line to resume the chain.
func (r *Recorder) initLedger() (string, error) {
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		genesis := map[string]interface{}{
			"event":     "GENESIS",
			"timestamp": time.Now().Unix(),
			"prev_hash": genesisHash,
			"signature": "GENESIS",
			"meta":      map[string]interface{}{"version": "v1.0"},
		}
		raw, err := json.Marshal(genesis)
		if err != nil {
			return "", fmt.Errorf("ledger: marshal genesis: %w", err)
		}
		f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return "", fmt.Errorf("ledger: create %s: %w", r.path, err)
		}
		defer f.Close()
		if _, err := f.Write(append(raw, '\n')); err != nil {
			return "", fmt.Errorf("ledger: write genesis: %w", err)
		}
		return hashEntry(genesis), nil
	}

	lines, err := readLines(r.path)
	if err != nil {
		slog.Error("ledger: failed to read ledger, resetting chain tip", "error", err)
		return genesisHash, nil
	}
	if len(lines) == 0 {
		return genesisHash, nil
	}

	var last map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		slog.Error("ledger: failed to parse last entry, resetting chain tip", "error", err)
		return genesisHash, nil
	}
	return hashEntry(last), nil
}

// Record signs and appends eventData to the ledger. It never blocks the
// caller on disk contention for long: the write lock is held only for the
// duration of the append and hash update.
func (r *Recorder) Record(eventData map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	timestamp := time.Now().Unix()
	prevHash := r.lastHash

	// eventData may embed plain structs (core.Outcome) whose fields marshal
	// in declared order, not alphabetical. An external verifier only ever
	// sees data after a JSON round-trip into map[string]interface{}, which
	// encoding/json always re-serializes with sorted keys — so the bytes we
	// sign here must already be in that same round-tripped form, or a
	// perfectly honest entry would fail signature verification later.
	canonicalData, err := canonicalize(eventData)
	if err != nil {
		r.metrics.LedgerWriteErrors.Inc()
		return fmt.Errorf("ledger: marshal event data: %w", err)
	}

	payloadToSign := fmt.Sprintf("%s|%s|%d", prevHash, string(canonicalData), timestamp)
	signature := ed25519.Sign(r.priv, []byte(payloadToSign))

	entry := map[string]interface{}{
		"timestamp":         timestamp,
		"data":              json.RawMessage(canonicalData),
		"prev_hash":         prevHash,
		"signature":         base64.StdEncoding.EncodeToString(signature),
		"verification_data": "prev_hash|data_json|timestamp",
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		r.metrics.LedgerWriteErrors.Inc()
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		r.metrics.LedgerWriteErrors.Inc()
		return fmt.Errorf("ledger: open %s: %w", r.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		r.metrics.LedgerWriteErrors.Inc()
		return fmt.Errorf("ledger: append: %w", err)
	}

	r.lastHash = hashEntry(entry)
	r.metrics.LedgerEntriesTotal.Inc()
	return nil
}

// RecordAsync runs Record in a goroutine so the pipeline response does not
// wait on disk I/O; failures are logged since the caller has already
// responded by the time this completes.
func (r *Recorder) RecordAsync(eventData map[string]interface{}) {
	go func() {
		if err := r.Record(eventData); err != nil {
			slog.Error("ledger: async record failed", "error", err)
		}
	}()
}

// PublicKey returns the recorder's Ed25519 public key, the same value
// logged at startup, for operators who want to pin it out of band.
func (r *Recorder) PublicKey() ed25519.PublicKey { return r.pub }

// hashEntry computes the SHA-256 hex digest of entry's canonical JSON
// encoding, forming the link the next entry's prev_hash will carry.
func hashEntry(entry map[string]interface{}) string {
	raw, err := json.Marshal(entry)
	if err != nil {
		return genesisHash
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonicalize round-trips v through JSON so every nested level becomes a
// generic map/slice and therefore serializes with sorted keys and no
// insignificant whitespace — the same canonical form an external verifier
// reconstructs after reading the ledger file back off disk.
func canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func readLines(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, string(raw[start:]))
	}
	return lines, nil
}
