package ledger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/veil/internal/keystore"
	"github.com/ocx/veil/internal/metrics"
)

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veil.ledger.jsonl")
	rec, err := New(path, keystore.Ephemeral{}, metrics.New())
	require.NoError(t, err)
	return rec, path
}

func TestNew_WritesGenesisEntry(t *testing.T) {
	_, path := newTestRecorder(t)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var genesis map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &genesis))
	assert.Equal(t, "GENESIS", genesis["event"])
	assert.Equal(t, genesisHash, genesis["prev_hash"])
}

func TestRecord_ChainsToPreviousEntry(t *testing.T) {
	rec, path := newTestRecorder(t)

	require.NoError(t, rec.Record(map[string]interface{}{"event": "ASSESSMENT", "status": "ALLOW"}))
	require.NoError(t, rec.Record(map[string]interface{}{"event": "ASSESSMENT", "status": "BLOCK"}))

	lines := readAllLines(t, path)
	require.Len(t, lines, 3) // genesis + 2 entries

	var genesis, first, second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &genesis))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &second))

	assert.Equal(t, hashEntry(genesis), first["prev_hash"])
	assert.Equal(t, hashEntry(first), second["prev_hash"])
}

func TestVerify_IntactChainPasses(t *testing.T) {
	rec, path := newTestRecorder(t)
	require.NoError(t, rec.Record(map[string]interface{}{"event": "ASSESSMENT", "status": "ALLOW"}))
	require.NoError(t, rec.Record(map[string]interface{}{"event": "ASSESSMENT", "status": "BLOCK"}))

	result, err := Verify(path, rec.PublicKey())
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 3, result.EntriesChecked)
}

func TestVerify_DetectsTamperedEntry(t *testing.T) {
	rec, path := newTestRecorder(t)
	require.NoError(t, rec.Record(map[string]interface{}{"event": "ASSESSMENT", "status": "ALLOW"}))
	require.NoError(t, rec.Record(map[string]interface{}{"event": "ASSESSMENT", "status": "BLOCK"}))

	tamperLastLine(t, path, "status", "ALLOW")

	result, err := Verify(path, rec.PublicKey())
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Equal(t, 3, result.BrokenAtLine)
}

// TestVerify_PassesWithStructEventData guards against a signing/verification
// mismatch: eventData built from a struct (as the pipeline does with
// core.Outcome) marshals in declared field order, while a verifier
// reconstructing the signed payload always goes through a map, which
// encoding/json serializes with sorted keys. Record must canonicalize before
// signing or a perfectly honest entry would fail its own signature check.
func TestVerify_PassesWithStructEventData(t *testing.T) {
	rec, path := newTestRecorder(t)

	type outcome struct {
		Path         string `json:"path"`
		Method       string `json:"method"`
		ClientIP     string `json:"client_ip"`
		StatusCode   int    `json:"status_code"`
		LayersPassed int    `json:"layers_passed"`
	}

	require.NoError(t, rec.Record(map[string]interface{}{
		"event": "ASSESSMENT",
		"outcome": outcome{
			Path:         "/v1/refunds",
			Method:       "POST",
			ClientIP:     "10.0.0.5",
			StatusCode:   200,
			LayersPassed: 4,
		},
	}))

	result, err := Verify(path, rec.PublicKey())
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 2, result.EntriesChecked)
}

func readAllLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	require.NoError(t, scanner.Err())
	return lines
}

// tamperLastLine rewrites the ledger's final line, flipping one field inside
// its "data" payload while leaving the signature untouched, simulating an
// attacker editing the file directly rather than through Record.
func tamperLastLine(t *testing.T, path, dataKey string, dataValue interface{}) {
	t.Helper()
	lines := readAllLines(t, path)
	require.NotEmpty(t, lines)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))

	data, _ := entry["data"].(map[string]interface{})
	data[dataKey] = dataValue
	entry["data"] = data

	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	lines[len(lines)-1] = string(raw)

	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}
