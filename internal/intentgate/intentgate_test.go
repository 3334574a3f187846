package intentgate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/veil/internal/core"
	"github.com/ocx/veil/internal/noncestore"
)

func validIntentHeader(t *testing.T, action, nonce string) string {
	t.Helper()
	raw, err := json.Marshal(core.IntentDeclaration{
		Goal:          "refund_customer",
		Action:        action,
		Justification: "customer requested a refund",
		RiskLevel:     core.RiskLow,
		Nonce:         nonce,
		Timestamp:     time.Now().Unix(),
	})
	require.NoError(t, err)
	return string(raw)
}

func TestGate_MissingIntentHeaderBlocks(t *testing.T) {
	g := New(noncestore.NewMemoryStore(), 300*time.Second, false, nil)
	req := &core.AssessmentRequest{Method: "POST", URL: "/v1/refunds", Headers: map[string]string{}}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
	assert.Equal(t, core.StatusBlock, v.Status)
	assert.Contains(t, v.Reason, "Missing Intent Declaration")
}

func TestGate_ActionMismatchBlocks(t *testing.T) {
	g := New(noncestore.NewMemoryStore(), 300*time.Second, false, nil)
	header := validIntentHeader(t, "POST /v1/other", "nonce-abc")
	req := &core.AssessmentRequest{
		Method:  "POST",
		URL:     "/v1/refunds",
		Headers: map[string]string{IntentHeader: header},
	}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "Intent-Action Mismatch")
}

func TestGate_ValidIntentPassesAndAttachesToContext(t *testing.T) {
	g := New(noncestore.NewMemoryStore(), 300*time.Second, false, nil)
	header := validIntentHeader(t, "POST /v1/refunds", "nonce-xyz")
	req := &core.AssessmentRequest{
		Method:  "POST",
		URL:     "/v1/refunds",
		Headers: map[string]string{IntentHeader: header},
	}
	pc := core.NewPipelineContext()

	v := g.Evaluate(context.Background(), req, pc)
	assert.Nil(t, v)
	require.NotNil(t, pc.Intent)
	assert.Equal(t, "refund_customer", pc.Intent.Goal)
}

func TestGate_ReplayedNonceBlocks(t *testing.T) {
	g := New(noncestore.NewMemoryStore(), 300*time.Second, false, nil)
	header := validIntentHeader(t, "POST /v1/refunds", "nonce-dup")
	req := &core.AssessmentRequest{
		Method:  "POST",
		URL:     "/v1/refunds",
		Headers: map[string]string{IntentHeader: header},
	}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	assert.Nil(t, v)

	v = g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "Replay Attack Detected")
}

func TestGate_UnreachableNonceStoreFailsClosedInProd(t *testing.T) {
	g := New(noncestore.UnavailableStore{}, 300*time.Second, false, nil)
	header := validIntentHeader(t, "POST /v1/refunds", "nonce-1")
	req := &core.AssessmentRequest{
		Method:  "POST",
		URL:     "/v1/refunds",
		Headers: map[string]string{IntentHeader: header},
	}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "Nonce Service Unavailable")
}

func TestGate_UnreachableNonceStoreFailsOpenInDev(t *testing.T) {
	g := New(noncestore.UnavailableStore{}, 300*time.Second, true, nil)
	header := validIntentHeader(t, "POST /v1/refunds", "nonce-1")
	req := &core.AssessmentRequest{
		Method:  "POST",
		URL:     "/v1/refunds",
		Headers: map[string]string{IntentHeader: header},
	}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	assert.Nil(t, v, "dev mode must fail open when the nonce store is unreachable")
}

func TestGate_BypassPathSkipsEvaluation(t *testing.T) {
	g := New(noncestore.NewMemoryStore(), 300*time.Second, false, nil)
	req := &core.AssessmentRequest{Method: "GET", URL: "/health", Headers: map[string]string{}}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	assert.Nil(t, v)
}
