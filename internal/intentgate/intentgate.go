// Package intentgate implements IntentGate (spec §4.2, L2 in the original):
// the agent must declare goal/action/justification/risk before the request
// is allowed to proceed, and that declaration is cross-checked against the
// real request and a replay-protected nonce.
package intentgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ocx/veil/internal/core"
	"github.com/ocx/veil/internal/metrics"
	"github.com/ocx/veil/internal/noncestore"
)

// BypassPaths are the routes IntentGate does not evaluate.
var BypassPaths = []string{"/health", "/docs", "/openapi.json"}

// IntentHeader is the header name an agent must set with its JSON-encoded
// IntentDeclaration.
const IntentHeader = "X-Veil-Intent"

var validRiskLevels = map[core.RiskLevel]bool{
	core.RiskLow:    true,
	core.RiskMedium: true,
	core.RiskHigh:   true,
}

// Gate implements IntentGate.
type Gate struct {
	nonces   noncestore.Store
	nonceTTL time.Duration
	isDev    bool
	metrics  *metrics.Metrics
}

// New builds an IntentGate backed by nonces, claiming each nonce for ttl.
// m may be nil in tests that don't care about metrics.
func New(nonces noncestore.Store, ttl time.Duration, isDev bool, m *metrics.Metrics) *Gate {
	return &Gate{nonces: nonces, nonceTTL: ttl, isDev: isDev, metrics: m}
}

// Evaluate runs the four-step handshake check: presence, schema, cross-check,
// replay. Any failure is a BLOCK; success attaches the parsed intent to pc
// for downstream gates (JudgeGate reads risk_level and justification).
func (g *Gate) Evaluate(ctx context.Context, req *core.AssessmentRequest, pc *core.PipelineContext) *core.Verdict {
	for _, p := range BypassPaths {
		if req.URL == p {
			return nil
		}
	}

	raw := req.Headers[IntentHeader]
	if raw == "" {
		slog.Warn("intent: missing intent header")
		return core.Block("intent", "Reflex L2: Missing Intent Declaration")
	}

	var intent core.IntentDeclaration
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&intent); err != nil {
		slog.Warn("intent: invalid intent JSON", "error", err)
		return core.Block("intent", "Reflex L2: Invalid Intent JSON")
	}

	if err := validateSchema(&intent); err != nil {
		slog.Warn("intent: schema validation failed", "error", err)
		return core.Block("intent", fmt.Sprintf("Reflex L2: Intent Schema Error - %s", err))
	}

	actualAction := req.Method + " " + pathOnly(req.URL)
	if intent.Action != actualAction {
		slog.Warn("intent: action mismatch", "claimed", intent.Action, "actual", actualAction)
		return core.Block("intent", fmt.Sprintf(
			"Reflex L2: Intent-Action Mismatch (Claimed: %s, Actual: %s)", intent.Action, actualAction))
	}

	fresh, err := g.nonces.ClaimOrReject(ctx, intent.Nonce, g.nonceTTL)
	if err != nil {
		// Dev-only fail-open mirrors the original nonce_service.py behavior:
		// an unreachable store must never silently allow in prod.
		if g.isDev {
			slog.Warn("intent: nonce store unavailable, fail-open (dev only)", "error", err)
			fresh = true
		} else {
			slog.Error("intent: nonce store unavailable", "error", err)
			return core.Block("intent", "Reflex L2: Nonce Service Unavailable")
		}
	}
	if !fresh {
		slog.Warn("intent: replay detected", "nonce_prefix", shortNonce(intent.Nonce))
		if g.metrics != nil {
			g.metrics.NonceReplaysBlocked.Inc()
		}
		return core.Block("intent", "Reflex L2: Replay Attack Detected (Nonce Already Used)")
	}

	slog.Info("intent: verified", "goal", intent.Goal, "risk", intent.RiskLevel)
	pc.Intent = &intent
	return nil
}

func validateSchema(intent *core.IntentDeclaration) error {
	if intent.Goal == "" {
		return fmt.Errorf("goal is required")
	}
	if intent.Action == "" {
		return fmt.Errorf("action is required")
	}
	if intent.Justification == "" {
		return fmt.Errorf("justification is required")
	}
	if intent.Nonce == "" {
		return fmt.Errorf("nonce is required")
	}
	if intent.RiskLevel == "" {
		intent.RiskLevel = core.RiskLow
	}
	if !validRiskLevels[intent.RiskLevel] {
		return fmt.Errorf("risk_level must be one of low/medium/high, got %q", intent.RiskLevel)
	}
	if intent.Timestamp == 0 {
		intent.Timestamp = time.Now().Unix()
	}
	return nil
}

// pathOnly strips any query string from raw so the cross-check (spec §4.2
// step 4) compares against the path alone, matching what the declared
// action names.
func pathOnly(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func shortNonce(nonce string) string {
	if len(nonce) <= 8 {
		return nonce
	}
	return nonce[:8]
}
