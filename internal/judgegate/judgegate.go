// Package judgegate implements JudgeGate (spec §4.4/§4.5, L4 in the
// original): a semantic entailment check between the declared justification
// and the actual payload, fast-pathed for low-risk intents, pre-filtered by
// a deterministic attack-pattern regex, cached by content fingerprint, and
// answered by a call to a text-generation endpoint under a skeptical
// confidence floor.
package judgegate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ocx/veil/internal/circuitbreaker"
	"github.com/ocx/veil/internal/core"
	"github.com/ocx/veil/internal/metrics"
	"github.com/ocx/veil/internal/verdictcache"
)

// errInvalidJudgeOutput distinguishes a model that answered with malformed
// JSON from a model that couldn't be reached at all — the original's
// llm_judge.py surfaces these as two different fail-closed reasons.
var errInvalidJudgeOutput = errors.New("invalid judge output")

// BypassPaths are the routes JudgeGate does not evaluate — the original's
// public/dashboard routes plus the management API surface that doesn't
// carry agent-declared intent.
var BypassPaths = []string{
	"/health", "/docs", "/openapi.json", "/dashboard", "/api/v1/stats", "/api/v1/health",
	"/api/auth", "/api/agents", "/api/policies", "/api/logs", "/api/validate", "/api/insights",
}

const (
	modelCallTimeout  = 5 * time.Second
	payloadSummaryMax = 500
)

// attackPattern is the exact deterministic pre-filter the original
// llm_judge.py runs before ever invoking the model, so a cheap obviously
// malicious payload never spends a model call.
var attackPattern = regexp.MustCompile(`(?i)` + strings.Join([]string{
	`DROP\s+TABLE`,
	`DELETE\s+FROM`,
	`TRUNCATE\s+TABLE`,
	`ALTER\s+TABLE`,
	`INSERT\s+INTO.*VALUES`,
	`UPDATE\s+.*SET`,
	`exec\s*\(`,
	`eval\s*\(`,
	`<script>`,
	`javascript:`,
	`rm\s+-rf`,
	`curl\s+.*\|.*sh`,
	`wget\s+.*\|.*sh`,
}, "|"))

type judgeRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type judgeResponse struct {
	Response string `json:"response"`
}

type judgeDecision struct {
	Verdict    bool    `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Gate implements JudgeGate.
type Gate struct {
	modelURL        string
	model           string
	confidenceFloor float64
	cacheTTL        time.Duration

	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	cache   verdictcache.Cache
	metrics *metrics.Metrics
}

// New builds a JudgeGate. model is the text-generation model name (e.g.
// "llama3.2:1b"); confidenceFloor is the skeptical-override threshold.
func New(modelURL, model string, confidenceFloor float64, cacheTTL time.Duration, cache verdictcache.Cache, m *metrics.Metrics) *Gate {
	return &Gate{
		modelURL:        modelURL,
		model:           model,
		confidenceFloor: confidenceFloor,
		cacheTTL:        cacheTTL,
		client:          &http.Client{Timeout: modelCallTimeout},
		breaker:         circuitbreaker.New(circuitbreaker.DefaultConfig("judge")),
		cache:           cache,
		metrics:         m,
	}
}

// Evaluate implements the fast-path / pre-filter / cache / model sequence.
func (g *Gate) Evaluate(ctx context.Context, req *core.AssessmentRequest, pc *core.PipelineContext) *core.Verdict {
	for _, p := range BypassPaths {
		if strings.HasPrefix(req.URL, p) {
			return nil
		}
	}

	if pc.Intent == nil {
		// Should already have been blocked by IntentGate; fail safe by
		// forwarding rather than panicking on a nil dereference.
		return nil
	}

	if pc.Intent.RiskLevel == core.RiskLow {
		slog.Info("judge: fast path (low risk)")
		return nil
	}

	payloadSummary := "No Payload"
	if body, ok := pc.Body(); ok && len(body) > 0 {
		s := string(body)
		if len(s) > payloadSummaryMax {
			s = s[:payloadSummaryMax]
		}
		payloadSummary = s
	}

	if match := attackPattern.FindString(payloadSummary); match != "" {
		slog.Warn("judge: pre-filter block", "pattern", match)
		g.metrics.JudgePreBlocks.Inc()
		return core.Block("judge", fmt.Sprintf("Reflex L4: Judge Denied - Pre-Check Block: %s", match))
	}

	fingerprint := fingerprintOf(pc.Intent.Justification, payloadSummary)

	if cached, ok := g.cache.Get(ctx, fingerprint); ok {
		g.metrics.JudgeCacheHits.Inc()
		return g.verdictFromDecision(cached.Verdict, cached.Confidence, cached.Reason)
	}
	g.metrics.JudgeCacheMisses.Inc()

	decision, err := g.callModel(ctx, pc.Intent.Justification, payloadSummary)
	if err != nil {
		if errors.Is(err, errInvalidJudgeOutput) {
			slog.Error("judge: model returned unparsable output, fail-closed", "error", err)
			return core.Block("judge", "Reflex L4: Judge Denied - Invalid Judge Output (Fail-Closed)")
		}
		slog.Error("judge: model call failed, fail-closed", "error", err)
		return core.Block("judge", "Reflex L4: Judge Denied - Judge Unavailable (Fail-Closed)")
	}

	if decision.Verdict && decision.Confidence < g.confidenceFloor {
		slog.Warn("judge: skeptical override", "confidence", decision.Confidence)
		decision.Verdict = false
		decision.Reason = fmt.Sprintf("Skeptical Override: Confidence too low (%.2f)", decision.Confidence)
	}

	if err := g.cache.Put(ctx, fingerprint, &core.CachedJudgement{
		Verdict: decision.Verdict, Confidence: decision.Confidence, Reason: decision.Reason,
	}, g.cacheTTL); err != nil {
		slog.Warn("judge: cache write failed", "error", err)
	}

	return g.verdictFromDecision(decision.Verdict, decision.Confidence, decision.Reason)
}

func (g *Gate) verdictFromDecision(verdict bool, confidence float64, reason string) *core.Verdict {
	if verdict && confidence >= g.confidenceFloor {
		slog.Info("judge: approved", "confidence", confidence)
		return nil
	}
	slog.Warn("judge: denied", "verdict", verdict, "confidence", confidence, "reason", reason)
	return core.Block("judge", fmt.Sprintf("Reflex L4: Judge Denied - %s", reason))
}

func (g *Gate) callModel(ctx context.Context, justification, payloadSummary string) (*judgeDecision, error) {
	g.metrics.JudgeModelCalls.Inc()

	prompt := fmt.Sprintf(
		"You are a security judge.\nJUSTIFICATION: %q\nEVIDENCE: %q\nQUESTION: Does the EVIDENCE support the JUSTIFICATION?\nRespond valid JSON: { \"verdict\": boolean, \"confidence\": float, \"reason\": string }",
		justification, payloadSummary,
	)

	body, err := json.Marshal(judgeRequest{Model: g.model, Prompt: prompt, Format: "json", Stream: false})
	if err != nil {
		return nil, err
	}

	var raw judgeResponse
	callErr := g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.modelURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("judge endpoint returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&raw)
	})
	if callErr != nil {
		return nil, callErr
	}

	var decision judgeDecision
	if err := json.Unmarshal([]byte(raw.Response), &decision); err != nil {
		return nil, fmt.Errorf("%w: %s", errInvalidJudgeOutput, err)
	}
	return &decision, nil
}

func fingerprintOf(justification, payloadSummary string) string {
	sum := sha256.Sum256([]byte(justification + "|" + payloadSummary))
	return hex.EncodeToString(sum[:])
}
