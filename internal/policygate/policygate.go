// Package policygate implements PolicyGate (spec §4.3, L3 in the original):
// a deterministic rule-evaluator query, fail-closed on any connectivity
// problem, enforcing a binary allow/deny verdict against the request body,
// the declared intent, and the client address.
package policygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/veil/internal/circuitbreaker"
	"github.com/ocx/veil/internal/core"
)

// BypassPaths are the routes PolicyGate does not evaluate.
var BypassPaths = []string{
	"/health", "/docs", "/openapi.json", "/dashboard", "/api/v1/stats", "/api/v1/health",
}

// queryTimeout matches the original's 0.5s aiohttp timeout: a deterministic
// rule evaluator has no excuse to run slow, and fail-closed means a slow
// evaluator is treated the same as a down one.
const queryTimeout = 500 * time.Millisecond

type policyInput struct {
	Method   string      `json:"method"`
	Path     string      `json:"path"`
	Intent   interface{} `json:"intent"`
	Payload  interface{} `json:"payload"`
	ClientIP string      `json:"client_ip"`
}

type policyRequest struct {
	Input policyInput `json:"input"`
}

type policyResponse struct {
	Result bool `json:"result"`
}

// Gate implements PolicyGate.
type Gate struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// New builds a PolicyGate that queries url (an OPA-style data endpoint
// returning {"result": bool}).
func New(url string) *Gate {
	return &Gate{
		url:     url,
		client:  &http.Client{Timeout: queryTimeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("policy")),
	}
}

// Evaluate buffers the request body into pc (so JudgeGate can reuse it
// without re-reading the wire), queries the rule evaluator, and fails
// closed (503) on any transport problem or non-200 response, or (403) on a
// clean deny.
func (g *Gate) Evaluate(ctx context.Context, req *core.AssessmentRequest, pc *core.PipelineContext) *core.Verdict {
	for _, p := range BypassPaths {
		if strings.HasPrefix(req.URL, p) {
			return nil
		}
	}

	pc.BufferBody(req.Body)

	var payload interface{}
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &payload); err != nil {
			payload = map[string]int{"raw_size": len(req.Body)}
		}
	} else {
		payload = map[string]interface{}{}
	}

	var intent interface{}
	if pc.Intent != nil {
		intent = pc.Intent
	} else {
		intent = map[string]interface{}{}
	}

	body, err := json.Marshal(policyRequest{Input: policyInput{
		Method:   req.Method,
		Path:     req.URL,
		Intent:   intent,
		Payload:  payload,
		ClientIP: req.ClientAddress,
	}})
	if err != nil {
		slog.Error("policy: marshal policy input", "error", err)
		return core.Block("policy", "Reflex L3: Policy Engine Unreachable")
	}

	var decision policyResponse
	callErr := g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
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
			return fmt.Errorf("policy engine returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&decision)
	})

	if callErr != nil {
		slog.Error("policy: evaluator unreachable, fail-closed", "error", callErr)
		return core.Block("policy", "Reflex L3: Policy Engine Unavailable")
	}

	if !decision.Result {
		slog.Warn("policy: violation", "path", req.URL)
		return core.Block("policy", "Reflex L3: Policy Violation (Rego Deny)")
	}

	slog.Info("policy: passed", "path", req.URL)
	return nil
}
