// Command veil-proxy is a reference forward proxy that demonstrates how an
// agent sandbox's outbound calls get mediated: each request is first
// submitted to the engine's /v1/assess endpoint, and only forwarded to its
// real destination on ALLOW. The real interceptor this stands in for
// (transparent iptables redirection, a sidecar, a language-runtime hook) is
// out of scope (spec §1 Non-goals) — this binary exists purely to exercise
// the engine end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"
)

type assessEnvelope struct {
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Host          string            `json:"host"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	ClientAddress string            `json:"client_address"`
}

type verdict struct {
	Status          string  `json:"verdict"`
	Reason          string  `json:"reason"`
	GateThatDecided string  `json:"gate_that_decided"`
	LatencyMS       float64 `json:"latency_ms"`
}

func main() {
	listenAddr := flag.String("listen", ":9443", "proxy listen address")
	engineURL := flag.String("engine-url", "http://localhost:8443/v1/assess", "VEIL engine assessment endpoint")
	internalToken := flag.String("internal-token", "dev-secret-token", "shared handshake token")
	flag.Parse()

	p := &mediatingProxy{
		engineURL:     *engineURL,
		internalToken: *internalToken,
		client:        &http.Client{Timeout: 10 * time.Second},
		forward: &httputil.ReverseProxy{
			Director: func(req *http.Request) {
				req.URL.Scheme = "https"
				req.URL.Host = req.Host
			},
		},
	}

	slog.Info("veil-proxy: starting", "listen", *listenAddr, "engine_url", *engineURL)
	if err := http.ListenAndServe(*listenAddr, p); err != nil {
		slog.Error("veil-proxy: server failed", "error", err)
	}
}

type mediatingProxy struct {
	engineURL     string
	internalToken string
	client        *http.Client
	forward       *httputil.ReverseProxy
}

func (p *mediatingProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	// The engine's identity gate reads the handshake token from the
	// submitted headers, not from the assessment call's own HTTP headers.
	headers["X-Internal-Token"] = p.internalToken

	v, err := p.assess(r.Context(), r.Method, r.URL.String(), r.Host, headers, body, r.RemoteAddr)
	if err != nil {
		// spec §7: any exception during consultation still surfaces to the
		// agent as a 403, never a 5xx — the agent sees one uniform blocked
		// shape regardless of why the engine couldn't be consulted.
		slog.Error("veil-proxy: assessment call failed, fail-closed", "error", err)
		http.Error(w, fmt.Sprintf("VEIL Security: Request Blocked (Engine Unreachable: %s)", err), http.StatusForbidden)
		return
	}

	if v.Status != "ALLOW" {
		slog.Warn("veil-proxy: blocked", "gate", v.GateThatDecided, "reason", v.Reason)
		http.Error(w, fmt.Sprintf("VEIL Security: Request Blocked (%s)", v.Reason), http.StatusForbidden)
		return
	}

	p.forward.ServeHTTP(w, r)
}

func (p *mediatingProxy) assess(ctx context.Context, method, url, host string, headers map[string]string, body []byte, clientAddress string) (*verdict, error) {
	env := assessEnvelope{
		Method:        method,
		URL:           url,
		Host:          host,
		Headers:       headers,
		Body:          string(body),
		ClientAddress: clientAddress,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.engineURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", p.internalToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var v verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
