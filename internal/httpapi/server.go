// Package httpapi exposes the pipeline over HTTP: a single assessment
// endpoint the proxy calls per outbound request, plus health, dashboard
// stats and Prometheus metrics routes. No docs routes are served.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/veil/internal/core"
	"github.com/ocx/veil/internal/pipeline"
)

// Server wires the pipeline Host to an HTTP mux.
type Server struct {
	host   *pipeline.Host
	router *mux.Router
	limit  *rateLimiter
}

// New builds a Server around host.
func New(host *pipeline.Host, maxCallsPerMinute int) *Server {
	s := &Server{host: host, router: mux.NewRouter(), limit: newRateLimiter(maxCallsPerMinute)}
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/assess", s.rateLimited(s.handleAssess)).Methods(http.MethodPost)
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientAddress(r)
		if !s.limit.Allow(key) {
			slog.Warn("httpapi: rate limit exceeded", "client", key)
			writeJSON(w, http.StatusTooManyRequests, core.Block("rate_limiter", "Rate Limit Exceeded"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "stats not yet wired"})
}

// assessEnvelope is the wire shape the proxy submits per outbound call.
type assessEnvelope struct {
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Host          string            `json:"host"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	ClientAddress string            `json:"client_address"`
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var env assessEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, core.Block("httpapi", "malformed assessment request"))
		return
	}

	req := &core.AssessmentRequest{
		Method:        env.Method,
		URL:           env.URL,
		Host:          env.Host,
		Headers:       env.Headers,
		Body:          []byte(env.Body),
		ClientAddress: clientAddressOrFallback(env.ClientAddress, r),
	}

	verdict := s.host.Assess(r.Context(), req)
	writeJSON(w, statusCodeFor(verdict), verdict)
}

func clientAddress(r *http.Request) string {
	host, _, ok := strings.Cut(r.RemoteAddr, ":")
	if !ok {
		return r.RemoteAddr
	}
	return host
}

func clientAddressOrFallback(declared string, r *http.Request) string {
	if declared != "" {
		return declared
	}
	return clientAddress(r)
}

func statusCodeFor(v *core.Verdict) int {
	if v.Status == core.StatusAllow {
		return http.StatusOK
	}
	if strings.Contains(v.Reason, "Unavailable") || strings.Contains(v.Reason, "Unreachable") {
		return http.StatusServiceUnavailable
	}
	return http.StatusForbidden
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("httpapi: failed to encode response", "error", err)
	}
}
