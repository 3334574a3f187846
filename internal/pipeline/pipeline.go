// Package pipeline composes the fixed-order gate chain (spec §4) and
// records the terminal outcome to the ledger. The original Python stack
// builds this order through Starlette's LIFO middleware registration
// (the comment in main.py notes middlewares must be added L3, L2, L1 to
// execute L1→L2→L3); in Go there is no such inversion — Host.Assess just
// calls each GateFunc in the literal order it was given.
package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/veil/internal/core"
	"github.com/ocx/veil/internal/metrics"
)

// SandboxPIDHeader is the header the proxy attaches when the outbound call
// originates from a sandbox the eBPF kernel sink can hold a verdict for.
const SandboxPIDHeader = "X-Veil-Sandbox-Pid"

// GateFunc evaluates one gate. Returning nil means "forward to the next
// gate"; returning a non-nil Verdict means BLOCK and short-circuit.
type GateFunc func(ctx context.Context, req *core.AssessmentRequest, pc *core.PipelineContext) *core.Verdict

// namedGate pairs a GateFunc with the name attached to its metrics/verdict.
type namedGate struct {
	name string
	fn   GateFunc
}

// Recorder is the subset of ledger.Recorder the pipeline needs, so tests
// can supply a fake without touching disk.
type Recorder interface {
	RecordAsync(eventData map[string]interface{})
}

// Publisher optionally fans a terminal verdict out to an external bus
// (events.VerdictPublisher) once the pipeline has decided. Not every
// deployment configures one, so Host treats a nil Publisher as a no-op.
type Publisher interface {
	Publish(ctx context.Context, path string, verdict *core.Verdict)
}

// KernelSink optionally writes a terminal verdict back into a pinned eBPF
// map (kernelsink.Sink) keyed by the sandbox PID the proxy declares in
// SandboxPIDHeader, letting a kernel-side hook release or revoke a held
// syscall without waiting solely on the HTTP response.
type KernelSink interface {
	Release(pid uint32) error
	Revoke(pid uint32) error
}

// Host runs the fixed-order gate chain: Identity → Intent → Policy → Judge.
type Host struct {
	gates      []namedGate
	ledger     Recorder
	metrics    *metrics.Metrics
	publisher  Publisher
	kernelSink KernelSink
}

// New builds a Host. Gates are evaluated in the order passed; ledger
// receives a forensic record of every terminal outcome.
func New(ledger Recorder, m *metrics.Metrics) *Host {
	return &Host{ledger: ledger, metrics: m}
}

// Use appends a named gate to the chain.
func (h *Host) Use(name string, fn GateFunc) {
	h.gates = append(h.gates, namedGate{name: name, fn: fn})
}

// SetPublisher attaches an optional verdict fan-out publisher.
func (h *Host) SetPublisher(p Publisher) { h.publisher = p }

// SetKernelSink attaches an optional kernel verdict sink.
func (h *Host) SetKernelSink(s KernelSink) { h.kernelSink = s }

// Assess runs req through every gate in order and records the outcome. A
// panic in any gate is converted into an InternalInvariantBreak BLOCK
// rather than crashing the process — the pipeline's job is to fail closed,
// never to fail open by accident.
func (h *Host) Assess(ctx context.Context, req *core.AssessmentRequest) (verdict *core.Verdict) {
	pc := core.NewPipelineContext()
	var layersPassed []string

	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline: panic recovered, failing closed", "panic", r)
			verdict = core.Block("pipeline", "InternalInvariantBreak: gate panicked")
		}
		verdict.LatencyMS = float64(pc.Elapsed().Microseconds()) / 1000.0
		h.record(req, verdict, layersPassed)

		if h.publisher != nil {
			h.publisher.Publish(ctx, req.URL, verdict)
		}
		if h.kernelSink != nil {
			h.writeKernelVerdict(req, verdict)
		}
	}()

	for _, g := range h.gates {
		gateStart := time.Now()
		v := g.fn(ctx, req, pc)
		elapsed := time.Since(gateStart)

		if h.metrics != nil {
			h.metrics.GateLatency.WithLabelValues(g.name).Observe(elapsed.Seconds())
		}

		if v != nil {
			if h.metrics != nil {
				h.metrics.GateDecisions.WithLabelValues(g.name, string(core.StatusBlock)).Inc()
			}
			return v
		}

		if h.metrics != nil {
			h.metrics.GateDecisions.WithLabelValues(g.name, string(core.StatusAllow)).Inc()
		}
		layersPassed = append(layersPassed, g.name)
	}

	return core.Allow("pipeline")
}

func (h *Host) record(req *core.AssessmentRequest, verdict *core.Verdict, layersPassed []string) {
	if h.ledger == nil {
		return
	}
	_, intentPresent := req.Headers["X-Veil-Intent"]
	outcome := core.Outcome{
		Path:                req.URL,
		Method:              req.Method,
		ClientIP:            req.ClientAddress,
		StatusCode:          statusCodeFor(verdict),
		LatencyMS:           verdict.LatencyMS,
		LayersPassed:        layersPassed,
		IntentHeaderPresent: intentPresent,
	}

	eventData := map[string]interface{}{
		"event":             "ASSESSMENT",
		"status":            verdict.Status,
		"reason":            verdict.Reason,
		"gate_that_decided": verdict.GateThatDecided,
		"outcome":           outcome,
	}
	h.ledger.RecordAsync(eventData)
}

// writeKernelVerdict releases or revokes the sandbox PID the proxy declared,
// if any — a request with no SandboxPIDHeader didn't originate from a
// kernel-held sandbox, so there's nothing to write back.
func (h *Host) writeKernelVerdict(req *core.AssessmentRequest, verdict *core.Verdict) {
	raw, ok := req.Headers[SandboxPIDHeader]
	if !ok {
		return
	}
	pid, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		slog.Warn("pipeline: malformed sandbox pid header, skipping kernel sink", "value", raw)
		return
	}

	var sinkErr error
	if verdict.Status == core.StatusAllow {
		sinkErr = h.kernelSink.Release(uint32(pid))
	} else {
		sinkErr = h.kernelSink.Revoke(uint32(pid))
	}
	if sinkErr != nil {
		slog.Error("pipeline: kernel sink write failed", "pid", pid, "error", sinkErr)
	}
}

func statusCodeFor(v *core.Verdict) int {
	if v.Status == core.StatusAllow {
		return 200
	}
	if strings.Contains(v.Reason, "Unavailable") || strings.Contains(v.Reason, "Unreachable") {
		return 503
	}
	return 403
}
