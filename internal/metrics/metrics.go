// Package metrics exposes the Prometheus instrumentation shared by every
// gate and the ledger recorder, grounded in the teacher's escrow.Metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector VEIL registers.
type Metrics struct {
	GateLatency   *prometheus.HistogramVec
	GateDecisions *prometheus.CounterVec

	JudgeCacheHits   prometheus.Counter
	JudgeCacheMisses prometheus.Counter
	JudgeModelCalls  prometheus.Counter
	JudgePreBlocks   prometheus.Counter

	NonceReplaysBlocked prometheus.Counter

	LedgerEntriesTotal prometheus.Counter
	LedgerWriteErrors  prometheus.Counter
}

var (
	once     sync.Once
	instance *Metrics
)

// New returns the process-wide Metrics singleton, registering every
// collector against the default Prometheus registry on first call. Gates,
// the pipeline host, and tests across multiple packages all call New(); a
// second registration of the same collector names would panic the default
// registerer, so every call after the first just returns the cached
// instance rather than re-registering.
func New() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		GateLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "veil_gate_latency_seconds",
				Help:    "Latency of an individual gate's evaluation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gate"},
		),
		GateDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veil_gate_decisions_total",
				Help: "Count of ALLOW/BLOCK decisions per gate.",
			},
			[]string{"gate", "status"},
		),
		JudgeCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_judge_cache_hits_total",
			Help: "Judge verdict cache hits.",
		}),
		JudgeCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_judge_cache_misses_total",
			Help: "Judge verdict cache misses.",
		}),
		JudgeModelCalls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_judge_model_calls_total",
			Help: "Outbound calls made to the text-generation endpoint.",
		}),
		JudgePreBlocks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_judge_pre_filter_blocks_total",
			Help: "Requests blocked by the deterministic pre-filter before any model call.",
		}),
		NonceReplaysBlocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_nonce_replays_blocked_total",
			Help: "Requests blocked for reusing an already-claimed nonce.",
		}),
		LedgerEntriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_ledger_entries_total",
			Help: "Ledger entries appended.",
		}),
		LedgerWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_ledger_write_errors_total",
			Help: "Ledger append failures (InternalInvariantBreak).",
		}),
	}
}
