package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/veil/internal/core"
	"github.com/ocx/veil/internal/metrics"
)

type recordingLedger struct {
	events []map[string]interface{}
}

func (r *recordingLedger) RecordAsync(eventData map[string]interface{}) {
	r.events = append(r.events, eventData)
}

func allowGate(context.Context, *core.AssessmentRequest, *core.PipelineContext) *core.Verdict {
	return nil
}

func blockGate(name string) GateFunc {
	return func(context.Context, *core.AssessmentRequest, *core.PipelineContext) *core.Verdict {
		return core.Block(name, "denied for test")
	}
}

func TestHost_AllGatesPassAllows(t *testing.T) {
	ledger := &recordingLedger{}
	h := New(ledger, metrics.New())
	h.Use("identity", allowGate)
	h.Use("intent", allowGate)
	h.Use("policy", allowGate)
	h.Use("judge", allowGate)

	v := h.Assess(context.Background(), &core.AssessmentRequest{Method: "GET", URL: "/x"})
	require.NotNil(t, v)
	assert.Equal(t, core.StatusAllow, v.Status)
}

func TestHost_FirstBlockingGateShortCircuits(t *testing.T) {
	called := false
	h := New(&recordingLedger{}, metrics.New())
	h.Use("identity", blockGate("identity"))
	h.Use("intent", func(context.Context, *core.AssessmentRequest, *core.PipelineContext) *core.Verdict {
		called = true
		return nil
	})

	v := h.Assess(context.Background(), &core.AssessmentRequest{Method: "GET", URL: "/x"})
	require.NotNil(t, v)
	assert.Equal(t, "identity", v.GateThatDecided)
	assert.False(t, called, "a gate after the blocking one must never run")
}

func TestHost_PanicInGateFailsClosed(t *testing.T) {
	h := New(&recordingLedger{}, metrics.New())
	h.Use("judge", func(context.Context, *core.AssessmentRequest, *core.PipelineContext) *core.Verdict {
		panic("simulated invariant break")
	})

	v := h.Assess(context.Background(), &core.AssessmentRequest{Method: "GET", URL: "/x"})
	require.NotNil(t, v)
	assert.Equal(t, core.StatusBlock, v.Status)
}

func TestHost_RecordsOutcomeToLedger(t *testing.T) {
	ledger := &recordingLedger{}
	h := New(ledger, metrics.New())
	h.Use("identity", allowGate)

	h.Assess(context.Background(), &core.AssessmentRequest{Method: "GET", URL: "/x"})
	require.Len(t, ledger.events, 1)
	assert.Equal(t, core.VerdictStatus("ALLOW"), ledger.events[0]["status"])
}
