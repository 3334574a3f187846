package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/veil/internal/core"
	"github.com/ocx/veil/internal/metrics"
	"github.com/ocx/veil/internal/pipeline"
)

type noopLedger struct{}

func (noopLedger) RecordAsync(map[string]interface{}) {}

func TestServer_HealthEndpoint(t *testing.T) {
	host := pipeline.New(noopLedger{}, metrics.New())
	s := New(host, 600)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AssessAllowsWhenAllGatesPass(t *testing.T) {
	host := pipeline.New(noopLedger{}, metrics.New())
	host.Use("identity", func(context.Context, *core.AssessmentRequest, *core.PipelineContext) *core.Verdict { return nil })
	s := New(host, 600)

	body, _ := json.Marshal(map[string]interface{}{"method": "GET", "url": "/x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/assess", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var v core.Verdict
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, core.StatusAllow, v.Status)
}

func TestServer_AssessBlocksReturn403(t *testing.T) {
	host := pipeline.New(noopLedger{}, metrics.New())
	host.Use("identity", func(context.Context, *core.AssessmentRequest, *core.PipelineContext) *core.Verdict {
		return core.Block("identity", "Reflex L1: Unauthorized Handshake")
	})
	s := New(host, 600)

	body, _ := json.Marshal(map[string]interface{}{"method": "GET", "url": "/x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/assess", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_MalformedBodyIsBadRequest(t *testing.T) {
	host := pipeline.New(noopLedger{}, metrics.New())
	s := New(host, 600)

	req := httptest.NewRequest(http.MethodPost, "/v1/assess", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
