package policygate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/veil/internal/core"
)

func TestGate_AllowsOnPolicyResultTrue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"result": true})
	}))
	defer srv.Close()

	g := New(srv.URL)
	req := &core.AssessmentRequest{Method: "POST", URL: "/v1/refunds", Body: []byte(`{"amount":10}`)}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	assert.Nil(t, v)
}

func TestGate_DeniesOnPolicyResultFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"result": false})
	}))
	defer srv.Close()

	g := New(srv.URL)
	req := &core.AssessmentRequest{Method: "POST", URL: "/v1/refunds"}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "Policy Violation")
}

func TestGate_FailsClosedOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := New(srv.URL)
	req := &core.AssessmentRequest{Method: "POST", URL: "/v1/refunds"}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "Unavailable")
}

func TestGate_FailsClosedWhenUnreachable(t *testing.T) {
	g := New("http://127.0.0.1:1")
	req := &core.AssessmentRequest{Method: "POST", URL: "/v1/refunds"}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
}

func TestGate_BypassPathSkipsPolicy(t *testing.T) {
	g := New("http://127.0.0.1:1")
	req := &core.AssessmentRequest{Method: "GET", URL: "/health"}

	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	assert.Nil(t, v)
}

func TestGate_BuffersBodyForDownstreamGates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"result": true})
	}))
	defer srv.Close()

	g := New(srv.URL)
	req := &core.AssessmentRequest{Method: "POST", URL: "/v1/refunds", Body: []byte(`{"amount":10}`)}
	pc := core.NewPipelineContext()

	g.Evaluate(context.Background(), req, pc)

	body, ok := pc.Body()
	require.True(t, ok)
	assert.Equal(t, `{"amount":10}`, string(body))
}
