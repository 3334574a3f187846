package identitygate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/veil/internal/config"
	"github.com/ocx/veil/internal/core"
)

type fakeResolver struct {
	fingerprint string
	err         error
	calls       int
}

func (f *fakeResolver) Resolve(context.Context, string) (string, error) {
	f.calls++
	return f.fingerprint, f.err
}

func baseConfig() *config.Config {
	return &config.Config{
		Env:                 config.EnvProd,
		InternalToken:       "super-secret",
		AuthorizedProxyHash: "sha256:authorized-proxy",
		Identity:            config.IdentityConfig{FingerprintCacheSize: 8},
	}
}

func TestGate_WrongTokenBlocks(t *testing.T) {
	cfg := baseConfig()
	g := New(cfg, &fakeResolver{fingerprint: cfg.AuthorizedProxyHash})

	req := &core.AssessmentRequest{
		URL:           "/v1/refunds",
		Headers:       map[string]string{"X-Internal-Token": "wrong"},
		ClientAddress: "10.0.0.5",
	}
	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "Unauthorized Handshake")
}

func TestGate_AuthorizedFingerprintPasses(t *testing.T) {
	cfg := baseConfig()
	g := New(cfg, &fakeResolver{fingerprint: cfg.AuthorizedProxyHash})

	req := &core.AssessmentRequest{
		URL:           "/v1/refunds",
		Headers:       map[string]string{"X-Internal-Token": cfg.InternalToken},
		ClientAddress: "10.0.0.5",
	}
	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	assert.Nil(t, v)
}

func TestGate_MismatchedFingerprintBlocks(t *testing.T) {
	cfg := baseConfig()
	g := New(cfg, &fakeResolver{fingerprint: "sha256:imposter"})

	req := &core.AssessmentRequest{
		URL:           "/v1/refunds",
		Headers:       map[string]string{"X-Internal-Token": cfg.InternalToken},
		ClientAddress: "10.0.0.5",
	}
	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "Runtime Identity Mismatch")
}

func TestGate_UnknownFingerprintBlocksInProd(t *testing.T) {
	cfg := baseConfig()
	g := New(cfg, &fakeResolver{fingerprint: FingerprintUnknown})

	req := &core.AssessmentRequest{
		URL:           "/v1/refunds",
		Headers:       map[string]string{"X-Internal-Token": cfg.InternalToken},
		ClientAddress: "10.0.0.5",
	}
	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
}

func TestGate_UnknownFingerprintBypassesInDev(t *testing.T) {
	cfg := baseConfig()
	cfg.Env = config.EnvDev
	g := New(cfg, &fakeResolver{fingerprint: FingerprintUnknown})

	req := &core.AssessmentRequest{
		URL:           "/v1/refunds",
		Headers:       map[string]string{"X-Internal-Token": cfg.InternalToken},
		ClientAddress: "10.0.0.5",
	}
	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	assert.Nil(t, v, "dev mode must allow an UNKNOWN sandbox for local testing")
}

func TestGate_ResolverErrorBlocks(t *testing.T) {
	cfg := baseConfig()
	g := New(cfg, &fakeResolver{fingerprint: FingerprintError, err: assertError{}})

	req := &core.AssessmentRequest{
		URL:           "/v1/refunds",
		Headers:       map[string]string{"X-Internal-Token": cfg.InternalToken},
		ClientAddress: "10.0.0.5",
	}
	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	require.NotNil(t, v)
}

func TestGate_BypassPathSkipsToken(t *testing.T) {
	cfg := baseConfig()
	g := New(cfg, &fakeResolver{})

	req := &core.AssessmentRequest{URL: "/health", Headers: map[string]string{}}
	v := g.Evaluate(context.Background(), req, core.NewPipelineContext())
	assert.Nil(t, v)
}

func TestGate_CachesFingerprintLookups(t *testing.T) {
	cfg := baseConfig()
	resolver := &fakeResolver{fingerprint: cfg.AuthorizedProxyHash}
	g := New(cfg, resolver)

	req := &core.AssessmentRequest{
		URL:           "/v1/refunds",
		Headers:       map[string]string{"X-Internal-Token": cfg.InternalToken},
		ClientAddress: "10.0.0.5",
	}
	g.Evaluate(context.Background(), req, core.NewPipelineContext())
	g.Evaluate(context.Background(), req, core.NewPipelineContext())

	assert.Equal(t, 1, resolver.calls, "a repeated client address should hit the fingerprint cache, not re-resolve")
}

type assertError struct{}

func (assertError) Error() string { return "resolver failure" }
