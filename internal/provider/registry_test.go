package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tako0614/takos-agent/pkg/policy"
	"github.com/tako0614/takos-agent/pkg/schema"
)

func lookupFrom(m map[string]string) SecretLookup {
	return func(key string) string { return m[key] }
}

func testConfig() *schema.NodeAIConfig {
	return &schema.NodeAIConfig{
		Enabled: true,
		Policy: policy.Policy{
			SendPublicPosts: policy.Bool(true),
			SendProfile:     policy.Bool(true),
		},
		DefaultProvider: "main",
		Providers: []schema.ProviderConfig{
			{ID: "main", Type: "openai", Model: "gpt-4o", CredentialEnv: "OPENAI_KEY"},
			{ID: "local", Type: "ollama", BaseURL: "http://ollama:11434", Model: "llama3"},
		},
	}
}

func TestNewRegistryResolvesProviders(t *testing.T) {
	r, err := NewRegistry(testConfig(), lookupFrom(map[string]string{"OPENAI_KEY": "sk-test"}), nil)
	require.NoError(t, err)

	main := r.Get("main")
	require.NotNil(t, main)
	assert.Equal(t, "https://api.openai.com/v1", main.BaseURL)
	assert.Equal(t, "sk-test", main.Credential())
	assert.Equal(t, map[string]string{"Authorization": "Bearer sk-test"}, main.AuthHeaders())

	local := r.Get("local")
	require.NotNil(t, local)
	assert.Equal(t, "http://ollama:11434", local.BaseURL)
	assert.Empty(t, local.AuthHeaders())
}

func TestNewRegistryFailsFast(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.NodeAIConfig)
		secret map[string]string
	}{
		{
			name:   "missing credential",
			mutate: func(cfg *schema.NodeAIConfig) {},
			secret: map[string]string{},
		},
		{
			name: "no base url for unknown type",
			mutate: func(cfg *schema.NodeAIConfig) {
				cfg.Providers[0].Type = "generic"
			},
			secret: map[string]string{"OPENAI_KEY": "sk-test"},
		},
		{
			name: "duplicate provider id",
			mutate: func(cfg *schema.NodeAIConfig) {
				cfg.Providers = append(cfg.Providers, cfg.Providers[0])
			},
			secret: map[string]string{"OPENAI_KEY": "sk-test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := NewRegistry(cfg, lookupFrom(tt.secret), nil)
			require.Error(t, err)
		})
	}
}

func TestAnthropicAuthHeader(t *testing.T) {
	cfg := &schema.NodeAIConfig{
		Providers: []schema.ProviderConfig{
			{ID: "claude", Type: "anthropic", Model: "claude-sonnet", CredentialEnv: "ANTHROPIC_KEY"},
		},
	}
	r, err := NewRegistry(cfg, lookupFrom(map[string]string{"ANTHROPIC_KEY": "ak-test"}), nil)
	require.NoError(t, err)

	c := r.Get("claude")
	require.NotNil(t, c)
	assert.Equal(t, map[string]string{"x-api-key": "ak-test"}, c.AuthHeaders())
}

func TestGetDefaultAndRequire(t *testing.T) {
	r, err := NewRegistry(testConfig(), lookupFrom(map[string]string{"OPENAI_KEY": "sk-test"}), nil)
	require.NoError(t, err)

	assert.Equal(t, "main", r.Get("").ID)

	_, err = r.Require("nope")
	require.Error(t, err)
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeProviderNotFound, agentErr.Code)
}

func TestPrepareCallRedacts(t *testing.T) {
	r, err := NewRegistry(testConfig(), lookupFrom(map[string]string{"OPENAI_KEY": "sk-test"}), nil)
	require.NoError(t, err)

	var observed *RedactionResult
	payload := map[string]any{
		"prompt":         "summarize",
		"publicPosts":    []any{"post"},
		"communityPosts": []any{"community"},
		"dmMessages":     []any{"dm"},
	}

	prepared, err := r.PrepareCall(CallOptions{
		ActionID: "summarize.timeline",
		Payload:  payload,
		OnRedact: func(res RedactionResult) { observed = &res },
	})
	require.NoError(t, err)

	assert.Contains(t, prepared.Payload, "publicPosts")
	assert.NotContains(t, prepared.Payload, "communityPosts")
	assert.NotContains(t, prepared.Payload, "dmMessages")
	// The caller's payload is never mutated.
	assert.Contains(t, payload, "dmMessages")

	require.NotNil(t, observed)
	assert.Equal(t, "main", observed.ProviderID)
	assert.Len(t, observed.Removed, 2)
}

func TestCallWithPolicyPassesRedactedPayload(t *testing.T) {
	r, err := NewRegistry(testConfig(), lookupFrom(map[string]string{"OPENAI_KEY": "sk-test"}), nil)
	require.NoError(t, err)

	result, err := r.CallWithPolicy(context.Background(),
		CallOptions{
			ProviderID: "local",
			Payload:    map[string]any{"prompt": "hi", "dmMessages": []any{"secret"}},
		},
		func(ctx context.Context, call *PreparedCall) (map[string]any, error) {
			assert.NotContains(t, call.Payload, "dmMessages")
			assert.Equal(t, "local", call.Provider.ID)
			return map[string]any{"text": "ok"}, nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "local", result.ProviderID)
	assert.Equal(t, "ok", result.Data["text"])
	assert.Len(t, result.Redacted, 1)
}

func TestEnforcePolicy(t *testing.T) {
	r, err := NewRegistry(testConfig(), lookupFrom(map[string]string{"OPENAI_KEY": "sk-test"}), nil)
	require.NoError(t, err)

	// Omitted fields redact silently; only explicit true against a forbidden
	// field is a violation.
	assert.NoError(t, r.EnforcePolicy("a", &policy.Policy{SendPublicPosts: policy.Bool(true)}, "main"))
	assert.NoError(t, r.EnforcePolicy("a", nil, "main"))

	err = r.EnforcePolicy("a", &policy.Policy{SendDm: policy.Bool(true)}, "main")
	require.Error(t, err)
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeDataPolicyViolation, agentErr.Code)
	assert.Equal(t, []string{"sendDm"}, agentErr.Details["fields"])
}
