package aiaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tako0614/takos-agent/internal/provider"
	"github.com/tako0614/takos-agent/pkg/policy"
	"github.com/tako0614/takos-agent/pkg/schema"
)

func testNode() *schema.NodeAIConfig {
	return &schema.NodeAIConfig{
		Enabled:        true,
		EnabledActions: []string{"summarize.timeline", "draft.reply"},
		Policy: policy.Policy{
			SendPublicPosts: policy.Bool(true),
			SendProfile:     policy.Bool(true),
		},
		Providers: []schema.ProviderConfig{
			{ID: "local", Type: "ollama", Model: "llama3", Default: true},
		},
	}
}

func newTestRegistry(t *testing.T, node *schema.NodeAIConfig, opts ...Option) *Registry {
	t.Helper()
	providers, err := provider.NewRegistry(node, func(string) string { return "" }, nil)
	require.NoError(t, err)
	return NewRegistry(node, providers, nil, opts...)
}

func echoHandler(ctx context.Context, call *Call, input map[string]any) (map[string]any, error) {
	return map[string]any{"echo": input, "provider": call.Provider.ID}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, testNode())

	def := &Definition{ID: "summarize.timeline", Capability: CapabilityChat, Handler: echoHandler}
	require.NoError(t, r.Register(def))

	assert.Error(t, r.Register(def), "duplicate id must be rejected")
	assert.Error(t, r.Register(&Definition{ID: "", Handler: echoHandler}))
	assert.Error(t, r.Register(&Definition{ID: "no-handler"}))

	got, err := r.Get("summarize.timeline")
	require.NoError(t, err)
	assert.Equal(t, CapabilityChat, got.Capability)

	// Mutating the returned copy must not affect the registry.
	got.Description = "changed"
	again, err := r.Get("summarize.timeline")
	require.NoError(t, err)
	assert.Empty(t, again.Description)

	_, err = r.Get("missing")
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeActionUnknown, agentErr.Code)
}

func TestListReflectsAllowList(t *testing.T) {
	r := newTestRegistry(t, testNode())
	require.NoError(t, r.Register(&Definition{ID: "summarize.timeline", Handler: echoHandler}))
	require.NoError(t, r.Register(&Definition{ID: "admin.purge", Handler: echoHandler}))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "admin.purge", infos[0].ID)
	assert.False(t, infos[0].Enabled)
	assert.Equal(t, "summarize.timeline", infos[1].ID)
	assert.True(t, infos[1].Enabled)
}

func TestEnsureAllowedGateOrder(t *testing.T) {
	node := testNode()
	r := newTestRegistry(t, node)
	require.NoError(t, r.Register(&Definition{ID: "summarize.timeline", Handler: echoHandler}))
	require.NoError(t, r.Register(&Definition{ID: "admin.purge", Handler: echoHandler}))

	assert.NoError(t, r.EnsureAllowed("summarize.timeline"))

	err := r.EnsureAllowed("missing")
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeActionUnknown, agentErr.Code)

	err = r.EnsureAllowed("admin.purge")
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeActionNotEnabled, agentErr.Code)

	node.Enabled = false
	err = r.EnsureAllowed("summarize.timeline")
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeFeatureDisabled, agentErr.Code)
}

func TestDispatchRedactsInput(t *testing.T) {
	var observed []provider.RedactionResult
	r := newTestRegistry(t, testNode(), WithRedactionObserver(func(res provider.RedactionResult) {
		observed = append(observed, res)
	}))

	var seen map[string]any
	require.NoError(t, r.Register(&Definition{
		ID:     "summarize.timeline",
		Policy: &policy.Policy{SendPublicPosts: policy.Bool(true)},
		Handler: func(ctx context.Context, call *Call, input map[string]any) (map[string]any, error) {
			seen = input
			return map[string]any{"summary": "done"}, nil
		},
	}))

	res, err := r.Dispatch(context.Background(), "summarize.timeline", map[string]any{
		"prompt":      "summarize my day",
		"publicPosts": []any{"post"},
		"dmMessages":  []any{"secret"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "done", res.Output["summary"])
	assert.Equal(t, "local", res.ProviderID)
	assert.Contains(t, seen, "publicPosts")
	assert.NotContains(t, seen, "dmMessages")

	require.Len(t, observed, 1)
	assert.Equal(t, "summarize.timeline", observed[0].ActionID)
}

func TestDispatchBlocksForbiddenPolicy(t *testing.T) {
	// send_dm is unset on the node, which resolves to false. An action
	// explicitly requesting it must fail before its handler runs, on every
	// node, with no opt-in.
	r := newTestRegistry(t, testNode())

	require.NoError(t, r.Register(&Definition{
		ID:     "draft.reply",
		Policy: &policy.Policy{SendDm: policy.Bool(true)},
		Handler: func(ctx context.Context, call *Call, input map[string]any) (map[string]any, error) {
			t.Fatal("handler must not run on a policy violation")
			return nil, nil
		},
	}))

	_, err := r.Dispatch(context.Background(), "draft.reply", map[string]any{"dmMessages": []any{"x"}}, nil)
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeDataPolicyViolation, agentErr.Code)
	assert.Contains(t, agentErr.Details["fields"], "sendDm")
}

func TestDispatchWrapsHandlerError(t *testing.T) {
	r := newTestRegistry(t, testNode())
	require.NoError(t, r.Register(&Definition{
		ID: "summarize.timeline",
		Handler: func(ctx context.Context, call *Call, input map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		},
	}))

	_, err := r.Dispatch(context.Background(), "summarize.timeline", nil, nil)
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeExecution, agentErr.Code)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDispatchValidatesInputSchema(t *testing.T) {
	r := newTestRegistry(t, testNode())
	require.NoError(t, r.Register(&Definition{
		ID: "summarize.timeline",
		InputSchema: []byte(`{
			"type": "object",
			"required": ["limit"],
			"properties": {"limit": {"type": "integer", "minimum": 1}}
		}`),
		Handler: echoHandler,
	}))

	_, err := r.Dispatch(context.Background(), "summarize.timeline", map[string]any{}, nil)
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeValidation, agentErr.Code)

	res, err := r.Dispatch(context.Background(), "summarize.timeline", map[string]any{"limit": 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", res.ProviderID)
}
