package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tako0614/takos-agent/internal/engine"
	"github.com/tako0614/takos-agent/internal/store"
	"github.com/tako0614/takos-agent/internal/tools"
	"github.com/tako0614/takos-agent/pkg/schema"
)

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func rawConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// newTestServer wires a real engine with one plain workflow and one
// approval-gated workflow.
func newTestServer(t *testing.T) (*AgentServer, *engine.Engine) {
	t.Helper()

	toolReg := tools.NewRegistry()
	require.NoError(t, toolReg.Register(&tools.Tool{
		Name: "ping",
		Handler: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(store.NewMemoryStore(), nil, toolReg, engine.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	require.NoError(t, e.RegisterWorkflow(&schema.WorkflowDefinition{
		ID:         "ping",
		EntryPoint: "ping",
		Steps: []schema.WorkflowStep{
			{ID: "ping", Type: schema.StepTypeToolCall, Config: rawConfig(t, schema.ToolCallConfig{Tool: "ping"})},
		},
	}))
	require.NoError(t, e.RegisterWorkflow(&schema.WorkflowDefinition{
		ID:         "gated",
		EntryPoint: "gate",
		Steps: []schema.WorkflowStep{
			{
				ID:     "gate",
				Type:   schema.StepTypeHumanApproval,
				Config: rawConfig(t, schema.ApprovalConfig{Message: "proceed?"}),
				Next:   "ping",
			},
			{ID: "ping", Type: schema.StepTypeToolCall, Config: rawConfig(t, schema.ToolCallConfig{Tool: "ping"})},
		},
	}))

	return NewAgentServer(AgentServerDeps{Engine: e, Logger: logger}), e
}

func waitForStatus(t *testing.T, e *engine.Engine, id string, want schema.InstanceStatus) *schema.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := e.GetInstance(context.Background(), id)
		require.NoError(t, err)
		if inst.Status == want {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached %s", id, want)
	return nil
}

func startedInstanceID(t *testing.T, e *engine.Engine) string {
	t.Helper()
	instances, err := e.ListInstances(context.Background(), schema.InstanceFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, instances)
	return instances[0].ID
}

func TestStartTool(t *testing.T) {
	s, e := newTestServer(t)

	result, err := s.handleStart(context.Background(), buildRequest("workflow_start", map[string]any{
		"workflow_id": "ping",
		"agent_id":    "agent-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	id := startedInstanceID(t, e)
	inst := waitForStatus(t, e, id, schema.InstanceCompleted)
	assert.Equal(t, schema.InitiatorAgent, inst.Initiator.Type)
	assert.Equal(t, "agent-1", inst.Initiator.ID)
}

func TestStartToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStart(context.Background(), buildRequest("workflow_start", map[string]any{
		"agent_id": "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStart(context.Background(), buildRequest("workflow_start", map[string]any{
		"workflow_id": "no-such-workflow",
		"agent_id":    "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	s, e := newTestServer(t)

	_, err := e.Start(context.Background(), "ping", nil, schema.Initiator{Type: schema.InitiatorAgent, ID: "a"})
	require.NoError(t, err)
	id := startedInstanceID(t, e)
	waitForStatus(t, e, id, schema.InstanceCompleted)

	result, err := s.handleStatus(context.Background(), buildRequest("workflow_status", map[string]any{
		"instance_id": id,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("workflow_status", map[string]any{
		"instance_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("workflow_status", map[string]any{
		"instance_id": id,
		"since":       "not-a-number",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestApproveTool(t *testing.T) {
	s, e := newTestServer(t)

	_, err := e.Start(context.Background(), "gated", nil, schema.Initiator{Type: schema.InitiatorAgent, ID: "a"})
	require.NoError(t, err)
	id := startedInstanceID(t, e)
	waitForStatus(t, e, id, schema.InstancePaused)

	result, err := s.handleApprove(context.Background(), buildRequest("workflow_approve", map[string]any{
		"instance_id": id,
		"decision":    "maybe",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleApprove(context.Background(), buildRequest("workflow_approve", map[string]any{
		"instance_id": id,
		"decision":    "approve",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	inst := waitForStatus(t, e, id, schema.InstanceCompleted)
	assert.Equal(t, schema.StepCompleted, inst.StepResults["gate"].Status)
}

func TestCancelTool(t *testing.T) {
	s, e := newTestServer(t)

	_, err := e.Start(context.Background(), "gated", nil, schema.Initiator{Type: schema.InitiatorAgent, ID: "a"})
	require.NoError(t, err)
	id := startedInstanceID(t, e)
	waitForStatus(t, e, id, schema.InstancePaused)

	result, err := s.handleCancel(context.Background(), buildRequest("workflow_cancel", map[string]any{
		"instance_id": id,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	waitForStatus(t, e, id, schema.InstanceCancelled)

	// Cancelling a terminal (non-cancelled) instance is an error result.
	_, err = e.Start(context.Background(), "ping", nil, schema.Initiator{Type: schema.InitiatorAgent, ID: "a"})
	require.NoError(t, err)
	instances, err := e.ListInstances(context.Background(), schema.InstanceFilter{DefinitionID: "ping"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	waitForStatus(t, e, instances[0].ID, schema.InstanceCompleted)

	result, err = s.handleCancel(context.Background(), buildRequest("workflow_cancel", map[string]any{
		"instance_id": instances[0].ID,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListTool(t *testing.T) {
	s, e := newTestServer(t)

	result, err := s.handleList(context.Background(), buildRequest("workflow_list", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	_, err = e.Start(context.Background(), "ping", nil, schema.Initiator{Type: schema.InitiatorAgent, ID: "a"})
	require.NoError(t, err)
	id := startedInstanceID(t, e)
	waitForStatus(t, e, id, schema.InstanceCompleted)

	result, err = s.handleList(context.Background(), buildRequest("workflow_list", map[string]any{
		"resource": "instances",
		"status":   string(schema.InstanceCompleted),
		"limit":    "10",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = s.handleList(context.Background(), buildRequest("workflow_list", map[string]any{
		"resource": "bogus",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
