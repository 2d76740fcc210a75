package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tako0614/takos-agent/pkg/schema"
)

func TestCanTransitionInstance(t *testing.T) {
	cases := []struct {
		from, to schema.InstanceStatus
		allowed  bool
	}{
		{schema.InstancePending, schema.InstanceRunning, true},
		{schema.InstancePending, schema.InstanceCancelled, true},
		{schema.InstancePending, schema.InstanceCompleted, false},
		{schema.InstanceRunning, schema.InstancePaused, true},
		{schema.InstanceRunning, schema.InstanceCompleted, true},
		{schema.InstanceRunning, schema.InstanceFailed, true},
		{schema.InstanceRunning, schema.InstancePending, false},
		{schema.InstancePaused, schema.InstanceRunning, true},
		{schema.InstancePaused, schema.InstanceCancelled, true},
		{schema.InstancePaused, schema.InstanceCompleted, false},
		{schema.InstanceCompleted, schema.InstanceRunning, false},
		{schema.InstanceFailed, schema.InstanceRunning, false},
		{schema.InstanceCancelled, schema.InstanceRunning, false},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.allowed, CanTransitionInstance(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, status := range []schema.InstanceStatus{
		schema.InstanceCompleted, schema.InstanceFailed, schema.InstanceCancelled,
	} {
		assert.True(t, status.Terminal())
		assert.Empty(t, ValidInstanceTransitions[status])
	}
}

func TestTransitionInstance(t *testing.T) {
	inst := &schema.WorkflowInstance{ID: "i-1", Status: schema.InstancePending}

	require.NoError(t, transitionInstance(inst, schema.InstanceRunning))
	assert.Equal(t, schema.InstanceRunning, inst.Status)

	err := transitionInstance(inst, schema.InstancePending)
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, agentErr.Code)
	// A rejected transition leaves the status untouched.
	assert.Equal(t, schema.InstanceRunning, inst.Status)
}
