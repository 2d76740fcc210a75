package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, InstanceID(ctx))
	assert.Empty(t, StepID(ctx))
	assert.Empty(t, ActionID(ctx))

	ctx = WithInstanceID(ctx, "wf-1")
	ctx = WithStepID(ctx, "summarize")
	ctx = WithActionID(ctx, "summarize.timeline")

	assert.Equal(t, "wf-1", InstanceID(ctx))
	assert.Equal(t, "summarize", StepID(ctx))
	assert.Equal(t, "summarize.timeline", ActionID(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStepID(WithInstanceID(context.Background(), "wf-1"), "publish")
	logger.InfoContext(ctx, "step done")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "wf-1", record["instance_id"])
	assert.Equal(t, "publish", record["step_id"])
	assert.NotContains(t, record, "action_id", "absent IDs are not logged")
}
