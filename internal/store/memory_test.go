package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tako0614/takos-agent/pkg/schema"
)

func instanceFixture(id string, status schema.InstanceStatus, created time.Time) *schema.WorkflowInstance {
	return &schema.WorkflowInstance{
		ID:           id,
		DefinitionID: "daily-digest",
		Status:       status,
		Initiator:    schema.Initiator{Type: schema.InitiatorUser, ID: "ana"},
		StepResults:  map[string]*schema.WorkflowStepResult{},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := instanceFixture("wf-1", schema.InstanceRunning, time.Now().UTC())
	require.NoError(t, s.SaveInstance(ctx, inst))

	// Mutating the caller's copy must not leak into the store.
	inst.Status = schema.InstanceFailed

	got, err := s.GetInstance(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, got.Status)

	_, err = s.GetInstance(ctx, "missing")
	var agentErr *schema.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeNotFound, agentErr.Code)

	assert.Error(t, s.SaveInstance(ctx, nil))
	assert.Error(t, s.SaveInstance(ctx, &schema.WorkflowInstance{}))
}

func TestMemoryStoreListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, st := range []schema.InstanceStatus{
		schema.InstanceRunning, schema.InstanceCompleted, schema.InstanceFailed,
	} {
		inst := instanceFixture(string(rune('a'+i)), st, base.Add(time.Duration(i)*time.Minute))
		started := base.Add(time.Duration(i) * time.Minute)
		inst.StartedAt = &started
		require.NoError(t, s.SaveInstance(ctx, inst))
	}

	all, err := s.ListInstances(ctx, schema.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	running, err := s.ListInstances(ctx, schema.InstanceFilter{
		Statuses: []schema.InstanceStatus{schema.InstanceRunning},
	})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].ID)

	after := base.Add(30 * time.Second)
	late, err := s.ListInstances(ctx, schema.InstanceFilter{StartedAfter: &after})
	require.NoError(t, err)
	assert.Len(t, late, 2)

	none, err := s.ListInstances(ctx, schema.InstanceFilter{DefinitionID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)

	paged, err := s.ListInstances(ctx, schema.InstanceFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "b", paged[0].ID)
}

func TestMemoryStoreEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, typ := range []string{schema.EventStarted, schema.EventStepStarted, schema.EventCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{InstanceID: "wf-1", Type: typ}))
	}
	require.NoError(t, s.AppendEvent(ctx, &schema.Event{InstanceID: "wf-2", Type: schema.EventStarted}))

	events, err := s.ListEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequence is contiguous per instance")
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, schema.EventStarted, events[0].Type)
	assert.Equal(t, schema.EventCompleted, events[2].Type)

	tail, err := s.ListEvents(ctx, "wf-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)

	other, err := s.ListEvents(ctx, "wf-2", 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)

	assert.Error(t, s.AppendEvent(ctx, &schema.Event{}))
}

func TestMemoryStoreAudit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	entries := []*schema.AuditEntry{
		{ID: "a-1", Kind: schema.AuditRedaction, InstanceID: "i-1", ActionID: "summarize", Fields: []string{"dmMessages"}},
		{ID: "a-2", Kind: schema.AuditDispatch, InstanceID: "i-1", ActionID: "summarize"},
		{ID: "a-3", Kind: schema.AuditApproval, InstanceID: "i-2"},
	}
	for _, entry := range entries {
		require.NoError(t, s.AppendAudit(ctx, entry))
	}

	all, err := s.ListAudit(ctx, schema.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "a-3", all[0].ID)

	byInstance, err := s.ListAudit(ctx, schema.AuditFilter{InstanceID: "i-1"})
	require.NoError(t, err)
	assert.Len(t, byInstance, 2)

	byKind, err := s.ListAudit(ctx, schema.AuditFilter{Kind: schema.AuditRedaction})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, []string{"dmMessages"}, byKind[0].Fields)

	limited, err := s.ListAudit(ctx, schema.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a-3", limited[0].ID)
	assert.False(t, limited[0].Timestamp.IsZero())

	assert.Error(t, s.AppendAudit(ctx, &schema.AuditEntry{}))
}
