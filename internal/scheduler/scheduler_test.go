package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tako0614/takos-agent/pkg/schema"
)

type fakeStarter struct {
	mu     sync.Mutex
	starts []startCall
	err    error
}

type startCall struct {
	workflowID string
	input      map[string]any
	initiator  schema.Initiator
}

func (f *fakeStarter) Start(ctx context.Context, definitionID string, input map[string]any, initiator schema.Initiator) (*schema.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, startCall{workflowID: definitionID, input: input, initiator: initiator})
	if f.err != nil {
		return nil, f.err
	}
	return &schema.WorkflowInstance{ID: "i-1", DefinitionID: definitionID}, nil
}

func (f *fakeStarter) calls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall{}, f.starts...)
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(&fakeStarter{}, nil)

	from := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)

	cases := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 8, 29, 10, 45, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := s.CalculateNextRun(tc.expr, from)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.expr)
	}

	_, err := s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestAddValidatesSchedules(t *testing.T) {
	s := NewScheduler(&fakeStarter{}, nil)

	require.NoError(t, s.Add(Schedule{ID: "daily", WorkflowID: "digest", Cron: "0 9 * * *", Enabled: true}))

	var agentErr *schema.AgentError
	err := s.Add(Schedule{ID: "daily", WorkflowID: "digest", Cron: "0 9 * * *"})
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeConflict, agentErr.Code)

	err = s.Add(Schedule{ID: "bad", WorkflowID: "digest", Cron: "banana"})
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeValidation, agentErr.Code)

	err = s.Add(Schedule{Cron: "0 9 * * *"})
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, schema.ErrCodeValidation, agentErr.Code)

	statuses := s.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, "daily", statuses[0].ID)
	assert.False(t, statuses[0].NextRunAt.IsZero())
}

func TestRunDueStartsWorkflow(t *testing.T) {
	starter := &fakeStarter{}
	s := NewScheduler(starter, nil)

	require.NoError(t, s.Add(Schedule{
		ID:         "digest",
		WorkflowID: "daily-digest",
		Cron:       "* * * * *",
		Input:      map[string]any{"topic": "go"},
		Enabled:    true,
	}))
	require.NoError(t, s.Add(Schedule{
		ID:         "disabled",
		WorkflowID: "other",
		Cron:       "* * * * *",
	}))

	// Force both schedules due, then tick manually.
	s.runDue(context.Background(), time.Now().UTC().Add(2*time.Minute))

	calls := starter.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "daily-digest", calls[0].workflowID)
	assert.Equal(t, map[string]any{"topic": "go"}, calls[0].input)
	assert.Equal(t, schema.InitiatorSystem, calls[0].initiator.Type)
	assert.Equal(t, "scheduler:digest", calls[0].initiator.ID)

	statuses := s.List()
	require.Len(t, statuses, 2)
	assert.Equal(t, "success", statuses[1].LastRunStatus)
	assert.NotNil(t, statuses[1].LastRunAt)

	// Not due again until the next cron boundary.
	s.runDue(context.Background(), statuses[1].NextRunAt.Add(-time.Second))
	assert.Len(t, starter.calls(), 1)
}

func TestRunDueRecordsFailures(t *testing.T) {
	starter := &fakeStarter{err: schema.NewError(schema.ErrCodeNotFound, "workflow missing")}
	s := NewScheduler(starter, nil)

	require.NoError(t, s.Add(Schedule{ID: "broken", WorkflowID: "missing", Cron: "* * * * *", Enabled: true}))
	s.runDue(context.Background(), time.Now().UTC().Add(2*time.Minute))

	statuses := s.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, "error", statuses[0].LastRunStatus)
}

func TestStartStop(t *testing.T) {
	starter := &fakeStarter{}
	s := NewScheduler(starter, nil, WithTickInterval(10*time.Millisecond))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start must be rejected")

	require.NoError(t, s.Stop())
	// Stop is idempotent.
	require.NoError(t, s.Stop())

	// A stopped scheduler can be started again.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

// slowStarter keeps each scheduled start in flight long enough for Stop to
// race an active tick.
type slowStarter struct {
	fakeStarter
	delay time.Duration
}

func (f *slowStarter) Start(ctx context.Context, definitionID string, input map[string]any, initiator schema.Initiator) (*schema.WorkflowInstance, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	return f.fakeStarter.Start(ctx, definitionID, input, initiator)
}

func TestStopDuringTickReturns(t *testing.T) {
	starter := &slowStarter{delay: 20 * time.Millisecond}
	s := NewScheduler(starter, nil, WithTickInterval(time.Millisecond))

	require.NoError(t, s.Add(Schedule{
		ID:         "busy",
		WorkflowID: "wf",
		Cron:       "* * * * *",
		Enabled:    true,
	}))
	// Force the schedule due so the initial tick goes through the slow
	// starter while Stop runs.
	s.mu.Lock()
	s.entries["busy"].next = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(5 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a tick was in flight")
	}
}
