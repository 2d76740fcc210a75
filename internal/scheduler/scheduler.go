// Package scheduler triggers recurring workflow starts from cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// WorkflowStarter is the slice of the engine the scheduler needs. Satisfied
// by *engine.Engine (interface here avoids the import cycle).
type WorkflowStarter interface {
	Start(ctx context.Context, definitionID string, input map[string]any, initiator schema.Initiator) (*schema.WorkflowInstance, error)
}

// Schedule maps a cron expression to a recurring workflow start.
type Schedule struct {
	ID         string         `json:"id" yaml:"id"`
	WorkflowID string         `json:"workflow_id" yaml:"workflow_id"`
	Cron       string         `json:"cron" yaml:"cron"`
	Input      map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
}

// ScheduleStatus is the runtime view of a registered schedule.
type ScheduleStatus struct {
	Schedule
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

type entry struct {
	schedule      Schedule
	next          time.Time
	lastRun       *time.Time
	lastRunStatus string
}

// Scheduler ticks once a minute and starts every due, enabled schedule.
type Scheduler struct {
	starter WorkflowStarter
	parser  cron.Parser
	logger  *slog.Logger
	tick    time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the default 60s tick. Used in tests.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// NewScheduler creates a Scheduler bound to a workflow starter.
func NewScheduler(starter WorkflowStarter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		tick:     60 * time.Second,
		entries:  make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a schedule. The cron expression is validated up front; the
// first run is computed from now.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.ID == "" || sched.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule needs an id and a workflow id")
	}
	next, err := s.CalculateNextRun(sched.Cron, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"schedule %s: %v", sched.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", sched.ID)
	}
	s.entries[sched.ID] = &entry{schedule: sched, next: next}
	return nil
}

// Remove deletes a schedule. Removing an unknown id is a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// List returns all registered schedules with their run state, sorted by id.
func (s *Scheduler) List() []ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduleStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, ScheduleStatus{
			Schedule:      e.schedule,
			NextRunAt:     e.next,
			LastRunAt:     e.lastRun,
			LastRunStatus: e.lastRunStatus,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the background ticking loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Int("schedules", len(s.List())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Run an initial tick immediately so boot-time-due schedules fire.
	s.runDue(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDue(ctx, now.UTC())
		}
	}
}

// runDue starts every enabled schedule whose next run is at or before now.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.schedule.Enabled && !e.next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if !s.tryAcquire(e.schedule.ID) {
			continue
		}
		s.runOne(ctx, e, now)
		s.release(e.schedule.ID)
	}
}

func (s *Scheduler) runOne(ctx context.Context, e *entry, now time.Time) {
	sched := e.schedule
	s.logger.Info("starting scheduled workflow",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	_, err := s.starter.Start(ctx, sched.WorkflowID, sched.Input, schema.Initiator{
		Type: schema.InitiatorSystem,
		ID:   "scheduler:" + sched.ID,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled start failed",
			slog.String("schedule_id", sched.ID),
			slog.String("workflow_id", sched.WorkflowID),
			slog.Any("error", err),
		)
	}

	next, nerr := s.CalculateNextRun(sched.Cron, now)
	if nerr != nil {
		// Validated at Add; unreachable unless the parser changes.
		next = now.Add(s.tick)
	}

	s.mu.Lock()
	e.next = next
	e.lastRun = &now
	e.lastRunStatus = status
	s.mu.Unlock()
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time of a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for it to exit. The lock is released
// before waiting: the loop takes it inside runDue, so holding it here would
// deadlock against an in-flight tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
