// Package engine runs workflow instances: it owns the definition registry,
// the instance lifecycle state machine, and the step run loop with retry,
// branching, loops, parallel fan-out, and human-approval pause/resume.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tako0614/takos-agent/internal/aiaction"
	"github.com/tako0614/takos-agent/internal/audit"
	"github.com/tako0614/takos-agent/internal/expressions"
	"github.com/tako0614/takos-agent/internal/logging"
	"github.com/tako0614/takos-agent/internal/store"
	"github.com/tako0614/takos-agent/internal/tools"
	"github.com/tako0614/takos-agent/internal/validation"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// Options configure an Engine.
type Options struct {
	// MaxConcurrentInstances bounds the instance worker pool. Defaults to 16.
	MaxConcurrentInstances int
	Logger                 *slog.Logger
	// Audit, when set, receives dispatch and policy-violation records from
	// ai_action steps. Lifecycle events are audited by subscribing the
	// recorder's HandleEvent.
	Audit *audit.Recorder
}

// Engine is the workflow orchestrator. All exported methods are safe for
// concurrent use; a running instance is mutated only by its own run loop.
type Engine struct {
	store     store.Store
	actions   *aiaction.Registry
	tools     *tools.Registry
	exprs     *expressions.Set
	validator *validation.WorkflowValidator
	emitter   *Emitter
	pool      *InstancePool
	audit     *audit.Recorder
	logger    *slog.Logger

	mu      sync.Mutex
	defs    map[string]*schema.WorkflowDefinition
	cancels map[string]context.CancelFunc
}

// registryLookup adapts the action and tool registries to the validation
// package's lookup interface.
type registryLookup struct {
	actions *aiaction.Registry
	tools   *tools.Registry
}

func (l registryLookup) HasAction(id string) bool { return l.actions != nil && l.actions.Has(id) }
func (l registryLookup) HasTool(name string) bool { return l.tools != nil && l.tools.Has(name) }

// New creates an Engine bound to its collaborators.
func New(st store.Store, actions *aiaction.Registry, toolReg *tools.Registry, opts Options) (*Engine, error) {
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := validation.NewWorkflowValidator(registryLookup{actions: actions, tools: toolReg})
	if err != nil {
		return nil, err
	}

	exprs, err := expressions.NewDefaultSet()
	if err != nil {
		return nil, err
	}

	size := opts.MaxConcurrentInstances
	if size <= 0 {
		size = 16
	}

	return &Engine{
		store:     st,
		actions:   actions,
		tools:     toolReg,
		exprs:     exprs,
		validator: validator,
		emitter:   NewEmitter(st, logger),
		pool:      NewInstancePool(size),
		audit:     opts.Audit,
		logger:    logger,
		defs:      make(map[string]*schema.WorkflowDefinition),
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Subscribe registers an event handler for all instance events.
func (e *Engine) Subscribe(handler EventHandler) {
	e.emitter.Subscribe(handler)
}

// RegisterWorkflow validates and registers a definition. Re-registering an
// already known ID is not an error: the duplicate is logged and skipped so
// repeated module loads stay idempotent.
func (e *Engine) RegisterWorkflow(def *schema.WorkflowDefinition) error {
	result := e.validator.Validate(def)
	if !result.Valid() {
		return result.ToError()
	}
	for _, warning := range result.Warnings {
		e.logger.Warn("workflow definition warning",
			slog.String("workflow_id", def.ID),
			slog.String("path", warning.Path),
			slog.String("message", warning.Message),
		)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.defs[def.ID]; exists {
		e.logger.Info("workflow already registered, skipping",
			slog.String("workflow_id", def.ID))
		return nil
	}
	e.defs[def.ID] = def
	return nil
}

// Workflow returns a registered definition.
func (e *Engine) Workflow(id string) (*schema.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.defs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not registered", id)
	}
	return def, nil
}

// ListWorkflows returns all registered definitions sorted by ID.
func (e *Engine) ListWorkflows() []*schema.WorkflowDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*schema.WorkflowDefinition, 0, len(e.defs))
	for _, def := range e.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start validates the input, creates a pending instance, and launches its
// run loop asynchronously. The returned snapshot reflects the instance at
// creation; callers observe progress via GetInstance and the event stream.
func (e *Engine) Start(ctx context.Context, definitionID string, input map[string]any, initiator schema.Initiator) (*schema.WorkflowInstance, error) {
	def, err := e.Workflow(definitionID)
	if err != nil {
		return nil, err
	}

	if err := e.validator.ValidateInput(input, def.InputSchema); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &schema.WorkflowInstance{
		ID:            uuid.NewString(),
		DefinitionID:  def.ID,
		Status:        schema.InstancePending,
		Input:         input,
		CurrentStepID: def.EntryPoint,
		StepResults:   make(map[string]*schema.WorkflowStepResult),
		Initiator:     initiator,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}

	if err := e.launch(inst.Clone(), def); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// launch registers a cancel handle for the instance and submits its run
// task to the pool. One task per instance; the pool provides the bound.
func (e *Engine) launch(inst *schema.WorkflowInstance, def *schema.WorkflowDefinition) error {
	ictx, cancel := context.WithCancel(context.Background())
	ictx = logging.WithInstanceID(ictx, inst.ID)

	e.mu.Lock()
	e.cancels[inst.ID] = cancel
	e.mu.Unlock()

	err := e.pool.Run(ictx, func(taskCtx context.Context) error {
		defer e.releaseCancel(inst.ID)
		return e.run(taskCtx, inst, def)
	})
	if err != nil {
		e.releaseCancel(inst.ID)
		return schema.NewError(schema.ErrCodeExecution, "submit instance task").WithCause(err)
	}
	return nil
}

func (e *Engine) releaseCancel(instanceID string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[instanceID]; ok {
		cancel()
		delete(e.cancels, instanceID)
	}
	e.mu.Unlock()
}

// GetInstance returns the persisted state of an instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListInstances returns persisted instances matching the filter.
func (e *Engine) ListInstances(ctx context.Context, filter schema.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

// Events returns the event stream of an instance after the given sequence.
func (e *Engine) Events(ctx context.Context, instanceID string, since int64) ([]*schema.Event, error) {
	return e.store.ListEvents(ctx, instanceID, since)
}

// Cancel requests cancellation. Running instances are cancelled
// cooperatively through their context; pending and paused instances are
// finalized directly. Cancelling a completed or failed instance is a
// conflict; cancelling an already cancelled one is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, running := e.cancels[id]
	e.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}

	switch inst.Status {
	case schema.InstanceCancelled:
		return nil
	case schema.InstanceCompleted, schema.InstanceFailed:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is already %s", id, inst.Status)
	}

	if err := transitionInstance(inst, schema.InstanceCancelled); err != nil {
		return err
	}
	e.finalize(ctx, inst, schema.EventCancelled, nil)
	return nil
}

// Resume continues a paused instance. An instance paused at a
// human_approval step cannot be resumed blindly; it needs SubmitApproval.
func (e *Engine) Resume(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstancePaused {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %s is %s, not paused", id, inst.Status)
	}

	def, err := e.Workflow(inst.DefinitionID)
	if err != nil {
		return nil, err
	}

	if step := def.Step(inst.CurrentStepID); step != nil && step.Type == schema.StepTypeHumanApproval {
		if result := inst.StepResults[step.ID]; result == nil || result.Status != schema.StepCompleted {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"instance %s is awaiting approval at step %s; use SubmitApproval", id, step.ID)
		}
	}

	return e.continueRun(ctx, inst, def)
}

// SubmitApproval records the decision for an instance paused at a
// human_approval step and continues the run. The decision, approved or not,
// becomes the approval step's output so downstream branches can route on it.
func (e *Engine) SubmitApproval(ctx context.Context, id string, approved bool, choice string) (*schema.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstancePaused {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %s is %s, not paused", id, inst.Status)
	}

	def, err := e.Workflow(inst.DefinitionID)
	if err != nil {
		return nil, err
	}

	step := def.Step(inst.CurrentStepID)
	if step == nil || step.Type != schema.StepTypeHumanApproval {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is not paused at a human_approval step", id)
	}

	result := inst.StepResults[step.ID]
	if result == nil || result.Status != schema.StepRunning {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval step %s is not awaiting a decision", step.ID)
	}

	now := time.Now().UTC()
	result.Status = schema.StepCompleted
	result.Output = map[string]any{"approved": approved, "choice": choice}
	result.CompletedAt = &now
	inst.UpdatedAt = now

	e.emitter.Emit(ctx, schema.Event{
		InstanceID: inst.ID,
		StepID:     step.ID,
		Type:       schema.EventStepCompleted,
		Payload:    map[string]any{"approved": approved, "choice": choice},
	})

	return e.continueRun(ctx, inst, def)
}

// continueRun transitions a paused instance back to running, routes past the
// current (completed) step, and relaunches the run loop.
func (e *Engine) continueRun(ctx context.Context, inst *schema.WorkflowInstance, def *schema.WorkflowDefinition) (*schema.WorkflowInstance, error) {
	if err := transitionInstance(inst, schema.InstanceRunning); err != nil {
		return nil, err
	}

	step := def.Step(inst.CurrentStepID)
	if step != nil && stepFinished(inst, step.ID) {
		next, err := e.route(inst, step)
		if err != nil {
			return nil, err
		}
		inst.CurrentStepID = next
	}

	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}

	if err := e.launch(inst.Clone(), def); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

func stepFinished(inst *schema.WorkflowInstance, stepID string) bool {
	result := inst.StepResults[stepID]
	return result != nil &&
		(result.Status == schema.StepCompleted || result.Status == schema.StepSkipped)
}

// Shutdown stops accepting instance tasks and waits for running instances
// to reach a stable persisted state or the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for id, cancel := range e.cancels {
		cancel()
		delete(e.cancels, id)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
