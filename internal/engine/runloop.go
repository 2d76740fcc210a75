package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tako0614/takos-agent/internal/expressions"
	"github.com/tako0614/takos-agent/internal/logging"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// errPaused is the internal signal that the run loop stopped at a
// human_approval step. Never surfaces to callers.
var errPaused = errors.New("instance paused")

// run drives one instance from its current step to a stable state:
// completed, failed, cancelled, or paused. It is the only writer of the
// instance while running.
func (e *Engine) run(ctx context.Context, inst *schema.WorkflowInstance, def *schema.WorkflowDefinition) error {
	if inst.Status == schema.InstancePending {
		if err := transitionInstance(inst, schema.InstanceRunning); err != nil {
			return err
		}
		now := time.Now().UTC()
		inst.StartedAt = &now
		inst.UpdatedAt = now
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			return err
		}
		e.emitter.Emit(ctx, schema.Event{
			InstanceID: inst.ID,
			Type:       schema.EventStarted,
			Payload:    map[string]any{"definition_id": def.ID},
		})
	}

	for inst.CurrentStepID != "" {
		if err := ctx.Err(); err != nil {
			e.markCancelled(inst)
			return nil
		}

		step := def.Step(inst.CurrentStepID)
		if step == nil {
			e.markFailed(ctx, inst, schema.NewErrorf(schema.ErrCodeStepNotFound,
				"step %q not found in workflow %s", inst.CurrentStepID, def.ID))
			return nil
		}

		err := e.runStep(ctx, inst, def, step)
		switch {
		case err == nil:
		case errors.Is(err, errPaused):
			return nil
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			e.markCancelled(inst)
			return nil
		default:
			e.markFailed(ctx, inst, err)
			return nil
		}

		next, routeErr := e.route(inst, step)
		if routeErr != nil {
			e.markFailed(ctx, inst, routeErr)
			return nil
		}
		inst.CurrentStepID = next
		inst.UpdatedAt = time.Now().UTC()
		if saveErr := e.store.SaveInstance(ctx, inst); saveErr != nil {
			e.logger.ErrorContext(ctx, "persist instance failed", slog.Any("error", saveErr))
		}
	}

	e.markCompleted(ctx, inst, def)
	return nil
}

// runStep executes one step with its retry policy and error strategy.
// Returns nil when the run loop may route onward (the step completed, was
// skipped, or failed over to a fallback).
func (e *Engine) runStep(ctx context.Context, inst *schema.WorkflowInstance, def *schema.WorkflowDefinition, step *schema.WorkflowStep) error {
	ctx = logging.WithStepID(ctx, step.ID)

	now := time.Now().UTC()
	result := &schema.WorkflowStepResult{
		StepID:    step.ID,
		Status:    schema.StepRunning,
		StartedAt: &now,
	}
	inst.StepResults[step.ID] = result
	inst.UpdatedAt = now
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		e.logger.ErrorContext(ctx, "persist instance failed", slog.Any("error", err))
	}

	e.emitter.Emit(ctx, schema.Event{
		InstanceID: inst.ID,
		StepID:     step.ID,
		Type:       schema.EventStepStarted,
		Payload:    map[string]any{"step_type": string(step.Type)},
	})

	// The human_approval step never completes inline; it parks the instance.
	if step.Type == schema.StepTypeHumanApproval {
		return e.pauseForApproval(ctx, inst, step)
	}

	attempts := maxAttempts(step.Retry)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := WaitForBackoff(ctx, ComputeBackoff(step.Retry, attempt)); err != nil {
			return err
		}

		result.Attempts = attempt
		output, err := e.executeStep(ctx, inst, step)
		if err == nil {
			done := time.Now().UTC()
			result.Status = schema.StepCompleted
			result.Output = output
			result.Error = ""
			result.CompletedAt = &done
			e.emitter.Emit(ctx, schema.Event{
				InstanceID: inst.ID,
				StepID:     step.ID,
				Type:       schema.EventStepCompleted,
				Payload:    map[string]any{"attempts": attempt},
			})
			return nil
		}

		lastErr = err
		result.Error = err.Error()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < attempts {
			e.logger.WarnContext(ctx, "step attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", attempts),
				slog.Any("error", err),
			)
		}
	}

	return e.handleStepFailure(ctx, inst, step, result, lastErr)
}

// handleStepFailure applies the step's error strategy after retries are
// exhausted. fail and retry surface the error; skip and fallback record the
// failure and let the run continue.
func (e *Engine) handleStepFailure(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep, result *schema.WorkflowStepResult, stepErr error) error {
	done := time.Now().UTC()
	result.CompletedAt = &done

	strategy := schema.ErrorStrategyFail
	if step.OnError != nil {
		strategy = step.OnError.Strategy
	}

	e.emitter.Emit(ctx, schema.Event{
		InstanceID: inst.ID,
		StepID:     step.ID,
		Type:       schema.EventStepFailed,
		Payload: map[string]any{
			"error":    stepErr.Error(),
			"attempts": result.Attempts,
			"strategy": string(strategy),
		},
	})

	switch strategy {
	case schema.ErrorStrategySkip:
		result.Status = schema.StepSkipped
		e.logger.WarnContext(ctx, "step failed, skipping", slog.Any("error", stepErr))
		return nil

	case schema.ErrorStrategyFallback:
		result.Status = schema.StepFailed
		// Route directly to the fallback step; the normal route() for this
		// step is bypassed.
		inst.StepResults[step.ID] = result
		return e.runFallback(ctx, inst, step)

	default: // fail, retry (exhausted)
		result.Status = schema.StepFailed
		return stepErr
	}
}

// runFallback rewires the failed step's Next to the fallback target by
// overriding the routing decision recorded in the step result output.
func (e *Engine) runFallback(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep) error {
	result := inst.StepResults[step.ID]
	if result.Output == nil {
		result.Output = map[string]any{}
	}
	result.Output[fallbackRouteKey] = step.OnError.FallbackStep
	e.logger.InfoContext(ctx, "step failed, taking fallback route",
		slog.String("fallback_step", step.OnError.FallbackStep))
	return nil
}

// fallbackRouteKey marks a forced routing decision in a step result.
const fallbackRouteKey = "_fallback_next"

// pauseForApproval parks the instance at a human_approval step.
func (e *Engine) pauseForApproval(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep) error {
	var cfg schema.ApprovalConfig
	decodeStepConfig(step.Config, &cfg)

	if err := transitionInstance(inst, schema.InstancePaused); err != nil {
		return err
	}
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}

	payload := map[string]any{"message": cfg.Message}
	if len(cfg.Choices) > 0 {
		payload["choices"] = cfg.Choices
	}
	e.emitter.Emit(ctx, schema.Event{
		InstanceID: inst.ID,
		StepID:     step.ID,
		Type:       schema.EventApprovalRequired,
		Payload:    payload,
	})
	return errPaused
}

// route decides the next step after a finished step: skipped steps advance
// to Next directly; otherwise a forced fallback route, then condition-step
// selection, then the first matching branch, then Next. Empty means the
// workflow is done.
func (e *Engine) route(inst *schema.WorkflowInstance, step *schema.WorkflowStep) (string, error) {
	result := inst.StepResults[step.ID]

	// A skipped step produced no output, so its branch conditions would all
	// evaluate against missing data. Routing goes straight to Next.
	if result != nil && result.Status == schema.StepSkipped {
		return step.Next, nil
	}

	if result != nil && result.Output != nil {
		if forced, ok := result.Output[fallbackRouteKey].(string); ok {
			return forced, nil
		}
		if step.Type == schema.StepTypeCondition {
			if selected, _ := result.Output["next_step"].(string); selected != "" {
				return selected, nil
			}
			// No arm matched; fall through to Branches/Next.
		}
	}

	if len(step.Branches) > 0 {
		scope := conditionScope(inst)
		for _, branch := range step.Branches {
			matched, err := expressions.EvalCondition(branch.Condition, scope)
			if err != nil {
				return "", schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(step.ID)
			}
			if matched {
				return branch.NextStep, nil
			}
		}
		// No branch matched; fall through to Next.
	}

	return step.Next, nil
}

func (e *Engine) markCompleted(ctx context.Context, inst *schema.WorkflowInstance, def *schema.WorkflowDefinition) {
	if err := transitionInstance(inst, schema.InstanceCompleted); err != nil {
		e.logger.ErrorContext(ctx, "complete transition rejected", slog.Any("error", err))
		return
	}
	inst.Output = finalOutput(inst, def)
	e.finalize(ctx, inst, schema.EventCompleted, map[string]any{"output": inst.Output})
}

func (e *Engine) markFailed(ctx context.Context, inst *schema.WorkflowInstance, err error) {
	agentErr, ok := err.(*schema.AgentError)
	if !ok {
		agentErr = schema.NewError(schema.ErrCodeExecution, err.Error())
	}

	if terr := transitionInstance(inst, schema.InstanceFailed); terr != nil {
		e.logger.ErrorContext(ctx, "fail transition rejected", slog.Any("error", terr))
		return
	}
	inst.Error = &schema.WorkflowError{
		StepID:  agentErr.StepID,
		Code:    agentErr.Code,
		Message: agentErr.Message,
		Details: agentErr.Details,
	}
	if inst.Error.StepID == "" {
		inst.Error.StepID = inst.CurrentStepID
	}
	e.finalize(ctx, inst, schema.EventFailed, map[string]any{
		"code":    agentErr.Code,
		"message": agentErr.Message,
		"step_id": inst.Error.StepID,
	})
}

func (e *Engine) markCancelled(inst *schema.WorkflowInstance) {
	// The instance context is gone; finalize with a fresh one.
	ctx := logging.WithInstanceID(context.Background(), inst.ID)
	if inst.Status.Terminal() {
		return
	}
	inst.Status = schema.InstanceCancelled
	e.finalize(ctx, inst, schema.EventCancelled, nil)
}

// finalize stamps terminal bookkeeping, persists, and emits the terminal
// event.
func (e *Engine) finalize(ctx context.Context, inst *schema.WorkflowInstance, eventType string, payload map[string]any) {
	now := time.Now().UTC()
	inst.CompletedAt = &now
	inst.UpdatedAt = now
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		e.logger.ErrorContext(ctx, "persist terminal instance failed", slog.Any("error", err))
	}
	e.emitter.Emit(ctx, schema.Event{
		InstanceID: inst.ID,
		Type:       eventType,
		Payload:    payload,
	})
}

// finalOutput is the output of the completed step declared last in the
// definition's step order.
func finalOutput(inst *schema.WorkflowInstance, def *schema.WorkflowDefinition) map[string]any {
	for i := len(def.Steps) - 1; i >= 0; i-- {
		result := inst.StepResults[def.Steps[i].ID]
		if result != nil && result.Status == schema.StepCompleted {
			return result.Output
		}
	}
	return nil
}
