package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tako0614/takos-agent/internal/expressions"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// executeStep runs a single step body once and returns its output. Retry
// and error-strategy handling live in runStep; routing lives in route.
func (e *Engine) executeStep(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep) (map[string]any, error) {
	return e.executeStepScoped(ctx, inst, step, nil)
}

// executeStepScoped is executeStep with extra scope values, used for steps
// inside loop bodies and parallel branches (iteration counters, sibling
// sub-step outputs).
func (e *Engine) executeStepScoped(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep, extra map[string]any) (output map[string]any, err error) {
	ctx, cancel, err := stepContext(ctx, step)
	if err != nil {
		return nil, err
	}
	defer cancel()

	switch step.Type {
	case schema.StepTypeAiAction:
		output, err = e.executeAiAction(ctx, inst, step, extra)
	case schema.StepTypeToolCall:
		output, err = e.executeToolCall(ctx, inst, step, extra)
	case schema.StepTypeCondition:
		output, err = e.executeCondition(inst, step, extra)
	case schema.StepTypeLoop:
		output, err = e.executeLoop(ctx, inst, step, extra)
	case schema.StepTypeParallel:
		output, err = e.executeParallel(ctx, inst, step, extra)
	case schema.StepTypeTransform:
		output, err = e.executeTransform(ctx, inst, step, extra)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported step type %q", step.Type).WithStep(step.ID)
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step timed out after %s", step.Timeout).WithStep(step.ID).WithCause(err)
		}
		if agentErr, ok := err.(*schema.AgentError); ok && agentErr.StepID == "" {
			agentErr.StepID = step.ID
		}
		return nil, err
	}
	if output == nil {
		output = map[string]any{}
	}
	return output, nil
}

// stepContext applies the step's cooperative timeout, if any.
func stepContext(ctx context.Context, step *schema.WorkflowStep) (context.Context, context.CancelFunc, error) {
	if step.Timeout == "" {
		return ctx, func() {}, nil
	}
	d, err := time.ParseDuration(step.Timeout)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid step timeout %q", step.Timeout).WithStep(step.ID)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	return tctx, cancel, nil
}

// --- scope construction ---

// conditionScope builds the evaluation root for branch and loop conditions:
// the workflow input under "input" plus every finished step's output keyed
// by step id.
func conditionScope(inst *schema.WorkflowInstance) map[string]any {
	scope := map[string]any{"input": inst.Input}
	for id, result := range inst.StepResults {
		if result.Status == schema.StepCompleted && result.Output != nil {
			scope[id] = result.Output
		}
	}
	return scope
}

// transformScope is the engine-facing scope: "input" and a nested "steps"
// map, which the CEL environment declares as fixed variables.
func transformScope(inst *schema.WorkflowInstance, extra map[string]any) map[string]any {
	steps := make(map[string]any)
	for id, result := range inst.StepResults {
		if result.Status == schema.StepCompleted && result.Output != nil {
			steps[id] = result.Output
		}
	}
	scope := map[string]any{"input": inst.Input, "steps": steps}
	for k, v := range extra {
		scope[k] = v
	}
	return scope
}

// resolveStepInput merges the step's static config input with its resolved
// input mapping. Mapped values win over static ones; unresolvable
// references are omitted rather than failing the step.
func resolveStepInput(inst *schema.WorkflowInstance, step *schema.WorkflowStep, static map[string]any, extra map[string]any) map[string]any {
	input := make(map[string]any, len(static)+len(step.InputMapping))
	for k, v := range static {
		input[k] = v
	}

	if len(step.InputMapping) == 0 {
		return input
	}

	scope := conditionScope(inst)
	for k, v := range extra {
		scope[k] = v
	}

	for name, ref := range step.InputMapping {
		source, ok := scope[ref.Source]
		if !ok {
			continue
		}
		if ref.Path == "" {
			input[name] = source
			continue
		}
		val, err := expressions.Lookup(map[string]any{ref.Source: source}, ref.Source+"."+ref.Path)
		if err != nil || expressions.IsUndefined(val) {
			continue
		}
		input[name] = val
	}
	return input
}

func decodeStepConfig(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

// --- per-type executors ---

func (e *Engine) executeAiAction(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep, extra map[string]any) (map[string]any, error) {
	var cfg schema.AiActionConfig
	if err := decodeStepConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed ai_action config").WithCause(err)
	}
	if e.actions == nil {
		return nil, schema.NewError(schema.ErrCodeFeatureDisabled, "no action registry configured")
	}

	input := resolveStepInput(inst, step, cfg.Input, extra)
	result, err := e.actions.Dispatch(ctx, cfg.ActionID, input, authFromInitiator(inst.Initiator))
	if err != nil {
		if e.audit != nil {
			var agentErr *schema.AgentError
			if errors.As(err, &agentErr) && agentErr.Code == schema.ErrCodeDataPolicyViolation {
				e.audit.PolicyViolation(ctx, inst.ID, step.ID, cfg.ActionID, err)
			}
		}
		return nil, err
	}
	if e.audit != nil {
		e.audit.Dispatched(ctx, inst.ID, step.ID, result)
	}
	return result.Output, nil
}

func authFromInitiator(initiator schema.Initiator) *schema.AuthContext {
	if initiator.Type != schema.InitiatorUser {
		return &schema.AuthContext{Authenticated: false}
	}
	return &schema.AuthContext{Authenticated: true, UserID: initiator.ID}
}

func (e *Engine) executeToolCall(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep, extra map[string]any) (map[string]any, error) {
	var cfg schema.ToolCallConfig
	if err := decodeStepConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed tool_call config").WithCause(err)
	}
	if e.tools == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no tool registry configured")
	}

	input := resolveStepInput(inst, step, cfg.Input, extra)
	return e.tools.Call(ctx, cfg.Tool, input)
}

// executeCondition evaluates the config arms in order. The first arm whose
// condition holds selects next_step; an empty condition always matches.
func (e *Engine) executeCondition(inst *schema.WorkflowInstance, step *schema.WorkflowStep, extra map[string]any) (map[string]any, error) {
	var cfg schema.ConditionConfig
	if err := decodeStepConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed condition config").WithCause(err)
	}

	scope := conditionScope(inst)
	for k, v := range extra {
		scope[k] = v
	}

	for i, branch := range cfg.Branches {
		if branch.Condition == "" {
			return map[string]any{"next_step": branch.NextStep, "branch_index": i}, nil
		}
		matched, err := expressions.EvalCondition(branch.Condition, scope)
		if err != nil {
			return nil, err
		}
		if matched {
			return map[string]any{"next_step": branch.NextStep, "branch_index": i}, nil
		}
	}
	return map[string]any{"next_step": ""}, nil
}

// executeLoop runs the body sequence while the condition holds, hard-capped
// at MaxIterations. Each pass sees "iteration" (0-based) and "results" (the
// outputs of prior passes) in scope alongside the usual roots.
func (e *Engine) executeLoop(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep, extra map[string]any) (map[string]any, error) {
	var cfg schema.LoopConfig
	if err := decodeStepConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed loop config").WithCause(err)
	}
	if cfg.MaxIterations < 1 {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop max_iterations must be at least 1")
	}

	results := make([]any, 0, cfg.MaxIterations)

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loopExtra := map[string]any{
			"iteration": iteration,
			"index":     iteration,
			"results":   append([]any{}, results...),
		}
		for k, v := range extra {
			loopExtra[k] = v
		}

		if cfg.Condition != "" {
			scope := conditionScope(inst)
			for k, v := range loopExtra {
				scope[k] = v
			}
			proceed, err := expressions.EvalCondition(cfg.Condition, scope)
			if err != nil {
				return nil, err
			}
			if !proceed {
				break
			}
		}

		passOutput, err := e.runSequence(ctx, inst, cfg.Body, loopExtra)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"loop iteration %d: %s", iteration, errMessage(err)).WithCause(err)
		}
		results = append(results, passOutput)
	}

	return map[string]any{"iterations": len(results), "results": results}, nil
}

// runSequence executes sub-steps in order, exposing each finished sub-step's
// output to later ones under its id. Returns the last sub-step's output.
func (e *Engine) runSequence(ctx context.Context, inst *schema.WorkflowInstance, steps []schema.WorkflowStep, extra map[string]any) (map[string]any, error) {
	local := make(map[string]any, len(extra)+len(steps))
	for k, v := range extra {
		local[k] = v
	}

	var last map[string]any
	for i := range steps {
		sub := &steps[i]
		output, err := e.executeStepScoped(ctx, inst, sub, local)
		if err != nil {
			if agentErr, ok := err.(*schema.AgentError); ok && agentErr.StepID == "" {
				agentErr.StepID = sub.ID
			}
			return nil, err
		}
		local[sub.ID] = output
		last = output
	}
	return last, nil
}

// executeParallel fans branches out to goroutines and joins them according
// to wait_for: all (default) waits for every branch and fails on the first
// error, any resolves with the first success while the rest finish in the
// background, none returns immediately.
func (e *Engine) executeParallel(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep, extra map[string]any) (map[string]any, error) {
	var cfg schema.ParallelConfig
	if err := decodeStepConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed parallel config").WithCause(err)
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "parallel step has no branches")
	}

	type branchResult struct {
		index  int
		output map[string]any
		err    error
	}

	// Branches that can outlive the step ("any" losers, everything under
	// "none") keep the instance values but not its cancellation: the instance
	// finishing must not kill work it left running in the background. "all"
	// branches stay tied to the instance so Cancel interrupts them.
	branchCtx := ctx
	if cfg.WaitFor == "any" || cfg.WaitFor == "none" {
		branchCtx = context.WithoutCancel(ctx)
	}

	resultCh := make(chan branchResult, len(cfg.Branches))
	var wg sync.WaitGroup
	for i, branch := range cfg.Branches {
		wg.Add(1)
		go func(index int, steps []schema.WorkflowStep) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					resultCh <- branchResult{index: index, err: schema.NewErrorf(
						schema.ErrCodeExecution, "parallel branch %d panicked: %v", index, r)}
				}
			}()
			output, err := e.runSequence(branchCtx, inst, steps, extra)
			resultCh <- branchResult{index: index, output: output, err: err}
		}(i, branch)
	}

	drainLogging := func() {
		wg.Wait()
		close(resultCh)
		for res := range resultCh {
			if res.err != nil {
				e.logger.Warn("parallel branch failed after step resolved",
					slog.String("instance_id", inst.ID),
					slog.String("step_id", step.ID),
					slog.Int("branch", res.index),
					slog.Any("error", res.err),
				)
			}
		}
	}

	switch cfg.WaitFor {
	case "none":
		go drainLogging()
		return map[string]any{"branches_launched": len(cfg.Branches)}, nil

	case "any":
		var lastErr error
		for range cfg.Branches {
			var res branchResult
			select {
			case res = <-resultCh:
			case <-ctx.Done():
				go drainLogging()
				return nil, ctx.Err()
			}
			if res.err == nil {
				go drainLogging()
				return map[string]any{"winner": res.index, "output": res.output}, nil
			}
			lastErr = res.err
		}
		close(resultCh)
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"all parallel branches failed: %s", errMessage(lastErr)).WithCause(lastErr)

	default: // all
		wg.Wait()
		close(resultCh)
		outputs := make([]any, len(cfg.Branches))
		for res := range resultCh {
			if res.err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"parallel branch %d failed: %s", res.index, errMessage(res.err)).WithCause(res.err)
			}
			outputs[res.index] = res.output
		}
		return map[string]any{"branches": outputs}, nil
	}
}

// executeTransform evaluates the configured expression. Scope: "input",
// "steps", "params" (the resolved input mapping), plus loop extras. Non-map
// results are wrapped under "result".
func (e *Engine) executeTransform(ctx context.Context, inst *schema.WorkflowInstance, step *schema.WorkflowStep, extra map[string]any) (map[string]any, error) {
	var cfg schema.TransformConfig
	if err := decodeStepConfig(step.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed transform config").WithCause(err)
	}

	engine, err := e.exprs.Get(cfg.Engine)
	if err != nil {
		return nil, err
	}

	scope := transformScope(inst, extra)
	if len(step.InputMapping) > 0 {
		scope["params"] = resolveStepInput(inst, step, nil, extra)
	}

	value, err := engine.Evaluate(ctx, cfg.Expression, scope)
	if err != nil {
		return nil, err
	}

	if m, ok := value.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": value}, nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
