package validation

import (
	"encoding/json"
	"fmt"

	"github.com/tako0614/takos-agent/internal/expressions"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// ActionLookup reports whether an AI action or tool is known. Nil lookups
// skip the existence checks (used when validating before registries exist).
type ActionLookup interface {
	HasAction(id string) bool
	HasTool(name string) bool
}

// validateSemantic analyzes a structurally valid definition: entry point and
// routing references, per-type config blocks, condition syntax, and bounded
// loops. Sub-steps inside loop bodies and parallel branches are checked
// recursively.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	if !stepIDs[def.EntryPoint] {
		result.AddError("entry_point", schema.ErrCodeValidation,
			fmt.Sprintf("entry point %q is not a step", def.EntryPoint))
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStep(&def.Steps[i], path, stepIDs, lookup, result)
	}

	validateReachability(def, stepIDs, result)
	return result
}

func validateStep(step *schema.WorkflowStep, path string, stepIDs map[string]bool, lookup ActionLookup, result *schema.ValidationResult) {
	if step.Next != "" && !stepIDs[step.Next] {
		result.AddError(path+".next", schema.ErrCodeStepNotFound,
			fmt.Sprintf("references non-existent step %q", step.Next))
	}

	for j, branch := range step.Branches {
		bpath := fmt.Sprintf("%s.branches[%d]", path, j)
		if !stepIDs[branch.NextStep] {
			result.AddError(bpath+".next_step", schema.ErrCodeStepNotFound,
				fmt.Sprintf("references non-existent step %q", branch.NextStep))
		}
		if _, err := expressions.CompileCondition(branch.Condition); err != nil {
			result.AddError(bpath+".condition", schema.ErrCodeValidation, err.Error())
		}
	}

	if step.OnError != nil {
		if step.OnError.Strategy == schema.ErrorStrategyFallback {
			if step.OnError.FallbackStep == "" {
				result.AddError(path+".on_error.fallback_step", schema.ErrCodeValidation,
					"fallback strategy requires fallback_step")
			} else if !stepIDs[step.OnError.FallbackStep] {
				result.AddError(path+".on_error.fallback_step", schema.ErrCodeStepNotFound,
					fmt.Sprintf("references non-existent step %q", step.OnError.FallbackStep))
			}
		}
		if step.OnError.Strategy == schema.ErrorStrategyRetry && step.Retry == nil {
			result.AddWarning(path+".on_error", schema.ErrCodeValidation,
				"retry strategy without a retry policy runs the step only once")
		}
	}

	for name, ref := range step.InputMapping {
		mpath := fmt.Sprintf("%s.input_mapping.%s", path, name)
		if ref.Source != schema.SourceInput && !stepIDs[ref.Source] {
			result.AddWarning(mpath+".source", schema.ErrCodeValidation,
				fmt.Sprintf("source %q is neither %q nor a sibling step; it resolves as undefined", ref.Source, schema.SourceInput))
		}
		if ref.Path != "" {
			if _, err := expressions.ParsePath(ref.Path); err != nil {
				result.AddError(mpath+".path", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	validateStepConfig(step, path, lookup, result)
}

func validateStepConfig(step *schema.WorkflowStep, path string, lookup ActionLookup, result *schema.ValidationResult) {
	cpath := path + ".config"

	switch step.Type {
	case schema.StepTypeAiAction:
		var cfg schema.AiActionConfig
		if !decodeConfig(step.Config, &cfg, cpath, result) {
			return
		}
		if cfg.ActionID == "" {
			result.AddError(cpath+".action_id", schema.ErrCodeValidation, "action_id is required")
		} else if lookup != nil && !lookup.HasAction(cfg.ActionID) {
			result.AddError(cpath+".action_id", schema.ErrCodeActionUnknown,
				fmt.Sprintf("action %q not registered", cfg.ActionID))
		}

	case schema.StepTypeToolCall:
		var cfg schema.ToolCallConfig
		if !decodeConfig(step.Config, &cfg, cpath, result) {
			return
		}
		if cfg.Tool == "" {
			result.AddError(cpath+".tool", schema.ErrCodeValidation, "tool is required")
		} else if lookup != nil && !lookup.HasTool(cfg.Tool) {
			result.AddError(cpath+".tool", schema.ErrCodeNotFound,
				fmt.Sprintf("tool %q not registered", cfg.Tool))
		}

	case schema.StepTypeCondition:
		var cfg schema.ConditionConfig
		if !decodeConfig(step.Config, &cfg, cpath, result) {
			return
		}
		if len(cfg.Branches) == 0 {
			result.AddError(cpath+".branches", schema.ErrCodeValidation, "condition step needs at least one branch")
		}
		for j, branch := range cfg.Branches {
			bpath := fmt.Sprintf("%s.branches[%d]", cpath, j)
			if branch.NextStep == "" {
				result.AddError(bpath+".next_step", schema.ErrCodeValidation, "next_step is required")
			}
			if branch.Condition != "" {
				if _, err := expressions.CompileCondition(branch.Condition); err != nil {
					result.AddError(bpath+".condition", schema.ErrCodeValidation, err.Error())
				}
			}
		}

	case schema.StepTypeLoop:
		var cfg schema.LoopConfig
		if !decodeConfig(step.Config, &cfg, cpath, result) {
			return
		}
		if cfg.MaxIterations < 1 {
			result.AddError(cpath+".max_iterations", schema.ErrCodeValidation,
				"max_iterations must be at least 1")
		}
		if cfg.Condition != "" {
			if _, err := expressions.CompileCondition(cfg.Condition); err != nil {
				result.AddError(cpath+".condition", schema.ErrCodeValidation, err.Error())
			}
		}
		if len(cfg.Body) == 0 {
			result.AddError(cpath+".body", schema.ErrCodeValidation, "loop body is empty")
		}
		validateSubSteps(cfg.Body, cpath+".body", lookup, result)

	case schema.StepTypeParallel:
		var cfg schema.ParallelConfig
		if !decodeConfig(step.Config, &cfg, cpath, result) {
			return
		}
		if len(cfg.Branches) == 0 {
			result.AddError(cpath+".branches", schema.ErrCodeValidation, "parallel step needs at least one branch")
		}
		switch cfg.WaitFor {
		case "", "all", "any", "none":
		default:
			result.AddError(cpath+".wait_for", schema.ErrCodeValidation,
				fmt.Sprintf("wait_for must be all, any, or none; got %q", cfg.WaitFor))
		}
		for j, branch := range cfg.Branches {
			validateSubSteps(branch, fmt.Sprintf("%s.branches[%d]", cpath, j), lookup, result)
		}

	case schema.StepTypeHumanApproval:
		var cfg schema.ApprovalConfig
		decodeConfig(step.Config, &cfg, cpath, result)

	case schema.StepTypeTransform:
		var cfg schema.TransformConfig
		if !decodeConfig(step.Config, &cfg, cpath, result) {
			return
		}
		if cfg.Expression == "" {
			result.AddError(cpath+".expression", schema.ErrCodeValidation, "expression is required")
		}
		switch cfg.Engine {
		case "", "jq", "expr", "cel":
		default:
			result.AddError(cpath+".engine", schema.ErrCodeValidation,
				fmt.Sprintf("unknown expression engine %q", cfg.Engine))
		}
	}
}

// validateSubSteps checks loop-body and parallel-branch steps. Sub-steps run
// as a linear sequence, so routing fields are ignored there; their ids only
// need to be unique within the sequence.
func validateSubSteps(steps []schema.WorkflowStep, path string, lookup ActionLookup, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		spath := fmt.Sprintf("%s[%d]", path, i)
		s := &steps[i]
		if s.ID == "" {
			result.AddError(spath+".id", schema.ErrCodeValidation, "step id is empty")
		} else if seen[s.ID] {
			result.AddError(spath+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate sub-step id %q", s.ID))
		}
		seen[s.ID] = true

		if s.Type == schema.StepTypeHumanApproval {
			result.AddError(spath+".type", schema.ErrCodeValidation,
				"human_approval is not allowed inside loop bodies or parallel branches")
		}
		if s.Next != "" || len(s.Branches) > 0 {
			result.AddWarning(spath, schema.ErrCodeValidation,
				"sub-steps run sequentially; next and branches are ignored")
		}
		validateStepConfig(s, spath, lookup, result)
	}
}

// validateReachability warns about steps no route can reach from the entry
// point. Unreachable steps are legal but usually a definition mistake.
func validateReachability(def *schema.WorkflowDefinition, stepIDs map[string]bool, result *schema.ValidationResult) {
	if !stepIDs[def.EntryPoint] {
		return
	}

	reachable := make(map[string]bool, len(def.Steps))
	queue := []string{def.EntryPoint}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true

		step := def.Step(id)
		if step == nil {
			continue
		}
		var targets []string
		if step.Next != "" {
			targets = append(targets, step.Next)
		}
		for _, b := range step.Branches {
			targets = append(targets, b.NextStep)
		}
		if step.OnError != nil && step.OnError.FallbackStep != "" {
			targets = append(targets, step.OnError.FallbackStep)
		}
		if step.Type == schema.StepTypeCondition {
			var cfg schema.ConditionConfig
			if err := json.Unmarshal(step.Config, &cfg); err == nil {
				for _, b := range cfg.Branches {
					targets = append(targets, b.NextStep)
				}
			}
		}
		for _, t := range targets {
			if stepIDs[t] && !reachable[t] {
				queue = append(queue, t)
			}
		}
	}

	for i, s := range def.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the entry point", s.ID))
		}
	}
}

func decodeConfig(raw json.RawMessage, target any, path string, result *schema.ValidationResult) bool {
	if len(raw) == 0 {
		result.AddError(path, schema.ErrCodeValidation, "config is required for this step type")
		return false
	}
	if err := json.Unmarshal(raw, target); err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("malformed config: %v", err))
		return false
	}
	return true
}
