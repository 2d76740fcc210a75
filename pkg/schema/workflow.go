package schema

import (
	"encoding/json"

	"github.com/tako0614/takos-agent/pkg/policy"
)

// WorkflowDefinition is the immutable workflow template. Definitions are
// registered once, looked up by ID, and never mutated by the engine.
type WorkflowDefinition struct {
	ID           string          `json:"id" yaml:"id"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	EntryPoint   string          `json:"entry_point" yaml:"entry_point"`
	Steps        []WorkflowStep  `json:"steps" yaml:"steps"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	DataPolicy   *policy.Policy  `json:"data_policy,omitempty" yaml:"data_policy,omitempty"`
}

// Step lookups happen on every loop pass, so definitions are indexed once.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// WorkflowStep is a single node in a workflow's step graph.
type WorkflowStep struct {
	ID           string              `json:"id" yaml:"id"`
	Type         StepType            `json:"type" yaml:"type"`
	InputMapping map[string]InputRef `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	Config       json.RawMessage     `json:"config,omitempty" yaml:"config,omitempty"`
	Next         string              `json:"next,omitempty" yaml:"next,omitempty"`
	Branches     []NextBranch        `json:"branches,omitempty" yaml:"branches,omitempty"`
	OnError      *ErrorPolicy        `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Retry        *RetryPolicy        `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout      string              `json:"timeout,omitempty" yaml:"timeout,omitempty"` // e.g. "30s"; enforced cooperatively
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAiAction      StepType = "ai_action"
	StepTypeToolCall      StepType = "tool_call"
	StepTypeCondition     StepType = "condition"
	StepTypeLoop          StepType = "loop"
	StepTypeParallel      StepType = "parallel"
	StepTypeHumanApproval StepType = "human_approval"
	StepTypeTransform     StepType = "transform"
)

// InputRef names a value for a step input: a path into the workflow input
// (source "input") or into a prior step's recorded output (source = step id).
// Paths support dotted segments and array indexing, e.g. "items[0].name".
type InputRef struct {
	Source string `json:"source" yaml:"source"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SourceInput is the reserved InputRef source referring to the workflow input.
const SourceInput = "input"

// NextBranch routes to NextStep when Condition evaluates true.
type NextBranch struct {
	Condition string `json:"condition" yaml:"condition"`
	NextStep  string `json:"next_step" yaml:"next_step"`
}

// ErrorPolicy controls what happens after a step exhausts its retries.
type ErrorPolicy struct {
	Strategy     ErrorStrategy `json:"strategy" yaml:"strategy"`
	FallbackStep string        `json:"fallback_step,omitempty" yaml:"fallback_step,omitempty"`
}

// ErrorStrategy enumerates the on-error behaviors of a step.
type ErrorStrategy string

const (
	ErrorStrategyFail     ErrorStrategy = "fail"
	ErrorStrategyRetry    ErrorStrategy = "retry"
	ErrorStrategySkip     ErrorStrategy = "skip"
	ErrorStrategyFallback ErrorStrategy = "fallback"
)

// RetryPolicy configures retry behavior for a step. The wait before attempt
// n (1-based, n >= 2) is DelayMs * BackoffMultiplier^(n-2); the first attempt
// never waits.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	DelayMs           int     `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
}

// --- Per-type step configs ---

// AiActionConfig is the config block for ai_action steps. Static Input is
// merged under the resolved input mapping (dynamic values win).
type AiActionConfig struct {
	ActionID string         `json:"action_id" yaml:"action_id"`
	Input    map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// ToolCallConfig is the config block for tool_call steps.
type ToolCallConfig struct {
	Tool  string         `json:"tool" yaml:"tool"`
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// ConditionConfig is the config block for condition steps. Branches are
// evaluated in order; the first whose condition holds selects the next step.
// An empty condition always matches (default branch).
type ConditionConfig struct {
	Branches []ConditionBranch `json:"branches" yaml:"branches"`
}

// ConditionBranch is one arm of a condition step.
type ConditionBranch struct {
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	NextStep  string `json:"next_step" yaml:"next_step"`
}

// LoopConfig is the config block for loop steps. The condition is re-checked
// before every pass against {input..., iteration, results}; MaxIterations is
// a hard stop regardless of the condition, so loops are always bounded.
type LoopConfig struct {
	Condition     string         `json:"condition" yaml:"condition"`
	Body          []WorkflowStep `json:"body" yaml:"body"`
	MaxIterations int            `json:"max_iterations" yaml:"max_iterations"`
}

// ParallelConfig is the config block for parallel steps.
type ParallelConfig struct {
	Branches [][]WorkflowStep `json:"branches" yaml:"branches"`
	WaitFor  string           `json:"wait_for,omitempty" yaml:"wait_for,omitempty"` // all | any | none (default: all)
}

// ApprovalConfig is the config block for human_approval steps.
type ApprovalConfig struct {
	Message string   `json:"message" yaml:"message"`
	Choices []string `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// TransformConfig is the config block for transform steps. The expression
// sees the workflow input under "input", prior step outputs under "steps",
// and the resolved input mapping, if any, under "params".
type TransformConfig struct {
	Engine     string `json:"engine,omitempty" yaml:"engine,omitempty"` // jq | expr | cel (default: jq)
	Expression string `json:"expression" yaml:"expression"`
}
