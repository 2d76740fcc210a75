package validation

import "github.com/tako0614/takos-agent/pkg/schema"

// WorkflowValidator orchestrates the two-stage definition pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step refs, per-type configs, conditions, reachability)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	lookup     ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to
// skip action and tool existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, lookup: lookup}, nil
}

// Validate runs the pipeline and returns an aggregated result. Structural
// errors short-circuit: the semantic stage is skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def == nil {
		result.AddError("", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	if err := wv.jsonSchema.ValidateDefinition(def); err != nil {
		agentErr := toAgentErrorAny(err)
		result.AddError("", agentErr.Code, agentErr.Message)
		return result
	}

	result.Merge(validateSemantic(def, wv.lookup))
	return result
}

// ValidateInput validates workflow input against the definition's schema.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func toAgentErrorAny(err error) *schema.AgentError {
	if agentErr, ok := err.(*schema.AgentError); ok {
		return agentErr
	}
	return schema.NewError(schema.ErrCodeValidation, err.Error())
}
