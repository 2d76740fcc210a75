package schema

import "time"

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// StepStatus represents the lifecycle state of a step result.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// InitiatorType identifies what kind of principal started an instance.
type InitiatorType string

const (
	InitiatorUser   InitiatorType = "user"
	InitiatorSystem InitiatorType = "system"
	InitiatorAgent  InitiatorType = "agent"
)

// Initiator identifies who started a workflow instance.
type Initiator struct {
	Type InitiatorType `json:"type"`
	ID   string        `json:"id,omitempty"`
}

// WorkflowInstance is one stateful run of a workflow definition.
// An instance is mutated exclusively by its own run loop; step results
// accumulate monotonically and are never removed.
type WorkflowInstance struct {
	ID            string                         `json:"id"`
	DefinitionID  string                         `json:"definition_id"`
	Status        InstanceStatus                 `json:"status"`
	Input         map[string]any                 `json:"input,omitempty"`
	CurrentStepID string                         `json:"current_step_id,omitempty"`
	StepResults   map[string]*WorkflowStepResult `json:"step_results"`
	Output        map[string]any                 `json:"output,omitempty"`
	Error         *WorkflowError                 `json:"error,omitempty"`
	Initiator     Initiator                      `json:"initiator"`
	CreatedAt     time.Time                      `json:"created_at"`
	StartedAt     *time.Time                     `json:"started_at,omitempty"`
	CompletedAt   *time.Time                     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time                      `json:"updated_at"`
}

// Clone returns a copy safe to hand to callers: top-level fields and the step
// result map are copied so registry/engine state cannot be mutated externally.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	dup := *i
	dup.StepResults = make(map[string]*WorkflowStepResult, len(i.StepResults))
	for id, sr := range i.StepResults {
		srCopy := *sr
		dup.StepResults[id] = &srCopy
	}
	return &dup
}

// WorkflowStepResult records the outcome of a single step execution.
type WorkflowStepResult struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowError is the structured instance-level failure record.
type WorkflowError struct {
	StepID  string         `json:"step_id,omitempty"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	DefinitionID  string           `json:"definition_id,omitempty"`
	Statuses      []InstanceStatus `json:"statuses,omitempty"`
	InitiatorType InitiatorType    `json:"initiator_type,omitempty"`
	InitiatorID   string           `json:"initiator_id,omitempty"`
	StartedAfter  *time.Time       `json:"started_after,omitempty"`
	StartedBefore *time.Time       `json:"started_before,omitempty"`
	Limit         int              `json:"limit,omitempty"`
	Offset        int              `json:"offset,omitempty"`
}
