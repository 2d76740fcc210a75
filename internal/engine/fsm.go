package engine

import "github.com/tako0614/takos-agent/pkg/schema"

// ValidInstanceTransitions defines the allowed lifecycle transitions for
// workflow instances. Completed, failed, and cancelled are terminal.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstancePending:   {schema.InstanceRunning, schema.InstanceCancelled},
	schema.InstanceRunning:   {schema.InstancePaused, schema.InstanceCompleted, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstancePaused:    {schema.InstanceRunning, schema.InstanceCancelled, schema.InstanceFailed},
	schema.InstanceCompleted: {},
	schema.InstanceFailed:    {},
	schema.InstanceCancelled: {},
}

// ValidStepTransitions defines the allowed lifecycle transitions for step
// results.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepCompleted, schema.StepFailed, schema.StepSkipped},
	schema.StepCompleted: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}

// CanTransitionInstance reports whether from -> to is a legal instance
// transition.
func CanTransitionInstance(from, to schema.InstanceStatus) bool {
	for _, allowed := range ValidInstanceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionInstance validates and applies a status change. The caller holds
// the instance and is responsible for persisting it.
func transitionInstance(inst *schema.WorkflowInstance, to schema.InstanceStatus) error {
	if !CanTransitionInstance(inst.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", inst.Status, to).
			WithDetails(map[string]any{"instance_id": inst.ID, "from": string(inst.Status), "to": string(to)})
	}
	inst.Status = to
	return nil
}
