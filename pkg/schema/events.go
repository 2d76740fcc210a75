package schema

import "time"

// Event type constants for the instance event stream and the audit event log.
const (
	EventStarted          = "started"
	EventStepStarted      = "step_started"
	EventStepCompleted    = "step_completed"
	EventStepFailed       = "step_failed"
	EventApprovalRequired = "approval_required"
	EventCompleted        = "completed"
	EventFailed           = "failed"
	EventCancelled        = "cancelled"
)

// Event is a single entry in an instance's event stream. Events for one
// instance are emitted in execution order; no ordering holds across instances.
type Event struct {
	// Sequence is assigned by the event log on append; it is monotonically
	// increasing per instance and zero for events not yet persisted.
	Sequence   int64          `json:"sequence,omitempty"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id,omitempty"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
