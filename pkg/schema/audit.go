package schema

import "time"

// Audit entry kinds.
const (
	AuditRedaction       = "redaction"
	AuditPolicyViolation = "policy_violation"
	AuditApproval        = "approval"
	AuditDispatch        = "dispatch"
	AuditWorkflow        = "workflow"
)

// AuditEntry is one record in the node's audit trail: what data left the
// node (or was stopped), who approved what, and which actions ran.
type AuditEntry struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	InstanceID string         `json:"instance_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	ActionID   string         `json:"action_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Fields     []string       `json:"fields,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	InstanceID string
	ActionID   string
	Kind       string
	Limit      int
}
