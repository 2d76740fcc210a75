// Package audit writes the node's audit trail: which data left the node,
// what was redacted or blocked, who approved what, and which actions ran.
// Entries go to the store's audit log and to structured logs.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tako0614/takos-agent/internal/aiaction"
	"github.com/tako0614/takos-agent/internal/provider"
	"github.com/tako0614/takos-agent/internal/store"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// Recorder is the audit sink. Safe for concurrent use; all methods are
// best-effort and never fail the operation being audited.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(st store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// Redactions returns the observer to hang on the action registry: every
// redacted outbound payload becomes an audit entry.
func (r *Recorder) Redactions() func(provider.RedactionResult) {
	return func(res provider.RedactionResult) {
		fields := make([]string, len(res.Removed))
		for i, f := range res.Removed {
			fields[i] = f.Field
		}
		r.record(context.Background(), &schema.AuditEntry{
			Kind:       schema.AuditRedaction,
			ActionID:   res.ActionID,
			ProviderID: res.ProviderID,
			Fields:     fields,
		})
	}
}

// Dispatched records a completed action dispatch.
func (r *Recorder) Dispatched(ctx context.Context, instanceID, stepID string, res *aiaction.Result) {
	r.record(ctx, &schema.AuditEntry{
		Kind:       schema.AuditDispatch,
		InstanceID: instanceID,
		StepID:     stepID,
		ActionID:   res.ActionID,
		ProviderID: res.ProviderID,
	})
}

// PolicyViolation records a dispatch-time block. The blocked fields are taken
// from the error's details when present.
func (r *Recorder) PolicyViolation(ctx context.Context, instanceID, stepID, actionID string, err error) {
	entry := &schema.AuditEntry{
		Kind:       schema.AuditPolicyViolation,
		InstanceID: instanceID,
		StepID:     stepID,
		ActionID:   actionID,
	}
	var agentErr *schema.AgentError
	if errors.As(err, &agentErr) {
		if fields, ok := agentErr.Details["fields"].([]string); ok {
			entry.Fields = fields
		}
		if providerID, ok := agentErr.Details["provider_id"].(string); ok {
			entry.ProviderID = providerID
		}
	}
	r.record(ctx, entry)
}

// HandleEvent is the engine event subscriber: approval requests and
// decisions plus instance lifecycle milestones land in the audit trail.
func (r *Recorder) HandleEvent(event schema.Event) {
	ctx := context.Background()
	switch event.Type {
	case schema.EventApprovalRequired:
		r.record(ctx, &schema.AuditEntry{
			Kind:       schema.AuditApproval,
			InstanceID: event.InstanceID,
			StepID:     event.StepID,
			Detail:     map[string]any{"state": "requested", "payload": event.Payload},
		})
	case schema.EventStepCompleted:
		// Approval decisions come back as step completions carrying the
		// decision payload.
		if event.Payload == nil {
			return
		}
		if approved, ok := event.Payload["approved"].(bool); ok {
			r.record(ctx, &schema.AuditEntry{
				Kind:       schema.AuditApproval,
				InstanceID: event.InstanceID,
				StepID:     event.StepID,
				Detail:     map[string]any{"state": "decided", "approved": approved, "choice": event.Payload["choice"]},
			})
		}
	case schema.EventStarted, schema.EventCompleted, schema.EventFailed, schema.EventCancelled:
		r.record(ctx, &schema.AuditEntry{
			Kind:       schema.AuditWorkflow,
			InstanceID: event.InstanceID,
			Detail:     map[string]any{"event": event.Type, "payload": event.Payload},
		})
	}
}

// Entries reads back the audit trail.
func (r *Recorder) Entries(ctx context.Context, filter schema.AuditFilter) ([]*schema.AuditEntry, error) {
	return r.store.ListAudit(ctx, filter)
}

func (r *Recorder) record(ctx context.Context, entry *schema.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	r.logger.InfoContext(ctx, "audit",
		slog.String("kind", entry.Kind),
		slog.String("instance_id", entry.InstanceID),
		slog.String("action_id", entry.ActionID),
		slog.Any("fields", entry.Fields),
	)

	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "append audit entry failed",
			slog.String("kind", entry.Kind),
			slog.Any("error", err),
		)
	}
}
