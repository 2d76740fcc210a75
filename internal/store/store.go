// Package store persists workflow instances and their event streams. Two
// implementations: an in-memory store for tests and ephemeral nodes, and a
// libSQL-backed store for durable deployments.
package store

import (
	"context"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// Store defines the persistence contract for instance state.
// All implementations must be safe for concurrent use.
type Store interface {
	// Instances
	SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter schema.InstanceFilter) ([]*schema.WorkflowInstance, error)

	// Event stream (append-only, sequenced per instance)
	AppendEvent(ctx context.Context, event *schema.Event) error
	ListEvents(ctx context.Context, instanceID string, since int64) ([]*schema.Event, error)

	// Audit trail (append-only, newest first on read)
	AppendAudit(ctx context.Context, entry *schema.AuditEntry) error
	ListAudit(ctx context.Context, filter schema.AuditFilter) ([]*schema.AuditEntry, error)

	// Secrets (values are already encrypted by the vault layer)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	Close() error
}

// matchesAudit applies an AuditFilter (Limit excluded) to one entry.
func matchesAudit(entry *schema.AuditEntry, filter schema.AuditFilter) bool {
	if filter.InstanceID != "" && entry.InstanceID != filter.InstanceID {
		return false
	}
	if filter.ActionID != "" && entry.ActionID != filter.ActionID {
		return false
	}
	if filter.Kind != "" && entry.Kind != filter.Kind {
		return false
	}
	return true
}

// matchesFilter applies an InstanceFilter to an instance. Shared by the
// memory store and the libSQL store's post-scan checks.
func matchesFilter(inst *schema.WorkflowInstance, filter schema.InstanceFilter) bool {
	if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if inst.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.InitiatorType != "" && inst.Initiator.Type != filter.InitiatorType {
		return false
	}
	if filter.InitiatorID != "" && inst.Initiator.ID != filter.InitiatorID {
		return false
	}
	if filter.StartedAfter != nil {
		if inst.StartedAt == nil || inst.StartedAt.Before(*filter.StartedAfter) {
			return false
		}
	}
	if filter.StartedBefore != nil {
		if inst.StartedAt == nil || inst.StartedAt.After(*filter.StartedBefore) {
			return false
		}
	}
	return true
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}
