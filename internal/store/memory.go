package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// MemoryStore is the in-process Store implementation. Instances are cloned
// on both write and read so callers never share mutable state with the
// store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*schema.WorkflowInstance
	events    map[string][]*schema.Event
	audit     []*schema.AuditEntry
	secrets   map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*schema.WorkflowInstance),
		events:    make(map[string][]*schema.Event),
	}
}

func (s *MemoryStore) SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	if inst == nil || inst.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, notFound("instance", id)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter schema.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	s.mu.RLock()
	matched := make([]*schema.WorkflowInstance, 0)
	for _, inst := range s.instances {
		if matchesFilter(inst, filter) {
			matched = append(matched, inst.Clone())
		}
	}
	s.mu.RUnlock()

	// Newest first, matching the libSQL store's ORDER BY created_at DESC.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	if event == nil || event.InstanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no instance id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dup := *event
	dup.Sequence = int64(len(s.events[event.InstanceID])) + 1
	if dup.Timestamp.IsZero() {
		dup.Timestamp = time.Now().UTC()
	}
	s.events[event.InstanceID] = append(s.events[event.InstanceID], &dup)
	event.Sequence = dup.Sequence
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, instanceID string, since int64) ([]*schema.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.Event
	for _, ev := range s.events[instanceID] {
		if ev.Sequence > since {
			dup := *ev
			out = append(out, &dup)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *schema.AuditEntry) error {
	if entry == nil || entry.Kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "audit entry has no kind")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dup := *entry
	if dup.Timestamp.IsZero() {
		dup.Timestamp = time.Now().UTC()
	}
	s.audit = append(s.audit, &dup)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, filter schema.AuditFilter) ([]*schema.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first, matching the libSQL store's ORDER BY timestamp DESC.
	out := make([]*schema.AuditEntry, 0)
	for i := len(s.audit) - 1; i >= 0; i-- {
		if !matchesAudit(s.audit[i], filter) {
			continue
		}
		dup := *s.audit[i]
		out = append(out, &dup)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets == nil {
		s.secrets = make(map[string][]byte)
	}
	s.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[key]
	if !ok {
		return nil, notFound("secret", key)
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return notFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }

func paginate(items []*schema.WorkflowInstance, offset, limit int) []*schema.WorkflowInstance {
	if offset > 0 {
		if offset >= len(items) {
			return []*schema.WorkflowInstance{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
