package aiaction

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/tako0614/takos-agent/internal/provider"
	"github.com/tako0614/takos-agent/internal/validation"
	"github.com/tako0614/takos-agent/pkg/policy"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// Call is the provider access an action handler receives. It pins the
// resolved provider and the effective policy for this dispatch; Invoke
// routes back through the registry choke point so a handler can never
// send an un-redacted payload.
type Call struct {
	Provider *provider.Client
	Policy   policy.Effective
	Auth     *schema.AuthContext

	actionID  string
	providers *provider.Registry
	onRedact  func(provider.RedactionResult)
}

// Invoke performs a policy-gated provider call with an additional payload
// (e.g. a follow-up request built inside the handler).
func (c *Call) Invoke(ctx context.Context, payload map[string]any, execute provider.CallExecutor) (*provider.CallResult, error) {
	return c.providers.CallWithPolicy(ctx, provider.CallOptions{
		ProviderID: c.Provider.ID,
		ActionID:   c.actionID,
		Payload:    payload,
		Policy:     effectiveAsRequest(c.Policy),
		OnRedact:   c.onRedact,
	}, execute)
}

// effectiveAsRequest re-expresses an already-resolved policy as a request so
// combining it again with the node ceiling is a no-op.
func effectiveAsRequest(eff policy.Effective) *policy.Policy {
	return &policy.Policy{
		SendPublicPosts:    policy.Bool(eff.SendPublicPosts),
		SendCommunityPosts: policy.Bool(eff.SendCommunityPosts),
		SendDm:             policy.Bool(eff.SendDm),
		SendProfile:        policy.Bool(eff.SendProfile),
	}
}

// Registry is the thread-safe action registry plus the dispatch gate.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Definition

	node      *schema.NodeAIConfig
	providers *provider.Registry
	inputs    *validation.JSONSchemaValidator
	logger    *slog.Logger
	onRedact  func(provider.RedactionResult)
}

// Option configures a Registry.
type Option func(*Registry)

// WithRedactionObserver registers a callback invoked whenever dispatch
// removes fields from an outbound payload. Used by the audit log.
func WithRedactionObserver(fn func(provider.RedactionResult)) Option {
	return func(r *Registry) { r.onRedact = fn }
}

// NewRegistry creates an action registry bound to a node config and its
// resolved providers.
func NewRegistry(node *schema.NodeAIConfig, providers *provider.Registry, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	inputs, err := validation.NewJSONSchemaValidator()
	if err != nil {
		// Schema-less operation: actions still dispatch, input contracts
		// are not enforced.
		logger.Warn("input schema validator unavailable", slog.Any("error", err))
	}
	r := &Registry{
		actions:   make(map[string]*Definition),
		node:      node,
		providers: providers,
		inputs:    inputs,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an action definition. Returns error on duplicate id.
func (r *Registry) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", def.ID)
	}
	r.actions[def.ID] = def.clone()
	return nil
}

// Get retrieves a copy of the definition by id.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.actions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnknown, "action %q not registered", id)
	}
	return def.clone(), nil
}

// Has checks if an action is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[id]
	return ok
}

// List returns info for all registered actions, sorted by id, with the
// node's allow-list reflected in the Enabled flag.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.actions))
	for _, def := range r.actions {
		infos = append(infos, Info{
			ID:          def.ID,
			Description: def.Description,
			Capability:  def.Capability,
			Enabled:     r.node.Enabled && r.node.ActionEnabled(def.ID),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// EnsureAllowed checks the three gates in order: the node-level AI feature
// flag, action existence, and the node's allow-list. Each gate has a
// distinct error code so callers can tell them apart.
func (r *Registry) EnsureAllowed(id string) error {
	if !r.node.Enabled {
		return schema.NewError(schema.ErrCodeFeatureDisabled, "AI feature is disabled on this node")
	}
	if !r.Has(id) {
		return schema.NewErrorf(schema.ErrCodeActionUnknown, "action %q not registered", id)
	}
	if !r.node.ActionEnabled(id) {
		return schema.NewErrorf(schema.ErrCodeActionNotEnabled, "action %q is not enabled on this node", id)
	}
	return nil
}

// Dispatch runs one action end to end: gate checks, policy enforcement,
// provider resolution, input redaction, then the handler. An action that
// explicitly requests a field the node forbids fails with
// DATA_POLICY_VIOLATION before the handler runs; fields it did not request
// are silently redacted. The handler never sees fields the effective policy
// forbids.
func (r *Registry) Dispatch(ctx context.Context, id string, input map[string]any, auth *schema.AuthContext) (*Result, error) {
	if err := r.EnsureAllowed(id); err != nil {
		return nil, err
	}

	def, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	if len(def.InputSchema) > 0 && r.inputs != nil {
		if err := r.inputs.ValidateInput(input, def.InputSchema); err != nil {
			return nil, err
		}
	}

	if err := r.providers.EnforcePolicy(id, def.Policy, def.Provider); err != nil {
		return nil, err
	}

	prepared, err := r.providers.PrepareCall(provider.CallOptions{
		ProviderID: def.Provider,
		ActionID:   id,
		Payload:    input,
		Policy:     def.Policy,
		OnRedact:   r.onRedact,
	})
	if err != nil {
		return nil, err
	}

	call := &Call{
		Provider:  prepared.Provider,
		Policy:    prepared.Policy,
		Auth:      auth,
		actionID:  id,
		providers: r.providers,
		onRedact:  r.onRedact,
	}

	r.logger.Debug("dispatching action",
		slog.String("action_id", id),
		slog.String("provider_id", prepared.Provider.ID),
		slog.Int("redacted_fields", len(prepared.Redacted)),
	)

	output, err := def.Handler(ctx, call, prepared.Payload)
	if err != nil {
		var agentErr *schema.AgentError
		if !errors.As(err, &agentErr) {
			err = schema.NewErrorf(schema.ErrCodeExecution, "action %s failed: %v", id, err).WithCause(err)
		}
		return nil, err
	}

	return &Result{
		ActionID:   id,
		ProviderID: prepared.Provider.ID,
		Output:     output,
		Policy:     prepared.Policy,
		Redacted:   prepared.Redacted,
	}, nil
}
