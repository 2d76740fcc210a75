// Package aiaction holds the registry of AI action definitions and the
// dispatch path that gates every invocation behind the node's feature flag,
// allow-list, and data policy.
package aiaction

import (
	"context"
	"encoding/json"

	"github.com/tako0614/takos-agent/pkg/policy"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// Capability classifies what kind of provider call an action performs.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbedding  Capability = "embedding"
)

// Handler executes the action body. The input it receives has already been
// redacted against the effective policy; the handler reaches the provider
// through the call context.
type Handler func(ctx context.Context, call *Call, input map[string]any) (map[string]any, error)

// Definition is a declarative AI action: identity, contract, the policy
// slice of node data it wants, and the handler that runs it.
type Definition struct {
	ID           string          `json:"id"`
	Description  string          `json:"description,omitempty"`
	Capability   Capability      `json:"capability,omitempty"`
	Provider     string          `json:"provider,omitempty"` // preferred provider id; empty uses the node default
	Policy       *policy.Policy  `json:"data_policy,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Handler      Handler         `json:"-"`
}

func (d *Definition) validate() error {
	if d == nil {
		return schema.NewError(schema.ErrCodeValidation, "action definition is nil")
	}
	if d.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "action id is empty")
	}
	if d.Handler == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no handler", d.ID)
	}
	return nil
}

// clone returns a shallow copy so callers cannot mutate registered state.
func (d *Definition) clone() *Definition {
	c := *d
	return &c
}

// Info is the listing projection of a registered action.
type Info struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Capability  Capability `json:"capability,omitempty"`
	Enabled     bool       `json:"enabled"`
}

// Result is what dispatch returns: the handler output plus the policy
// metadata describing what data was allowed to leave the node.
type Result struct {
	ActionID   string                 `json:"action_id"`
	ProviderID string                 `json:"provider_id,omitempty"`
	Output     map[string]any         `json:"output,omitempty"`
	Policy     policy.Effective       `json:"policy"`
	Redacted   []policy.RedactedField `json:"redacted,omitempty"`
}
