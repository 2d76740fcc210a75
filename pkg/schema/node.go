package schema

import "github.com/tako0614/takos-agent/pkg/policy"

// NodeAIConfig is the operator-declared AI configuration for a node: whether
// the AI feature is on at all, which actions are allow-listed, the disclosure
// ceiling, and the provider backends. Loaded from the node's yaml config.
type NodeAIConfig struct {
	Enabled         bool             `json:"enabled" yaml:"enabled"`
	EnabledActions  []string         `json:"enabled_actions" yaml:"enabled_actions"`
	Policy          policy.Policy    `json:"data_policy" yaml:"data_policy"`
	DefaultProvider string           `json:"default_provider,omitempty" yaml:"default_provider,omitempty"`
	Providers       []ProviderConfig `json:"providers" yaml:"providers"`
}

// ActionEnabled reports whether the action id is on the node's allow-list.
func (c *NodeAIConfig) ActionEnabled(actionID string) bool {
	for _, id := range c.EnabledActions {
		if id == actionID {
			return true
		}
	}
	return false
}

// ProviderConfig declares one AI backend. The credential is never stored in
// the config document; CredentialEnv names the environment variable it is
// resolved from at registry construction time.
type ProviderConfig struct {
	ID            string `json:"id" yaml:"id"`
	Type          string `json:"type" yaml:"type"` // openai | anthropic | ollama | generic
	BaseURL       string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model         string `json:"model,omitempty" yaml:"model,omitempty"`
	CredentialEnv string `json:"credential_env,omitempty" yaml:"credential_env,omitempty"`
	AuthHeader    string `json:"auth_header,omitempty" yaml:"auth_header,omitempty"` // default: Authorization
	AuthScheme    string `json:"auth_scheme,omitempty" yaml:"auth_scheme,omitempty"` // default: Bearer
	Default       bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// AuthContext is the caller identity attached to action execution. Session
// mechanics live in the host platform; the engine only sees this projection.
type AuthContext struct {
	Authenticated bool     `json:"authenticated"`
	UserID        string   `json:"user_id,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}
