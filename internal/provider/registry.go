// Package provider resolves configured AI backends and gates every outbound
// provider call behind the node's data-disclosure policy.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tako0614/takos-agent/pkg/policy"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// SecretLookup resolves a credential from the secret environment.
// Defaults to os.Getenv when nil is passed to NewRegistry.
type SecretLookup func(key string) string

// Base URLs assumed for well-known provider types when the config omits one.
var defaultBaseURLs = map[string]string{
	"openai":    "https://api.openai.com/v1",
	"anthropic": "https://api.anthropic.com/v1",
	"ollama":    "http://localhost:11434",
}

// credentialOptional lists provider types that run without a credential.
var credentialOptional = map[string]bool{
	"ollama": true,
}

// Client is a resolved AI provider backend. Resolved once at registry
// construction and read-only thereafter, so it is safe to share across
// concurrently running instances.
type Client struct {
	ID      string
	Type    string
	BaseURL string
	Model   string

	credential string
	authHeader string
	authScheme string
}

// Credential returns the resolved secret for callers that build SDK clients.
func (c *Client) Credential() string { return c.credential }

// AuthHeaders returns the HTTP headers carrying this provider's credential.
func (c *Client) AuthHeaders() map[string]string {
	if c.credential == "" {
		return map[string]string{}
	}
	value := c.credential
	if c.authScheme != "" {
		value = c.authScheme + " " + c.credential
	}
	return map[string]string{c.authHeader: value}
}

// Registry holds the node's resolved providers and its disclosure ceiling.
// Construction is all-or-nothing: a registry is either fully usable or the
// constructor returns an error.
type Registry struct {
	providers  map[string]*Client
	defaultID  string
	nodePolicy policy.Effective
	logger     *slog.Logger
}

// NewRegistry resolves every declared provider against the secret environment.
// It fails fast when a provider is missing a resolvable base URL or a
// non-empty credential from its named environment variable.
func NewRegistry(cfg *schema.NodeAIConfig, lookup SecretLookup, logger *slog.Logger) (*Registry, error) {
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "node AI config is nil")
	}
	if lookup == nil {
		lookup = os.Getenv
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		providers:  make(map[string]*Client, len(cfg.Providers)),
		defaultID:  cfg.DefaultProvider,
		nodePolicy: policy.Normalize(&cfg.Policy),
		logger:     logger,
	}

	for _, pc := range cfg.Providers {
		client, err := resolveProvider(pc, lookup)
		if err != nil {
			return nil, err
		}
		if _, exists := r.providers[client.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "provider %q declared twice", client.ID)
		}
		r.providers[client.ID] = client
		if pc.Default && r.defaultID == "" {
			r.defaultID = client.ID
		}
	}

	// A node with providers but no explicit default falls back to the first declared.
	if r.defaultID == "" && len(cfg.Providers) > 0 {
		r.defaultID = cfg.Providers[0].ID
	}

	return r, nil
}

func resolveProvider(pc schema.ProviderConfig, lookup SecretLookup) (*Client, error) {
	if pc.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "provider id is empty")
	}

	baseURL := pc.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[pc.Type]
	}
	if baseURL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"provider %q: no base URL configured and no default for type %q", pc.ID, pc.Type)
	}

	var credential string
	if pc.CredentialEnv != "" {
		credential = lookup(pc.CredentialEnv)
	}
	if credential == "" && !credentialOptional[pc.Type] {
		env := pc.CredentialEnv
		if env == "" {
			env = "(unset credential_env)"
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"provider %q: empty credential from environment variable %s", pc.ID, env).
			WithDetails(map[string]any{"provider_id": pc.ID, "credential_env": pc.CredentialEnv})
	}

	authHeader := pc.AuthHeader
	authScheme := pc.AuthScheme
	if authHeader == "" {
		// Anthropic-style APIs use a bare key header; everything else Bearer.
		if pc.Type == "anthropic" {
			authHeader = "x-api-key"
		} else {
			authHeader = "Authorization"
			if authScheme == "" {
				authScheme = "Bearer"
			}
		}
	}

	return &Client{
		ID:         pc.ID,
		Type:       pc.Type,
		BaseURL:    baseURL,
		Model:      pc.Model,
		credential: credential,
		authHeader: authHeader,
		authScheme: authScheme,
	}, nil
}

// Get returns the named provider, or the configured default when id is empty.
// Returns nil when absent.
func (r *Registry) Get(id string) *Client {
	if id == "" {
		id = r.defaultID
	}
	return r.providers[id]
}

// Require is Get with a distinct error naming the missing provider id.
func (r *Registry) Require(id string) (*Client, error) {
	c := r.Get(id)
	if c == nil {
		missing := id
		if missing == "" {
			missing = "(default)"
		}
		return nil, schema.NewErrorf(schema.ErrCodeProviderNotFound, "provider %s not configured", missing).
			WithDetails(map[string]any{"provider_id": id})
	}
	return c, nil
}

// NodePolicy returns the node's normalized disclosure ceiling.
func (r *Registry) NodePolicy() policy.Effective { return r.nodePolicy }

// CombinePolicy applies the policy AND law against this node's ceiling.
func (r *Registry) CombinePolicy(action *policy.Policy) policy.Effective {
	return policy.Combine(r.nodePolicy, action)
}

// CallOptions describe one policy-gated provider call.
type CallOptions struct {
	ProviderID string
	ActionID   string
	Payload    map[string]any
	Policy     *policy.Policy // the action/workflow request; nil requests everything
	OnRedact   func(RedactionResult)
}

// RedactionResult is handed to the OnRedact observer for audit/telemetry.
type RedactionResult struct {
	ActionID   string                 `json:"action_id,omitempty"`
	ProviderID string                 `json:"provider_id"`
	Policy     policy.Effective       `json:"policy"`
	Removed    []policy.RedactedField `json:"removed"`
}

// PreparedCall is a provider call after policy resolution and redaction.
type PreparedCall struct {
	Provider *Client
	Payload  map[string]any
	Policy   policy.Effective
	Redacted []policy.RedactedField
}

// PrepareCall resolves the provider, computes redaction, and notifies the
// redaction observer. This always happens before any network call.
func (r *Registry) PrepareCall(opts CallOptions) (*PreparedCall, error) {
	client, err := r.Require(opts.ProviderID)
	if err != nil {
		return nil, err
	}

	eff := r.CombinePolicy(opts.Policy)
	redacted, removed := policy.Redact(opts.Payload, eff)

	if len(removed) > 0 && opts.OnRedact != nil {
		opts.OnRedact(RedactionResult{
			ActionID:   opts.ActionID,
			ProviderID: client.ID,
			Policy:     eff,
			Removed:    removed,
		})
	}

	return &PreparedCall{
		Provider: client,
		Payload:  redacted,
		Policy:   eff,
		Redacted: removed,
	}, nil
}

// CallExecutor performs the actual provider request with a prepared,
// already-redacted payload.
type CallExecutor func(ctx context.Context, call *PreparedCall) (map[string]any, error)

// CallResult is the executor's result merged with policy/redaction metadata.
type CallResult struct {
	Data       map[string]any         `json:"data,omitempty"`
	ProviderID string                 `json:"provider_id"`
	Policy     policy.Effective       `json:"policy"`
	Redacted   []policy.RedactedField `json:"redacted,omitempty"`
}

// CallWithPolicy is the single choke point for AI-provider network calls: it
// prepares the call (resolving the provider and redacting the payload), hands
// the prepared call to the executor, and merges policy metadata into the
// result. No code path may reach a provider with an un-redacted payload.
func (r *Registry) CallWithPolicy(ctx context.Context, opts CallOptions, execute CallExecutor) (*CallResult, error) {
	prepared, err := r.PrepareCall(opts)
	if err != nil {
		return nil, err
	}

	data, err := execute(ctx, prepared)
	if err != nil {
		return nil, err
	}

	return &CallResult{
		Data:       data,
		ProviderID: prepared.Provider.ID,
		Policy:     prepared.Policy,
		Redacted:   prepared.Redacted,
	}, nil
}

// EnforcePolicy is the hard sibling of redaction, run by the dispatch layer
// on every call: any field the action explicitly requests but the node
// forbids is a violation. Blocked fields are logged before the error is
// returned.
func (r *Registry) EnforcePolicy(actionID string, actionPolicy *policy.Policy, providerID string) error {
	blocked := policy.Violations(r.nodePolicy, actionPolicy)
	if len(blocked) == 0 {
		return nil
	}

	r.logger.Warn("data policy violation blocked",
		slog.String("action_id", actionID),
		slog.String("provider_id", providerID),
		slog.Any("fields", blocked),
	)

	return schema.NewErrorf(schema.ErrCodeDataPolicyViolation,
		"action %s requests fields forbidden by node policy: %s", actionID, fmt.Sprint(blocked)).
		WithDetails(map[string]any{
			"action_id":   actionID,
			"provider_id": providerID,
			"fields":      blocked,
		})
}
