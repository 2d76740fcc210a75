// Package tools is the registry of local tool handlers invoked by tool_call
// workflow steps. Tools run inside the node process and are not subject to
// the outbound data policy, unlike AI actions.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// Handler executes a tool with step-mapped input.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Tool is a named local capability exposed to workflows.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Handler     Handler         `json:"-"`
}

// Info is the listing projection of a registered tool.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe tool registry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Returns error on duplicate name.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	if tool.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if tool.Handler == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", tool.Name)
	}
	c := *tool
	r.tools[tool.Name] = &c
	return nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, tool := range r.tools {
		infos = append(infos, Info{Name: tool.Name, Description: tool.Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Call runs a tool by name. Unknown tools and handler failures both come
// back as structured errors.
func (r *Registry) Call(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}

	output, err := tool.Handler(ctx, input)
	if err != nil {
		var agentErr *schema.AgentError
		if !errors.As(err, &agentErr) {
			err = schema.NewErrorf(schema.ErrCodeExecution, "tool %s failed: %v", name, err).WithCause(err)
		}
		return nil, err
	}
	return output, nil
}
