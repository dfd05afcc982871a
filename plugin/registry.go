package plugin

import (
	"context"
	"fmt"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"plume/model"
)

// Registry holds the set of registered plugins and dispatches execution by
// exact name. Registration order is preserved so tool schemas are sent to
// vendors in a stable order.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin. Registering a name twice replaces the earlier
// plugin but keeps its position.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.Name()]; !ok {
		r.order = append(r.order, p.Name())
	}
	r.plugins[p.Name()] = p
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Execute runs the named plugin with parsed arguments. An unknown name is a
// model.UnknownToolError.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, &model.UnknownToolError{Name: name}
	}
	return p.Execute(ctx, args)
}

// Tools returns the registered plugins as MCP tool descriptors, in
// registration order. Engines convert these into vendor tool schemas.
func (r *Registry) Tools() []mcptypes.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return nil
	}

	tools := make([]mcptypes.Tool, 0, len(r.order))
	for _, name := range r.order {
		p := r.plugins[name]

		properties := make(map[string]any, len(p.Parameters()))
		var required []string
		for _, param := range p.Parameters() {
			prop := map[string]any{
				"type":        param.Type,
				"description": param.Description,
			}
			if len(param.Enum) > 0 {
				enum := make([]any, len(param.Enum))
				for i, v := range param.Enum {
					enum[i] = v
				}
				prop["enum"] = enum
			}
			properties[param.Name] = prop
			if param.Required {
				required = append(required, param.Name)
			}
		}

		tools = append(tools, mcptypes.Tool{
			Name:        p.Name(),
			Description: p.Description(),
			InputSchema: mcptypes.ToolInputSchema{
				Type:       "object",
				Properties: properties,
				Required:   required,
			},
		})
	}
	return tools
}

// PreparationDescription returns the tool status line shown while a call's
// arguments are still accumulating.
func (r *Registry) PreparationDescription(name string) string {
	if p, ok := r.Get(name); ok {
		if sr, ok := p.(StatusReporter); ok {
			return sr.PreparationDescription()
		}
	}
	return fmt.Sprintf("Preparing %s...", name)
}

// RunningDescription returns the tool status line shown while a call runs.
func (r *Registry) RunningDescription(name string) string {
	if p, ok := r.Get(name); ok {
		if sr, ok := p.(StatusReporter); ok {
			return sr.RunningDescription()
		}
	}
	return fmt.Sprintf("Running %s...", name)
}
