package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handler executes one tool call and returns its raw JSON result.
type Handler func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// Registry holds the tools available to a research request. Advertising
// and resolving are deliberately independent: Advertised is consulted when
// building the next prompt, Resolve when executing any call that arrives.
// Disabling advertisement must never clear the resolve table, because the
// model's structured-output emission can arrive transport-encoded as a
// call to a tool name that still has to resolve.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]mcp.Tool
	handlers  map[string]Handler
	advertise bool
}

// NewRegistry creates an empty registry with advertisement enabled.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]mcp.Tool),
		handlers:  make(map[string]Handler),
		advertise: true,
	}
}

// Register adds a tool definition and its handler. Re-registering a name
// replaces the previous entry.
func (r *Registry) Register(tool mcp.Tool, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	r.handlers[tool.Name] = handler
}

// SetAdvertise toggles whether tools are offered in subsequent prompts.
// Handlers stay resolvable either way.
func (r *Registry) SetAdvertise(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertise = on
}

// Advertised returns the tool definitions to offer in the next prompt,
// sorted by name for stable prompt construction. Returns nil when
// advertisement is off.
func (r *Registry) Advertised() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.advertise {
		return nil
	}
	out := make([]mcp.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve looks up a handler by tool name, regardless of whether the tool
// is currently advertised.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Execute resolves and runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	h, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", name)
	}
	return h(ctx, args)
}
