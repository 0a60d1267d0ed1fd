package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nidhogg/deep-research/internal/provider"
)

// ErrUnknownTool is returned when the model calls a tool the worker lacks.
var ErrUnknownTool = errors.New("unknown tool")

// ToolHandler executes a tool call and returns the result as a string.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolRegistry holds one worker's tools and their handlers.
type ToolRegistry struct {
	defs     []provider.Tool
	handlers map[string]ToolHandler
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool. Registering a name twice replaces the handler and
// keeps the first definition.
func (r *ToolRegistry) Register(def provider.Tool, handler ToolHandler) {
	if _, dup := r.handlers[def.Function.Name]; !dup {
		r.defs = append(r.defs, def)
	}
	r.handlers[def.Function.Name] = handler
}

// Definitions returns all tool definitions for the model request.
func (r *ToolRegistry) Definitions() []provider.Tool {
	return r.defs
}

func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs a tool by name with the given JSON arguments.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) (string, error) {
	h, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return h(ctx, args)
}

func functionTool(name, description string, properties map[string]interface{}, required ...string) provider.Tool {
	params := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

func stringProp(description string) map[string]string {
	return map[string]string{"type": "string", "description": description}
}
