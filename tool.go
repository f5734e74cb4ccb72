package warren

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool defines an agent capability with one or more tool functions.
// Tools are pure with respect to the reasoning loop: no hidden session state.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Error carries a
// tool-internal failure message; it is not an argument-validation error.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution by name.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Has reports whether a tool with the given name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, _, ok := r.lookup(name)
	return ok
}

// Execute dispatches a tool call by name. Arguments are validated against
// the tool's declared schema before execution. A name not in the registry
// returns *ErrUnknownTool; malformed arguments return *ErrToolArgs. Both are
// distinguishable from a tool-internal failure (ToolResult.Error).
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t, def, ok := r.lookup(name)
	if !ok {
		return ToolResult{}, &ErrUnknownTool{Name: name}
	}
	if err := validateArgs(def, args); err != nil {
		return ToolResult{}, err
	}
	return t.Execute(ctx, name, args)
}

func (r *ToolRegistry) lookup(name string) (Tool, ToolDefinition, bool) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t, d, true
			}
		}
	}
	return nil, ToolDefinition{}, false
}

// validateArgs checks args against the required properties of the tool's
// JSON-Schema parameter declaration. Only presence and JSON well-formedness
// are enforced here; tools validate value semantics themselves.
func validateArgs(def ToolDefinition, args json.RawMessage) error {
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if len(def.Parameters) == 0 || json.Unmarshal(def.Parameters, &schema) != nil {
		return nil // no declared schema, nothing to enforce
	}
	if len(schema.Required) == 0 {
		return nil
	}

	var supplied map[string]json.RawMessage
	if len(args) == 0 {
		supplied = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(args, &supplied); err != nil {
		return &ErrToolArgs{Tool: def.Name, Reason: "arguments are not a JSON object: " + err.Error()}
	}
	for _, req := range schema.Required {
		v, ok := supplied[req]
		if !ok || string(v) == "null" {
			return &ErrToolArgs{Tool: def.Name, Reason: fmt.Sprintf("missing required argument %q", req)}
		}
	}
	return nil
}
