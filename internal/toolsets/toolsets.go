// ABOUTME: Built-in toolset types with fixed tool surfaces.
// ABOUTME: A registry maps toolset type names to their tool definitions and handlers.

package toolsets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/2389/toolgate/internal/store"
)

var (
	ErrUnknownType = errors.New("unknown toolset type")
	ErrUnknownTool = errors.New("unknown tool")
)

// Handler executes one built-in tool. The API key comes from the
// instance's decrypted auth config; it is empty for public instances.
type Handler func(ctx context.Context, apiKey string, input json.RawMessage) (json.RawMessage, error)

// Tool pairs a tool schema with its handler.
type Tool struct {
	Schema  store.ToolSchema
	Handler Handler
}

// Toolset is one built-in integration type. Its tool surface is fixed
// at construction; instances only narrow it via their whitelist.
type Toolset struct {
	Type  string
	Tools []*Tool
}

// Schemas returns the toolset's full tool catalogue.
func (ts *Toolset) Schemas() []store.ToolSchema {
	schemas := make([]store.ToolSchema, len(ts.Tools))
	for i, tool := range ts.Tools {
		schemas[i] = tool.Schema
	}
	return schemas
}

// Execute runs one tool by name.
func (ts *Toolset) Execute(ctx context.Context, apiKey, toolName string, input json.RawMessage) (json.RawMessage, error) {
	for _, tool := range ts.Tools {
		if tool.Schema.Name == toolName {
			return tool.Handler(ctx, apiKey, input)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
}

// Registry holds the available built-in toolset types.
type Registry struct {
	byType map[string]*Toolset
}

// NewRegistry creates a registry with all standard toolsets.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]*Toolset)}
	r.Register(WebSearch(""))
	return r
}

// Register adds a toolset, replacing any prior one of the same type.
func (r *Registry) Register(ts *Toolset) {
	r.byType[ts.Type] = ts
}

// Get looks up a toolset by type name.
func (r *Registry) Get(typeName string) (*Toolset, error) {
	ts, ok := r.byType[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return ts, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for name := range r.byType {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
