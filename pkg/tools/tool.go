// Package tools implements the tool catalog: the uniform tool shape the
// agents and the RPC surface share, the four tool kinds (database query,
// knowledge read, bridge action, agent callable), schema generation and
// validation, and the tiered search used by database-query tools.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/vox-deorum/strategos/pkg/fault"
)

// Tool is the uniform shape every tool implements. Tools are immutable
// after construction and safe for concurrent Execute calls.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	OutputSchema() map[string]any
	Annotations() Annotations
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Annotations carry presentation and safety hints alongside a tool.
type Annotations struct {
	// ReadOnly marks tools that never mutate game or knowledge state.
	ReadOnly bool `json:"readOnly,omitempty"`

	// AutoComplete marks tools whose results feed name completion.
	AutoComplete bool `json:"autoComplete,omitempty"`

	// Markdown configures result rendering for markdown-capable hosts.
	Markdown map[string]any `json:"markdown,omitempty"`
}

// meta is the shared identity block every tool kind embeds.
type meta struct {
	name        string
	description string
	input       map[string]any
	output      map[string]any
	validator   *Validator
	annotations Annotations
}

func (m *meta) Name() string                { return m.name }
func (m *meta) Description() string         { return m.description }
func (m *meta) InputSchema() map[string]any { return m.input }
func (m *meta) OutputSchema() map[string]any {
	return m.output
}
func (m *meta) Annotations() Annotations { return m.annotations }

// validate checks raw arguments against the compiled input schema.
func (m *meta) validate(args map[string]any) error {
	if m.validator == nil {
		return nil
	}
	return m.validator.Validate(args)
}

// Catalog is the process-wide tool registry. Tools register once at boot;
// lookups and Execute are safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (c *Catalog) Register(tool Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := tool.Name()
	if _, exists := c.tools[name]; exists {
		return fault.New(fault.KindInvalidArgument, "tool %q already registered", name)
	}
	c.tools[name] = tool
	c.order = append(c.order, name)
	return nil
}

// RegisterAll adds tools, stopping at the first failure.
func (c *Catalog) RegisterAll(tools ...Tool) error {
	for _, tool := range tools {
		if err := c.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a tool by name.
func (c *Catalog) Get(name string) (Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tool, ok := c.tools[name]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// Names returns tool names in registration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	return names
}

// Tools returns all tools in registration order.
func (c *Catalog) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]Tool, 0, len(c.order))
	for _, name := range c.order {
		tools = append(tools, c.tools[name])
	}
	return tools
}

// Subset returns the named tools, erroring on the first unknown name.
// Names come back sorted so callers see a stable tool list.
func (c *Catalog) Subset(names []string) ([]Tool, error) {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	tools := make([]Tool, 0, len(sorted))
	for _, name := range sorted {
		tool, err := c.Get(name)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// Execute validates args against the named tool's input schema and runs it.
func (c *Catalog) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	return tool.Execute(ctx, args)
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}
