// Package agent implements the LLM agent runtime: a registry of agent
// definitions, the step loop that drives one agent invocation (tool
// assembly, model calls, tool execution, retries, structured output), and
// the sub-agent runner used for parallel briefer fan-out. Agents are
// declarative Definitions; the runtime supplies all mechanics.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
)

// wrapperPrefix names the agent-as-tool wrappers the runtime synthesizes
// for every other registered agent.
const wrapperPrefix = "call_"

// Definition declares one agent: its identity, model tier hint, tool
// whitelist, prompt construction, and the hooks that steer the step loop.
// Definitions are immutable after registration and shared across players.
type Definition struct {
	// Name is the registry key and the span name suffix.
	Name string

	// Description surfaces in the call_<name> wrapper other agents see.
	Description string

	// Tier is the model tier hint. Explicit per-player overrides win over
	// it; when both are empty the player's resolved default applies.
	Tier string

	// InputSchema constrains the input other agents pass through the
	// call_<name> wrapper. Nil means any object.
	InputSchema map[string]any

	// ActiveTools is the catalog whitelist. Only these tools (plus agent
	// wrappers) are visible to the model; unknown names fail the run.
	ActiveTools []string

	// RemoveUsedWrappers drops an agent wrapper from the tool list after
	// its first invocation, preventing repeat delegation.
	RemoveUsedWrappers bool

	// SystemPrompt authors the system message. Required.
	SystemPrompt func(params *models.TurnParameters, input map[string]any) string

	// InitialMessages seeds the conversation after the system prompt,
	// typically with situation, options, and past rationale.
	InitialMessages func(params *models.TurnParameters, input map[string]any) []llm.Message

	// Prelude runs before the first step with access to the live run, so
	// an agent can fan out sub-agents and feed their output into the
	// conversation. Returned messages are appended after InitialMessages.
	Prelude func(ctx context.Context, run *Run) ([]llm.Message, error)

	// PrepareStep can mutate the active-tool whitelist, inject per-step
	// messages, and adjust model options before each step.
	PrepareStep func(state *StepState)

	// StopCheck inspects the completed steps after each one and requests
	// termination by returning true.
	StopCheck func(state *StepState) bool

	// OutputSchema, when set, makes the run finish with structured output
	// conforming to the schema instead of free text.
	OutputSchema map[string]any
}

// Registry holds agent definitions. Registration happens at boot; lookups
// are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Names must be unique and a system prompt is
// required.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fault.New(fault.KindInvalidArgument, "agent definition requires a name")
	}
	if def.SystemPrompt == nil {
		return fault.New(fault.KindInvalidArgument, "agent %q requires a system prompt", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fault.New(fault.KindInvalidArgument, "agent %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "agent %q not registered", name)
	}
	return def, nil
}

// Names returns agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// ToolOutcome records one executed tool call and the content fed back to
// the model.
type ToolOutcome struct {
	Call    llm.ToolCall
	Content string
	IsError bool
}

// Step is one completed model exchange: the response plus the outcomes of
// any tool calls it requested.
type Step struct {
	Response *llm.Response
	Results  []ToolOutcome
}

// StepState is the loop view handed to PrepareStep and StopCheck. Hooks
// may mutate ActiveTools, Inject, and the model options; the completed
// Steps slice is read-only by convention.
type StepState struct {
	Agent  string
	Params *models.TurnParameters
	Input  map[string]any

	// Steps holds every completed step, oldest first.
	Steps []Step

	// ActiveTools is the catalog whitelist for the next step.
	ActiveTools []string

	// Inject is appended to the conversation before the next model call
	// and cleared afterwards.
	Inject []llm.Message

	// MaxTokens and Temperature override the tier configuration for the
	// next step when set.
	MaxTokens   int
	Temperature *float64

	// Timeout bounds the next model call. Zero inherits the provider
	// default.
	Timeout time.Duration
}

// Last returns the most recent completed step, or nil before the first.
func (s *StepState) Last() *Step {
	if len(s.Steps) == 0 {
		return nil
	}
	return &s.Steps[len(s.Steps)-1]
}

// Advanced reports whether any completed step executed a tool call.
func (s *StepState) Advanced() bool {
	for _, step := range s.Steps {
		if len(step.Results) > 0 {
			return true
		}
	}
	return false
}

// Succeeded reports whether any completed step ran one of the named tools
// without error. Strategist stop checks use it to detect a terminal
// mutation.
func (s *StepState) Succeeded(names ...string) bool {
	for _, step := range s.Steps {
		for _, outcome := range step.Results {
			if outcome.IsError {
				continue
			}
			for _, name := range names {
				if outcome.Call.Name == name {
					return true
				}
			}
		}
	}
	return false
}

// Result is the outcome of one agent invocation.
type Result struct {
	Agent string
	Model string

	// Text is the final answer. For structured runs it holds the raw JSON
	// document that Structured was decoded from.
	Text string

	// Structured is the schema-conforming output, set only when the run
	// requested an output schema.
	Structured map[string]any

	// Steps counts completed model exchanges, nudge retries included.
	Steps int

	// ToolCalls lists every tool invoked, in execution order.
	ToolCalls []string

	Usage llm.Usage
}

// Output returns the structured result when present, otherwise the final
// text. This is what agent-as-tool wrappers hand back to the caller.
func (r *Result) Output() any {
	if r.Structured != nil {
		return r.Structured
	}
	return r.Text
}

// Summary returns a short description of the output for span attributes
// and logs.
func (r *Result) Summary() string {
	const maxSummary = 256
	text := strings.TrimSpace(r.Text)
	if text == "" && len(r.ToolCalls) > 0 {
		text = "tools: " + strings.Join(r.ToolCalls, ", ")
	}
	if len(text) > maxSummary {
		return text[:maxSummary] + "..."
	}
	return text
}
