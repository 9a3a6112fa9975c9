package tools

import (
	"context"
)

// AgentCallableTool exposes a registered agent as a tool. The agent runtime
// constructs these per run with the caller's player context bound into the
// invoke closure, so recursion guards and parameter plumbing stay in the
// runtime.
type AgentCallableTool struct {
	meta
	invoke func(ctx context.Context, parameters map[string]any) (any, error)
}

// NewAgentCallableTool wraps an agent invocation closure. The input schema
// comes from the agent's declaration rather than reflection; the result is
// the sub-agent's final output, passed through unchanged.
func NewAgentCallableTool(name, description string, input map[string]any, invoke func(ctx context.Context, parameters map[string]any) (any, error)) (*AgentCallableTool, error) {
	if input == nil {
		input = PermissiveObjectSchema("")
	}
	v, err := CompileSchema(input)
	if err != nil {
		return nil, err
	}
	return &AgentCallableTool{
		meta: meta{
			name:        name,
			description: description,
			input:       input,
			output:      PermissiveObjectSchema("The sub-agent's final output."),
			validator:   v,
		},
		invoke: invoke,
	}, nil
}

// Execute validates parameters and runs the wrapped agent.
func (t *AgentCallableTool) Execute(ctx context.Context, parameters map[string]any) (any, error) {
	if err := t.validate(parameters); err != nil {
		return nil, err
	}
	return t.invoke(ctx, parameters)
}
