package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
)

func promptFor(name string) func(*models.TurnParameters, map[string]any) string {
	return func(*models.TurnParameters, map[string]any) string {
		return "You are " + name + "."
	}
}

func TestRegistry(t *testing.T) {
	t.Run("registers and resolves definitions", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&Definition{Name: "simple-strategist", SystemPrompt: promptFor("simple-strategist")}))
		require.NoError(t, r.Register(&Definition{Name: "simple-briefer", SystemPrompt: promptFor("simple-briefer")}))

		def, err := r.Get("simple-briefer")
		require.NoError(t, err)
		assert.Equal(t, "simple-briefer", def.Name)
		assert.Equal(t, []string{"simple-strategist", "simple-briefer"}, r.Names())
		assert.Equal(t, 2, r.Len())
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&Definition{Name: "envoy", SystemPrompt: promptFor("envoy")}))

		err := r.Register(&Definition{Name: "envoy", SystemPrompt: promptFor("envoy")})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})

	t.Run("requires a name and a system prompt", func(t *testing.T) {
		r := NewRegistry()

		err := r.Register(&Definition{SystemPrompt: promptFor("anonymous")})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))

		err = r.Register(&Definition{Name: "mute"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "system prompt")
	})

	t.Run("unknown agent is not found", func(t *testing.T) {
		r := NewRegistry()

		_, err := r.Get("ghost")
		require.Error(t, err)
		assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	})
}

func TestStepState(t *testing.T) {
	t.Run("last is nil before the first step", func(t *testing.T) {
		state := &StepState{}
		assert.Nil(t, state.Last())
		assert.False(t, state.Advanced())
	})

	t.Run("advanced requires an executed tool call", func(t *testing.T) {
		state := &StepState{Steps: []Step{
			{Response: &llm.Response{Text: "thinking out loud"}},
		}}
		assert.False(t, state.Advanced())

		state.Steps = append(state.Steps, Step{
			Response: &llm.Response{},
			Results:  []ToolOutcome{{Call: llm.ToolCall{Name: "get-cities"}, Content: "[]"}},
		})
		assert.True(t, state.Advanced())
		assert.Equal(t, "get-cities", state.Last().Results[0].Call.Name)
	})

	t.Run("succeeded skips errored outcomes", func(t *testing.T) {
		state := &StepState{Steps: []Step{
			{Results: []ToolOutcome{
				{Call: llm.ToolCall{Name: "set-strategy"}, IsError: true},
				{Call: llm.ToolCall{Name: "get-options"}},
			}},
		}}
		assert.False(t, state.Succeeded("set-strategy"))
		assert.True(t, state.Succeeded("get-options"))

		state.Steps = append(state.Steps, Step{Results: []ToolOutcome{
			{Call: llm.ToolCall{Name: "set-strategy"}},
		}})
		assert.True(t, state.Succeeded("set-strategy", "set-flavors"))
	})
}

func TestResult(t *testing.T) {
	t.Run("output prefers structured", func(t *testing.T) {
		r := &Result{Text: `{"Choice":"war"}`, Structured: map[string]any{"Choice": "war"}}
		assert.Equal(t, map[string]any{"Choice": "war"}, r.Output())

		r = &Result{Text: "hold position"}
		assert.Equal(t, "hold position", r.Output())
	})

	t.Run("summary truncates and falls back to tool calls", func(t *testing.T) {
		long := strings.Repeat("x", 400)
		r := &Result{Text: long}
		assert.Len(t, r.Summary(), 256+len("..."))

		r = &Result{ToolCalls: []string{"set-strategy", "keep-status-quo"}}
		assert.Equal(t, "tools: set-strategy, keep-status-quo", r.Summary())
	})
}
