package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/fault"
)

func TestAgentCallableTool(t *testing.T) {
	ctx := context.Background()

	input := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"Focus": map[string]any{"type": "string"},
		},
		"required":             []any{"Focus"},
		"additionalProperties": false,
	}
	tool, err := NewAgentCallableTool("call_military_briefer", "Run the military briefer on a focus area.", input,
		func(ctx context.Context, parameters map[string]any) (any, error) {
			return map[string]any{"report": "all quiet", "focus": parameters["Focus"]}, nil
		})
	require.NoError(t, err)

	t.Run("declared schema validates parameters", func(t *testing.T) {
		result, err := tool.Execute(ctx, map[string]any{"Focus": "northern border"})
		require.NoError(t, err)
		out := result.(map[string]any)
		assert.Equal(t, "all quiet", out["report"])
		assert.Equal(t, "northern border", out["focus"])

		_, err = tool.Execute(ctx, map[string]any{})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})

	t.Run("nil schema accepts anything", func(t *testing.T) {
		open, err := NewAgentCallableTool("call_envoy", "Run the envoy.", nil,
			func(ctx context.Context, parameters map[string]any) (any, error) {
				return "dispatched", nil
			})
		require.NoError(t, err)

		result, err := open.Execute(ctx, map[string]any{"anything": 7})
		require.NoError(t, err)
		assert.Equal(t, "dispatched", result)
	})
}
