package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestProviderPersistsSpans(t *testing.T) {
	session := setupSession(t)
	provider, err := NewProvider(session)
	require.NoError(t, err)

	tracer := provider.Tracer("agent")
	ctx, parent := tracer.Start(context.Background(), "agent simple-strategist")
	parent.SetAttributes(
		attribute.Int("turn", 42),
		attribute.Int("player_id", 3),
		attribute.StringSlice("tool_calls", []string{"set-strategy"}),
	)
	_, child := tracer.Start(ctx, "step 1")
	child.SetAttributes(
		attribute.Int("turn", 42),
		attribute.String("model", "claude-sonnet-4-5"),
	)
	child.SetStatus(codes.Error, "model call timed out")
	child.End()
	parent.SetStatus(codes.Ok, "")
	parent.End()

	// Shutdown flushes the batch processor.
	require.NoError(t, provider.Shutdown(context.Background()))

	rows, err := session.SpansForTurn(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byName := make(map[string]SpanRow, len(rows))
	for _, row := range rows {
		byName[row.Name] = row
	}

	root, ok := byName["agent simple-strategist"]
	require.True(t, ok)
	step, ok := byName["step 1"]
	require.True(t, ok)

	assert.Equal(t, "ctx-test", root.ContextID)
	assert.Len(t, root.TraceID, 32)
	assert.Len(t, root.SpanID, 16)
	assert.Equal(t, root.TraceID, step.TraceID)
	assert.Empty(t, root.ParentSpanID)
	assert.Equal(t, root.SpanID, step.ParentSpanID)

	assert.Equal(t, "Ok", root.StatusCode)
	assert.Equal(t, "Error", step.StatusCode)
	assert.Equal(t, "model call timed out", step.StatusMessage)
	assert.Greater(t, root.DurationMs, 0.0)
	assert.GreaterOrEqual(t, root.EndTime, step.EndTime)

	assert.Equal(t, float64(3), root.Attributes["player_id"])
	assert.Equal(t, []any{"set-strategy"}, root.Attributes["tool_calls"])
	assert.Equal(t, "claude-sonnet-4-5", step.Attributes["model"])

	turns, err := session.Turns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{42}, turns)
}

func TestProviderBootSpansHaveNoTurn(t *testing.T) {
	session := setupSession(t)
	provider, err := NewProvider(session)
	require.NoError(t, err)

	// Boot-time spans carry no turn attribute and land under turn 0.
	_, span := provider.Tracer("boot").Start(context.Background(), "startup")
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))

	turns, err := session.Turns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, turns)

	count, err := session.SpanCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNoopProvider(t *testing.T) {
	provider := NoopProvider()
	_, span := provider.Tracer("agent").Start(context.Background(), "agent simple-strategist")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	require.NoError(t, provider.Shutdown(context.Background()))
}
