package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSession(t *testing.T) *SessionDB {
	t.Helper()
	session, err := OpenSession(t.TempDir(), "ctx-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func spanFixture(turn int, name string, offset time.Duration) SpanRow {
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC).Add(offset)
	end := start.Add(1500 * time.Millisecond)
	return SpanRow{
		ContextID:  "ctx-test",
		Turn:       turn,
		TraceID:    "trace-1",
		SpanID:     "span-" + name,
		Name:       name,
		StartTime:  start.UnixNano(),
		EndTime:    end.UnixNano(),
		DurationMs: 1500,
		StatusCode: "Ok",
	}
}

func TestOpenSessionRequiresContextID(t *testing.T) {
	_, err := OpenSession(t.TempDir(), "")
	require.ErrorContains(t, err, "context id")
}

func TestSessionRoundtrip(t *testing.T) {
	session := setupSession(t)
	ctx := context.Background()

	first := spanFixture(42, "agent simple-strategist", 0)
	first.Attributes = map[string]any{
		"player_id":  3,
		"mode":       "Strategy",
		"tool_calls": []string{"set-strategy"},
	}
	second := spanFixture(42, "step 1", time.Second)
	second.ParentSpanID = first.SpanID
	second.StatusCode = "Error"
	second.StatusMessage = "model call timed out"
	boot := spanFixture(0, "startup", -time.Minute)
	later := spanFixture(43, "agent simple-strategist", time.Hour)
	later.TraceID = "trace-2"

	require.NoError(t, session.InsertSpans(ctx, []SpanRow{first, second, boot, later}))

	count, err := session.SpanCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// Startup spans carry no turn and stay out of the turn index.
	turns, err := session.Turns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{42, 43}, turns)

	rows, err := session.SpansForTurn(ctx, 42)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "agent simple-strategist", rows[0].Name)
	assert.Equal(t, "step 1", rows[1].Name)
	assert.Empty(t, rows[0].ParentSpanID)
	assert.Equal(t, first.SpanID, rows[1].ParentSpanID)
	assert.Equal(t, "model call timed out", rows[1].StatusMessage)
	assert.Equal(t, 1500.0, rows[0].DurationMs)

	// Attribute values round-trip through JSON, so numbers come back as
	// float64 and string slices as []any.
	assert.Equal(t, float64(3), rows[0].Attributes["player_id"])
	assert.Equal(t, "Strategy", rows[0].Attributes["mode"])
	assert.Equal(t, []any{"set-strategy"}, rows[0].Attributes["tool_calls"])

	byTrace, err := session.SpansForTrace(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, byTrace, 3)
	assert.Equal(t, "startup", byTrace[0].Name)
}

func TestInsertSpansEmptyBatch(t *testing.T) {
	session := setupSession(t)
	require.NoError(t, session.InsertSpans(context.Background(), nil))
}

func TestSessionReopen(t *testing.T) {
	root := t.TempDir()

	session, err := OpenSession(root, "ctx-reopen")
	require.NoError(t, err)
	require.NoError(t, session.InsertSpans(context.Background(), []SpanRow{spanFixture(7, "run", 0)}))
	require.NoError(t, session.Close())

	// Reopening applies no migrations and keeps existing rows.
	session, err = OpenSession(root, "ctx-reopen")
	require.NoError(t, err)
	defer session.Close()

	turns, err := session.Turns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{7}, turns)
}

func TestManagerCachesSessions(t *testing.T) {
	manager := NewManager(t.TempDir())
	t.Cleanup(func() { _ = manager.Close() })

	first, err := manager.Open("ctx-a")
	require.NoError(t, err)
	again, err := manager.Open("ctx-a")
	require.NoError(t, err)
	assert.Same(t, first, again)

	other, err := manager.Open("ctx-b")
	require.NoError(t, err)
	assert.NotSame(t, first, other)

	assert.True(t, manager.InUse(first.Path()))
	assert.False(t, manager.InUse(first.Path()+".stale"))

	require.NoError(t, manager.Close())
	assert.False(t, manager.InUse(first.Path()))
}

func TestTelepathistPath(t *testing.T) {
	assert.Equal(t, "/tmp/tele/ctx-a.telepathist.db", TelepathistPath("/tmp/tele/ctx-a.db"))
}
