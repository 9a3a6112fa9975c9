package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/fault"
)

// staticTool returns a fixed result; used to exercise the catalog itself.
type staticTool struct {
	meta
	result any
}

func newStaticTool(t *testing.T, name string, result any) *staticTool {
	t.Helper()
	m, err := buildMeta[struct{}](name, "returns a canned result", nil, Annotations{ReadOnly: true})
	require.NoError(t, err)
	return &staticTool{meta: m, result: result}
}

func (s *staticTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if err := s.validate(args); err != nil {
		return nil, err
	}
	return s.result, nil
}

func TestCatalogRegistration(t *testing.T) {
	catalog := NewCatalog()
	require.NoError(t, catalog.RegisterAll(
		newStaticTool(t, "get-cities", "cities"),
		newStaticTool(t, "get-players", "players"),
	))

	t.Run("names keep registration order", func(t *testing.T) {
		assert.Equal(t, []string{"get-cities", "get-players"}, catalog.Names())
		assert.Equal(t, 2, catalog.Len())
	})

	t.Run("duplicate names are rejected", func(t *testing.T) {
		err := catalog.Register(newStaticTool(t, "get-cities", "again"))
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})

	t.Run("unknown lookups are not-found", func(t *testing.T) {
		_, err := catalog.Get("get-wonders")
		require.Error(t, err)
		assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	})
}

func TestCatalogSubset(t *testing.T) {
	catalog := NewCatalog()
	require.NoError(t, catalog.RegisterAll(
		newStaticTool(t, "set-strategy", nil),
		newStaticTool(t, "get-players", nil),
		newStaticTool(t, "get-cities", nil),
	))

	t.Run("returns tools sorted by name", func(t *testing.T) {
		subset, err := catalog.Subset([]string{"set-strategy", "get-cities"})
		require.NoError(t, err)
		require.Len(t, subset, 2)
		assert.Equal(t, "get-cities", subset[0].Name())
		assert.Equal(t, "set-strategy", subset[1].Name())
	})

	t.Run("unknown names fail the whole subset", func(t *testing.T) {
		_, err := catalog.Subset([]string{"get-players", "get-wonders"})
		require.Error(t, err)
		assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	})
}

func TestCatalogExecute(t *testing.T) {
	catalog := NewCatalog()
	require.NoError(t, catalog.Register(newStaticTool(t, "get-players", map[string]any{"count": 8})))

	result, err := catalog.Execute(context.Background(), "get-players", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 8}, result)

	_, err = catalog.Execute(context.Background(), "get-wonders", map[string]any{})
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestDescribeError(t *testing.T) {
	t.Run("carries kind and retryability", func(t *testing.T) {
		detail := DescribeError(fault.New(fault.KindBridgeError, "script failed"))
		assert.Equal(t, string(fault.KindBridgeError), detail.Code)
		assert.Contains(t, detail.Message, "script failed")
		assert.True(t, detail.Retryable)
	})

	t.Run("invalid arguments are not retryable", func(t *testing.T) {
		detail := DescribeError(fault.New(fault.KindInvalidArgument, "bad args"))
		assert.Equal(t, string(fault.KindInvalidArgument), detail.Code)
		assert.False(t, detail.Retryable)
	})
}
