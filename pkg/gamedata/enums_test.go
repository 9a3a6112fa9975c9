package gamedata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnumCatalog(t *testing.T) {
	loc := newTestLocalizer(t)
	ctx := context.Background()

	catalog, err := BuildEnumCatalog(ctx, loc.gw, loc)
	require.NoError(t, err)

	// Localized Description preferred
	name, ok := catalog.Lookup("TechType", 0)
	require.True(t, ok)
	assert.Equal(t, "Agriculture", name)

	name, ok = catalog.Lookup("BuildingType", 10)
	require.True(t, ok)
	assert.Equal(t, "Barracks", name)

	// NULL Description falls back to canonical Type name
	name, ok = catalog.Lookup("TechType", 2)
	require.True(t, ok)
	assert.Equal(t, "Sailing", name)

	// Tables without a Description column derive names from Type
	name, ok = catalog.Lookup("FlavorType", 1)
	require.True(t, ok)
	assert.Equal(t, "Great People", name)

	// -1 is always None, even for concepts the fixture lacks
	name, ok = catalog.Lookup("TechType", -1)
	require.True(t, ok)
	assert.Equal(t, "None", name)
	name, ok = catalog.Lookup("VictoryType", -1)
	require.True(t, ok)
	assert.Equal(t, "None", name)

	// Missing tables are skipped, not fatal
	_, ok = catalog.Lookup("UnitType", 0)
	assert.False(t, ok)

	assert.Equal(t, "Unknown(99)", catalog.Name("TechType", 99))
	assert.Equal(t, 3, catalog.Size("TechType"))
}

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"TECH_AGRICULTURE", "Agriculture"},
		{"UNIT_GREAT_GENERAL", "Great General"},
		{"FLAVOR_GREAT_PEOPLE", "Great People"},
		{"POLICY_BRANCH_HONOR", "Branch Honor"},
		{"NOPREFIX", "Noprefix"},
		{"TRAILING_", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanonicalName(tt.input))
		})
	}
}
