package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
)

func TestBrieferWhitelists(t *testing.T) {
	combined := brieferWhitelist("")
	military := brieferWhitelist(categoryMilitary)

	for _, name := range brieferBaseReads {
		assert.Contains(t, combined, name)
		assert.Contains(t, military, name)
	}
	assert.Contains(t, military, "get-units")
	assert.NotContains(t, military, "get-buildings", "desks only see their own rules tables")
	assert.Contains(t, combined, "get-units")
	assert.Contains(t, combined, "get-buildings")
	assert.Contains(t, combined, "get-civilizations")

	for _, name := range combined {
		assert.NotContains(t, mutationTools, name, "briefers never mutate the game")
	}
}

func TestBrieferFiltersEventsByDesk(t *testing.T) {
	mgr := newTestStrategyManager(t)
	client := llm.NewScriptedClient(
		llm.RespondText("Greece struck first."),
	)
	rt := newCatalogRuntime(t, client, mgr, nil)

	params := catalogParams(
		models.EventRecord{ID: 1, Turn: 42, Type: "WarDeclared", Payload: map[string]any{"by": "Greece"}},
		models.EventRecord{ID: 2, Turn: 42, Type: "TradeRouteEstablished", Payload: map[string]any{"with": "Egypt"}},
		models.EventRecord{ID: 3, Turn: 42, Type: "TechResearched", Payload: map[string]any{"tech": "TECH_SAILING"}},
	)

	res, err := rt.CallAgent(context.Background(), MilitaryBriefer, params, nil)
	require.NoError(t, err)
	assert.Equal(t, "Greece struck first.", res.Text)

	body := allText(client.Requests()[0])
	assert.Contains(t, body, "WarDeclared")
	assert.NotContains(t, body, "TradeRouteEstablished")
	assert.NotContains(t, body, "TechResearched")
}

func TestCombinedBrieferSeesEverything(t *testing.T) {
	mgr := newTestStrategyManager(t)
	client := llm.NewScriptedClient(
		llm.RespondText("A war and a trade route."),
	)
	rt := newCatalogRuntime(t, client, mgr, nil)

	params := catalogParams(
		models.EventRecord{ID: 1, Turn: 42, Type: "WarDeclared", Payload: map[string]any{}},
		models.EventRecord{ID: 2, Turn: 42, Type: "TradeRouteEstablished", Payload: map[string]any{}},
	)

	_, err := rt.CallAgent(context.Background(), SimpleBriefer, params, nil)
	require.NoError(t, err)

	body := allText(client.Requests()[0])
	assert.Contains(t, body, "WarDeclared")
	assert.Contains(t, body, "TradeRouteEstablished")
}

func TestBrieferComparesToPreviousReport(t *testing.T) {
	mgr := newTestStrategyManager(t)
	params := catalogParams()

	t.Run("first briefing", func(t *testing.T) {
		client := llm.NewScriptedClient(llm.RespondText("All quiet."))
		rt := newCatalogRuntime(t, client, mgr, nil)

		_, err := rt.CallAgent(context.Background(), MilitaryBriefer, params, nil)
		require.NoError(t, err)
		assert.Contains(t, allText(client.Requests()[0]), "first briefing of the session")
	})

	t.Run("comparison briefing", func(t *testing.T) {
		params.SetReport(MilitaryBriefer, "All quiet.")

		client := llm.NewScriptedClient(llm.RespondText("No longer quiet."))
		rt := newCatalogRuntime(t, client, mgr, nil)

		_, err := rt.CallAgent(context.Background(), MilitaryBriefer, params, nil)
		require.NoError(t, err)

		body := allText(client.Requests()[0])
		assert.Contains(t, body, "## Previous Briefing")
		assert.Contains(t, body, "All quiet.")
	})
}

func TestBrieferEmptyDesk(t *testing.T) {
	mgr := newTestStrategyManager(t)
	client := llm.NewScriptedClient(llm.RespondText("Nothing to report."))
	rt := newCatalogRuntime(t, client, mgr, nil)

	params := catalogParams(
		models.EventRecord{ID: 1, Turn: 42, Type: "TradeRouteEstablished", Payload: map[string]any{}},
	)

	_, err := rt.CallAgent(context.Background(), DiplomacyBriefer, params, nil)
	require.NoError(t, err)
	assert.Contains(t, allText(client.Requests()[0]), "No events were reported this turn.")
}
