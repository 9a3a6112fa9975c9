package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/models"
)

func TestSerializeEvents(t *testing.T) {
	assert.Empty(t, SerializeEvents(nil))

	events := []models.EventRecord{
		{ID: 1, Turn: 42, Type: "WarDeclared", Payload: map[string]any{"by": "Greece"}},
		{ID: 2, Turn: 42, Type: "TechResearched", Payload: nil},
	}
	out := SerializeEvents(events)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":1,"type":"WarDeclared","payload":{"by":"Greece"}}`, lines[0])
	assert.JSONEq(t, `{"id":2,"type":"TechResearched","payload":null}`, lines[1])

	assert.Equal(t, len(out), EventPayloadSize(events))
}

func TestSplitEventsByCategory(t *testing.T) {
	mgr := newTestStrategyManager(t)
	events := []models.EventRecord{
		{ID: 1, Type: "WarDeclared"},
		{ID: 2, Type: "TradeRouteEstablished"},
		{ID: 3, Type: "CityCaptured"},
		{ID: 4, Type: "SomethingNovel"},
	}

	split, err := SplitEventsByCategory(mgr, events)
	require.NoError(t, err)
	assert.Len(t, split[categoryMilitary], 2)
	assert.Len(t, split[categoryEconomy], 1)
	assert.Len(t, split[""], 1, "unknown types land under the empty key")
	assert.Empty(t, split[categoryDiplomacy])
}

func TestFilterEventsByCategory(t *testing.T) {
	mgr := newTestStrategyManager(t)
	events := []models.EventRecord{
		{ID: 1, Type: "WarDeclared"},
		{ID: 2, Type: "TradeRouteEstablished"},
	}

	all, err := FilterEventsByCategory(mgr, events, "")
	require.NoError(t, err)
	assert.Equal(t, events, all)

	military, err := FilterEventsByCategory(mgr, events, categoryMilitary)
	require.NoError(t, err)
	require.Len(t, military, 1)
	assert.Equal(t, int64(1), military[0].ID)
}

func TestLeftoverEvents(t *testing.T) {
	mgr := newTestStrategyManager(t)
	events := []models.EventRecord{
		{ID: 1, Type: "WarDeclared"},
		{ID: 2, Type: "TechResearched"},
		{ID: 3, Type: "SomethingNovel"},
		{ID: 4, Type: "DealProposed"},
	}

	rest := leftoverEvents(mgr, events)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(2), rest[0].ID)
	assert.Equal(t, int64(3), rest[1].ID)
}
