package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
)

func TestFormatSituation(t *testing.T) {
	params := models.NewTurnParameters(3, 42, models.GameMetadata{
		Speed:        "Epic",
		Map:          "Continents",
		Difficulty:   "Emperor",
		VictoryTypes: []string{"Domination", "Science"},
		YouAre:       "Rome under Augustus",
	}, models.RecentState{}, models.ModeStrategy)

	out := FormatSituation(params)
	assert.Contains(t, out, "**Turn:** 42")
	assert.Contains(t, out, "**You are:** player 3, Rome under Augustus")
	assert.Contains(t, out, "**Game speed:** Epic")
	assert.Contains(t, out, "Domination, Science")

	bare := models.NewTurnParameters(0, 1, models.GameMetadata{}, models.RecentState{}, models.ModeStrategy)
	out = FormatSituation(bare)
	assert.Contains(t, out, "**You are:** player 0\n")
	assert.NotContains(t, out, "Game speed")
}

func TestFormatGameState(t *testing.T) {
	state := models.RecentState{
		Cities:   []map[string]any{{"name": "Roma"}},
		Military: map[string]any{"zones": 2},
	}

	out := FormatGameState(state)
	assert.Contains(t, out, "### Our Cities")
	assert.Contains(t, out, `"name":"Roma"`)
	assert.Contains(t, out, "### Military Report")
	assert.NotContains(t, out, "### Known Players", "empty sections are omitted")
	assert.NotContains(t, out, "### Victory Progress")
}

func TestFormatEvents(t *testing.T) {
	assert.Contains(t, FormatEvents(nil), "No events were reported this turn.")

	out := FormatEvents([]models.EventRecord{{ID: 1, Type: "WarDeclared"}})
	assert.Contains(t, out, "## Events This Turn")
	assert.Contains(t, out, `"type":"WarDeclared"`)
}

func TestFormatOptionsCatalog(t *testing.T) {
	out := FormatOptionsCatalog(
		map[string]string{
			"AI_GRAND_STRATEGY_SPACESHIP": "Win the science race.",
			"AI_GRAND_STRATEGY_CONQUEST":  "Win by capturing every capital.",
		},
		map[string]string{"FLAVOR_GOLD": "Treasury growth."},
		[]strategy.Stratagem{{Name: "Fortify Borders", Description: "Garrison frontier cities."}},
		nil,
	)

	conquest := "- AI_GRAND_STRATEGY_CONQUEST: Win by capturing every capital."
	spaceship := "- AI_GRAND_STRATEGY_SPACESHIP: Win the science race."
	assert.Contains(t, out, conquest)
	assert.Contains(t, out, spaceship)
	assert.Less(t, strings.Index(out, conquest), strings.Index(out, spaceship), "strategies list alphabetically")
	assert.Contains(t, out, "FLAVOR_GOLD")
	assert.Contains(t, out, "### Military Stratagems")
	assert.NotContains(t, out, "### Economic Stratagems")
}

func TestFormatWorkingMemory(t *testing.T) {
	assert.Empty(t, FormatWorkingMemory(nil))

	out := FormatWorkingMemory(map[string]string{"threat": "Greece mobilizing"})
	assert.Contains(t, out, "## Working Memory")
	assert.Contains(t, out, "- threat: Greece mobilizing")
}

func TestFormatBriefing(t *testing.T) {
	out := FormatBriefing(deskMilitary, "War looms.")
	assert.Contains(t, out, "## Briefing: Military Attaché")
	assert.Contains(t, out, "War looms.")

	assert.Contains(t, FormatBriefing(deskMilitary, ""), "(briefing unavailable)")
}

func TestComposeSections(t *testing.T) {
	out := composeSections("## A\nfirst\n", "", "## B\nsecond\n")
	require.Equal(t, "## A\nfirst\n\n## B\nsecond", out)
}
