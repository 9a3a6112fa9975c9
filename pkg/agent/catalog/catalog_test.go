package catalog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/agent"
	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
	"github.com/vox-deorum/strategos/pkg/tools"
)

func writeStrategyFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestStrategyManager(t *testing.T) *strategy.Manager {
	t.Helper()
	dir := t.TempDir()
	writeStrategyFile(t, dir, "grand-strategy.json", `{
		"AI_GRAND_STRATEGY_CONQUEST": "Win by capturing every capital.",
		"AI_GRAND_STRATEGY_SPACESHIP": "Win the science race."
	}`)
	writeStrategyFile(t, dir, "flavors.json", `{
		"FLAVOR_OFFENSE": "Preference for attacking units.",
		"FLAVOR_GOLD": "Preference for treasury growth."
	}`)
	writeStrategyFile(t, dir, "military.json", `[
		{"name": "Fortify Borders", "description": "Garrison frontier cities."}
	]`)
	writeStrategyFile(t, dir, "economic.json", `[
		{"name": "Trade Expansion", "description": "Maximize trade route count."}
	]`)
	writeStrategyFile(t, dir, "event-categories.json", `{
		"military": ["WarDeclared", "CityCaptured"],
		"economy": ["TradeRouteEstablished", "BuildingCompleted"],
		"diplomacy": ["DealProposed"],
		"science": ["TechResearched"]
	}`)
	return strategy.NewManager(&config.Strategy{Dir: dir, CacheTTL: time.Minute})
}

// stubToolCatalog registers a no-op tool for every name the catalog's
// whitelists reference, except the per-run remember tool.
func stubToolCatalog(t *testing.T) *tools.Catalog {
	t.Helper()
	catalog := tools.NewCatalog()
	for _, name := range strategistWhitelist(true) {
		if name == "remember" {
			continue
		}
		tool, err := tools.NewAgentCallableTool(name, "stub "+name, nil,
			func(context.Context, map[string]any) (any, error) {
				return map[string]any{"ok": true}, nil
			})
		require.NoError(t, err)
		require.NoError(t, catalog.Register(tool))
	}
	return catalog
}

func newCatalogRuntime(t *testing.T, client llm.Client, mgr *strategy.Manager, review SessionReview) *agent.Runtime {
	t.Helper()
	reg := agent.NewRegistry()
	require.NoError(t, Register(reg, Deps{Strategy: mgr, Review: review}))

	rt, err := agent.NewRuntime(agent.Options{
		Catalog:  stubToolCatalog(t),
		Registry: reg,
		Models: config.NewModelRegistry(map[string]config.ModelConfig{
			"standard": {Provider: "openai", Model: "standard-model"},
			"fast":     {Provider: "openai", Model: "fast-model"},
		}),
		Players: config.NewPlayerRegistry(nil,
			config.PlayerDefaults{Agent: SimpleStrategist, Mode: "Strategy", ModelTier: "standard"}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ClientFactory: func(cfg *config.ModelConfig) (llm.Client, error) {
			return client, nil
		},
		RunTools: func(params *models.TurnParameters) ([]tools.Tool, error) {
			tool, err := tools.NewAgentCallableTool("remember", "stub remember", nil,
				func(_ context.Context, args map[string]any) (any, error) {
					key, _ := args["Key"].(string)
					value, _ := args["Value"].(string)
					persist, _ := args["Persist"].(bool)
					params.Remember(key, value, persist)
					return map[string]any{"ok": true}, nil
				})
			if err != nil {
				return nil, err
			}
			return []tools.Tool{tool}, nil
		},
		RetryBase: time.Millisecond,
		RetryCap:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	return rt
}

func catalogParams(events ...models.EventRecord) *models.TurnParameters {
	state := models.RecentState{
		Players: []map[string]any{{"id": 4, "name": "Greece", "atWarWithUs": false}},
		Cities:  []map[string]any{{"name": "Roma", "population": 12}},
		Events:  events,
	}
	meta := models.GameMetadata{
		Speed:  "Standard",
		YouAre: "Rome under Augustus",
	}
	return models.NewTurnParameters(3, 42, meta, state, models.ModeStrategy)
}

// systemContains matches scripted steps to agents through their system
// prompts.
func systemContains(marker string) func(*llm.Request) bool {
	return func(req *llm.Request) bool {
		return len(req.Messages) > 0 && strings.Contains(req.Messages[0].Text, marker)
	}
}

func decideStrategy() llm.ToolCall {
	return llm.ToolCall{
		ID:   "tc_decide",
		Name: "set-strategy",
		Args: map[string]any{
			"Strategy":  "AI_GRAND_STRATEGY_CONQUEST",
			"Rationale": "Press the military advantage.",
		},
	}
}

func TestRegisterCatalog(t *testing.T) {
	mgr := newTestStrategyManager(t)

	t.Run("live agents", func(t *testing.T) {
		reg := agent.NewRegistry()
		require.NoError(t, Register(reg, Deps{Strategy: mgr}))

		names := reg.Names()
		assert.Len(t, names, 9)
		for _, name := range []string{
			SimpleStrategist, BriefedStrategist, StaffedStrategist, ParadoxaStrategist,
			SimpleBriefer, MilitaryBriefer, EconomyBriefer, DiplomacyBriefer,
			Summarizer,
		} {
			_, err := reg.Get(name)
			assert.NoError(t, err, name)
		}

		_, err := reg.Get(Envoy)
		assert.Equal(t, fault.KindNotFound, fault.KindOf(err), "review agents need a session record")
	})

	t.Run("review agents", func(t *testing.T) {
		reg := agent.NewRegistry()
		require.NoError(t, Register(reg, Deps{Strategy: mgr, Review: &memReview{}}))

		assert.Equal(t, 11, reg.Len())
		for _, name := range []string{Envoy, Telepathist} {
			_, err := reg.Get(name)
			assert.NoError(t, err, name)
		}
	})

	t.Run("requires strategy manager", func(t *testing.T) {
		err := Register(agent.NewRegistry(), Deps{})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})
}

func TestStrategistWhitelists(t *testing.T) {
	withEvents := strategistWhitelist(true)
	briefed := strategistWhitelist(false)

	assert.Contains(t, withEvents, "get-recent-events")
	assert.NotContains(t, briefed, "get-recent-events", "briefed strategists work from briefings, not the raw log")

	for _, name := range []string{"set-strategy", "keep-status-quo", "remember", "get-past-rationale"} {
		assert.Contains(t, withEvents, name)
		assert.Contains(t, briefed, name)
	}
}
