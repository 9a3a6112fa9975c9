// Package e2e exercises the assembled system end to end: the MCP transport
// over HTTP, the tool catalog over fixture game databases, and the turn
// pipeline over a stub bridge with a scripted model.
package e2e

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/agent"
	agentcatalog "github.com/vox-deorum/strategos/pkg/agent/catalog"
	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/events"
	"github.com/vox-deorum/strategos/pkg/gamedata"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/pipeline"
	"github.com/vox-deorum/strategos/pkg/server"
	"github.com/vox-deorum/strategos/pkg/strategy"
	"github.com/vox-deorum/strategos/pkg/tools"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond

	// playerCount sizes visibility masks in the assembled system.
	playerCount = 4
)

// gameStub plays the bridge server's part: /script/exec installs functions,
// /script/call dispatches installed ones to per-function handlers and records
// every call. A handler returning *models.BridgeError produces a failed
// envelope; functions without a handler succeed with a true result.
type gameStub struct {
	mu        sync.Mutex
	installed map[string]bool
	calls     map[string][][]any
	handlers  map[string]func(args []any) any
}

func newGameStub() *gameStub {
	return &gameStub{
		installed: make(map[string]bool),
		calls:     make(map[string][][]any),
		handlers:  make(map[string]func(args []any) any),
	}
}

func (s *gameStub) respond(function string, fn func(args []any) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[function] = fn
}

func (s *gameStub) callCount(function string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls[function])
}

func (s *gameStub) callArgs(function string) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]any, len(s.calls[function]))
	copy(out, s.calls[function])
	return out
}

func (s *gameStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/script/exec", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Function string `json:"function"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		if req.Function != "" {
			s.installed[req.Function] = true
		}
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(models.BridgeResult{Success: true})
	})
	mux.HandleFunc("/script/call", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Function string `json:"function"`
			Args     []any  `json:"args"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		s.mu.Lock()
		known := s.installed[req.Function]
		handler := s.handlers[req.Function]
		if known {
			s.calls[req.Function] = append(s.calls[req.Function], req.Args)
		}
		s.mu.Unlock()

		if !known {
			_ = json.NewEncoder(w).Encode(models.BridgeResult{
				Success: false,
				Error:   &models.BridgeError{Code: models.BridgeCodeUnknownFunction, Message: "unknown function"},
			})
			return
		}
		var result any = true
		if handler != nil {
			result = handler(req.Args)
		}
		if be, ok := result.(*models.BridgeError); ok {
			_ = json.NewEncoder(w).Encode(models.BridgeResult{Success: false, Error: be})
			return
		}
		_ = json.NewEncoder(w).Encode(models.BridgeResult{Success: true, Result: result})
	})
	return mux
}

// system is the fully assembled server under test.
type system struct {
	stub        *gameStub
	store       *knowledge.Store
	broadcaster *bridge.Broadcaster
	catalog     *tools.Catalog
	api         *httptest.Server
}

// newSystem wires the whole stack the way the server boots it, substituting
// the stub bridge, fixture game databases, and the scripted model. players
// may be nil when the test never drives the pipeline.
func newSystem(t *testing.T, client llm.Client, players map[int]config.PlayerConfig) *system {
	t.Helper()

	stub := newGameStub()
	bridgeSrv := httptest.NewServer(stub.handler())
	t.Cleanup(bridgeSrv.Close)

	// Getters default to empty snapshots; scenario tests script only what
	// they inspect.
	stub.respond("VoxGetGameMetadata", func([]any) any {
		return map[string]any{
			"speed":      "Standard",
			"map":        "Continents",
			"difficulty": "King",
			"youAre":     "TXT_KEY_CIV_ROME",
		}
	})
	for _, getter := range []string{
		"VoxGetPlayers", "VoxGetCities", "VoxGetMilitary", "VoxGetVictoryProgress",
		"VoxGetPlayerOptions", "VoxGetOpinions", "VoxGetEvents",
	} {
		stub.respond(getter, func([]any) any { return []any{} })
	}

	bridgeClient := bridge.NewClient(&config.Bridge{
		BaseURL:      bridgeSrv.URL,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		StandardPool: 4,
		FastPool:     2,
	})
	registry := bridge.NewRegistry(bridgeClient)
	broadcaster := bridge.NewBroadcaster(bridgeSrv.URL, 64)

	store, err := knowledge.Open(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gateway, localizer := fixtureGameData(t)
	strategies := strategy.NewManager(&config.Strategy{
		Dir:      filepath.Join("..", "..", "docs", "strategies"),
		CacheTTL: time.Minute,
	})

	publisher, err := events.NewPublisher(registry, store, playerCount)
	require.NoError(t, err)

	catalog := tools.NewCatalog()
	database, err := tools.NewDatabaseTools(tools.DatabaseToolDeps{Gateway: gateway, Localizer: localizer})
	require.NoError(t, err)
	require.NoError(t, catalog.RegisterAll(database...))
	knowledgeTools, err := tools.NewKnowledgeTools(tools.KnowledgeToolDeps{Store: store})
	require.NoError(t, err)
	require.NoError(t, catalog.RegisterAll(knowledgeTools...))
	actions, err := tools.NewActionTools(tools.ActionToolDeps{
		Registry:    registry,
		Store:       store,
		Strategy:    strategies,
		Publisher:   publisher,
		PlayerCount: playerCount,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, catalog.RegisterAll(actions...))

	agentRegistry := agent.NewRegistry()
	require.NoError(t, agentcatalog.Register(agentRegistry, agentcatalog.Deps{
		Strategy: strategies,
	}))

	if players == nil {
		players = map[int]config.PlayerConfig{}
	}
	playerRegistry := config.NewPlayerRegistry(players, config.PlayerDefaults{
		Agent:     agentcatalog.SimpleStrategist,
		Mode:      "Strategy",
		ModelTier: "standard",
	})

	runtime, err := agent.NewRuntime(agent.Options{
		Catalog: catalog,
		Models: config.NewModelRegistry(map[string]config.ModelConfig{
			"standard": {Provider: "openai", Model: "standard-model"},
			"fast":     {Provider: "openai", Model: "fast-model"},
		}),
		Players:       playerRegistry,
		Registry:      agentRegistry,
		Logger:        discardLogger(),
		ClientFactory: func(cfg *config.ModelConfig) (llm.Client, error) { return client, nil },
		RunTools: func(params *models.TurnParameters) ([]tools.Tool, error) {
			remember, err := tools.NewRememberTool(params, store, playerCount)
			if err != nil {
				return nil, err
			}
			return []tools.Tool{remember}, nil
		},
		RetryBase: time.Millisecond,
		RetryCap:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	refresher, err := pipeline.NewRefresher(registry, store, localizer)
	require.NoError(t, err)

	pipe, err := pipeline.New(pipeline.Options{
		Config: &config.Pipeline{
			EventBuffer:           64,
			TurnBudget:            5 * time.Second,
			CancelWait:            200 * time.Millisecond,
			StaffedThresholdBytes: 5 * 1024,
		},
		Players:     playerRegistry,
		Broadcaster: broadcaster,
		Bridge:      registry,
		Runtime:     runtime,
		Catalog:     catalog,
		Refresher:   refresher,
		Publisher:   publisher,
		Store:       store,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	pipe.Start(t.Context())
	t.Cleanup(pipe.Stop)

	srv, err := server.New(server.Options{Catalog: catalog, Logger: discardLogger()})
	require.NoError(t, err)
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	return &system{
		stub:        stub,
		store:       store,
		broadcaster: broadcaster,
		catalog:     catalog,
		api:         api,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixtureGameData writes rules and localization databases with enough of
// the real schema for the database tools.
func fixtureGameData(t *testing.T) (*gamedata.Gateway, *gamedata.Localizer) {
	t.Helper()
	dir := t.TempDir()

	rules, err := sql.Open("sqlite", filepath.Join(dir, gamedata.RulesDBFile))
	require.NoError(t, err)
	_, err = rules.Exec(`
		CREATE TABLE Technologies (ID INTEGER, Type TEXT, Description TEXT, Cost INTEGER, Era TEXT);
		INSERT INTO Technologies VALUES (0, 'TECH_FOUNDING', 'TXT_KEY_TECH_FOUNDING_TITLE', 0, 'ERA_ANCIENT');
		INSERT INTO Technologies VALUES (1, 'TECH_AGRICULTURE', 'TXT_KEY_TECH_AGRICULTURE_TITLE', 20, 'ERA_ANCIENT');
		INSERT INTO Technologies VALUES (2, 'TECH_POTTERY', 'TXT_KEY_TECH_POTTERY_TITLE', 35, 'ERA_ANCIENT');

		CREATE TABLE Technology_PrereqTechs (TechType TEXT, PrereqTech TEXT);
		INSERT INTO Technology_PrereqTechs VALUES ('TECH_AGRICULTURE', 'TECH_FOUNDING');
		INSERT INTO Technology_PrereqTechs VALUES ('TECH_POTTERY', 'TECH_AGRICULTURE');

		CREATE TABLE Units (ID INTEGER, Type TEXT, Description TEXT, Combat INTEGER, Cost INTEGER, PrereqTech TEXT);
		INSERT INTO Units VALUES (0, 'UNIT_WARRIOR', NULL, 8, 40, NULL);
		INSERT INTO Units VALUES (1, 'UNIT_FARMER', 'TXT_KEY_UNIT_FARMER', 0, 30, 'TECH_AGRICULTURE');

		CREATE TABLE BuildingClasses (ID INTEGER, Type TEXT, MaxGlobalInstances INTEGER, MaxPlayerInstances INTEGER);
		INSERT INTO BuildingClasses VALUES (0, 'BUILDINGCLASS_GRANARY', -1, -1);
		INSERT INTO BuildingClasses VALUES (1, 'BUILDINGCLASS_BARRACKS', -1, -1);
		INSERT INTO BuildingClasses VALUES (2, 'BUILDINGCLASS_PYRAMIDS', 1, -1);
		INSERT INTO BuildingClasses VALUES (3, 'BUILDINGCLASS_ROYAL_GARDENS', -1, 1);

		CREATE TABLE Buildings (ID INTEGER, Type TEXT, Description TEXT, BuildingClass TEXT, PrereqTech TEXT, Cost INTEGER);
		INSERT INTO Buildings VALUES (0, 'BUILDING_GRANARY', 'TXT_KEY_BUILDING_GRANARY', 'BUILDINGCLASS_GRANARY', 'TECH_AGRICULTURE', 60);
		INSERT INTO Buildings VALUES (1, 'BUILDING_BARRACKS', 'TXT_KEY_BUILDING_BARRACKS', 'BUILDINGCLASS_BARRACKS', 'TECH_POTTERY', 75);
		INSERT INTO Buildings VALUES (2, 'BUILDING_PYRAMIDS', 'TXT_KEY_BUILDING_PYRAMIDS', 'BUILDINGCLASS_PYRAMIDS', 'TECH_AGRICULTURE', 185);
		INSERT INTO Buildings VALUES (3, 'BUILDING_ROYAL_GARDENS', 'TXT_KEY_BUILDING_ROYAL_GARDENS', 'BUILDINGCLASS_ROYAL_GARDENS', 'TECH_AGRICULTURE', 120);

		CREATE TABLE Builds (ID INTEGER, Type TEXT, ImprovementType TEXT, PrereqTech TEXT);
		INSERT INTO Builds VALUES (0, 'BUILD_FARM', 'IMPROVEMENT_FARM', 'TECH_AGRICULTURE');

		CREATE TABLE Improvements (ID INTEGER, Type TEXT, Description TEXT);
		INSERT INTO Improvements VALUES (0, 'IMPROVEMENT_FARM', 'TXT_KEY_IMPROVEMENT_FARM');
	`)
	require.NoError(t, err)
	require.NoError(t, rules.Close())

	loc, err := sql.Open("sqlite", filepath.Join(dir, gamedata.LocalizationDBFile))
	require.NoError(t, err)
	_, err = loc.Exec(`
		CREATE TABLE Language_en_US (Tag TEXT, Text TEXT);
		INSERT INTO Language_en_US VALUES ('TXT_KEY_TECH_FOUNDING_TITLE', 'Founding');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_TECH_AGRICULTURE_TITLE', 'Agriculture');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_TECH_POTTERY_TITLE', 'Pottery');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_UNIT_FARMER', 'Farmer');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_BUILDING_GRANARY', 'Granary');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_BUILDING_BARRACKS', 'Barracks');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_BUILDING_PYRAMIDS', 'Pyramids');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_BUILDING_ROYAL_GARDENS', 'Royal Gardens');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_IMPROVEMENT_FARM', 'Farm');
		INSERT INTO Language_en_US VALUES ('TXT_KEY_CIV_ROME', 'Rome');
	`)
	require.NoError(t, err)
	require.NoError(t, loc.Close())

	gw, err := gamedata.NewGateway(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	localizer, err := gamedata.NewLocalizer(gw, "en_US")
	require.NoError(t, err)
	return gw, localizer
}

// turnStartEvent builds the native turn-transition event for one player.
func turnStartEvent(id int64, player, turn int) models.GameEvent {
	return models.GameEvent{
		ID:      id,
		Type:    models.EventTypeTurnStart,
		Payload: map[string]any{"PlayerID": player, "Turn": turn},
		Turn:    turn,
	}
}
