package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vox-deorum/strategos/pkg/agent"
	agentcatalog "github.com/vox-deorum/strategos/pkg/agent/catalog"
	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/events"
	"github.com/vox-deorum/strategos/pkg/gamedata"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/pipeline"
	"github.com/vox-deorum/strategos/pkg/server"
	"github.com/vox-deorum/strategos/pkg/strategy"
	"github.com/vox-deorum/strategos/pkg/telemetry"
	"github.com/vox-deorum/strategos/pkg/tools"
	"github.com/vox-deorum/strategos/pkg/version"
)

// majorCivCount sizes visibility masks. The game caps a match at 22 major
// civilizations, so every player id a mask must cover fits below it.
const majorCivCount = 22

// shutdownTimeout bounds the graceful teardown of background components.
const shutdownTimeout = 15 * time.Second

// application is the fully wired server: every long-lived component in
// dependency order, built by buildApplication and torn down by shutdown.
type application struct {
	cfg *config.Config

	gateway    *gamedata.Gateway
	store      *knowledge.Store
	strategies *strategy.Manager

	bridgeClient *bridge.Client
	broadcaster  *bridge.Broadcaster
	registry     *bridge.Registry
	monitor      *bridge.Monitor

	publisher *events.Publisher
	catalog   *tools.Catalog

	sessions *telemetry.Manager
	session  *telemetry.SessionDB
	review   *telemetry.TelepathistStore
	provider *telemetry.Provider
	sweeper  *telemetry.Sweeper

	runtime   *agent.Runtime
	refresher *pipeline.Refresher
	pipeline  *pipeline.Pipeline
	server    *server.Server

	cancel context.CancelFunc
}

func newServeStdioCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve-stdio",
		Short: "Serve MCP over stdin/stdout and run the turn pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootApplication(*configDir)
			if err != nil {
				return err
			}
			return app.serve(func(errCh chan<- error) {
				errCh <- app.server.ServeStdio()
			})
		},
	}
}

func newServeHTTPCommand(configDir *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Serve MCP over streamable HTTP and run the turn pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootApplication(*configDir)
			if err != nil {
				return err
			}
			return app.serve(func(errCh chan<- error) {
				errCh <- app.server.ServeHTTP(port)
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 4000, "HTTP listen port")
	return cmd
}

func bootApplication(configDir string) (*application, error) {
	settings, err := loadSettings(configDir)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		return nil, err
	}

	slog.Info("Starting strategos",
		"version", version.Full(),
		"config_dir", settings.ConfigDir,
		"bridge_url", settings.BridgeURL)

	app, err := buildApplication(context.Background(), settings)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return nil, err
	}
	return app, nil
}

func buildApplication(ctx context.Context, settings *config.Settings) (*application, error) {
	app := &application{}

	// 1. Configuration
	cfg, err := config.Initialize(ctx, settings)
	if err != nil {
		return nil, err
	}
	app.cfg = cfg

	// 2. Read-only game databases
	gateway, err := gamedata.NewGateway(settings.GameDataDir)
	if err != nil {
		return nil, err
	}
	app.gateway = gateway

	localizer, err := gamedata.NewLocalizer(gateway, settings.Language)
	if err != nil {
		app.closePartial()
		return nil, err
	}
	slog.Info("Game databases opened", "dir", settings.GameDataDir, "language", settings.Language)

	// 3. Knowledge store
	store, err := knowledge.Open(settings.KnowledgePath)
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.store = store
	slog.Info("Knowledge store opened", "path", settings.KnowledgePath)

	// 4. Bridge client, event stream, remote functions, health monitor
	app.bridgeClient = bridge.NewClient(cfg.Bridge)
	app.broadcaster = bridge.NewBroadcaster(cfg.Bridge.BaseURL, cfg.Pipeline.EventBuffer)
	app.registry = bridge.NewRegistry(app.bridgeClient)
	app.monitor = bridge.NewMonitor(app.bridgeClient)

	// 5. Strategy catalogs and the observer event publisher
	app.strategies = strategy.NewManager(cfg.Strategy)
	publisher, err := events.NewPublisher(app.registry, store, majorCivCount)
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.publisher = publisher

	// 6. Tool catalog
	catalog, err := buildToolCatalog(gateway, localizer, store, app.registry, app.strategies, publisher)
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.catalog = catalog
	slog.Info("Tool catalog built", "tools", catalog.Len())

	// 7. Telemetry session. The context id persists in the knowledge store
	// so a resumed game keeps appending to the same session database.
	contextID, err := store.GetMetadata(ctx, knowledge.MetaContextID)
	if err != nil || contextID == "" {
		contextID = uuid.NewString()
		if err := store.SetMetadata(ctx, knowledge.MetaContextID, contextID); err != nil {
			app.closePartial()
			return nil, err
		}
		slog.Info("New game session", "context_id", contextID)
	} else {
		slog.Info("Resuming game session", "context_id", contextID)
	}

	app.sessions = telemetry.NewManager(cfg.Telemetry.Root)
	session, err := app.sessions.Open(contextID)
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.session = session

	provider, err := telemetry.NewProvider(session)
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.provider = provider
	app.sweeper = telemetry.NewSweeper(cfg.Telemetry, app.sessions)

	// The telepathist store doubles as the summary cache and, once the
	// setup pass has run, the review record for envoy and telepathist.
	review, err := telemetry.OpenTelepathist(telemetry.TelepathistPath(session.Path()))
	if err != nil {
		slog.Warn("Telepathist store unavailable, review agents disabled", "error", err)
	} else {
		app.review = review
	}

	// 8. Agent runtime and the agent catalog
	registry := agent.NewRegistry()
	if err := agentcatalog.Register(registry, agentcatalog.Deps{
		Strategy:              app.strategies,
		Review:                reviewOrNil(app.review),
		StaffedThresholdBytes: cfg.Pipeline.StaffedThresholdBytes,
	}); err != nil {
		app.closePartial()
		return nil, err
	}

	runtime, err := agent.NewRuntime(agent.Options{
		Catalog:  catalog,
		Models:   cfg.ModelRegistry,
		Players:  cfg.PlayerRegistry,
		Registry: registry,
		Tracer:   provider.Tracer("github.com/vox-deorum/strategos/pkg/agent"),
		RunTools: func(params *models.TurnParameters) ([]tools.Tool, error) {
			remember, err := tools.NewRememberTool(params, store, majorCivCount)
			if err != nil {
				return nil, err
			}
			return []tools.Tool{remember}, nil
		},
	})
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.runtime = runtime

	// 9. Turn pipeline
	refresher, err := pipeline.NewRefresher(app.registry, store, localizer)
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.refresher = refresher

	pipe, err := pipeline.New(pipeline.Options{
		Config:      cfg.Pipeline,
		Players:     cfg.PlayerRegistry,
		Broadcaster: app.broadcaster,
		Bridge:      app.registry,
		Runtime:     runtime,
		Catalog:     catalog,
		Refresher:   refresher,
		Publisher:   publisher,
		Store:       store,
	})
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.pipeline = pipe

	// 10. MCP server
	srv, err := server.New(server.Options{
		Catalog: catalog,
		Monitor: app.monitor,
	})
	if err != nil {
		app.closePartial()
		return nil, err
	}
	app.server = srv

	return app, nil
}

// buildToolCatalog assembles the full tool surface: rules lookups, knowledge
// readers, and game actions.
func buildToolCatalog(
	gateway *gamedata.Gateway,
	localizer *gamedata.Localizer,
	store *knowledge.Store,
	registry *bridge.Registry,
	strategies *strategy.Manager,
	publisher *events.Publisher,
) (*tools.Catalog, error) {
	catalog := tools.NewCatalog()

	database, err := tools.NewDatabaseTools(tools.DatabaseToolDeps{
		Gateway:   gateway,
		Localizer: localizer,
	})
	if err != nil {
		return nil, err
	}
	if err := catalog.RegisterAll(database...); err != nil {
		return nil, err
	}

	knowledgeTools, err := tools.NewKnowledgeTools(tools.KnowledgeToolDeps{Store: store})
	if err != nil {
		return nil, err
	}
	if err := catalog.RegisterAll(knowledgeTools...); err != nil {
		return nil, err
	}

	actions, err := tools.NewActionTools(tools.ActionToolDeps{
		Registry:    registry,
		Store:       store,
		Strategy:    strategies,
		Publisher:   publisher,
		PlayerCount: majorCivCount,
	})
	if err != nil {
		return nil, err
	}
	if err := catalog.RegisterAll(actions...); err != nil {
		return nil, err
	}
	return catalog, nil
}

// reviewOrNil avoids handing the catalog a typed nil behind its interface.
func reviewOrNil(store *telemetry.TelepathistStore) agentcatalog.SessionReview {
	if store == nil {
		return nil
	}
	return store
}

// serve starts the background components, runs the transport until a signal
// or a transport error, and tears everything down in reverse order. The
// transport func must send exactly one value: its terminal error, or nil on
// a clean close.
func (a *application) serve(transport func(errCh chan<- error)) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.broadcaster.Start(ctx)
	a.registry.Watch(ctx, a.broadcaster)
	a.monitor.Start(ctx)
	a.sweeper.Start(ctx)
	a.pipeline.Start(ctx)
	slog.Info("Pipeline running", "players", len(a.cfg.PlayerRegistry.PlayerIDs()))

	errCh := make(chan error, 1)
	go transport(errCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var serveErr error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case serveErr = <-errCh:
		if serveErr != nil {
			slog.Error("Transport error triggered shutdown", "error", serveErr)
		} else {
			slog.Info("Transport closed")
		}
	}

	a.shutdown()
	return serveErr
}

// shutdown stops background work, drains the transports, and closes every
// store. Component failures are logged and do not abort the rest of the
// teardown.
func (a *application) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.pipeline.Stop()
	slog.Info("Pipeline stopped")

	if err := a.server.Shutdown(ctx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	a.sweeper.Stop()
	a.monitor.Stop()
	a.broadcaster.Stop()
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.provider.Shutdown(ctx); err != nil {
		slog.Error("Telemetry shutdown failed", "error", err)
	}
	a.closePartial()
	slog.Info("Shutdown complete")
}

// closePartial closes whatever stores have been opened so far. Safe to call
// on a half-built application after an initialization failure.
func (a *application) closePartial() {
	if a.review != nil {
		if err := a.review.Close(); err != nil {
			slog.Error("Error closing telepathist store", "error", err)
		}
		a.review = nil
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil {
			slog.Error("Error closing telemetry sessions", "error", err)
		}
		a.sessions = nil
		a.session = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("Error closing knowledge store", "error", err)
		}
		a.store = nil
	}
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			slog.Error("Error closing game databases", "error", err)
		}
		a.gateway = nil
	}
}
