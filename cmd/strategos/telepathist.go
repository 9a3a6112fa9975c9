package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vox-deorum/strategos/pkg/agent"
	agentcatalog "github.com/vox-deorum/strategos/pkg/agent/catalog"
	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
	"github.com/vox-deorum/strategos/pkg/telemetry"
	"github.com/vox-deorum/strategos/pkg/tools"
)

func newTelepathistCommand(configDir *string) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "telepathist",
		Short: "Build turn and phase summaries from a finished session database",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(*configDir)
			if err != nil {
				return err
			}
			if dbPath == "" {
				return fmt.Errorf("--db is required")
			}
			return runTelepathistSetup(cmd.Context(), settings, dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "session database file")
	return cmd
}

// runTelepathistSetup condenses one session's span record into the
// telepathist database next to it: a short and a full summary per turn,
// then phase narratives. Re-running skips turns already summarized.
func runTelepathistSetup(ctx context.Context, settings *config.Settings, dbPath string) error {
	cfg, err := config.Initialize(ctx, settings)
	if err != nil {
		return err
	}

	base := filepath.Base(dbPath)
	if !strings.HasSuffix(base, ".db") {
		return fmt.Errorf("session database must be a .db file: %s", dbPath)
	}
	contextID := strings.TrimSuffix(base, ".db")

	session, err := telemetry.OpenSession(filepath.Dir(dbPath), contextID)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	store, err := telemetry.OpenTelepathist(telemetry.TelepathistPath(session.Path()))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// The summarizer is the only agent this pass needs, but the catalog
	// registers as a unit; an empty tool catalog keeps the rest inert.
	registry := agent.NewRegistry()
	if err := agentcatalog.Register(registry, agentcatalog.Deps{
		Strategy: strategy.NewManager(cfg.Strategy),
	}); err != nil {
		return err
	}
	runtime, err := agent.NewRuntime(agent.Options{
		Catalog:  tools.NewCatalog(),
		Models:   cfg.ModelRegistry,
		Players:  cfg.PlayerRegistry,
		Registry: registry,
	})
	if err != nil {
		return err
	}

	summaries := agentcatalog.NewSummaryService(runtime, store, slog.Default())
	params := models.NewTurnParameters(0, 0, models.GameMetadata{}, models.RecentState{}, models.ModeStrategy)

	builder, err := telemetry.NewBuilder(telemetry.BuilderOptions{
		Session: session,
		Store:   store,
		Summarize: func(ctx context.Context, text, instruction string) (string, error) {
			return summaries.Summarize(ctx, params, text, instruction)
		},
		Model: summarizerModel(cfg),
	})
	if err != nil {
		return err
	}

	if err := builder.Build(ctx); err != nil {
		return err
	}
	slog.Info("Telepathist record built", "session", session.Path(), "store", store.Path())
	return nil
}

// summarizerModel names the model recorded on summary rows: the fast tier
// when configured, otherwise blank.
func summarizerModel(cfg *config.Config) string {
	model, err := cfg.ModelRegistry.Get("fast")
	if err != nil {
		return ""
	}
	return model.Model
}
