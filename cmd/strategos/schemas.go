package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/events"
	"github.com/vox-deorum/strategos/pkg/gamedata"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/strategy"
)

// toolSchema is the on-disk shape of one exported tool description.
type toolSchema struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ReadOnly     bool           `json:"readOnly"`
	InputSchema  map[string]any `json:"inputSchema"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
}

func newExportSchemasCommand(configDir *string) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export-schemas",
		Short: "Write every tool schema and the rules table schema as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(*configDir)
			if err != nil {
				return err
			}
			return exportSchemas(cmd.Context(), settings, outDir)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "./schemas", "output directory")
	return cmd
}

// exportSchemas builds the full tool catalog offline and dumps one JSON file
// per tool plus rules-schema.json describing the rules database. Nothing
// talks to the bridge; remote functions install lazily and are never invoked.
func exportSchemas(ctx context.Context, settings *config.Settings, outDir string) error {
	cfg, err := config.Initialize(ctx, settings)
	if err != nil {
		return err
	}

	gateway, err := gamedata.NewGateway(settings.GameDataDir)
	if err != nil {
		return err
	}
	defer func() { _ = gateway.Close() }()

	localizer, err := gamedata.NewLocalizer(gateway, settings.Language)
	if err != nil {
		return err
	}

	store, err := knowledge.Open(settings.KnowledgePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := bridge.NewRegistry(bridge.NewClient(cfg.Bridge))
	publisher, err := events.NewPublisher(registry, store, majorCivCount)
	if err != nil {
		return err
	}

	catalog, err := buildToolCatalog(gateway, localizer, store, registry,
		strategy.NewManager(cfg.Strategy), publisher)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	for _, tool := range catalog.Tools() {
		schema := toolSchema{
			Name:         tool.Name(),
			Description:  tool.Description(),
			ReadOnly:     tool.Annotations().ReadOnly,
			InputSchema:  tool.InputSchema(),
			OutputSchema: tool.OutputSchema(),
		}
		if err := writeJSON(filepath.Join(outDir, tool.Name()+".json"), schema); err != nil {
			return err
		}
	}

	rules, err := rulesSchema(ctx, gateway)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(outDir, "rules-schema.json"), rules); err != nil {
		return err
	}

	slog.Info("Schemas exported", "dir", outDir, "tools", catalog.Len(), "tables", len(rules))
	return nil
}

// rulesSchema maps every rules table to its column descriptions.
func rulesSchema(ctx context.Context, gateway *gamedata.Gateway) (map[string][]gamedata.ColumnInfo, error) {
	tables, err := gateway.Tables(ctx)
	if err != nil {
		return nil, err
	}
	schema := make(map[string][]gamedata.ColumnInfo, len(tables))
	for _, table := range tables {
		columns, err := gateway.TableInfo(ctx, table)
		if err != nil {
			return nil, err
		}
		schema[table] = columns
	}
	return schema, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
