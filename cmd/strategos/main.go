// Strategos server — exposes the game-knowledge tool surface over MCP,
// watches the native bridge event stream, and drives the per-player turn
// pipeline.
package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/version"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if fault.KindOf(err) == fault.KindInternal {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "strategos",
		Short:         "LLM strategic decision layer for the game",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"configuration directory (overrides VOX_CONFIG_DIR)")

	root.AddCommand(
		newServeStdioCommand(&configDir),
		newServeHTTPCommand(&configDir),
		newExportSchemasCommand(&configDir),
		newTelepathistCommand(&configDir),
	)
	return root
}

// loadSettings layers the environment: the .env file from the config
// directory first, then process settings on top. A missing .env is not an
// error; packaged installs configure through the environment directly.
func loadSettings(configDir string) (*config.Settings, error) {
	if configDir == "" {
		configDir = os.Getenv("VOX_CONFIG_DIR")
	}
	if configDir == "" {
		configDir = "./config"
	}

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	settings := config.LoadSettings()
	settings.ConfigDir = configDir
	if err := config.SetupLogging(settings); err != nil {
		return nil, err
	}
	return settings, nil
}
