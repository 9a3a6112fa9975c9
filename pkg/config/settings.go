package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Settings holds process-level configuration sourced from the environment.
// YAML configuration (players, models, pipeline tuning) layers on top of it;
// see Initialize.
type Settings struct {
	// LogLevel is one of debug, info, warn, error. Env: LOG_LEVEL.
	LogLevel string
	// LogFormat is "text" or "json". Env: LOG_FORMAT.
	LogFormat string
	// Language selects the localization catalog. Env: VOX_LANGUAGE.
	Language string
	// BridgeURL is the native bridge base URL. Env: VOX_BRIDGE_URL.
	BridgeURL string
	// TelemetryRoot is the directory for per-session databases.
	// Env: VOX_TELEMETRY_ROOT.
	TelemetryRoot string
	// GameDataDir contains the read-only rules and localization databases.
	// Env: VOX_GAME_DATA_DIR.
	GameDataDir string
	// KnowledgePath is the derived knowledge database file.
	// Env: VOX_KNOWLEDGE_DB.
	KnowledgePath string
	// ConfigDir contains strategos.yaml and .env. Env: VOX_CONFIG_DIR.
	ConfigDir string
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// LoadSettings reads process settings from the environment, applying defaults.
func LoadSettings() *Settings {
	return &Settings{
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		Language:      getEnv("VOX_LANGUAGE", "en_US"),
		BridgeURL:     getEnv("VOX_BRIDGE_URL", "http://localhost:8080"),
		TelemetryRoot: getEnv("VOX_TELEMETRY_ROOT", "./telemetry"),
		GameDataDir:   getEnv("VOX_GAME_DATA_DIR", "."),
		KnowledgePath: getEnv("VOX_KNOWLEDGE_DB", "./knowledge.db"),
		ConfigDir:     getEnv("VOX_CONFIG_DIR", "./config"),
	}
}

// SetupLogging installs the process-wide slog default built from the settings.
// Unknown levels fall back to info with a warning after setup.
func SetupLogging(s *Settings) error {
	var level slog.Level
	badLevel := false
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
		badLevel = true
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(s.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("%w: LOG_FORMAT=%q (expected text or json)", ErrInvalidValue, s.LogFormat)
	}

	slog.SetDefault(slog.New(handler))
	if badLevel {
		slog.Warn("Unknown LOG_LEVEL, using info", "value", s.LogLevel)
	}
	return nil
}
