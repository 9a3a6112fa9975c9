package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// StrategosYAMLConfig represents the complete strategos.yaml file structure
type StrategosYAMLConfig struct {
	Defaults      *PlayerDefaults        `yaml:"defaults"`
	Players       map[int]PlayerConfig   `yaml:"players"`
	Models        map[string]ModelConfig `yaml:"models"`
	ModelDefaults *ModelConfig           `yaml:"model_defaults"`
	Bridge        *BridgeConfig          `yaml:"bridge"`
	Pipeline      *PipelineConfig        `yaml:"pipeline"`
	Strategy      *StrategyConfig        `yaml:"strategy"`
	Telemetry     *TelemetryConfig       `yaml:"telemetry"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load strategos.yaml from settings.ConfigDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge model tier defaults into each tier
//  5. Resolve subsystem configuration (durations, pools, paths)
//  6. Build in-memory registries
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, settings *Settings) (*Config, error) {
	log := slog.With("config_dir", settings.ConfigDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"players", stats.Players,
		"model_tiers", stats.ModelTiers)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, settings *Settings) (*Config, error) {
	loader := &configLoader{
		configDir: settings.ConfigDir,
	}

	yamlConfig, err := loader.loadStrategosYAML()
	if err != nil {
		return nil, NewLoadError("strategos.yaml", err)
	}

	// Merge tier defaults into each model tier (explicit tier values win)
	models := yamlConfig.Models
	if yamlConfig.ModelDefaults != nil {
		merged := make(map[string]ModelConfig, len(models))
		for tier, model := range models {
			if err := mergo.Merge(&model, *yamlConfig.ModelDefaults); err != nil {
				return nil, fmt.Errorf("failed to merge model tier %q: %w", tier, err)
			}
			merged[tier] = model
		}
		models = merged
	}

	// Build registries
	defaults := resolvePlayerDefaults(yamlConfig.Defaults)
	playerRegistry := NewPlayerRegistry(yamlConfig.Players, defaults)
	modelRegistry := NewModelRegistry(models)

	// Resolve subsystem configuration, folding in environment settings
	bridgeCfg := resolveBridge(yamlConfig.Bridge, settings)
	pipelineCfg := resolvePipeline(yamlConfig.Pipeline)
	strategyCfg := resolveStrategy(yamlConfig.Strategy)
	telemetryCfg := resolveTelemetry(yamlConfig.Telemetry, settings)

	return &Config{
		configDir:      settings.ConfigDir,
		Settings:       settings,
		Defaults:       defaults,
		Bridge:         bridgeCfg,
		Pipeline:       pipelineCfg,
		Strategy:       strategyCfg,
		Telemetry:      telemetryCfg,
		PlayerRegistry: playerRegistry,
		ModelRegistry:  modelRegistry,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadStrategosYAML() (*StrategosYAMLConfig, error) {
	var config StrategosYAMLConfig

	// Initialize maps to avoid nil maps
	config.Players = make(map[int]PlayerConfig)
	config.Models = make(map[string]ModelConfig)

	if err := l.loadYAML("strategos.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// resolvePlayerDefaults fills built-in fallbacks for unset default fields.
func resolvePlayerDefaults(d *PlayerDefaults) PlayerDefaults {
	resolved := PlayerDefaults{
		Agent:     "simple-strategist",
		Mode:      string(DecisionModeStrategy),
		ModelTier: "standard",
	}

	if d == nil {
		return resolved
	}

	if d.Agent != "" {
		resolved.Agent = d.Agent
	}
	if d.Mode != "" {
		resolved.Mode = d.Mode
	}
	if d.ModelTier != "" {
		resolved.ModelTier = d.ModelTier
	}

	return resolved
}

// resolveBridge resolves bridge client configuration, applying defaults.
// The base URL falls back to the VOX_BRIDGE_URL setting when YAML is silent.
func resolveBridge(b *BridgeConfig, settings *Settings) *Bridge {
	cfg := DefaultBridge()
	cfg.BaseURL = settings.BridgeURL

	if b == nil {
		return cfg
	}

	if b.BaseURL != "" {
		cfg.BaseURL = b.BaseURL
	}
	overrideDuration(&cfg.WriteTimeout, b.WriteTimeout, "bridge.write_timeout")
	overrideDuration(&cfg.ReadTimeout, b.ReadTimeout, "bridge.read_timeout")
	if b.StandardPool > 0 {
		cfg.StandardPool = b.StandardPool
	}
	if b.FastPool > 0 {
		cfg.FastPool = b.FastPool
	}

	return cfg
}

// resolvePipeline resolves turn pipeline configuration, applying defaults.
func resolvePipeline(p *PipelineConfig) *Pipeline {
	cfg := DefaultPipeline()

	if p == nil {
		return cfg
	}

	if p.EventBuffer > 0 {
		cfg.EventBuffer = p.EventBuffer
	}
	overrideDuration(&cfg.TurnBudget, p.TurnBudget, "pipeline.turn_budget")
	overrideDuration(&cfg.CancelWait, p.CancelWait, "pipeline.cancel_wait")
	if p.StaffedThresholdBytes > 0 {
		cfg.StaffedThresholdBytes = p.StaffedThresholdBytes
	}

	return cfg
}

// resolveStrategy resolves strategy catalog configuration, applying defaults.
func resolveStrategy(s *StrategyConfig) *Strategy {
	cfg := DefaultStrategy()

	if s == nil {
		return cfg
	}

	if s.Dir != "" {
		cfg.Dir = s.Dir
	}
	overrideDuration(&cfg.CacheTTL, s.CacheTTL, "strategy.cache_ttl")

	return cfg
}

// resolveTelemetry resolves telemetry configuration, applying defaults.
// The root falls back to the VOX_TELEMETRY_ROOT setting when YAML is silent.
func resolveTelemetry(t *TelemetryConfig, settings *Settings) *Telemetry {
	cfg := DefaultTelemetry()
	cfg.Root = settings.TelemetryRoot

	if t == nil {
		return cfg
	}

	if t.Root != "" {
		cfg.Root = t.Root
	}
	if t.RetentionDays > 0 {
		cfg.RetentionDays = t.RetentionDays
	}
	overrideDuration(&cfg.SweepInterval, t.SweepInterval, "telemetry.sweep_interval")

	return cfg
}

// overrideDuration parses a duration string into dst, keeping the existing
// default and warning when the value does not parse.
func overrideDuration(dst *time.Duration, value, field string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	} else {
		slog.Warn("Invalid duration in configuration, using default",
			"field", field,
			"value", value,
			"default", *dst,
			"error", err)
	}
}
