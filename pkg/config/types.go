package config

import (
	"fmt"
	"sort"
	"time"
)

// PlayerConfig selects the agent graph and decision mode for one controlled
// player.
type PlayerConfig struct {
	// Agent is the registered agent name run each turn (e.g.
	// "briefed-strategist"). Empty means the defaults entry applies.
	Agent string `yaml:"agent,omitempty"`

	// Mode is "Strategy" or "Flavor".
	Mode string `yaml:"mode,omitempty"`

	// Label is the observer overlay label for this player.
	Label string `yaml:"label,omitempty"`

	// ModelTier overrides the default model tier for this player's runs.
	ModelTier string `yaml:"model_tier,omitempty"`
}

// PlayerDefaults applies to players without an explicit entry.
type PlayerDefaults struct {
	Agent     string `yaml:"agent,omitempty"`
	Mode      string `yaml:"mode,omitempty"`
	ModelTier string `yaml:"model_tier,omitempty"`
}

// ModelConfig describes one model tier: which provider serves it and with
// what parameters.
type ModelConfig struct {
	// Provider is "anthropic" or "openai" (openai covers any
	// chat-completions-compatible endpoint via BaseURL).
	Provider string `yaml:"provider"`

	// Model is the provider-side model identifier.
	Model string `yaml:"model"`

	// APIKey is resolved at load time ({{.VAR}} expansion).
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint (openai-compatible servers).
	BaseURL string `yaml:"base_url,omitempty"`

	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`

	// ThinkingBudgetTokens enables extended thinking when > 0 (anthropic).
	ThinkingBudgetTokens int `yaml:"thinking_budget_tokens,omitempty"`
}

// BridgeConfig tunes the bridge HTTP client.
type BridgeConfig struct {
	// BaseURL defaults to the VOX_BRIDGE_URL setting when empty.
	BaseURL string `yaml:"base_url,omitempty"`

	// WriteTimeout bounds /script/exec and /script/call. Duration string.
	WriteTimeout string `yaml:"write_timeout,omitempty"`

	// ReadTimeout bounds /health and other reads. Duration string.
	ReadTimeout string `yaml:"read_timeout,omitempty"`

	// StandardPool is the connection pool size for regular calls.
	StandardPool int `yaml:"standard_pool,omitempty"`

	// FastPool is the low-latency pool size for preregistered calls.
	FastPool int `yaml:"fast_pool,omitempty"`
}

// PipelineConfig tunes the turn pipeline.
type PipelineConfig struct {
	// EventBuffer caps buffered bridge events before oldest-non-turn-start
	// dropping begins.
	EventBuffer int `yaml:"event_buffer,omitempty"`

	// TurnBudget bounds one player's turn processing. Duration string.
	TurnBudget string `yaml:"turn_budget,omitempty"`

	// CancelWait is how long a superseded run may shut down gracefully
	// before it is hard-cancelled. Duration string.
	CancelWait string `yaml:"cancel_wait,omitempty"`

	// StaffedThresholdBytes is the serialized event volume above which the
	// staffed strategist fans out specialized briefers.
	StaffedThresholdBytes int `yaml:"staffed_threshold_bytes,omitempty"`
}

// StrategyConfig locates the authored strategy JSON files.
type StrategyConfig struct {
	Dir string `yaml:"dir,omitempty"`

	// CacheTTL is how long loaded catalogs stay fresh. Duration string.
	CacheTTL string `yaml:"cache_ttl,omitempty"`
}

// TelemetryConfig tunes span persistence and retention.
type TelemetryConfig struct {
	// Root defaults to the VOX_TELEMETRY_ROOT setting when empty.
	Root string `yaml:"root,omitempty"`

	// RetentionDays is how long session databases are kept.
	RetentionDays int `yaml:"retention_days,omitempty"`

	// SweepInterval is how often the retention sweeper runs. Duration string.
	SweepInterval string `yaml:"sweep_interval,omitempty"`
}

// Resolved configuration (durations parsed, defaults applied).

// Bridge is the resolved bridge client configuration.
type Bridge struct {
	BaseURL      string
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	StandardPool int
	FastPool     int
}

// Pipeline is the resolved turn pipeline configuration.
type Pipeline struct {
	EventBuffer           int
	TurnBudget            time.Duration
	CancelWait            time.Duration
	StaffedThresholdBytes int
}

// Strategy is the resolved strategy catalog configuration.
type Strategy struct {
	Dir      string
	CacheTTL time.Duration
}

// Telemetry is the resolved telemetry configuration.
type Telemetry struct {
	Root          string
	RetentionDays int
	SweepInterval time.Duration
}

// DefaultBridge returns the built-in bridge defaults.
func DefaultBridge() *Bridge {
	return &Bridge{
		WriteTimeout: 30 * time.Second,
		ReadTimeout:  5 * time.Second,
		StandardPool: 50,
		FastPool:     5,
	}
}

// DefaultPipeline returns the built-in pipeline defaults.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		EventBuffer:           1024,
		TurnBudget:            5 * time.Minute,
		CancelWait:            5 * time.Second,
		StaffedThresholdBytes: 5 * 1024,
	}
}

// DefaultStrategy returns the built-in strategy catalog defaults.
func DefaultStrategy() *Strategy {
	return &Strategy{
		Dir:      "docs/strategies",
		CacheTTL: 5 * time.Minute,
	}
}

// DefaultTelemetry returns the built-in telemetry defaults.
func DefaultTelemetry() *Telemetry {
	return &Telemetry{
		RetentionDays: 30,
		SweepInterval: 6 * time.Hour,
	}
}

// ModelRegistry resolves model tiers to provider configurations.
type ModelRegistry struct {
	tiers map[string]*ModelConfig
}

// NewModelRegistry builds a registry from loaded tier configurations.
func NewModelRegistry(tiers map[string]ModelConfig) *ModelRegistry {
	m := make(map[string]*ModelConfig, len(tiers))
	for name := range tiers {
		cfg := tiers[name]
		m[name] = &cfg
	}
	return &ModelRegistry{tiers: m}
}

// Get returns the configuration for a tier.
func (r *ModelRegistry) Get(tier string) (*ModelConfig, error) {
	cfg, ok := r.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelTierNotFound, tier)
	}
	return cfg, nil
}

// Tiers returns the sorted tier names.
func (r *ModelRegistry) Tiers() []string {
	names := make([]string, 0, len(r.tiers))
	for name := range r.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tiers.
func (r *ModelRegistry) Len() int {
	return len(r.tiers)
}

// PlayerRegistry resolves player ids to their configuration, falling back to
// defaults for unlisted players.
type PlayerRegistry struct {
	players  map[int]*PlayerConfig
	defaults PlayerDefaults
}

// NewPlayerRegistry builds a registry from explicit entries plus defaults.
func NewPlayerRegistry(players map[int]PlayerConfig, defaults PlayerDefaults) *PlayerRegistry {
	m := make(map[int]*PlayerConfig, len(players))
	for id := range players {
		cfg := players[id]
		m[id] = &cfg
	}
	return &PlayerRegistry{players: m, defaults: defaults}
}

// Resolve returns the effective configuration for a player, applying defaults
// for unset fields. Unlisted players get the defaults entirely.
func (r *PlayerRegistry) Resolve(playerID int) PlayerConfig {
	resolved := PlayerConfig{
		Agent:     r.defaults.Agent,
		Mode:      r.defaults.Mode,
		ModelTier: r.defaults.ModelTier,
	}
	if cfg, ok := r.players[playerID]; ok {
		if cfg.Agent != "" {
			resolved.Agent = cfg.Agent
		}
		if cfg.Mode != "" {
			resolved.Mode = cfg.Mode
		}
		if cfg.ModelTier != "" {
			resolved.ModelTier = cfg.ModelTier
		}
		resolved.Label = cfg.Label
	}
	return resolved
}

// Controlled reports whether a player has an explicit configuration entry.
func (r *PlayerRegistry) Controlled(playerID int) bool {
	_, ok := r.players[playerID]
	return ok
}

// TierOverride returns the model tier the player's entry sets explicitly,
// or "" when the player is unlisted or inherits the default. Resolve folds
// defaults in, so callers that rank an agent's own tier hint above the
// configured default need this distinction.
func (r *PlayerRegistry) TierOverride(playerID int) string {
	if cfg, ok := r.players[playerID]; ok {
		return cfg.ModelTier
	}
	return ""
}

// PlayerIDs returns the sorted ids of explicitly configured players.
func (r *PlayerRegistry) PlayerIDs() []int {
	ids := make([]int, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of explicitly configured players.
func (r *PlayerRegistry) Len() int {
	return len(r.players)
}
