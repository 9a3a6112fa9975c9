package config

// Config is the umbrella configuration object that encapsulates
// all registries, defaults, and resolved settings.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Environment-derived settings (log level, bridge URL, paths)
	Settings *Settings

	// Player defaults for unlisted players
	Defaults PlayerDefaults

	// Resolved subsystem configuration
	Bridge    *Bridge
	Pipeline  *Pipeline
	Strategy  *Strategy
	Telemetry *Telemetry

	// Component registries
	PlayerRegistry *PlayerRegistry
	ModelRegistry  *ModelRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Players    int
	ModelTiers int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.PlayerRegistry != nil {
		s.Players = c.PlayerRegistry.Len()
	}
	if c.ModelRegistry != nil {
		s.ModelTiers = c.ModelRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetPlayer returns the effective configuration for a player.
// This is a convenience method that wraps PlayerRegistry.Resolve().
func (c *Config) GetPlayer(playerID int) PlayerConfig {
	return c.PlayerRegistry.Resolve(playerID)
}

// GetModel retrieves a model tier configuration by name.
// This is a convenience method that wraps ModelRegistry.Get().
func (c *Config) GetModel(tier string) (*ModelConfig, error) {
	return c.ModelRegistry.Get(tier)
}

// ControlledPlayers returns a sorted list of explicitly configured player ids.
func (c *Config) ControlledPlayers() []int {
	return c.PlayerRegistry.PlayerIDs()
}
