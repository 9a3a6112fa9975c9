package config

import (
	"fmt"
	"strconv"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: models → defaults → players
	// This ensures tiers are validated before anything referencing them

	if err := v.validateModels(); err != nil {
		return fmt.Errorf("model validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if err := v.validatePlayers(); err != nil {
		return fmt.Errorf("player validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateModels() error {
	if v.cfg.ModelRegistry.Len() == 0 {
		return NewValidationError("models", "", "", fmt.Errorf("at least one model tier required"))
	}

	for _, tier := range v.cfg.ModelRegistry.Tiers() {
		model, err := v.cfg.ModelRegistry.Get(tier)
		if err != nil {
			return err
		}

		// Validate provider type
		if !ProviderType(model.Provider).IsValid() {
			return NewValidationError("model", tier, "provider", fmt.Errorf("invalid provider: %s", model.Provider))
		}

		// Validate model is not empty
		if model.Model == "" {
			return NewValidationError("model", tier, "model", fmt.Errorf("model required"))
		}

		// Validate max tokens if specified
		if model.MaxTokens < 0 {
			return NewValidationError("model", tier, "max_tokens", fmt.Errorf("must not be negative"))
		}

		// Validate temperature if specified
		if model.Temperature != nil && (*model.Temperature < 0 || *model.Temperature > 2) {
			return NewValidationError("model", tier, "temperature", fmt.Errorf("must be between 0 and 2"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults

	if d.Agent == "" {
		return NewValidationError("defaults", "", "agent", fmt.Errorf("agent required"))
	}

	if !DecisionMode(d.Mode).IsValid() {
		return NewValidationError("defaults", "", "mode", fmt.Errorf("invalid mode: %s", d.Mode))
	}

	if _, err := v.cfg.ModelRegistry.Get(d.ModelTier); err != nil {
		return NewValidationError("defaults", "", "model_tier", fmt.Errorf("model tier '%s' not found", d.ModelTier))
	}

	return nil
}

func (v *ConfigValidator) validatePlayers() error {
	for _, playerID := range v.cfg.PlayerRegistry.PlayerIDs() {
		id := strconv.Itoa(playerID)

		if playerID < 0 {
			return NewValidationError("player", id, "", fmt.Errorf("player id must not be negative"))
		}

		resolved := v.cfg.PlayerRegistry.Resolve(playerID)

		// Validate decision mode after defaults are applied
		if !DecisionMode(resolved.Mode).IsValid() {
			return NewValidationError("player", id, "mode", fmt.Errorf("invalid mode: %s", resolved.Mode))
		}

		// Validate model tier reference after defaults are applied
		if _, err := v.cfg.ModelRegistry.Get(resolved.ModelTier); err != nil {
			return NewValidationError("player", id, "model_tier", fmt.Errorf("model tier '%s' not found", resolved.ModelTier))
		}

		if resolved.Agent == "" {
			return NewValidationError("player", id, "agent", fmt.Errorf("agent required"))
		}
	}

	return nil
}
