package config

// ProviderType identifies which LLM backend serves a model tier.
type ProviderType string

const (
	// ProviderTypeAnthropic uses the Anthropic Messages API.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeOpenAI uses a chat-completions-compatible endpoint,
	// including self-hosted servers via base_url.
	ProviderTypeOpenAI ProviderType = "openai"
)

// IsValid checks whether the provider type is supported.
func (p ProviderType) IsValid() bool {
	switch p {
	case ProviderTypeAnthropic, ProviderTypeOpenAI:
		return true
	}
	return false
}

// DecisionMode is the kind of guidance an agent produces for a player.
type DecisionMode string

const (
	// DecisionModeStrategy picks named grand/military/economic strategies.
	DecisionModeStrategy DecisionMode = "Strategy"

	// DecisionModeFlavor tunes numeric flavor weights directly.
	DecisionModeFlavor DecisionMode = "Flavor"
)

// IsValid checks whether the decision mode is supported.
func (m DecisionMode) IsValid() bool {
	switch m {
	case DecisionModeStrategy, DecisionModeFlavor:
		return true
	}
	return false
}
