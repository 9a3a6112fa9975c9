// Package catalog defines the concrete agents: the four strategists that
// decide a player's turn, the briefers they delegate event digestion to,
// the summarizer utility, and the envoy/telepathist pair that answer
// questions about finished games. The agent runtime supplies all
// mechanics; this package supplies names, prompts, whitelists, and the
// hooks that wire them together.
package catalog

import (
	"context"

	"github.com/vox-deorum/strategos/pkg/agent"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
)

// Agent names. These are registry keys, player-config values, and span
// name suffixes, so they are part of the external configuration surface.
const (
	SimpleStrategist   = "simple-strategist"
	BriefedStrategist  = "briefed-strategist"
	StaffedStrategist  = "staffed-strategist"
	ParadoxaStrategist = "paradoxa-strategist"

	SimpleBriefer    = "simple-briefer"
	MilitaryBriefer  = "military-briefer"
	EconomyBriefer   = "economy-briefer"
	DiplomacyBriefer = "diplomacy-briefer"

	Summarizer = "summarizer"

	Envoy       = "envoy"
	Telepathist = "telepathist"
)

// SessionReview provides the turn and phase summaries of a finished game.
// The telemetry telepathist store implements it; the review agents are
// registered only when one is configured.
type SessionReview interface {
	TurnSummaries(ctx context.Context) ([]models.TurnSummary, error)
	PhaseSummaries(ctx context.Context) ([]models.PhaseSummary, error)
}

// Deps carries what the catalog's agents need beyond the runtime itself.
type Deps struct {
	// Strategy serves the authored option catalogs and event categories.
	// Required.
	Strategy *strategy.Manager

	// Review is the finished-game record for envoy and telepathist.
	// Optional; when nil the review agents are not registered.
	Review SessionReview

	// StaffedThresholdBytes overrides the serialized event volume above
	// which the staffed strategist fans out. Zero keeps the default.
	StaffedThresholdBytes int
}

// Register adds the full agent catalog to the registry.
func Register(reg *agent.Registry, deps Deps) error {
	if deps.Strategy == nil {
		return fault.New(fault.KindInvalidArgument, "agent catalog requires a strategy manager")
	}
	threshold := deps.StaffedThresholdBytes
	if threshold <= 0 {
		threshold = staffedEventThreshold
	}

	defs := []*agent.Definition{
		simpleStrategistDefinition(deps.Strategy),
		briefedStrategistDefinition(deps.Strategy),
		staffedStrategistDefinition(deps.Strategy, threshold),
		paradoxaStrategistDefinition(deps.Strategy),
		brieferDefinition(deps.Strategy, SimpleBriefer, deskCombined, ""),
		brieferDefinition(deps.Strategy, MilitaryBriefer, deskMilitary, categoryMilitary),
		brieferDefinition(deps.Strategy, EconomyBriefer, deskEconomy, categoryEconomy),
		brieferDefinition(deps.Strategy, DiplomacyBriefer, deskDiplomacy, categoryDiplomacy),
		summarizerDefinition(),
	}
	if deps.Review != nil {
		defs = append(defs,
			reviewDefinition(Envoy, envoyInstructions, deps.Review),
			reviewDefinition(Telepathist, telepathistInstructions, deps.Review),
		)
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fault.Wrap(fault.KindInternal, err, "register agent catalog")
		}
	}
	return nil
}
