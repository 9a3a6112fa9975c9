package knowledge

// Kinds written by the turn refresh (timed family).
const (
	KindPlayers         = "Players"
	KindCities          = "Cities"
	KindMilitaryReport  = "MilitaryReport"
	KindVictoryProgress = "VictoryProgress"
	KindPlayerOptions   = "PlayerOptions"
	KindPlayerOpinions  = "PlayerOpinions"
)

// Kinds written by the action tools (mutable family). Their audit rows use
// AuditKind, e.g. StrategyChanges.
const (
	KindStrategy      = "Strategy"
	KindRelationship  = "Relationship"
	KindPersona       = "Persona"
	KindWorkingMemory = "WorkingMemory"
)

// Metadata keys.
const (
	// MetaCurrentTurn holds the most recently refreshed turn number.
	MetaCurrentTurn = "current_turn"

	// MetaContextID identifies the game session this store belongs to.
	MetaContextID = "context_id"
)
