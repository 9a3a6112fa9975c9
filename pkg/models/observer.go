package models

// ActionType classifies a VoxAction observer event.
type ActionType string

const (
	ActionStrategy     ActionType = "strategy"
	ActionFlavors      ActionType = "flavors"
	ActionUnsetFlavors ActionType = "unset-flavors"
	ActionResearch     ActionType = "research"
	ActionPolicy       ActionType = "policy"
	ActionRelationship ActionType = "relationship"
	ActionPersona      ActionType = "persona"
	ActionStatusQuo    ActionType = "status-quo"
)

// VoxAction is published to the game observer overlay whenever an agent
// commits a decision.
type VoxAction struct {
	PlayerID   int        `json:"playerID"`
	Turn       int        `json:"turn"`
	ActionType ActionType `json:"actionType"`
	Summary    string     `json:"summary"`
	Rationale  string     `json:"rationale"`
}

// VoxPlayerInfo labels a controlled player in the observer overlay.
type VoxPlayerInfo struct {
	PlayerID int    `json:"playerID"`
	Label    string `json:"label"`
}
