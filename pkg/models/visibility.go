package models

// VisibilityLevel describes what a single player may observe of a record.
type VisibilityLevel uint8

const (
	// VisibilityHidden removes the record from the player's view entirely.
	VisibilityHidden VisibilityLevel = 0
	// VisibilityBasic exposes only the basic projection of the record.
	VisibilityBasic VisibilityLevel = 1
	// VisibilityFull exposes every field of the record.
	VisibilityFull VisibilityLevel = 2
)

// Visibility is a per-player array of levels: index p holds what player p
// may observe. Missing indexes default to hidden.
type Visibility []VisibilityLevel

// LevelFor returns the level for the given player, hidden when out of range.
func (v Visibility) LevelFor(player int) VisibilityLevel {
	if player < 0 || player >= len(v) {
		return VisibilityHidden
	}
	return v[player]
}

// VisibleTo reports whether the record is observable (basic or full) by player.
func (v Visibility) VisibleTo(player int) bool {
	return v.LevelFor(player) != VisibilityHidden
}

// FullVisibility builds a mask granting full access to the first n players.
func FullVisibility(n int) Visibility {
	vis := make(Visibility, n)
	for i := range vis {
		vis[i] = VisibilityFull
	}
	return vis
}
