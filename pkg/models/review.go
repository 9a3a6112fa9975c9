package models

import "time"

// TurnSummary is one turn's digest derived offline from a session's
// telemetry database.
type TurnSummary struct {
	Turn      int       `json:"turn"`
	Short     string    `json:"short_summary"`
	Full      string    `json:"full_summary"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// PhaseSummary condenses a contiguous run of turns into one narrative.
type PhaseSummary struct {
	FromTurn  int       `json:"from_turn"`
	ToTurn    int       `json:"to_turn"`
	Summary   string    `json:"summary"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}
