package models

import "time"

// Knowledge table families. Each family shares the same row envelope but
// differs in its uniqueness constraint.

// PublicRecord is a snapshot keyed by entity only: one live row per
// (kind, key), replaced on every store.
type PublicRecord struct {
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	Turn       int            `json:"turn"`
	Visibility Visibility     `json:"visibility"`
	Payload    map[string]any `json:"payload"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TimedRecord is a per-turn snapshot keyed by (kind, key, turn). Rows are
// immutable once written; re-storing the same key within a turn is a no-op.
type TimedRecord struct {
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	Turn       int            `json:"turn"`
	Visibility Visibility     `json:"visibility"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// MutableRecord is a latest-value row keyed by (kind, player) with
// last-write-wins semantics. Substantive changes additionally append a
// turn-scoped audit row; changes confined to the writer's ignored keys
// update in place.
type MutableRecord struct {
	Kind       string         `json:"kind"`
	Player     int            `json:"player"`
	Turn       int            `json:"turn"`
	Visibility Visibility     `json:"visibility"`
	Payload    map[string]any `json:"payload"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// EventRecord is one row of the append-only game event log.
// ID encodes the turn: ID / EventIDSpan == Turn.
type EventRecord struct {
	ID         int64          `json:"id"`
	Turn       int            `json:"turn"`
	Type       string         `json:"type"`
	Visibility Visibility     `json:"visibility"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EventIDSpan is the per-turn slot space for event ids.
const EventIDSpan = 1_000_000

// DerivedEventSlotBase is the first slot reserved for derived (non-native)
// events within a turn; native events allocate below it.
const DerivedEventSlotBase = 900_000

// EventID composes a globally monotonic event id from turn and slot.
func EventID(turn int, slot int) int64 {
	return int64(turn)*EventIDSpan + int64(slot)
}

// EventTurn recovers the turn from an event id.
func EventTurn(id int64) int {
	return int(id / EventIDSpan)
}

// EventFilter narrows QueryEvents results. Zero values mean "no constraint"
// except Viewer, where nil means "no visibility filtering" (trusted caller).
type EventFilter struct {
	Types    []string `json:"types,omitempty"`
	FromTurn int      `json:"from_turn,omitempty"`
	ToTurn   int      `json:"to_turn,omitempty"`
	SinceID  int64    `json:"since_id,omitempty"`
	Viewer   *int     `json:"viewer,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}
