package models

import "sync"

// Mode selects which knob family an agent run is deciding.
type Mode string

const (
	ModeStrategy Mode = "Strategy"
	ModeFlavor   Mode = "Flavor"
)

// GameMetadata is the static frame of the current game, resolved once per
// session and copied into every turn's parameters.
type GameMetadata struct {
	Speed        string   `json:"speed"`
	Map          string   `json:"map"`
	Difficulty   string   `json:"difficulty"`
	VictoryTypes []string `json:"victory_types"`
	// YouAre is a short localized description of the controlled civilization
	// (leader, civilization, traits).
	YouAre string `json:"you_are"`
}

// RecentState is the refreshed view of the game handed to agents each turn.
type RecentState struct {
	Players         []map[string]any `json:"players"`
	Cities          []map[string]any `json:"cities"`
	Military        map[string]any   `json:"military"`
	VictoryProgress map[string]any   `json:"victory_progress"`
	Events          []EventRecord    `json:"events"`
	Options         map[string]any   `json:"options"`
	Strategies      map[string]any   `json:"strategies"`
}

// TurnParameters is the per-player, per-turn execution context. The pipeline
// owns it and hands it to agents by reference; agents must not retain it
// across turns. Working memory and reports are guarded because sub-agents
// touch them concurrently during fan-out.
type TurnParameters struct {
	PlayerID int          `json:"player_id"`
	Turn     int          `json:"turn"`
	Metadata GameMetadata `json:"metadata"`
	State    RecentState  `json:"state"`
	Mode     Mode         `json:"mode"`

	mu sync.Mutex
	// running names the agent currently executing on these parameters;
	// guarded because sub-agents run concurrently during fan-out.
	running string
	// workingMemory is ephemeral and cleared at turn end unless a key was
	// explicitly persisted through the remember tool.
	workingMemory map[string]string
	persistedKeys map[string]bool
	// reports caches briefing outputs under caller-chosen keys so a later
	// briefer can compare against its previous run.
	reports map[string]string
	// archive keeps the structured game state per turn for the session.
	archive map[int]RecentState
}

// NewTurnParameters builds parameters for one player turn.
func NewTurnParameters(playerID, turn int, meta GameMetadata, state RecentState, mode Mode) *TurnParameters {
	return &TurnParameters{
		PlayerID:      playerID,
		Turn:          turn,
		Metadata:      meta,
		State:         state,
		Mode:          mode,
		workingMemory: make(map[string]string),
		persistedKeys: make(map[string]bool),
		reports:       make(map[string]string),
		archive:       map[int]RecentState{turn: state},
	}
}

// SetRunning records the agent executing on these parameters and returns
// the previous holder so nested runs can restore it when they finish.
func (p *TurnParameters) SetRunning(name string) (previous string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous = p.running
	p.running = name
	return previous
}

// RunningAgent returns the name of the agent currently executing.
func (p *TurnParameters) RunningAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Remember stores a working-memory value. Persisted keys survive ClearEphemeral.
func (p *TurnParameters) Remember(key, value string, persist bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workingMemory[key] = value
	if persist {
		p.persistedKeys[key] = true
	}
}

// Recall returns a working-memory value.
func (p *TurnParameters) Recall(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.workingMemory[key]
	return v, ok
}

// WorkingMemory returns a copy of the current working memory.
func (p *TurnParameters) WorkingMemory() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.workingMemory))
	for k, v := range p.workingMemory {
		out[k] = v
	}
	return out
}

// PersistedMemory returns only the entries marked to survive the turn.
func (p *TurnParameters) PersistedMemory() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string)
	for k := range p.persistedKeys {
		if v, ok := p.workingMemory[k]; ok {
			out[k] = v
		}
	}
	return out
}

// ClearEphemeral drops working memory except persisted keys. Called by the
// pipeline at turn end.
func (p *TurnParameters) ClearEphemeral() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.workingMemory {
		if !p.persistedKeys[k] {
			delete(p.workingMemory, k)
		}
	}
}

// SetReport caches a briefing output under key.
func (p *TurnParameters) SetReport(key, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports[key] = text
}

// Report returns the cached briefing for key, if any.
func (p *TurnParameters) Report(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.reports[key]
	return v, ok
}

// ArchiveState records the structured game state for a turn.
func (p *TurnParameters) ArchiveState(turn int, state RecentState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archive[turn] = state
}

// ArchivedState returns the archived state for a turn.
func (p *TurnParameters) ArchivedState(turn int) (RecentState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.archive[turn]
	return s, ok
}
