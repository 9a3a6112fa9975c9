package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
)

// strategistInstructions is the shared base for every strategist.
const strategistInstructions = `## Grand Strategist Instructions

You are the grand strategist of a civilization in a turn-based 4X game.
Each turn you review the state of the world and steer the civilization's
long-term course. You do not move units or manage cities; the game engine
handles tactics. Your levers are:
- the grand strategy (the victory path the civilization pursues),
- the flavor weights (how the engine biases its build and expansion choices),
- research and policy direction,
- diplomatic stances toward other players,
- the civilization's public persona.

Ground every decision in the reported state. Reference concrete cities,
players, and events. When nothing substantial has changed, keeping the
current course is a valid decision and costs nothing.`

// strategyModeFocus and flavorModeFocus select the knob family a run decides.
const strategyModeFocus = `## Decision Task

Decide this turn's strategic posture. You must finish by calling exactly one
of set-strategy or keep-status-quo. Call other tools first if you need more
detail, and record supporting moves (research, policy, relationships,
persona) before the final call. Give a short rationale with every mutation.`

const flavorModeFocus = `## Decision Task

Decide this turn's flavor weighting. You must finish by calling exactly one
of set-flavors or keep-status-quo. Call other tools first if you need more
detail. Give a short rationale with every mutation.`

// briefedContextNote replaces the raw event dump for strategists that work
// from briefings.
const briefedContextNote = `Your staff has already digested this turn's events
into the briefings below. Work from the briefings; do not re-query the raw
event log.`

// paradoxaInstructions is the deliberative strategist's multi-voice prompt.
const paradoxaInstructions = `## Council of Voices

You are the ruling council of a civilization in a turn-based 4X game,
deliberating as three voices before any decision:

- **The Marshal** weighs military position: threats on the borders, the
  balance of forces, wars worth fighting and wars worth ending.
- **The Chancellor** weighs prosperity: cities, trade, growth, the cost of
  the Marshal's ambitions.
- **The Diplomat** weighs the other players: who can be trusted, who is
  drifting toward war, which friendships are worth their price.

Deliberate in turns: each voice states its reading of the situation and its
recommendation. Where the voices disagree, argue it out briefly. Only after
the council has spoken does the ruler decide and act.

The ruler's levers are the mutation tools. The session ends when the ruler
has called exactly one of set-strategy, set-flavors, or keep-status-quo.
Supporting moves (research, policy, relationships, persona) may precede it.
Review before deciding; decide before the council runs long.`

// brieferInstructions parameterizes the briefer family by its desk.
const brieferInstructions = `## %s Instructions

You are the %s of a civilization's turn council in a 4X strategy game.
Your product is one paragraph: what changed this turn in your domain and
what it means. Rules:
- One paragraph only, without lists or headings.
- Name the concrete players, cities, and events that matter; drop the rest.
- When a previous briefing is provided, lead with what changed since it.
- If nothing in your domain changed, say so in one sentence.
Do not call other agents or suggest tool use; your job is reporting, not
deciding.`

// Briefer desk titles, interpolated into brieferInstructions.
const (
	deskCombined  = "Chief of Staff"
	deskMilitary  = "Military Attaché"
	deskEconomy   = "Economic Minister"
	deskDiplomacy = "Foreign Minister"
)

// summarizerInstructions drives the stateless summary utility.
const summarizerInstructions = `## Summarizer Instructions

You condense text on request. Follow the instruction exactly; when none is
given, produce a faithful summary at roughly one tenth the length. Output
only the summary, with no preamble or commentary.`

// envoyInstructions speaks for one player of a finished game.
const envoyInstructions = `## Envoy Instructions

You are the envoy of a civilization from a completed game, answering
questions about the game on its behalf. The record of that game is
provided below as turn digests and phase narratives. Answer in the first
person plural ("we marched on Athens") and stay within the record; say
plainly when the record does not cover what was asked.`

// telepathistInstructions reviews a finished game from outside.
const telepathistInstructions = `## Telepathist Instructions

You review completed games of a turn-based 4X strategy title. The record of
one game, derived from its telemetry, is provided below as turn digests and
phase narratives. Answer analytical questions about what happened and why,
including turning points, decisive choices, and mistakes. Cite turns by
number. Stay within the record; never invent events it does not contain.`

// FormatSituation builds the framing section: who is playing, which turn,
// and the fixed shape of the game.
func FormatSituation(params *models.TurnParameters) string {
	var sb strings.Builder
	sb.WriteString("## Situation\n\n")
	fmt.Fprintf(&sb, "**Turn:** %d\n", params.Turn)
	fmt.Fprintf(&sb, "**You are:** player %d", params.PlayerID)
	if params.Metadata.YouAre != "" {
		sb.WriteString(", ")
		sb.WriteString(params.Metadata.YouAre)
	}
	sb.WriteString("\n")
	if params.Metadata.Speed != "" {
		fmt.Fprintf(&sb, "**Game speed:** %s\n", params.Metadata.Speed)
	}
	if params.Metadata.Map != "" {
		fmt.Fprintf(&sb, "**Map:** %s\n", params.Metadata.Map)
	}
	if params.Metadata.Difficulty != "" {
		fmt.Fprintf(&sb, "**Difficulty:** %s\n", params.Metadata.Difficulty)
	}
	if len(params.Metadata.VictoryTypes) > 0 {
		fmt.Fprintf(&sb, "**Victory paths in play:** %s\n", strings.Join(params.Metadata.VictoryTypes, ", "))
	}
	return sb.String()
}

// FormatGameState renders the refreshed state snapshots. Sections with no
// data are omitted rather than filled with placeholders.
func FormatGameState(state models.RecentState) string {
	var sb strings.Builder
	sb.WriteString("## Current State\n")
	writeStateSection(&sb, "Known Players", state.Players)
	writeStateSection(&sb, "Our Cities", state.Cities)
	writeStateSection(&sb, "Military Report", state.Military)
	writeStateSection(&sb, "Victory Progress", state.VictoryProgress)
	writeStateSection(&sb, "Player Options", state.Options)
	writeStateSection(&sb, "Current Stances", state.Strategies)
	return sb.String()
}

func writeStateSection(sb *strings.Builder, title string, value any) {
	if isEmptyValue(value) {
		return
	}
	sb.WriteString("\n### ")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(marshalBlock(value))
	sb.WriteString("\n")
}

func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case []map[string]any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

// FormatEvents renders the serialized event dump for prompts.
func FormatEvents(events []models.EventRecord) string {
	serialized := SerializeEvents(events)
	if serialized == "" {
		return "## Events This Turn\nNo events were reported this turn.\n"
	}
	var sb strings.Builder
	sb.WriteString("## Events This Turn\n")
	sb.WriteString("```\n")
	sb.WriteString(serialized)
	sb.WriteString("```\n")
	return sb.String()
}

// FormatOptionsCatalog lists the authored strategies, flavors, and
// stratagems the mutation tools accept.
func FormatOptionsCatalog(strategies, flavors map[string]string, military, economic []strategy.Stratagem) string {
	var sb strings.Builder
	sb.WriteString("## Available Options\n")

	if len(strategies) > 0 {
		sb.WriteString("\n### Grand Strategies\n")
		for _, name := range sortedKeys(strategies) {
			fmt.Fprintf(&sb, "- %s: %s\n", name, strategies[name])
		}
	}
	if len(flavors) > 0 {
		sb.WriteString("\n### Flavors\n")
		sb.WriteString(strings.Join(sortedKeys(flavors), ", "))
		sb.WriteString("\n")
	}
	writeStratagems(&sb, "Military Stratagems", military)
	writeStratagems(&sb, "Economic Stratagems", economic)
	return sb.String()
}

func writeStratagems(sb *strings.Builder, title string, list []strategy.Stratagem) {
	if len(list) == 0 {
		return
	}
	sb.WriteString("\n### ")
	sb.WriteString(title)
	sb.WriteString("\n")
	for _, s := range list {
		fmt.Fprintf(sb, "- %s: %s\n", s.Name, s.Description)
	}
}

// FormatBriefing wraps one briefer's paragraph into a titled section.
func FormatBriefing(title, text string) string {
	var sb strings.Builder
	sb.WriteString("## Briefing: ")
	sb.WriteString(title)
	sb.WriteString("\n")
	if text == "" {
		sb.WriteString("(briefing unavailable)\n")
		return sb.String()
	}
	sb.WriteString(text)
	sb.WriteString("\n")
	return sb.String()
}

// FormatWorkingMemory renders the run's accumulated notes.
func FormatWorkingMemory(memory map[string]string) string {
	if len(memory) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Working Memory\n")
	for _, key := range sortedKeys(memory) {
		fmt.Fprintf(&sb, "- %s: %s\n", key, memory[key])
	}
	return sb.String()
}

// FormatPreviousBriefing gives a briefer its last report to compare against.
func FormatPreviousBriefing(text string) string {
	if text == "" {
		return "## Previous Briefing\nThis is your first briefing of the session.\n"
	}
	var sb strings.Builder
	sb.WriteString("## Previous Briefing\n")
	sb.WriteString(text)
	sb.WriteString("\n")
	return sb.String()
}

// FormatSessionRecord renders the phase narratives and turn digests the
// review agents work from.
func FormatSessionRecord(phases []models.PhaseSummary, turns []models.TurnSummary) string {
	var sb strings.Builder
	sb.WriteString("## Session Record\n")
	if len(phases) == 0 && len(turns) == 0 {
		sb.WriteString("The record is empty.\n")
		return sb.String()
	}
	if len(phases) > 0 {
		sb.WriteString("\n### Phases\n")
		for _, p := range phases {
			fmt.Fprintf(&sb, "- Turns %d-%d: %s\n", p.FromTurn, p.ToTurn, p.Summary)
		}
	}
	if len(turns) > 0 {
		sb.WriteString("\n### Turns\n")
		for _, t := range turns {
			fmt.Fprintf(&sb, "- Turn %d: %s\n", t.Turn, t.Short)
		}
	}
	return sb.String()
}

func marshalBlock(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return "```json\n" + string(data) + "\n```"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
