package catalog

import (
	"context"
	"strings"

	"github.com/vox-deorum/strategos/pkg/agent"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
)

// briefingFocusKey is the working-memory key a strategist may set to steer
// its next turn's briefing.
const briefingFocusKey = "briefing-focus"

// terminalTools end a strategist run. Every strategist must finish with
// exactly one of these; StopCheck enforces it by construction.
var terminalTools = []string{"set-strategy", "set-flavors", "keep-status-quo"}

// knowledgeReads are the per-turn state tools every strategist may call.
var knowledgeReads = []string{
	"get-players",
	"get-cities",
	"get-military-report",
	"get-victory-progress",
	"get-player-options",
	"get-past-rationale",
}

// rulesReads expose the static game-rules database.
var rulesReads = []string{
	"get-technologies",
	"get-units",
	"get-buildings",
	"get-policies",
	"get-resources",
	"get-civilizations",
	"get-beliefs",
	"get-promotions",
}

// mutationTools are the strategist's levers on the running game.
var mutationTools = []string{
	"set-strategy",
	"set-flavors",
	"unset-flavors",
	"set-research",
	"set-policy",
	"set-relationship",
	"set-persona",
	"keep-status-quo",
}

// strategistWhitelist assembles the active-tool list. Strategists that work
// from briefings do not see get-recent-events; their briefers own the raw
// event log.
func strategistWhitelist(withEvents bool) []string {
	names := make([]string, 0, len(knowledgeReads)+len(rulesReads)+len(mutationTools)+2)
	names = append(names, knowledgeReads...)
	if withEvents {
		names = append(names, "get-recent-events")
	}
	names = append(names, rulesReads...)
	names = append(names, mutationTools...)
	names = append(names, "remember")
	return names
}

func strategistStop(state *agent.StepState) bool {
	return state.Succeeded(terminalTools...)
}

// modeFocus selects the decision-task block for the run's mode.
func modeFocus(mode models.Mode) string {
	if mode == models.ModeFlavor {
		return flavorModeFocus
	}
	return strategyModeFocus
}

// composeSections joins prompt sections into one message body, skipping
// empties.
func composeSections(sections ...string) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if s != "" {
			parts = append(parts, strings.TrimRight(s, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

// strategistReport renders the situation blocks shared by every strategist.
func strategistReport(params *models.TurnParameters, withEvents bool) []llm.Message {
	sections := []string{
		FormatSituation(params),
		FormatGameState(params.State),
	}
	if withEvents {
		sections = append(sections, FormatEvents(params.State.Events))
	}
	sections = append(sections, FormatWorkingMemory(params.WorkingMemory()))
	return []llm.Message{llm.UserMessage(composeSections(sections...))}
}

// optionsMessage renders the authored option catalogs so the model knows
// which strategy, flavor, and stratagem names the mutation tools accept.
func optionsMessage(mgr *strategy.Manager) (llm.Message, error) {
	strategies, err := mgr.GrandStrategies()
	if err != nil {
		return llm.Message{}, fault.Wrap(fault.KindDependencyFailed, err, "load grand strategies")
	}
	flavors, err := mgr.Flavors()
	if err != nil {
		return llm.Message{}, fault.Wrap(fault.KindDependencyFailed, err, "load flavors")
	}
	military, err := mgr.MilitaryStratagems()
	if err != nil {
		return llm.Message{}, fault.Wrap(fault.KindDependencyFailed, err, "load military stratagems")
	}
	economic, err := mgr.EconomicStratagems()
	if err != nil {
		return llm.Message{}, fault.Wrap(fault.KindDependencyFailed, err, "load economic stratagems")
	}
	return llm.UserMessage(FormatOptionsCatalog(strategies, flavors, military, economic)), nil
}

// optionsPrelude is the shared prelude of the strategists that work from
// raw events.
func optionsPrelude(mgr *strategy.Manager) func(context.Context, *agent.Run) ([]llm.Message, error) {
	return func(_ context.Context, _ *agent.Run) ([]llm.Message, error) {
		msg, err := optionsMessage(mgr)
		if err != nil {
			return nil, err
		}
		return []llm.Message{msg}, nil
	}
}

func simpleStrategistDefinition(mgr *strategy.Manager) *agent.Definition {
	return &agent.Definition{
		Name:               SimpleStrategist,
		Description:        "Reads the full turn report and decides the civilization's strategic posture.",
		ActiveTools:        strategistWhitelist(true),
		RemoveUsedWrappers: true,
		SystemPrompt: func(params *models.TurnParameters, _ map[string]any) string {
			return composeSections(strategistInstructions, modeFocus(params.Mode))
		},
		InitialMessages: func(params *models.TurnParameters, _ map[string]any) []llm.Message {
			return strategistReport(params, true)
		},
		Prelude:   optionsPrelude(mgr),
		StopCheck: strategistStop,
	}
}

func paradoxaStrategistDefinition(mgr *strategy.Manager) *agent.Definition {
	return &agent.Definition{
		Name:               ParadoxaStrategist,
		Description:        "Deliberates as a three-voice council before deciding the civilization's course.",
		ActiveTools:        strategistWhitelist(true),
		RemoveUsedWrappers: true,
		SystemPrompt: func(params *models.TurnParameters, _ map[string]any) string {
			return composeSections(paradoxaInstructions, modeFocus(params.Mode))
		},
		InitialMessages: func(params *models.TurnParameters, _ map[string]any) []llm.Message {
			return strategistReport(params, true)
		},
		Prelude:   optionsPrelude(mgr),
		StopCheck: strategistStop,
	}
}

func briefedStrategistDefinition(mgr *strategy.Manager) *agent.Definition {
	return &agent.Definition{
		Name:               BriefedStrategist,
		Description:        "Decides the civilization's course from a chief-of-staff briefing instead of raw events.",
		ActiveTools:        strategistWhitelist(false),
		RemoveUsedWrappers: true,
		SystemPrompt: func(params *models.TurnParameters, _ map[string]any) string {
			return composeSections(strategistInstructions, briefedContextNote, modeFocus(params.Mode))
		},
		InitialMessages: func(params *models.TurnParameters, _ map[string]any) []llm.Message {
			return strategistReport(params, false)
		},
		Prelude: func(ctx context.Context, run *agent.Run) ([]llm.Message, error) {
			options, err := optionsMessage(mgr)
			if err != nil {
				return nil, err
			}
			briefing, err := combinedBriefing(ctx, run)
			if err != nil {
				return nil, err
			}
			return []llm.Message{options, briefing}, nil
		},
		StopCheck: strategistStop,
	}
}

func staffedStrategistDefinition(mgr *strategy.Manager, threshold int) *agent.Definition {
	return &agent.Definition{
		Name:               StaffedStrategist,
		Description:        "Decides the civilization's course from specialized staff briefings on heavy turns.",
		ActiveTools:        strategistWhitelist(false),
		RemoveUsedWrappers: true,
		SystemPrompt: func(params *models.TurnParameters, _ map[string]any) string {
			return composeSections(strategistInstructions, briefedContextNote, modeFocus(params.Mode))
		},
		InitialMessages: func(params *models.TurnParameters, _ map[string]any) []llm.Message {
			return strategistReport(params, false)
		},
		Prelude: func(ctx context.Context, run *agent.Run) ([]llm.Message, error) {
			options, err := optionsMessage(mgr)
			if err != nil {
				return nil, err
			}
			briefings, err := staffedBriefings(ctx, run, mgr, threshold)
			if err != nil {
				return nil, err
			}
			return append([]llm.Message{options}, briefings...), nil
		},
		StopCheck: strategistStop,
	}
}

// combinedBriefing runs the combined briefer, honoring a stored focus
// instruction from a previous turn. A failed briefing degrades to an
// unavailable note; the strategist still decides.
func combinedBriefing(ctx context.Context, run *agent.Run) (llm.Message, error) {
	input := map[string]any{}
	if focus, ok := run.Params().Recall(briefingFocusKey); ok {
		input["Instruction"] = focus
	}
	text := ""
	res, err := run.CallAgent(ctx, SimpleBriefer, input)
	switch {
	case err == nil:
		text = res.Text
		run.Params().SetReport(SimpleBriefer, res.Text)
	case fault.KindOf(err) == fault.KindCancelled:
		return llm.Message{}, err
	}
	return llm.UserMessage(FormatBriefing(deskCombined, text)), nil
}

// staffedBriefings routes event digestion. Heavy turns fan out the three
// specialized briefers in parallel; light turns collapse to the combined
// briefer. Events outside the specialized desks are attached raw so they
// are never silently lost.
func staffedBriefings(ctx context.Context, run *agent.Run, mgr *strategy.Manager, threshold int) ([]llm.Message, error) {
	params := run.Params()
	if EventPayloadSize(params.State.Events) <= threshold {
		briefing, err := combinedBriefing(ctx, run)
		if err != nil {
			return nil, err
		}
		return []llm.Message{briefing}, nil
	}

	results, err := run.FanOut(ctx,
		agent.SubCall{Agent: MilitaryBriefer, Input: map[string]any{}},
		agent.SubCall{Agent: EconomyBriefer, Input: map[string]any{}},
		agent.SubCall{Agent: DiplomacyBriefer, Input: map[string]any{}},
	)
	if err != nil {
		return nil, err
	}

	titles := map[string]string{
		MilitaryBriefer:  deskMilitary,
		EconomyBriefer:   deskEconomy,
		DiplomacyBriefer: deskDiplomacy,
	}
	messages := make([]llm.Message, 0, 4)
	for _, r := range results {
		text := ""
		if r.Err == nil && r.Result != nil {
			text = r.Result.Text
			params.SetReport(r.Agent, r.Result.Text)
		}
		messages = append(messages, llm.UserMessage(FormatBriefing(titles[r.Agent], text)))
	}

	if leftovers := leftoverEvents(mgr, params.State.Events); len(leftovers) > 0 {
		messages = append(messages, llm.UserMessage(FormatEvents(leftovers)))
	}
	return messages, nil
}

// leftoverEvents returns the events no specialized desk covers, in their
// original order.
func leftoverEvents(mgr *strategy.Manager, events []models.EventRecord) []models.EventRecord {
	var rest []models.EventRecord
	for _, ev := range events {
		category, err := mgr.CategoryFor(ev.Type)
		if err != nil {
			return events
		}
		switch category {
		case categoryMilitary, categoryEconomy, categoryDiplomacy:
		default:
			rest = append(rest, ev)
		}
	}
	return rest
}
