package catalog

import (
	"context"
	"fmt"

	"github.com/vox-deorum/strategos/pkg/agent"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
)

// brieferInputSchema accepts an optional focus instruction from the caller.
var brieferInputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"Instruction": map[string]any{
			"type":        "string",
			"description": "Optional focus for this briefing, e.g. a front or player to watch.",
		},
	},
	"additionalProperties": false,
}

// brieferBaseReads are the state tools every briefer may drill into.
var brieferBaseReads = []string{
	"get-players",
	"get-cities",
	"get-military-report",
	"get-victory-progress",
}

// deskReads adds the rules-database tools relevant to one desk.
var deskReads = map[string][]string{
	categoryMilitary:  {"get-units", "get-promotions"},
	categoryEconomy:   {"get-technologies", "get-buildings", "get-resources"},
	categoryDiplomacy: {"get-civilizations"},
}

func brieferWhitelist(category string) []string {
	names := append([]string{}, brieferBaseReads...)
	if category == "" {
		for _, cat := range []string{categoryMilitary, categoryEconomy, categoryDiplomacy} {
			names = append(names, deskReads[cat]...)
		}
		return names
	}
	return append(names, deskReads[category]...)
}

// brieferDefinition builds one briefer. The combined briefer passes an
// empty category and sees every event; specialized briefers see only their
// desk's slice of the turn.
func brieferDefinition(mgr *strategy.Manager, name, desk, category string) *agent.Definition {
	return &agent.Definition{
		Name:        name,
		Description: fmt.Sprintf("%s: digests this turn's events into a one-paragraph briefing.", desk),
		Tier:        "fast",
		InputSchema: brieferInputSchema,
		ActiveTools: brieferWhitelist(category),
		SystemPrompt: func(_ *models.TurnParameters, _ map[string]any) string {
			return fmt.Sprintf(brieferInstructions, desk, desk)
		},
		InitialMessages: func(params *models.TurnParameters, input map[string]any) []llm.Message {
			prev, _ := params.Report(name)
			sections := []string{
				FormatSituation(params),
				focusSection(stringInput(input, "Instruction")),
				FormatPreviousBriefing(prev),
			}
			return []llm.Message{llm.UserMessage(composeSections(sections...))}
		},
		Prelude: func(_ context.Context, run *agent.Run) ([]llm.Message, error) {
			events, err := FilterEventsByCategory(mgr, run.Params().State.Events, category)
			if err != nil {
				return nil, err
			}
			return []llm.Message{llm.UserMessage(FormatEvents(events))}, nil
		},
	}
}

func focusSection(instruction string) string {
	if instruction == "" {
		return ""
	}
	return "## Focus\n" + instruction + "\n"
}

func stringInput(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}
