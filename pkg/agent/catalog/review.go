package catalog

import (
	"context"

	"github.com/vox-deorum/strategos/pkg/agent"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
)

var reviewInputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"Question": map[string]any{
			"type":        "string",
			"description": "The question to answer from the game record.",
		},
	},
	"required":             []any{"Question"},
	"additionalProperties": false,
}

var reviewDescriptions = map[string]string{
	Envoy:       "Speaks for a civilization from a completed game, answering from its record.",
	Telepathist: "Analyzes a completed game's record: turning points, choices, mistakes.",
}

// reviewDefinition builds an agent that answers questions over a finished
// game. Envoy and telepathist differ only in voice; both are outside the
// live turn loop and carry no tools.
func reviewDefinition(name, instructions string, review SessionReview) *agent.Definition {
	return &agent.Definition{
		Name:        name,
		Description: reviewDescriptions[name],
		InputSchema: reviewInputSchema,
		ActiveTools: []string{},
		SystemPrompt: func(_ *models.TurnParameters, _ map[string]any) string {
			return instructions
		},
		InitialMessages: func(_ *models.TurnParameters, input map[string]any) []llm.Message {
			question := stringInput(input, "Question")
			if question == "" {
				question = "Summarize how the game went."
			}
			return []llm.Message{llm.UserMessage("## Question\n" + question)}
		},
		Prelude: func(ctx context.Context, _ *agent.Run) ([]llm.Message, error) {
			phases, err := review.PhaseSummaries(ctx)
			if err != nil {
				return nil, fault.Wrap(fault.KindDependencyFailed, err, "load phase summaries")
			}
			turns, err := review.TurnSummaries(ctx)
			if err != nil {
				return nil, fault.Wrap(fault.KindDependencyFailed, err, "load turn summaries")
			}
			return []llm.Message{llm.UserMessage(FormatSessionRecord(phases, turns))}, nil
		},
	}
}
