package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/vox-deorum/strategos/pkg/agent"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
)

var summarizerInputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"Text": map[string]any{
			"type":        "string",
			"description": "The text to summarize.",
		},
		"Instruction": map[string]any{
			"type":        "string",
			"description": "How to summarize. Defaults to a faithful summary at one tenth the length.",
		},
	},
	"required":             []any{"Text"},
	"additionalProperties": false,
}

// summarizerDefinition is the stateless summary agent. It carries no tools;
// one exchange in, one summary out.
func summarizerDefinition() *agent.Definition {
	return &agent.Definition{
		Name:        Summarizer,
		Description: "Condenses text per instruction and returns only the summary.",
		Tier:        "fast",
		InputSchema: summarizerInputSchema,
		ActiveTools: []string{},
		SystemPrompt: func(_ *models.TurnParameters, _ map[string]any) string {
			return summarizerInstructions
		},
		InitialMessages: func(_ *models.TurnParameters, input map[string]any) []llm.Message {
			sections := []string{focusSection(stringInput(input, "Instruction"))}
			sections = append(sections, "## Text\n"+stringInput(input, "Text"))
			return []llm.Message{llm.UserMessage(composeSections(sections...))}
		},
	}
}

// SummaryCache persists summarizer results across calls and sessions. The
// telepathist store implements it over its summary_cache table.
type SummaryCache interface {
	Lookup(ctx context.Context, key string) (result string, ok bool, err error)
	Store(ctx context.Context, key, result, model string) error
}

// CacheKey derives the summary-cache key from the request. The instruction
// participates so the same text summarized two ways caches twice.
func CacheKey(instruction, text string) string {
	h := sha256.New()
	h.Write([]byte(instruction))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// SummaryService fronts the summarizer agent with the persistent cache.
// Cache trouble never fails a summary; the model is the fallback.
type SummaryService struct {
	rt     *agent.Runtime
	cache  SummaryCache
	logger *slog.Logger
}

// NewSummaryService builds the service. A nil cache disables caching.
func NewSummaryService(rt *agent.Runtime, cache SummaryCache, logger *slog.Logger) *SummaryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryService{rt: rt, cache: cache, logger: logger.With("component", "summary")}
}

// Summarize returns the summary of text under instruction, consulting the
// cache first.
func (s *SummaryService) Summarize(ctx context.Context, params *models.TurnParameters, text, instruction string) (string, error) {
	if text == "" {
		return "", fault.New(fault.KindInvalidArgument, "summarize requires text")
	}
	key := CacheKey(instruction, text)
	if s.cache != nil {
		result, ok, err := s.cache.Lookup(ctx, key)
		if err != nil {
			s.logger.Warn("Summary cache lookup failed", "error", err)
		} else if ok {
			return result, nil
		}
	}

	input := map[string]any{"Text": text}
	if instruction != "" {
		input["Instruction"] = instruction
	}
	res, err := s.rt.CallAgent(ctx, Summarizer, params, input)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		if err := s.cache.Store(ctx, key, res.Text, res.Model); err != nil {
			s.logger.Warn("Summary cache store failed", "error", err)
		}
	}
	return res.Text, nil
}
