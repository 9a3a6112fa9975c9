package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vox-deorum/strategos/pkg/models"
)

// SummarizeFunc condenses text under an instruction, typically backed by the
// summarizer agent.
type SummarizeFunc func(ctx context.Context, text, instruction string) (string, error)

const (
	defaultPhaseSize = 10

	// outputDigestLimit caps how much of a span's recorded output makes it
	// into the turn digest handed to the summarizer.
	outputDigestLimit = 400

	turnFullInstruction  = "Write a compact narrative of this turn covering the decisions taken and any failures. Keep it under two paragraphs."
	turnShortInstruction = "Condense this into a single sentence naming the turn's decision."
	phaseInstruction     = "Write one paragraph describing the arc of these turns and how the strategy shifted."
)

// BuilderOptions configures a telepathist setup pass.
type BuilderOptions struct {
	Session   *SessionDB
	Store     *TelepathistStore
	Summarize SummarizeFunc

	// Model is recorded on every summary row it produces.
	Model string

	// PhaseSize is how many turns one phase narrative covers (default 10).
	PhaseSize int

	Logger *slog.Logger
}

// Builder derives the telepathist record from a finished session: one short
// and one full summary per turn, then phase narratives over contiguous
// groups of turns. Turns already summarized are skipped on re-runs; phases
// are rebuilt every pass since the covered turn set may have grown.
type Builder struct {
	session   *SessionDB
	store     *TelepathistStore
	summarize SummarizeFunc
	model     string
	phaseSize int
	logger    *slog.Logger
}

// NewBuilder validates options and returns a setup pass runner.
func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("telepathist builder requires a session database")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("telepathist builder requires a telepathist store")
	}
	if opts.Summarize == nil {
		return nil, fmt.Errorf("telepathist builder requires a summarize function")
	}
	phaseSize := opts.PhaseSize
	if phaseSize <= 0 {
		phaseSize = defaultPhaseSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		session:   opts.Session,
		store:     opts.Store,
		summarize: opts.Summarize,
		model:     opts.Model,
		phaseSize: phaseSize,
		logger:    logger.With("component", "telepathist"),
	}, nil
}

// Build runs the full setup pass over the session.
func (b *Builder) Build(ctx context.Context) error {
	turns, err := b.session.Turns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list session turns: %w", err)
	}
	if len(turns) == 0 {
		return fmt.Errorf("session %s has no recorded turns", b.session.ContextID())
	}

	existing, err := b.store.TurnSummaries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load existing summaries: %w", err)
	}
	byTurn := make(map[int]models.TurnSummary, len(existing))
	for _, s := range existing {
		byTurn[s.Turn] = s
	}

	summaries := make([]models.TurnSummary, 0, len(turns))
	for _, turn := range turns {
		if s, ok := byTurn[turn]; ok {
			summaries = append(summaries, s)
			continue
		}
		s, err := b.buildTurn(ctx, turn)
		if err != nil {
			return err
		}
		summaries = append(summaries, s)
	}

	if err := b.buildPhases(ctx, summaries); err != nil {
		return err
	}
	b.logger.Info("Telepathist record built",
		"context_id", b.session.ContextID(),
		"turns", len(summaries))
	return nil
}

func (b *Builder) buildTurn(ctx context.Context, turn int) (models.TurnSummary, error) {
	spans, err := b.session.SpansForTurn(ctx, turn)
	if err != nil {
		return models.TurnSummary{}, fmt.Errorf("failed to load spans for turn %d: %w", turn, err)
	}

	digest := digestSpans(spans)
	full, err := b.summarize(ctx, digest, turnFullInstruction)
	if err != nil {
		return models.TurnSummary{}, fmt.Errorf("failed to summarize turn %d: %w", turn, err)
	}
	short, err := b.summarize(ctx, full, turnShortInstruction)
	if err != nil {
		return models.TurnSummary{}, fmt.Errorf("failed to condense turn %d summary: %w", turn, err)
	}

	summary := models.TurnSummary{
		Turn:      turn,
		Short:     short,
		Full:      full,
		Model:     b.model,
		CreatedAt: time.Now(),
	}
	if err := b.store.PutTurnSummary(ctx, summary); err != nil {
		return models.TurnSummary{}, err
	}
	b.logger.Info("Turn summarized", "turn", turn, "spans", len(spans))
	return summary, nil
}

func (b *Builder) buildPhases(ctx context.Context, summaries []models.TurnSummary) error {
	for start := 0; start < len(summaries); start += b.phaseSize {
		end := min(start+b.phaseSize, len(summaries))
		group := summaries[start:end]

		var sb strings.Builder
		for _, s := range group {
			fmt.Fprintf(&sb, "Turn %d: %s\n", s.Turn, s.Short)
		}
		narrative, err := b.summarize(ctx, sb.String(), phaseInstruction)
		if err != nil {
			return fmt.Errorf("failed to summarize phase %d-%d: %w",
				group[0].Turn, group[len(group)-1].Turn, err)
		}

		phase := models.PhaseSummary{
			FromTurn:  group[0].Turn,
			ToTurn:    group[len(group)-1].Turn,
			Summary:   narrative,
			Model:     b.model,
			CreatedAt: time.Now(),
		}
		if err := b.store.PutPhaseSummary(ctx, phase); err != nil {
			return err
		}
		b.logger.Info("Phase summarized", "from_turn", phase.FromTurn, "to_turn", phase.ToTurn)
	}
	return nil
}

// digestSpans renders a turn's spans as one text line each, oldest first,
// keeping the attributes a reader needs to reconstruct what happened.
func digestSpans(spans []SpanRow) string {
	var sb strings.Builder
	for _, span := range spans {
		status := span.StatusCode
		if status == "" || status == "Unset" {
			status = "Ok"
		}
		fmt.Fprintf(&sb, "- %s (%s ms, %s)", span.Name,
			strconv.FormatFloat(span.DurationMs, 'f', 0, 64), status)
		if model := attrText(span.Attributes, "model"); model != "" {
			sb.WriteString(" model=" + model)
		}
		if calls := attrList(span.Attributes, "tool_calls"); len(calls) > 0 {
			sb.WriteString(" tools=" + strings.Join(calls, ","))
		}
		if span.StatusMessage != "" {
			sb.WriteString(" error=" + span.StatusMessage)
		}
		if output := attrText(span.Attributes, "output"); output != "" {
			if len(output) > outputDigestLimit {
				output = output[:outputDigestLimit] + "..."
			}
			sb.WriteString("\n  output: " + output)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func attrText(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

// attrList handles both []string from freshly converted spans and []any
// from attributes round-tripped through JSON.
func attrList(attrs map[string]any, key string) []string {
	switch v := attrs[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
