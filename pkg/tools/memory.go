package tools

import (
	"context"

	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/models"
)

type rememberArgs struct {
	Key     string `json:"Key" jsonschema:"required,description=Name to store the note under."`
	Value   string `json:"Value" jsonschema:"required,description=The note itself."`
	Persist bool   `json:"Persist,omitempty" jsonschema:"description=Carry the note into future turns."`
}

// RememberTool writes to the current run's working memory. Persisted notes
// additionally land in the knowledge store so they survive restarts.
type RememberTool struct {
	meta
	params      *models.TurnParameters
	store       *knowledge.Store
	playerCount int
}

// NewRememberTool binds a remember tool to one turn's parameters. The agent
// runtime registers it per run rather than in the process catalog.
func NewRememberTool(params *models.TurnParameters, store *knowledge.Store, playerCount int) (*RememberTool, error) {
	m, err := buildMeta[rememberArgs](
		"remember",
		"Keep a short note in working memory for later steps this turn. Set Persist to carry it into future turns.",
		PermissiveObjectSchema(""),
		Annotations{},
	)
	if err != nil {
		return nil, err
	}
	return &RememberTool{meta: m, params: params, store: store, playerCount: playerCount}, nil
}

// Execute stores the note. Persisted notes write the full persisted set so
// the knowledge row always mirrors what survives the turn.
func (t *RememberTool) Execute(ctx context.Context, raw map[string]any) (any, error) {
	if err := t.validate(raw); err != nil {
		return nil, err
	}
	var args rememberArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}

	t.params.Remember(args.Key, args.Value, args.Persist)

	if args.Persist && t.store != nil {
		payload := make(map[string]any)
		for k, v := range t.params.PersistedMemory() {
			payload[k] = v
		}
		vis := actorVisibility(t.params.PlayerID, t.playerCount)
		_, err := t.store.StoreMutable(ctx, knowledge.KindWorkingMemory, t.params.PlayerID, t.params.Turn, payload, vis, nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindDependencyFailed, err, "persist working memory")
		}
	}

	return map[string]any{"stored": args.Key, "persisted": args.Persist}, nil
}
