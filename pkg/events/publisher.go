// Package events publishes decisions back to the game: observer overlay
// events, replay lines, and derived knowledge events that later turns (and
// the get-past-rationale tool) read.
package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/models"
)

// Derived event types written to the knowledge store.
const (
	DerivedTypeAction = "VoxAction"
	DerivedTypeReplay = "VoxReplay"
)

// Overlay function scripts. Values pass only through positional args.
const (
	voxActionScript = `local playerId, turn, actionType, summary, rationale = ...
Game.VoxAction(playerId, turn, actionType, summary, rationale)
return true`

	voxPlayerInfoScript = `local playerId, label = ...
Game.VoxPlayerInfo(playerId, label)
return true`

	voxReplayScript = `local playerId, turn, message = ...
local player = Players[playerId]
player:AddReplayMessage(message, turn)
return true`
)

// Publisher sends observer events through the bridge and mirrors them into
// the knowledge store. Publishing is best-effort by contract: a bridge
// failure must never fail the decision that triggered it, so callers
// typically log the returned error and move on.
//
// Each public method accepts a specific typed payload — see pkg/models.
type Publisher struct {
	registry    *bridge.Registry
	store       *knowledge.Store
	playerCount int
	logger      *slog.Logger
}

// NewPublisher wires the overlay functions into the registry. playerCount
// sizes visibility masks for derived events.
func NewPublisher(registry *bridge.Registry, store *knowledge.Store, playerCount int) (*Publisher, error) {
	definitions := []struct {
		name   string
		args   []string
		script string
	}{
		{"VoxAction", []string{"playerId", "turn", "actionType", "summary", "rationale"}, voxActionScript},
		{"VoxPlayerInfo", []string{"playerId", "label"}, voxPlayerInfoScript},
		{"VoxReplayMessage", []string{"playerId", "turn", "message"}, voxReplayScript},
	}
	for _, def := range definitions {
		if err := registry.Define(def.name, def.args, def.script); err != nil {
			return nil, fmt.Errorf("define overlay function %s: %w", def.name, err)
		}
	}

	return &Publisher{
		registry:    registry,
		store:       store,
		playerCount: playerCount,
		logger:      slog.Default().With("component", "events"),
	}, nil
}

// PublishAction sends a decision to the overlay and records it as a derived
// event. The rationale is visible only to the acting player; other players
// see nothing.
func (p *Publisher) PublishAction(ctx context.Context, action models.VoxAction) error {
	var firstErr error

	_, err := p.registry.Invoke(ctx, "VoxAction", []any{
		action.PlayerID, action.Turn, string(action.ActionType), action.Summary, action.Rationale,
	})
	if err != nil {
		p.logger.Warn("Overlay action publish failed",
			"player", action.PlayerID, "action", action.ActionType, "error", err)
		firstErr = err
	}

	vis := p.actorOnlyVisibility(action.PlayerID)
	_, err = p.store.AppendDerivedEvent(ctx, action.Turn, DerivedTypeAction, vis, map[string]any{
		"playerId":   action.PlayerID,
		"actionType": string(action.ActionType),
		"summary":    action.Summary,
		"rationale":  action.Rationale,
	})
	if err != nil {
		p.logger.Warn("Derived action event write failed",
			"player", action.PlayerID, "action", action.ActionType, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// PublishPlayerInfo labels a controlled player in the overlay.
func (p *Publisher) PublishPlayerInfo(ctx context.Context, info models.VoxPlayerInfo) error {
	_, err := p.registry.Invoke(ctx, "VoxPlayerInfo", []any{info.PlayerID, info.Label})
	if err != nil {
		p.logger.Warn("Overlay player info publish failed",
			"player", info.PlayerID, "error", err)
	}
	return err
}

// PublishReplay sends a human-readable replay line summarizing a turn.
func (p *Publisher) PublishReplay(ctx context.Context, playerID, turn int, message string) error {
	_, err := p.registry.Invoke(ctx, "VoxReplayMessage", []any{playerID, turn, message})
	if err != nil {
		p.logger.Warn("Replay line publish failed",
			"player", playerID, "turn", turn, "error", err)
	}
	return err
}

// actorOnlyVisibility grants the actor full visibility and hides the row
// from everyone else.
func (p *Publisher) actorOnlyVisibility(playerID int) models.Visibility {
	vis := make(models.Visibility, p.playerCount)
	if playerID >= 0 && playerID < p.playerCount {
		vis[playerID] = models.VisibilityFull
	}
	return vis
}
