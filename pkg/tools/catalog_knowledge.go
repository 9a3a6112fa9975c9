package tools

import (
	"context"
	"errors"
	"strconv"

	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/models"
)

// KnowledgeToolDeps are the shared dependencies of the knowledge-read tools.
type KnowledgeToolDeps struct {
	Store *knowledge.Store
}

// Basic-visibility projections: the columns a rival the viewer has met may
// see of another player's rows.
var (
	basicPlayerColumns = []string{"PlayerID", "Civilization", "Leader", "IsAlive", "Score", "NumCities", "Era"}
	basicCityColumns   = []string{"CityID", "Name", "Owner", "Population", "X", "Y"}
)

// viewerArgs are shared by the per-turn report readers.
type viewerArgs struct {
	Player int `json:"Player" jsonschema:"required,description=Your player id. Visibility is enforced from this seat."`
	Turn   int `json:"Turn,omitempty" jsonschema:"description=Turn to read. Defaults to the latest refreshed turn."`
}

type eventsArgs struct {
	Player   int      `json:"Player" jsonschema:"required,description=Your player id. Visibility is enforced from this seat."`
	FromTurn int      `json:"FromTurn,omitempty" jsonschema:"description=Oldest turn to include. Defaults to the turn before the latest refresh."`
	Types    []string `json:"Types,omitempty" jsonschema:"description=Restrict results to these event types."`
	Limit    int      `json:"Limit,omitempty" jsonschema:"description=Maximum events returned. Defaults to 100.,minimum=1"`
}

type rationaleArgs struct {
	Player   int `json:"Player" jsonschema:"required,description=Your player id."`
	FromTurn int `json:"FromTurn,omitempty" jsonschema:"description=Oldest turn to include."`
	ToTurn   int `json:"ToTurn,omitempty" jsonschema:"description=Newest turn to include."`
	Limit    int `json:"Limit,omitempty" jsonschema:"description=Maximum changes returned, newest first. Defaults to 10.,minimum=1"`
}

// NewKnowledgeTools builds the knowledge-store read tools.
func NewKnowledgeTools(deps KnowledgeToolDeps) ([]Tool, error) {
	players, err := NewKnowledgeReadTool(
		"get-players",
		"Read the per-turn players report: every civilization you have met, with yields and standing for those you can observe fully.",
		nil, deps.queryPlayers)
	if err != nil {
		return nil, err
	}
	cities, err := NewKnowledgeReadTool(
		"get-cities",
		"Read the per-turn cities report: your cities in full detail, foreign cities as far as you can see them.",
		nil, deps.queryCities)
	if err != nil {
		return nil, err
	}
	military, err := NewKnowledgeReadTool(
		"get-military-report",
		"Read your tactical military report: zones, force postures, and threats for the requested turn.",
		nil, deps.queryMilitary)
	if err != nil {
		return nil, err
	}
	victory, err := NewKnowledgeReadTool(
		"get-victory-progress",
		"Read the victory-progress scoreboard across all enabled victory conditions.",
		nil, deps.queryVictoryProgress)
	if err != nil {
		return nil, err
	}
	events, err := NewKnowledgeReadTool(
		"get-recent-events",
		"Read game events visible to you, optionally filtered by type and turn range.",
		nil, deps.queryRecentEvents)
	if err != nil {
		return nil, err
	}
	options, err := NewKnowledgeReadTool(
		"get-player-options",
		"Read your currently available choices: strategies, researchable technologies, adoptable policies, and active flavors.",
		nil, deps.queryPlayerOptions)
	if err != nil {
		return nil, err
	}
	rationale, err := NewKnowledgeReadTool(
		"get-past-rationale",
		"Read your own past strategy changes with the rationale recorded for each, newest first.",
		nil, deps.queryPastRationale)
	if err != nil {
		return nil, err
	}
	return []Tool{players, cities, military, victory, events, options, rationale}, nil
}

func (d KnowledgeToolDeps) queryPlayers(ctx context.Context, args viewerArgs) (any, error) {
	turn, err := d.resolveTurn(ctx, args.Turn)
	if err != nil {
		return nil, err
	}
	rows, err := d.Store.GetTimed(ctx, knowledge.KindPlayers, turn, turn, "", &args.Player)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read players report")
	}
	return projectedRows(rows, args.Player, basicPlayerColumns, turn), nil
}

func (d KnowledgeToolDeps) queryCities(ctx context.Context, args viewerArgs) (any, error) {
	turn, err := d.resolveTurn(ctx, args.Turn)
	if err != nil {
		return nil, err
	}
	rows, err := d.Store.GetTimed(ctx, knowledge.KindCities, turn, turn, "", &args.Player)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read cities report")
	}
	return projectedRows(rows, args.Player, basicCityColumns, turn), nil
}

func (d KnowledgeToolDeps) queryMilitary(ctx context.Context, args viewerArgs) (any, error) {
	turn, err := d.resolveTurn(ctx, args.Turn)
	if err != nil {
		return nil, err
	}
	rows, err := d.Store.GetTimed(ctx, knowledge.KindMilitaryReport, turn, turn, strconv.Itoa(args.Player), &args.Player)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read military report")
	}
	if len(rows) == 0 {
		return nil, fault.New(fault.KindNotFound, "no military report for player %d on turn %d", args.Player, turn)
	}
	return rows[len(rows)-1].Payload, nil
}

func (d KnowledgeToolDeps) queryVictoryProgress(ctx context.Context, args viewerArgs) (any, error) {
	turn, err := d.resolveTurn(ctx, args.Turn)
	if err != nil {
		return nil, err
	}
	rows, err := d.Store.GetTimed(ctx, knowledge.KindVictoryProgress, turn, turn, "global", &args.Player)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read victory progress")
	}
	if len(rows) == 0 {
		return nil, fault.New(fault.KindNotFound, "no victory progress recorded for turn %d", turn)
	}
	return rows[len(rows)-1].Payload, nil
}

func (d KnowledgeToolDeps) queryPlayerOptions(ctx context.Context, args viewerArgs) (any, error) {
	turn, err := d.resolveTurn(ctx, args.Turn)
	if err != nil {
		return nil, err
	}
	rows, err := d.Store.GetTimed(ctx, knowledge.KindPlayerOptions, turn, turn, strconv.Itoa(args.Player), &args.Player)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read player options")
	}
	if len(rows) == 0 {
		return nil, fault.New(fault.KindNotFound, "no options recorded for player %d on turn %d", args.Player, turn)
	}
	return rows[len(rows)-1].Payload, nil
}

func (d KnowledgeToolDeps) queryRecentEvents(ctx context.Context, args eventsArgs) (any, error) {
	fromTurn := args.FromTurn
	if fromTurn <= 0 {
		turn, err := d.resolveTurn(ctx, 0)
		if err != nil {
			return nil, err
		}
		fromTurn = turn - 1
		if fromTurn < 1 {
			fromTurn = 1
		}
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}

	records, err := d.Store.QueryEvents(ctx, models.EventFilter{
		Types:    args.Types,
		FromTurn: fromTurn,
		Viewer:   &args.Player,
		Limit:    limit,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read events")
	}

	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		items = append(items, map[string]any{
			"ID":      rec.ID,
			"Turn":    rec.Turn,
			"Type":    rec.Type,
			"Payload": rec.Payload,
		})
	}
	return map[string]any{"results": items, "count": len(items)}, nil
}

func (d KnowledgeToolDeps) queryPastRationale(ctx context.Context, args rationaleArgs) (any, error) {
	rows, err := d.Store.GetAuditTrail(ctx, knowledge.KindStrategy, args.Player, args.FromTurn, args.ToTurn, &args.Player)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read strategy history")
	}

	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}

	// Newest first.
	items := make([]map[string]any, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(items) < limit; i-- {
		item := make(map[string]any, len(rows[i].Payload)+1)
		for k, v := range rows[i].Payload {
			item[k] = v
		}
		item["Turn"] = rows[i].Turn
		items = append(items, item)
	}
	return map[string]any{"results": items, "count": len(items)}, nil
}

// projectedRows reduces each row to what the viewer may see and wraps the
// survivors in the uniform list envelope.
func projectedRows(rows []models.TimedRecord, viewer int, basicColumns []string, turn int) map[string]any {
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		payload := ProjectBasic(row.Payload, row.Visibility.LevelFor(viewer), basicColumns)
		if payload == nil {
			continue
		}
		items = append(items, payload)
	}
	return map[string]any{"results": items, "count": len(items), "turn": turn}
}

// resolveTurn substitutes the latest refreshed turn when the caller did not
// pin one.
func (d KnowledgeToolDeps) resolveTurn(ctx context.Context, requested int) (int, error) {
	if requested > 0 {
		return requested, nil
	}
	raw, err := d.Store.GetMetadata(ctx, knowledge.MetaCurrentTurn)
	if errors.Is(err, knowledge.ErrNotFound) {
		return 0, fault.New(fault.KindNotFound, "no turn has been refreshed yet")
	}
	if err != nil {
		return 0, fault.Wrap(fault.KindDependencyFailed, err, "read current turn")
	}
	turn, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, err, "current turn metadata is corrupt")
	}
	return turn, nil
}
