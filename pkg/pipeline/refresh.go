package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/gamedata"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/models"
)

// Read-only getter scripts. Each returns rows of {key, visibility, data} so
// the refresher can ingest them without per-getter parsing; the events getter
// returns the native event log slice instead. Values pass only through the
// positional argument channel.
const (
	getMetadataScript = `return Game.VoxGameMetadata()`

	getPlayersScript = `local turn = ...
return Game.VoxPlayerInformations(turn)`

	getCitiesScript = `local turn = ...
return Game.VoxCityInformations(turn)`

	getMilitaryScript = `local turn = ...
return Game.VoxMilitaryZones(turn)`

	getVictoryScript = `local turn = ...
return Game.VoxVictoryProgress(turn)`

	getOptionsScript = `local turn = ...
return Game.VoxPlayerOptions(turn)`

	getOpinionsScript = `local turn = ...
return Game.VoxPlayerOpinions(turn)`

	getEventsScript = `local sinceId = ...
return Game.VoxEventsSince(sinceId)`
)

// timedGetter maps one getter function onto the timed family kind its rows
// are stored under.
type timedGetter struct {
	function string
	kind     string
}

var timedGetters = []timedGetter{
	{"VoxGetPlayers", knowledge.KindPlayers},
	{"VoxGetCities", knowledge.KindCities},
	{"VoxGetMilitary", knowledge.KindMilitaryReport},
	{"VoxGetVictoryProgress", knowledge.KindVictoryProgress},
	{"VoxGetPlayerOptions", knowledge.KindPlayerOptions},
	{"VoxGetOpinions", knowledge.KindPlayerOpinions},
}

// Refresher pulls the game's read-only getters through the bridge on every
// turn transition and ingests the results into the knowledge store,
// localizing text keys on the way in. One refresh per turn: concurrent
// player pipelines share the result.
type Refresher struct {
	registry  *bridge.Registry
	store     *knowledge.Store
	localizer *gamedata.Localizer
	logger    *slog.Logger

	mu          sync.Mutex
	refreshed   int
	hasMetadata bool
	metadata    models.GameMetadata
}

// NewRefresher defines the getter functions on the registry and returns the
// refresher. Definition is local; the bridge sees nothing until first use.
func NewRefresher(registry *bridge.Registry, store *knowledge.Store, localizer *gamedata.Localizer) (*Refresher, error) {
	definitions := []struct {
		name   string
		args   []string
		script string
	}{
		{"VoxGetGameMetadata", nil, getMetadataScript},
		{"VoxGetPlayers", []string{"turn"}, getPlayersScript},
		{"VoxGetCities", []string{"turn"}, getCitiesScript},
		{"VoxGetMilitary", []string{"turn"}, getMilitaryScript},
		{"VoxGetVictoryProgress", []string{"turn"}, getVictoryScript},
		{"VoxGetPlayerOptions", []string{"turn"}, getOptionsScript},
		{"VoxGetOpinions", []string{"turn"}, getOpinionsScript},
		{"VoxGetEvents", []string{"sinceId"}, getEventsScript},
	}
	for _, def := range definitions {
		if err := registry.Define(def.name, def.args, def.script); err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "define getter %s", def.name)
		}
	}
	return &Refresher{
		registry:  registry,
		store:     store,
		localizer: localizer,
		logger:    slog.Default().With("component", "refresh"),
	}, nil
}

// Metadata returns the static game frame, fetching it from the game on
// first use.
func (r *Refresher) Metadata(ctx context.Context) (models.GameMetadata, error) {
	r.mu.Lock()
	if r.hasMetadata {
		meta := r.metadata
		r.mu.Unlock()
		return meta, nil
	}
	r.mu.Unlock()

	result, err := r.registry.Invoke(ctx, "VoxGetGameMetadata", nil)
	if err != nil {
		return models.GameMetadata{}, err
	}
	raw, _ := r.localizer.LocalizeValue(ctx, result.Result).(map[string]any)
	if raw == nil {
		return models.GameMetadata{}, fault.New(fault.KindBridgeError, "game metadata payload is not an object")
	}

	meta := models.GameMetadata{
		Speed:      asString(raw["speed"]),
		Map:        asString(raw["map"]),
		Difficulty: asString(raw["difficulty"]),
		YouAre:     asString(raw["youAre"]),
	}
	if victories, ok := raw["victoryTypes"].([]any); ok {
		for _, v := range victories {
			meta.VictoryTypes = append(meta.VictoryTypes, asString(v))
		}
	}

	r.mu.Lock()
	r.metadata = meta
	r.hasMetadata = true
	r.mu.Unlock()
	return meta, nil
}

// RefreshTurn ingests every getter's snapshot for the turn. Idempotent per
// turn: a second caller for the same turn returns once the first finished.
func (r *Refresher) RefreshTurn(ctx context.Context, turn int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if turn <= r.refreshed {
		return nil
	}

	for _, getter := range timedGetters {
		if err := r.ingestTimed(ctx, getter, turn); err != nil {
			return err
		}
	}
	if err := r.ingestEvents(ctx); err != nil {
		return err
	}

	if err := r.store.SetMetadata(ctx, knowledge.MetaCurrentTurn, strconv.Itoa(turn)); err != nil {
		return fault.Wrap(fault.KindDependencyFailed, err, "stamp current turn")
	}
	r.refreshed = turn
	r.logger.Info("Knowledge refreshed", "turn", turn)
	return nil
}

// LastRefreshedTurn reports the newest ingested turn, zero before the first
// refresh.
func (r *Refresher) LastRefreshedTurn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshed
}

func (r *Refresher) ingestTimed(ctx context.Context, getter timedGetter, turn int) error {
	result, err := r.registry.Invoke(ctx, getter.function, []any{turn})
	if err != nil {
		return fault.Wrap(fault.KindBridgeError, err, "refresh %s", getter.kind)
	}

	rows, ok := result.Result.([]any)
	if !ok {
		return fault.New(fault.KindBridgeError, "%s getter returned a non-list payload", getter.kind)
	}

	records := make([]models.TimedRecord, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			r.logger.Warn("Skipping malformed getter row", "kind", getter.kind)
			continue
		}
		payload, _ := r.localizer.LocalizeValue(ctx, row["data"]).(map[string]any)
		records = append(records, models.TimedRecord{
			Kind:       getter.kind,
			Key:        asString(row["key"]),
			Turn:       turn,
			Visibility: decodeVisibility(row["visibility"]),
			Payload:    payload,
		})
	}

	if err := r.store.StoreTimed(ctx, records); err != nil {
		return fault.Wrap(fault.KindDependencyFailed, err, "store %s snapshot", getter.kind)
	}
	return nil
}

// ingestEvents pulls every native event newer than the last stored id.
// Duplicate ids can arrive after a bridge reconnect; the store ignores them.
func (r *Refresher) ingestEvents(ctx context.Context) error {
	sinceID, err := r.store.LastEventID(ctx)
	if err != nil {
		return fault.Wrap(fault.KindDependencyFailed, err, "read last event id")
	}

	result, err := r.registry.Invoke(ctx, "VoxGetEvents", []any{sinceID})
	if err != nil {
		return fault.Wrap(fault.KindBridgeError, err, "refresh events")
	}
	rows, ok := result.Result.([]any)
	if !ok {
		return fault.New(fault.KindBridgeError, "events getter returned a non-list payload")
	}

	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			r.logger.Warn("Skipping malformed event row")
			continue
		}
		id := asInt64(row["id"])
		if id == 0 {
			r.logger.Warn("Skipping event without id", "type", row["type"])
			continue
		}
		payload, _ := r.localizer.LocalizeValue(ctx, row["payload"]).(map[string]any)
		err := r.store.StoreEvent(ctx, models.EventRecord{
			ID:         id,
			Type:       asString(row["type"]),
			Visibility: decodeVisibility(row["visibility"]),
			Payload:    payload,
		})
		if err != nil && !errors.Is(err, knowledge.ErrDuplicateEvent) {
			return fault.Wrap(fault.KindDependencyFailed, err, "store event %d", id)
		}
	}
	return nil
}

// BuildState assembles the per-turn game state for one player from the
// freshly ingested snapshots, enforcing that player's visibility.
func (r *Refresher) BuildState(ctx context.Context, player, turn int) (models.RecentState, error) {
	viewer := &player
	state := models.RecentState{}

	players, err := r.store.GetTimed(ctx, knowledge.KindPlayers, turn, turn, "", viewer)
	if err != nil {
		return state, fault.Wrap(fault.KindDependencyFailed, err, "load players report")
	}
	for _, rec := range players {
		state.Players = append(state.Players, rec.Payload)
	}

	cities, err := r.store.GetTimed(ctx, knowledge.KindCities, turn, turn, "", viewer)
	if err != nil {
		return state, fault.Wrap(fault.KindDependencyFailed, err, "load cities report")
	}
	for _, rec := range cities {
		state.Cities = append(state.Cities, rec.Payload)
	}

	key := strconv.Itoa(player)
	military, err := r.store.GetTimed(ctx, knowledge.KindMilitaryReport, turn, turn, key, viewer)
	if err != nil {
		return state, fault.Wrap(fault.KindDependencyFailed, err, "load military report")
	}
	if len(military) > 0 {
		state.Military = military[0].Payload
	}

	victory, err := r.store.GetTimed(ctx, knowledge.KindVictoryProgress, turn, turn, "", viewer)
	if err != nil {
		return state, fault.Wrap(fault.KindDependencyFailed, err, "load victory progress")
	}
	if len(victory) > 0 {
		state.VictoryProgress = victory[0].Payload
	}

	options, err := r.store.GetTimed(ctx, knowledge.KindPlayerOptions, turn, turn, key, viewer)
	if err != nil {
		return state, fault.Wrap(fault.KindDependencyFailed, err, "load player options")
	}
	if len(options) > 0 {
		state.Options = options[0].Payload
	}

	events, err := r.store.QueryEvents(ctx, models.EventFilter{
		FromTurn: max(turn-1, 0),
		ToTurn:   turn,
		Viewer:   viewer,
	})
	if err != nil {
		return state, fault.Wrap(fault.KindDependencyFailed, err, "load recent events")
	}
	state.Events = events

	stance, err := r.store.GetMutable(ctx, knowledge.KindStrategy, player, viewer)
	if err == nil {
		state.Strategies = stance.Payload
	}

	return state, nil
}

// decodeVisibility converts a JSON-decoded level list into a mask. A missing
// or malformed list yields an empty mask, which hides the row from everyone;
// getters that want world-readable rows must say so explicitly.
func decodeVisibility(raw any) models.Visibility {
	levels, ok := raw.([]any)
	if !ok {
		return models.Visibility{}
	}
	vis := make(models.Visibility, len(levels))
	for i, level := range levels {
		if n, ok := level.(float64); ok {
			vis[i] = models.VisibilityLevel(n)
		}
	}
	return vis
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
