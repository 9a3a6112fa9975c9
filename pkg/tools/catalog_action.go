package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/events"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/gamedata"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/strategy"
)

// Mutation scripts. Values pass only through positional args; the script
// bodies are constants and never see interpolated user input.
const (
	setStrategyScript = `local playerId, strategyName = ...
local player = Players[playerId]
if player == nil or not player:IsAlive() then
	return { error = "player is not alive" }
end
local info = GameInfo.AIGrandStrategies[strategyName]
if info == nil then
	return { error = "unknown grand strategy: " .. tostring(strategyName) }
end
local previous = player:GetGrandStrategy()
player:SetGrandStrategy(info.ID)
return { previous = previous }`

	setFlavorsScript = `local playerId, flavors = ...
local player = Players[playerId]
if player == nil or not player:IsAlive() then
	return { error = "player is not alive" }
end
local previous = {}
for name, weight in pairs(flavors) do
	local info = GameInfo.Flavors[name]
	if info ~= nil then
		previous[name] = player:GetFlavorValue(info.ID)
		player:SetFlavorValue(info.ID, weight)
	end
end
return { previous = previous }`

	unsetFlavorsScript = `local playerId, flavors = ...
local player = Players[playerId]
if player == nil or not player:IsAlive() then
	return { error = "player is not alive" }
end
for _, name in ipairs(flavors) do
	local info = GameInfo.Flavors[name]
	if info ~= nil then
		player:ResetFlavorValue(info.ID)
	end
end
return true`

	setResearchScript = `local playerId, techName = ...
local player = Players[playerId]
if player == nil or not player:IsAlive() then
	return { error = "player is not alive" }
end
local info = GameInfo.Technologies[techName]
if info == nil then
	return { error = "unknown technology: " .. tostring(techName) }
end
local previous = player:GetCurrentResearch()
player:ClearResearchQueue()
player:PushResearch(info.ID)
return { previous = previous }`

	setPolicyScript = `local playerId, policyName = ...
local player = Players[playerId]
if player == nil or not player:IsAlive() then
	return { error = "player is not alive" }
end
local info = GameInfo.Policies[policyName]
if info == nil then
	return { error = "unknown policy: " .. tostring(policyName) }
end
if not player:CanAdoptPolicy(info.ID) then
	return { error = "policy cannot be adopted now: " .. policyName }
end
player:DoAdoptPolicy(info.ID)
return { adopted = policyName }`

	setRelationshipScript = `local playerId, targetId, publicOpinion, privateOpinion = ...
local player = Players[playerId]
if player == nil or not player:IsAlive() then
	return { error = "player is not alive" }
end
local target = Players[targetId]
if target == nil or not target:IsAlive() then
	return { error = "target is not alive" }
end
local previousPublic = player:GetOpinionWeight(targetId)
local previousPrivate = player:GetPrivateOpinionWeight(targetId)
player:SetOpinionWeight(targetId, publicOpinion)
player:SetPrivateOpinionWeight(targetId, privateOpinion)
return { previousPublic = previousPublic, previousPrivate = previousPrivate }`

	setPersonaScript = `local playerId, persona = ...
local player = Players[playerId]
if player == nil or not player:IsAlive() then
	return { error = "player is not alive" }
end
Game.VoxPersona(playerId, persona)
return true`
)

// ActionToolDeps are the shared dependencies of the mutation tools.
type ActionToolDeps struct {
	Registry    *bridge.Registry
	Store       *knowledge.Store
	Strategy    *strategy.Manager
	Publisher   *events.Publisher
	PlayerCount int
	Logger      *slog.Logger
}

type setStrategyArgs struct {
	Player             int      `json:"Player" jsonschema:"required,description=Acting player id."`
	Strategy           string   `json:"Strategy" jsonschema:"required,description=Grand strategy name from the strategy catalog."`
	MilitaryStratagems []string `json:"MilitaryStratagems,omitempty" jsonschema:"description=Military stratagems to adopt by name."`
	EconomicStratagems []string `json:"EconomicStratagems,omitempty" jsonschema:"description=Economic stratagems to adopt by name."`
	Rationale          string   `json:"Rationale" jsonschema:"required,description=Why this stance was chosen."`
}

type setFlavorsArgs struct {
	Player    int            `json:"Player" jsonschema:"required,description=Acting player id."`
	Flavors   map[string]int `json:"Flavors" jsonschema:"required,description=Flavor name to weight. Weights typically range 0 to 10."`
	Rationale string         `json:"Rationale" jsonschema:"required,description=Why these weights were chosen."`
}

type unsetFlavorsArgs struct {
	Player    int      `json:"Player" jsonschema:"required,description=Acting player id."`
	Flavors   []string `json:"Flavors" jsonschema:"required,description=Flavor names to reset to their leader defaults."`
	Rationale string   `json:"Rationale" jsonschema:"required,description=Why these overrides are dropped."`
}

type setResearchArgs struct {
	Player     int    `json:"Player" jsonschema:"required,description=Acting player id."`
	Technology string `json:"Technology" jsonschema:"required,description=Technology Type identifier such as TECH_POTTERY."`
	Rationale  string `json:"Rationale" jsonschema:"required,description=Why this technology comes next."`
}

type setPolicyArgs struct {
	Player    int    `json:"Player" jsonschema:"required,description=Acting player id."`
	Policy    string `json:"Policy" jsonschema:"required,description=Policy Type identifier such as POLICY_LIBERTY."`
	Rationale string `json:"Rationale" jsonschema:"required,description=Why this policy is adopted."`
}

type setRelationshipArgs struct {
	Player    int    `json:"Player" jsonschema:"required,description=Acting player id."`
	Target    int    `json:"Target" jsonschema:"required,description=Player id the stance applies to."`
	Public    int    `json:"Public" jsonschema:"required,description=Openly displayed opinion weight."`
	Private   int    `json:"Private" jsonschema:"required,description=True opinion weight driving decisions."`
	Rationale string `json:"Rationale" jsonschema:"required,description=Why the stance changed."`
}

type setPersonaArgs struct {
	Player    int    `json:"Player" jsonschema:"required,description=Acting player id."`
	Persona   string `json:"Persona" jsonschema:"required,description=Short persona label shown to observers."`
	Rationale string `json:"Rationale" jsonschema:"required,description=Why the persona changed."`
}

type statusQuoArgs struct {
	Player    int    `json:"Player" jsonschema:"required,description=Acting player id."`
	Mode      string `json:"Mode" jsonschema:"required,description=Which knob family the run was deciding.,enum=Strategy,enum=Flavor"`
	Rationale string `json:"Rationale" jsonschema:"required,description=Why nothing changes this turn."`
}

// NewActionTools builds the mutation tools. All of them audit through the
// knowledge store and publish observer events; only keep-status-quo skips
// the bridge entirely so it stays usable as the failure fallback.
func NewActionTools(deps ActionToolDeps) ([]Tool, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "tools")
	}

	setStrategy, err := NewBridgeActionTool[setStrategyArgs](BridgeActionConfig{
		Name:        "set-strategy",
		Description: "Commit to a grand strategy and optionally adopt military and economic stratagems. One of set-strategy or set-flavors or keep-status-quo must conclude every strategy turn.",
		Function:    "VoxSetStrategy",
		Arguments:   []string{"Player", "Strategy"},
		Script:      setStrategyScript,
		Registry:    deps.Registry,
		Pre:         deps.validateStrategyArgs,
		Post:        deps.postSetStrategy,
	})
	if err != nil {
		return nil, err
	}

	setFlavors, err := NewBridgeActionTool[setFlavorsArgs](BridgeActionConfig{
		Name:        "set-flavors",
		Description: "Override AI flavor weights by name. Overrides persist until unset-flavors drops them.",
		Function:    "VoxSetFlavors",
		Arguments:   []string{"Player", "Flavors"},
		Script:      setFlavorsScript,
		Registry:    deps.Registry,
		Pre:         deps.validateFlavorArgs,
		Post:        deps.postSetFlavors,
	})
	if err != nil {
		return nil, err
	}

	unsetFlavors, err := NewBridgeActionTool[unsetFlavorsArgs](BridgeActionConfig{
		Name:        "unset-flavors",
		Description: "Drop flavor overrides and return the named flavors to their leader defaults.",
		Function:    "VoxUnsetFlavors",
		Arguments:   []string{"Player", "Flavors"},
		Script:      unsetFlavorsScript,
		Registry:    deps.Registry,
		Pre:         deps.validateUnsetFlavorArgs,
		Post:        deps.postUnsetFlavors,
	})
	if err != nil {
		return nil, err
	}

	setResearch, err := NewBridgeActionTool[setResearchArgs](BridgeActionConfig{
		Name:        "set-research",
		Description: "Clear the research queue and research the named technology next.",
		Function:    "VoxSetResearch",
		Arguments:   []string{"Player", "Technology"},
		Script:      setResearchScript,
		Registry:    deps.Registry,
		Post:        deps.postSetResearch,
	})
	if err != nil {
		return nil, err
	}

	setPolicy, err := NewBridgeActionTool[setPolicyArgs](BridgeActionConfig{
		Name:        "set-policy",
		Description: "Adopt the named social policy. Fails when the policy is not currently adoptable.",
		Function:    "VoxSetPolicy",
		Arguments:   []string{"Player", "Policy"},
		Script:      setPolicyScript,
		Registry:    deps.Registry,
		Post:        deps.postSetPolicy,
	})
	if err != nil {
		return nil, err
	}

	setRelationship, err := NewBridgeActionTool[setRelationshipArgs](BridgeActionConfig{
		Name:        "set-relationship",
		Description: "Set the public and private opinion weights toward another player. Returns the previous weights.",
		Function:    "VoxSetRelationship",
		Arguments:   []string{"Player", "Target", "Public", "Private"},
		Script:      setRelationshipScript,
		Registry:    deps.Registry,
		Pre:         deps.validateRelationshipArgs,
		Post:        deps.postSetRelationship,
	})
	if err != nil {
		return nil, err
	}

	setPersona, err := NewBridgeActionTool[setPersonaArgs](BridgeActionConfig{
		Name:        "set-persona",
		Description: "Change the persona label observers see for this player.",
		Function:    "VoxSetPersona",
		Arguments:   []string{"Player", "Persona"},
		Script:      setPersonaScript,
		Registry:    deps.Registry,
		Post:        deps.postSetPersona,
	})
	if err != nil {
		return nil, err
	}

	statusQuo, err := newStatusQuoTool(deps)
	if err != nil {
		return nil, err
	}

	return []Tool{setStrategy, setFlavors, unsetFlavors, setResearch, setPolicy, setRelationship, setPersona, statusQuo}, nil
}

func (d ActionToolDeps) validateStrategyArgs(ctx context.Context, raw map[string]any) error {
	var args setStrategyArgs
	if err := bindArgs(raw, &args); err != nil {
		return err
	}
	if err := d.Strategy.ValidateStrategy(args.Strategy); err != nil {
		return err
	}
	if err := d.Strategy.ValidateMilitaryStratagems(args.MilitaryStratagems); err != nil {
		return err
	}
	return d.Strategy.ValidateEconomicStratagems(args.EconomicStratagems)
}

func (d ActionToolDeps) validateFlavorArgs(ctx context.Context, raw map[string]any) error {
	var args setFlavorsArgs
	if err := bindArgs(raw, &args); err != nil {
		return err
	}
	if len(args.Flavors) == 0 {
		return fault.New(fault.KindInvalidArgument, "set-flavors requires at least one flavor")
	}
	names := make([]string, 0, len(args.Flavors))
	for name := range args.Flavors {
		names = append(names, name)
	}
	return d.Strategy.ValidateFlavors(names)
}

func (d ActionToolDeps) validateUnsetFlavorArgs(ctx context.Context, raw map[string]any) error {
	var args unsetFlavorsArgs
	if err := bindArgs(raw, &args); err != nil {
		return err
	}
	if len(args.Flavors) == 0 {
		return fault.New(fault.KindInvalidArgument, "unset-flavors requires at least one flavor")
	}
	return d.Strategy.ValidateFlavors(args.Flavors)
}

func (d ActionToolDeps) validateRelationshipArgs(ctx context.Context, raw map[string]any) error {
	var args setRelationshipArgs
	if err := bindArgs(raw, &args); err != nil {
		return err
	}
	if args.Player == args.Target {
		return fault.New(fault.KindInvalidArgument, "relationship target must be another player")
	}
	return nil
}

func (d ActionToolDeps) postSetStrategy(ctx context.Context, raw map[string]any, result any) (any, error) {
	var args setStrategyArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}

	stance := d.currentStance(ctx, args.Player)
	stance["GrandStrategy"] = args.Strategy
	stance["MilitaryStratagems"] = toAnySlice(args.MilitaryStratagems)
	stance["EconomicStratagems"] = toAnySlice(args.EconomicStratagems)
	changed, err := d.writeStance(ctx, args.Player, stance, models.ModeStrategy, args.Rationale)
	if err != nil {
		return nil, err
	}

	label := gamedata.CanonicalName(args.Strategy)
	d.announce(ctx, args.Player, models.ActionStrategy,
		fmt.Sprintf("Grand strategy: %s", label), args.Rationale,
		fmt.Sprintf("We commit to %s.", label))

	out := resultMap(result)
	out["changed"] = changed
	return out, nil
}

func (d ActionToolDeps) postSetFlavors(ctx context.Context, raw map[string]any, result any) (any, error) {
	var args setFlavorsArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}

	stance := d.currentStance(ctx, args.Player)
	flavors := stanceFlavors(stance)
	for name, weight := range args.Flavors {
		flavors[name] = weight
	}
	stance["Flavors"] = flavors
	changed, err := d.writeStance(ctx, args.Player, stance, models.ModeFlavor, args.Rationale)
	if err != nil {
		return nil, err
	}

	d.announce(ctx, args.Player, models.ActionFlavors,
		fmt.Sprintf("Adjusted %d flavors", len(args.Flavors)), args.Rationale,
		fmt.Sprintf("We adjust %d flavor weights.", len(args.Flavors)))

	out := resultMap(result)
	out["changed"] = changed
	return out, nil
}

func (d ActionToolDeps) postUnsetFlavors(ctx context.Context, raw map[string]any, result any) (any, error) {
	var args unsetFlavorsArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}

	stance := d.currentStance(ctx, args.Player)
	flavors := stanceFlavors(stance)
	for _, name := range args.Flavors {
		delete(flavors, name)
	}
	stance["Flavors"] = flavors
	changed, err := d.writeStance(ctx, args.Player, stance, models.ModeFlavor, args.Rationale)
	if err != nil {
		return nil, err
	}

	d.announce(ctx, args.Player, models.ActionUnsetFlavors,
		fmt.Sprintf("Reset %d flavors", len(args.Flavors)), args.Rationale,
		fmt.Sprintf("We return %d flavors to instinct.", len(args.Flavors)))

	out := resultMap(result)
	out["changed"] = changed
	return out, nil
}

func (d ActionToolDeps) postSetResearch(ctx context.Context, raw map[string]any, result any) (any, error) {
	var args setResearchArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}
	label := gamedata.CanonicalName(args.Technology)
	d.announce(ctx, args.Player, models.ActionResearch,
		fmt.Sprintf("Research: %s", label), args.Rationale,
		fmt.Sprintf("Our scholars turn to %s.", label))
	return resultMap(result), nil
}

func (d ActionToolDeps) postSetPolicy(ctx context.Context, raw map[string]any, result any) (any, error) {
	var args setPolicyArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}
	label := gamedata.CanonicalName(args.Policy)
	d.announce(ctx, args.Player, models.ActionPolicy,
		fmt.Sprintf("Policy: %s", label), args.Rationale,
		fmt.Sprintf("We adopt %s.", label))
	return resultMap(result), nil
}

func (d ActionToolDeps) postSetRelationship(ctx context.Context, raw map[string]any, result any) (any, error) {
	var args setRelationshipArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}

	turn := d.actionTurn(ctx)
	targets := d.currentRelationships(ctx, args.Player)
	targets[strconv.Itoa(args.Target)] = map[string]any{
		"Public":  args.Public,
		"Private": args.Private,
	}
	payload := map[string]any{
		"Targets":   targets,
		"Rationale": args.Rationale,
	}
	vis := actorVisibility(args.Player, d.PlayerCount)
	changed, err := d.Store.StoreMutable(ctx, knowledge.KindRelationship, args.Player, turn, payload, vis, []string{"Rationale"})
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "record relationship change")
	}

	// Two replay lines: the posture the world sees, and the private one
	// the acting player can review later.
	d.replay(ctx, args.Player, fmt.Sprintf("Our public stance toward player %d is now %+d.", args.Target, args.Public))
	d.replay(ctx, args.Player, fmt.Sprintf("Privately we weigh player %d at %+d: %s", args.Target, args.Private, args.Rationale))
	d.observe(ctx, args.Player, models.ActionRelationship,
		fmt.Sprintf("Stance toward player %d: %+d public / %+d private", args.Target, args.Public, args.Private),
		args.Rationale)

	out := resultMap(result)
	out["changed"] = changed
	return out, nil
}

func (d ActionToolDeps) postSetPersona(ctx context.Context, raw map[string]any, result any) (any, error) {
	var args setPersonaArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}

	turn := d.actionTurn(ctx)
	payload := map[string]any{
		"Persona":   args.Persona,
		"Rationale": args.Rationale,
	}
	// Personas are observer-facing labels, so the row is world-readable.
	changed, err := d.Store.StoreMutable(ctx, knowledge.KindPersona, args.Player, turn, payload,
		models.FullVisibility(d.PlayerCount), []string{"Rationale"})
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "record persona change")
	}

	if err := d.Publisher.PublishPlayerInfo(ctx, models.VoxPlayerInfo{PlayerID: args.Player, Label: args.Persona}); err != nil {
		d.Logger.Warn("Persona overlay update failed", "player", args.Player, "error", err)
	}
	d.observe(ctx, args.Player, models.ActionPersona,
		fmt.Sprintf("Persona: %s", args.Persona), args.Rationale)

	out := resultMap(result)
	out["changed"] = changed
	return out, nil
}

// statusQuoTool records a deliberate no-change decision. It never touches
// the game, so it keeps working as the fallback when the bridge misbehaves.
type statusQuoTool struct {
	meta
	deps ActionToolDeps
}

func newStatusQuoTool(deps ActionToolDeps) (*statusQuoTool, error) {
	m, err := buildMeta[statusQuoArgs](
		"keep-status-quo",
		"Keep every current setting unchanged this turn and record why.",
		PermissiveObjectSchema("The unchanged stance."),
		Annotations{},
	)
	if err != nil {
		return nil, err
	}
	return &statusQuoTool{meta: m, deps: deps}, nil
}

func (t *statusQuoTool) Execute(ctx context.Context, raw map[string]any) (any, error) {
	if err := t.validate(raw); err != nil {
		return nil, err
	}
	var args statusQuoArgs
	if err := bindArgs(raw, &args); err != nil {
		return nil, err
	}
	d := t.deps

	stance := d.currentStance(ctx, args.Player)
	changed, err := d.writeStance(ctx, args.Player, stance, models.Mode(args.Mode), args.Rationale)
	if err != nil {
		return nil, err
	}

	d.announce(ctx, args.Player, models.ActionStatusQuo,
		"Holding current course", args.Rationale,
		"We hold our current course.")

	return map[string]any{
		"changed": changed,
		"stance":  stance,
	}, nil
}

// currentStance reads the player's stance record, or an empty skeleton when
// none exists yet.
func (d ActionToolDeps) currentStance(ctx context.Context, player int) map[string]any {
	rec, err := d.Store.GetMutable(ctx, knowledge.KindStrategy, player, nil)
	if err != nil {
		return map[string]any{
			"GrandStrategy":      "",
			"MilitaryStratagems": []any{},
			"EconomicStratagems": []any{},
			"Flavors":            map[string]any{},
		}
	}
	return rec.Payload
}

// currentRelationships reads the player's per-target stance table.
func (d ActionToolDeps) currentRelationships(ctx context.Context, player int) map[string]any {
	rec, err := d.Store.GetMutable(ctx, knowledge.KindRelationship, player, nil)
	if err != nil {
		return map[string]any{}
	}
	if targets, ok := rec.Payload["Targets"].(map[string]any); ok {
		return targets
	}
	return map[string]any{}
}

// writeStance persists the stance and reports whether the write was a
// substantive change. Rationale and mode updates alone do not count.
func (d ActionToolDeps) writeStance(ctx context.Context, player int, stance map[string]any, mode models.Mode, rationale string) (bool, error) {
	stance["Mode"] = string(mode)
	stance["Rationale"] = rationale

	turn := d.actionTurn(ctx)
	vis := actorVisibility(player, d.PlayerCount)
	changed, err := d.Store.StoreMutable(ctx, knowledge.KindStrategy, player, turn, stance, vis, []string{"Rationale", "Mode"})
	if err != nil {
		return false, fault.Wrap(fault.KindDependencyFailed, err, "record stance change")
	}
	return changed, nil
}

// announce fires the observer event and a replay line. Both are
// best-effort: the mutation already committed.
func (d ActionToolDeps) announce(ctx context.Context, player int, action models.ActionType, summary, rationale, replayLine string) {
	d.observe(ctx, player, action, summary, rationale)
	d.replay(ctx, player, replayLine)
}

func (d ActionToolDeps) observe(ctx context.Context, player int, action models.ActionType, summary, rationale string) {
	err := d.Publisher.PublishAction(ctx, models.VoxAction{
		PlayerID:   player,
		Turn:       d.actionTurn(ctx),
		ActionType: action,
		Summary:    summary,
		Rationale:  rationale,
	})
	if err != nil {
		d.Logger.Warn("Observer publish failed", "player", player, "action", action, "error", err)
	}
}

func (d ActionToolDeps) replay(ctx context.Context, player int, message string) {
	if err := d.Publisher.PublishReplay(ctx, player, d.actionTurn(ctx), message); err != nil {
		d.Logger.Warn("Replay publish failed", "player", player, "error", err)
	}
}

// actionTurn reads the latest refreshed turn. Mutations normally run inside
// a refreshed turn; before the first refresh they audit against turn 0.
func (d ActionToolDeps) actionTurn(ctx context.Context) int {
	raw, err := d.Store.GetMetadata(ctx, knowledge.MetaCurrentTurn)
	if err != nil {
		return 0
	}
	turn, err := strconv.Atoi(raw)
	if err != nil {
		d.Logger.Warn("Current turn metadata is corrupt", "value", raw)
		return 0
	}
	return turn
}

func actorVisibility(player, playerCount int) models.Visibility {
	vis := make(models.Visibility, playerCount)
	if player >= 0 && player < playerCount {
		vis[player] = models.VisibilityFull
	}
	return vis
}

func stanceFlavors(stance map[string]any) map[string]any {
	if flavors, ok := stance["Flavors"].(map[string]any); ok {
		return flavors
	}
	return map[string]any{}
}

func resultMap(result any) map[string]any {
	if m, ok := result.(map[string]any); ok {
		return m
	}
	out := map[string]any{}
	if result != nil {
		out["result"] = result
	}
	return out
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
