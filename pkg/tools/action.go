package tools

import (
	"context"

	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/fault"
)

// PostProcess runs after a successful bridge action with the validated
// arguments and the bridge result, and may replace the result. Typical
// implementations audit the change to the knowledge store, emit a replay
// line, and fire an observer event.
type PostProcess func(ctx context.Context, args map[string]any, result any) (any, error)

// BridgeActionConfig assembles a bridge-action tool.
type BridgeActionConfig struct {
	Name        string
	Description string

	// Function is the remote function name on the bridge. Defaults to Name.
	Function string

	// Arguments names the script parameters in positional order. Each must
	// appear in the input schema; absent optional arguments pass as nil.
	Arguments []string

	// Script is the constant function body installed on the bridge. User
	// values reach it only through the positional argument channel.
	Script string

	Registry *bridge.Registry

	// Pre validates arguments beyond the schema, before the bridge call.
	Pre func(ctx context.Context, args map[string]any) error

	Post   PostProcess
	Output map[string]any
}

// BridgeActionTool maps schema-named arguments onto a remote function's
// positional parameters and interprets the bridge envelope.
type BridgeActionTool struct {
	meta
	registry  *bridge.Registry
	function  string
	arguments []string
	pre       func(ctx context.Context, args map[string]any) error
	post      PostProcess
}

// NewBridgeActionTool defines the remote function on the registry and wraps
// it as a tool. A is the argument struct the input schema reflects.
func NewBridgeActionTool[A any](cfg BridgeActionConfig) (*BridgeActionTool, error) {
	m, err := buildMeta[A](cfg.Name, cfg.Description, cfg.Output, Annotations{})
	if err != nil {
		return nil, err
	}
	function := cfg.Function
	if function == "" {
		function = cfg.Name
	}
	if err := cfg.Registry.Define(function, cfg.Arguments, cfg.Script); err != nil {
		return nil, err
	}
	return &BridgeActionTool{
		meta:      m,
		registry:  cfg.Registry,
		function:  function,
		arguments: cfg.Arguments,
		pre:       cfg.Pre,
		post:      cfg.Post,
	}, nil
}

// Execute validates arguments, invokes the remote function, and applies
// post-processing to the successful result.
func (t *BridgeActionTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if err := t.validate(args); err != nil {
		return nil, err
	}
	if t.pre != nil {
		if err := t.pre(ctx, args); err != nil {
			return nil, err
		}
	}

	positional := make([]any, len(t.arguments))
	for i, name := range t.arguments {
		positional[i] = args[name] // absent optionals stay nil
	}

	res, err := t.registry.Invoke(ctx, t.function, positional)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if res.Error != nil {
			return nil, fault.New(fault.KindBridgeError, "%s: %s: %s", t.name, res.Error.Code, res.Error.Message)
		}
		return nil, fault.New(fault.KindBridgeError, "%s failed without detail", t.name)
	}

	if t.post != nil {
		return t.post(ctx, args, res.Result)
	}
	return res.Result, nil
}
