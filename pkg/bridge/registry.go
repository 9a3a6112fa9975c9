package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/models"
)

// FunctionState tracks where a remote function sits in its registration
// lifecycle.
type FunctionState int32

const (
	StateUnknown FunctionState = iota
	StateRegistering
	StateRegistered
	StateFailed
)

func (s FunctionState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// remoteFunction is one named script known to the registry. The per-name
// mutex serializes registration so two callers never double-install.
type remoteFunction struct {
	name   string
	args   []string
	script string

	mu    sync.Mutex
	state FunctionState
}

// Registry manages named scripts on the bridge: install on first use,
// invalidate on reconnect, recover from unknown-function responses.
type Registry struct {
	client *Client

	mu    sync.RWMutex
	funcs map[string]*remoteFunction

	logger *slog.Logger
}

// NewRegistry builds an empty registry over the given client.
func NewRegistry(client *Client) *Registry {
	return &Registry{
		client: client,
		funcs:  make(map[string]*remoteFunction),
		logger: slog.Default().With("component", "bridge.registry"),
	}
}

// Define records a function so Invoke can install it lazily. Defining the
// same name with an identical body is a no-op; a different body is rejected,
// reuse requires a new name.
func (r *Registry) Define(name string, args []string, script string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.funcs[name]; ok {
		if existing.script == script {
			return nil
		}
		return fault.New(fault.KindInvalidArgument,
			"remote function %q already defined with a different body", name)
	}
	r.funcs[name] = &remoteFunction{name: name, args: args, script: script}
	return nil
}

// State reports the registration state of a defined function.
func (r *Registry) State(name string) (FunctionState, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return StateUnknown, false
	}
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.state, true
}

// Invoke calls a defined function, installing it first when needed. On an
// unknown-function response the install runs once more and the call is
// retried once; any further failure surfaces unchanged.
func (r *Registry) Invoke(ctx context.Context, name string, args []any) (*models.BridgeResult, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindNotFound, "remote function %q not defined", name)
	}

	if err := r.ensureRegistered(ctx, fn); err != nil {
		return nil, err
	}

	result, err := r.client.Call(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if !result.Success && result.Error != nil && result.Error.Code == models.BridgeCodeUnknownFunction {
		r.logger.Warn("Bridge lost remote function, reinstalling", "function", name)
		fn.mu.Lock()
		fn.state = StateUnknown
		fn.mu.Unlock()

		if err := r.ensureRegistered(ctx, fn); err != nil {
			return nil, err
		}
		return r.client.Call(ctx, name, args)
	}
	return result, nil
}

// ensureRegistered installs the function unless it is already registered.
// Held under the per-name mutex so concurrent invokers wait for one install.
func (r *Registry) ensureRegistered(ctx context.Context, fn *remoteFunction) error {
	fn.mu.Lock()
	defer fn.mu.Unlock()

	if fn.state == StateRegistered {
		return nil
	}
	fn.state = StateRegistering

	result, err := r.client.Install(ctx, fn.name, fn.args, fn.script)
	if err != nil {
		fn.state = StateFailed
		return fault.Wrap(fault.KindDependencyFailed, err, "register remote function %q", fn.name)
	}
	if !result.Success {
		fn.state = StateFailed
		return resultError("register remote function "+fn.name, result)
	}

	fn.state = StateRegistered
	r.logger.Debug("Remote function registered", "function", fn.name)
	return nil
}

// InvalidateAll marks every function unregistered. Called after the bridge
// reconnects, when loaded scripts are gone.
func (r *Registry) InvalidateAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.funcs {
		fn.mu.Lock()
		fn.state = StateUnknown
		fn.mu.Unlock()
	}
	r.logger.Info("Remote function registry invalidated", "functions", len(r.funcs))
}

// Watch resets the registry whenever the broadcaster reports a reconnect.
// Runs until the context ends.
func (r *Registry) Watch(ctx context.Context, events *Broadcaster) {
	sub := events.Subscribe()
	go func() {
		defer sub.Close()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if ev.Type == models.EventTypeConnected {
				r.InvalidateAll()
			}
		}
	}()
}

// Names returns the defined function names. For diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}
