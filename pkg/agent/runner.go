package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/models"
)

// subAgentDrainTimeout bounds how long an ending run waits for cancelled
// sub-agent goroutines to unwind.
const subAgentDrainTimeout = 5 * time.Second

// Run is the live view of one agent invocation, handed to Prelude hooks so
// agents can delegate work before the step loop starts. Sub-agent calls
// inherit the invocation's turn parameters and recursion guard.
type Run struct {
	rt     *Runtime
	agent  string
	params *models.TurnParameters
	input  map[string]any
	// stack lists the agents in this call chain, outermost first, self
	// last. Sub-agent dispatch refuses names already on it.
	stack []string

	// ctx is the invocation-level context. Sub-agent contexts derive from
	// it so they die with the invocation, not with the step that
	// dispatched them.
	ctx context.Context

	mu     sync.Mutex
	runner *SubAgentRunner
}

// Agent returns the name of the running agent.
func (r *Run) Agent() string { return r.agent }

// Params returns the invocation's turn parameters.
func (r *Run) Params() *models.TurnParameters { return r.params }

// Input returns the invocation's input object.
func (r *Run) Input() map[string]any { return r.input }

// CallAgent runs another agent synchronously within this invocation's call
// chain.
func (r *Run) CallAgent(ctx context.Context, name string, input map[string]any) (*Result, error) {
	return r.rt.call(ctx, name, r.params, input, r.stack, nil)
}

// SubCall names one sub-agent invocation for FanOut.
type SubCall struct {
	Agent string
	Input map[string]any
}

// FanOut dispatches the calls in parallel and waits for all of them.
// Results come back in call order; per-call failures land in the matching
// slot's Err rather than failing the whole fan-out.
func (r *Run) FanOut(ctx context.Context, calls ...SubCall) ([]SubAgentResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	runner := r.subAgents()
	results := make([]SubAgentResult, len(calls))
	positions := make(map[int]int, len(calls))
	for i, call := range calls {
		token, err := runner.Dispatch(call.Agent, call.Input)
		if err != nil {
			results[i] = SubAgentResult{Agent: call.Agent, Err: err}
			continue
		}
		positions[token] = i
	}
	for range positions {
		res, err := runner.Wait(ctx)
		if err != nil {
			return results, fault.Wrap(fault.KindCancelled, err, "waiting for sub-agents")
		}
		if pos, ok := positions[res.Token]; ok {
			results[pos] = res
		}
	}
	return results, nil
}

// subAgents lazily builds the runner for this invocation.
func (r *Run) subAgents() *SubAgentRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runner == nil {
		r.runner = newSubAgentRunner(r.ctx, r.rt, r.agent, r.params, r.stack)
	}
	return r.runner
}

// shutdown cancels outstanding sub-agents and waits briefly for their
// goroutines to unwind. Called when the invocation ends.
func (r *Run) shutdown() {
	r.mu.Lock()
	runner := r.runner
	r.mu.Unlock()
	if runner == nil {
		return
	}
	runner.CancelAll()
	ctx, cancel := context.WithTimeout(context.Background(), subAgentDrainTimeout)
	defer cancel()
	runner.WaitAll(ctx)
}

// SubAgentResult is one completed sub-agent invocation.
type SubAgentResult struct {
	// Token identifies the Dispatch call that produced this result.
	Token  int
	Agent  string
	Result *Result
	Err    error
}

// SubAgentRunner manages the sub-agent goroutines of one invocation:
// dispatch with a concurrency cap, push-based result delivery over a
// buffered channel, and lifecycle control (cancel all, wait all).
type SubAgentRunner struct {
	rt     *Runtime
	params *models.TurnParameters
	stack  []string
	logger *slog.Logger

	// parentCtx is the invocation-level context sub-agent contexts derive
	// from, so a dispatched sub-agent is not tied to the lifetime of the
	// step that dispatched it.
	parentCtx context.Context

	// resultsCh is buffered to the concurrency cap so finished goroutines
	// never block on delivery.
	resultsCh chan SubAgentResult

	// closeCh is closed by CancelAll to make finished goroutines drop
	// their results instead of blocking on a consumer that is gone.
	closeCh chan struct{}

	// pending counts dispatched sub-agents whose results have not been
	// consumed yet.
	pending int32

	mu        sync.Mutex
	runs      map[int]*subAgentRun
	active    int
	nextToken int
}

type subAgentRun struct {
	token  int
	agent  string
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubAgentRunner(parentCtx context.Context, rt *Runtime, parent string, params *models.TurnParameters, stack []string) *SubAgentRunner {
	return &SubAgentRunner{
		rt:        rt,
		params:    params,
		stack:     stack,
		logger:    rt.logger.With("component", "agent.runner", "parent_agent", parent),
		parentCtx: parentCtx,
		resultsCh: make(chan SubAgentResult, rt.maxSubAgents),
		closeCh:   make(chan struct{}),
		runs:      make(map[int]*subAgentRun),
	}
}

// Dispatch starts a sub-agent and returns its token immediately. The
// result is delivered to the runner's channel when the goroutine finishes.
func (r *SubAgentRunner) Dispatch(name string, input map[string]any) (int, error) {
	if _, err := r.rt.registry.Get(name); err != nil {
		return 0, err
	}
	for _, caller := range r.stack {
		if caller == name {
			return 0, fault.New(fault.KindInvalidArgument, "agent %q is already running in this call chain", name)
		}
	}

	// The cap check, token assignment, and registration share one lock
	// hold so concurrent Dispatch calls see a consistent count.
	r.mu.Lock()
	if r.active >= r.rt.maxSubAgents {
		limit := r.rt.maxSubAgents
		r.mu.Unlock()
		return 0, fault.New(fault.KindInvalidArgument, "sub-agent limit reached (%d concurrent)", limit)
	}
	subCtx, cancel := context.WithCancel(r.parentCtx)
	r.nextToken++
	run := &subAgentRun{
		token:  r.nextToken,
		agent:  name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.runs[run.token] = run
	r.active++
	r.mu.Unlock()

	atomic.AddInt32(&r.pending, 1)
	go r.runSubAgent(subCtx, cancel, run, input)

	return run.token, nil
}

// runSubAgent executes one sub-agent and delivers its result.
func (r *SubAgentRunner) runSubAgent(ctx context.Context, cancel context.CancelFunc, run *subAgentRun, input map[string]any) {
	defer cancel()
	defer close(run.done)
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	res, err := r.rt.call(ctx, run.agent, r.params, input, r.stack, nil)
	if err != nil {
		r.logger.Error("Sub-agent run failed", "sub_agent", run.agent, "error", err)
	}

	// Non-blocking on shutdown: when closeCh is closed the parent run is
	// unwinding and will not consume the result.
	select {
	case r.resultsCh <- SubAgentResult{Token: run.token, Agent: run.agent, Result: res, Err: err}:
	case <-r.closeCh:
	}
}

// TryDrain returns a completed result without blocking.
func (r *SubAgentRunner) TryDrain() (SubAgentResult, bool) {
	select {
	case result := <-r.resultsCh:
		atomic.AddInt32(&r.pending, -1)
		return result, true
	default:
		return SubAgentResult{}, false
	}
}

// Wait blocks until a result is available or the context ends.
func (r *SubAgentRunner) Wait(ctx context.Context) (SubAgentResult, error) {
	select {
	case result := <-r.resultsCh:
		atomic.AddInt32(&r.pending, -1)
		return result, nil
	case <-ctx.Done():
		return SubAgentResult{}, ctx.Err()
	}
}

// HasPending reports whether any dispatched result is still unconsumed.
func (r *SubAgentRunner) HasPending() bool {
	return atomic.LoadInt32(&r.pending) > 0
}

// CancelAll cancels every running sub-agent and makes finished goroutines
// drop undelivered results.
func (r *SubAgentRunner) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.closeCh:
	default:
		close(r.closeCh)
	}
	for _, run := range r.runs {
		run.cancel()
	}
}

// WaitAll waits for all sub-agent goroutines to finish or the context to
// end.
func (r *SubAgentRunner) WaitAll(ctx context.Context) {
	r.mu.Lock()
	runs := make([]*subAgentRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return
		}
	}
}
