package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/llm"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/tools"
)

const (
	defaultMaxSteps      = 10
	defaultNudgeRetries  = 3
	defaultRetryAttempts = 3
	defaultRetryBase     = 2 * time.Second
	defaultRetryCap      = 30 * time.Second
	defaultMaxSubAgents  = 4
	defaultTierName      = "standard"
)

// nudgePrompt is appended when a run ends with no tool calls and no answer.
const nudgePrompt = "You produced no tool calls and no answer. Execute the appropriate tool call now, or state your final decision."

// conclusionPrompt forces a final answer when the step cap is reached
// mid-investigation.
const conclusionPrompt = "You have reached the step limit. Give your final answer now based on what you have learned so far. Do not request any more tools."

// structuredPrompt asks for the schema-conforming final document.
const structuredPrompt = "Provide your final answer now in the required structured format."

// Options configures a Runtime. Catalog, Models, and Players are required;
// everything else has working defaults.
type Options struct {
	Catalog *tools.Catalog
	Models  *config.ModelRegistry
	Players *config.PlayerRegistry

	// Registry holds the agent definitions. Nil creates an empty one;
	// agents are then added through Runtime.Register.
	Registry *Registry

	Tracer trace.Tracer
	Logger *slog.Logger

	// ClientFactory builds the provider client for a model tier. Defaults
	// to llm.New; tests substitute scripted clients here.
	ClientFactory func(cfg *config.ModelConfig) (llm.Client, error)

	// RunTools synthesizes per-invocation tools bound to the turn
	// parameters (the remember tool). Whitelist names resolve against
	// these before the shared catalog.
	RunTools func(params *models.TurnParameters) ([]tools.Tool, error)

	// MaxSteps caps model exchanges per invocation (default 10).
	MaxSteps int

	// NudgeRetries bounds how often an empty run is nudged to act
	// (default 3).
	NudgeRetries int

	// RetryAttempts, RetryBase, and RetryCap shape the per-step retry on
	// transient provider failures (defaults 3, 2s, 30s).
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration

	// MaxConcurrentSubAgents caps parallel sub-agent goroutines per
	// invocation (default 4).
	MaxConcurrentSubAgents int

	// DefaultTier is the model tier of last resort (default "standard").
	DefaultTier string
}

// Runtime drives agent invocations. It holds the agent registry, the tool
// catalog, per-tier model clients, and the cancellation tokens of every
// in-flight invocation. Safe for concurrent use; per-player pipelines call
// it in parallel.
type Runtime struct {
	registry *Registry
	catalog  *tools.Catalog
	players  *config.PlayerRegistry
	modelCfg *config.ModelRegistry
	tracer   trace.Tracer
	logger   *slog.Logger
	factory  func(cfg *config.ModelConfig) (llm.Client, error)
	runTools func(params *models.TurnParameters) ([]tools.Tool, error)

	maxSteps      int
	nudgeRetries  int
	retryAttempts int
	retryBase     time.Duration
	retryCap      time.Duration
	maxSubAgents  int
	defaultTier   string

	clientMu sync.Mutex
	clients  map[string]llm.Client

	invMu       sync.Mutex
	invToken    int
	invocations map[int]context.CancelFunc
}

// NewRuntime validates options and builds a runtime.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Catalog == nil {
		return nil, fault.New(fault.KindInvalidArgument, "agent runtime requires a tool catalog")
	}
	if opts.Models == nil {
		return nil, fault.New(fault.KindInvalidArgument, "agent runtime requires a model registry")
	}
	if opts.Players == nil {
		return nil, fault.New(fault.KindInvalidArgument, "agent runtime requires a player registry")
	}
	rt := &Runtime{
		registry:      opts.Registry,
		catalog:       opts.Catalog,
		players:       opts.Players,
		modelCfg:      opts.Models,
		tracer:        opts.Tracer,
		logger:        opts.Logger,
		factory:       opts.ClientFactory,
		runTools:      opts.RunTools,
		maxSteps:      opts.MaxSteps,
		nudgeRetries:  opts.NudgeRetries,
		retryAttempts: opts.RetryAttempts,
		retryBase:     opts.RetryBase,
		retryCap:      opts.RetryCap,
		maxSubAgents:  opts.MaxConcurrentSubAgents,
		defaultTier:   opts.DefaultTier,
		clients:       make(map[string]llm.Client),
		invocations:   make(map[int]context.CancelFunc),
	}
	if rt.registry == nil {
		rt.registry = NewRegistry()
	}
	if rt.tracer == nil {
		rt.tracer = otel.Tracer("github.com/vox-deorum/strategos/pkg/agent")
	}
	if rt.logger == nil {
		rt.logger = slog.Default().With("component", "agent")
	}
	if rt.factory == nil {
		rt.factory = llm.New
	}
	if rt.maxSteps <= 0 {
		rt.maxSteps = defaultMaxSteps
	}
	if rt.nudgeRetries <= 0 {
		rt.nudgeRetries = defaultNudgeRetries
	}
	if rt.retryAttempts <= 0 {
		rt.retryAttempts = defaultRetryAttempts
	}
	if rt.retryBase <= 0 {
		rt.retryBase = defaultRetryBase
	}
	if rt.retryCap <= 0 {
		rt.retryCap = defaultRetryCap
	}
	if rt.maxSubAgents <= 0 {
		rt.maxSubAgents = defaultMaxSubAgents
	}
	if rt.defaultTier == "" {
		rt.defaultTier = defaultTierName
	}
	return rt, nil
}

// Register adds agent definitions to the runtime's registry.
func (rt *Runtime) Register(defs ...*Definition) error {
	for _, def := range defs {
		if err := rt.registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Definition returns a registered agent definition.
func (rt *Runtime) Definition(name string) (*Definition, error) {
	return rt.registry.Get(name)
}

// Agents returns registered agent names in registration order.
func (rt *Runtime) Agents() []string {
	return rt.registry.Names()
}

// CallAgent runs one agent invocation to completion. The agent's own
// OutputSchema, if declared, governs the output shape.
func (rt *Runtime) CallAgent(ctx context.Context, name string, params *models.TurnParameters, input map[string]any) (*Result, error) {
	return rt.call(ctx, name, params, input, nil, nil)
}

// CallAgentStructured runs one agent invocation and finishes with output
// conforming to the given schema, overriding the agent's declared one.
func (rt *Runtime) CallAgentStructured(ctx context.Context, name string, params *models.TurnParameters, input map[string]any, outputSchema map[string]any) (*Result, error) {
	if outputSchema == nil {
		return nil, fault.New(fault.KindInvalidArgument, "output schema is required")
	}
	return rt.call(ctx, name, params, input, nil, outputSchema)
}

// CancelActive cancels every in-flight invocation. Used on shutdown and by
// tests; the pipeline cancels individual runs through their own contexts.
func (rt *Runtime) CancelActive() {
	rt.invMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(rt.invocations))
	for _, cancel := range rt.invocations {
		cancels = append(cancels, cancel)
	}
	rt.invMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// ActiveInvocations reports the number of in-flight invocations.
func (rt *Runtime) ActiveInvocations() int {
	rt.invMu.Lock()
	defer rt.invMu.Unlock()
	return len(rt.invocations)
}

// call is the invocation core shared by the public entry points and the
// agent-as-tool wrappers. stack lists the agents already running in this
// call chain, outermost first; it guards against delegation cycles.
func (rt *Runtime) call(ctx context.Context, name string, params *models.TurnParameters, input map[string]any, stack []string, outputSchema map[string]any) (*Result, error) {
	if params == nil {
		return nil, fault.New(fault.KindInvalidArgument, "turn parameters are required")
	}
	def, err := rt.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if slices.Contains(stack, name) {
		return nil, fault.New(fault.KindInvalidArgument, "agent %q is already running in this call chain", name)
	}
	if input == nil {
		input = map[string]any{}
	}
	if outputSchema == nil {
		outputSchema = def.OutputSchema
	}

	previous := params.SetRunning(name)
	defer params.SetRunning(previous)

	ctx, span := rt.tracer.Start(ctx, "agent."+name, trace.WithAttributes(
		attribute.Int("player_id", params.PlayerID),
		attribute.Int("turn", params.Turn),
		attribute.String("mode", string(params.Mode)),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := rt.track(cancel)
	defer release()

	tier := rt.resolveTier(def, params.PlayerID)
	client, err := rt.clientFor(tier)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model_tier", tier),
		attribute.String("model", client.Model()),
	)

	logger := rt.logger.With("agent", name, "player_id", params.PlayerID, "turn", params.Turn)
	logger.Info("Agent run starting", "model_tier", tier, "model", client.Model(), "depth", len(stack))

	run := &Run{
		rt:     rt,
		agent:  name,
		params: params,
		input:  input,
		stack:  append(slices.Clone(stack), name),
		ctx:    ctx,
	}
	defer run.shutdown()

	messages := []llm.Message{llm.SystemMessage(def.SystemPrompt(params, input))}
	if def.InitialMessages != nil {
		messages = append(messages, def.InitialMessages(params, input)...)
	}
	if def.Prelude != nil {
		extra, err := def.Prelude(ctx, run)
		if err != nil {
			failSpan(span, err)
			return nil, fault.Wrap(fault.KindOf(err), err, "agent %s prelude", name)
		}
		messages = append(messages, extra...)
	}

	wrappers, err := rt.buildWrappers(run)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	runTools, err := rt.buildRunTools(params)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}

	state := &StepState{
		Agent:       name,
		Params:      params,
		Input:       input,
		ActiveTools: slices.Clone(def.ActiveTools),
	}
	usedWrappers := make(map[string]bool)
	var (
		usage     llm.Usage
		toolNames []string
		finalText string
		stopped   bool
	)
	nudges := 0

	for len(state.Steps) < rt.maxSteps {
		if err := ctx.Err(); err != nil {
			err = fault.Wrap(fault.KindCancelled, err, "agent %s interrupted", name)
			failSpan(span, err)
			return nil, err
		}

		if def.PrepareStep != nil {
			def.PrepareStep(state)
		}
		if len(state.Inject) > 0 {
			messages = append(messages, state.Inject...)
			state.Inject = nil
		}

		defs, exec, err := rt.assembleTools(state.ActiveTools, runTools, wrappers, usedWrappers)
		if err != nil {
			failSpan(span, err)
			return nil, err
		}

		resp, err := rt.modelStep(ctx, client, state, &llm.Request{
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   state.MaxTokens,
			Temperature: state.Temperature,
		})
		if err != nil {
			err = fault.Wrap(fault.KindOf(err), err, "agent %s step %d", name, len(state.Steps)+1)
			failSpan(span, err)
			return nil, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		step := Step{Response: resp}
		if len(resp.ToolCalls) > 0 {
			messages = append(messages, llm.AssistantMessage(resp.Text, resp.ToolCalls...))
			step.Results = rt.executeToolCalls(ctx, exec, resp.ToolCalls)

			results := make([]llm.ToolResult, 0, len(step.Results))
			for _, outcome := range step.Results {
				toolNames = append(toolNames, outcome.Call.Name)
				results = append(results, llm.ToolResult{
					ToolCallID: outcome.Call.ID,
					Name:       outcome.Call.Name,
					Content:    outcome.Content,
					IsError:    outcome.IsError,
				})
				if def.RemoveUsedWrappers && wrappers[outcome.Call.Name] != nil {
					usedWrappers[outcome.Call.Name] = true
				}
			}
			messages = append(messages, llm.ToolResultMessage(results...))
		} else {
			finalText = resp.Text
			if resp.Text != "" {
				// Keep the model's own conclusion in the conversation for
				// the structured-output follow-up.
				messages = append(messages, llm.AssistantMessage(resp.Text))
			}
		}
		state.Steps = append(state.Steps, step)

		logger.Debug("Agent step completed",
			"step", len(state.Steps), "tool_calls", len(resp.ToolCalls), "stop_reason", resp.StopReason)

		if def.StopCheck != nil && def.StopCheck(state) {
			stopped = true
			if finalText == "" {
				finalText = resp.Text
			}
			break
		}
		if len(resp.ToolCalls) == 0 {
			// A run that ends without doing anything gets nudged to act.
			if strings.TrimSpace(finalText) == "" && !state.Advanced() {
				if nudges < rt.nudgeRetries {
					nudges++
					logger.Warn("Agent produced no output, nudging", "nudge", nudges)
					messages = append(messages, llm.UserMessage(nudgePrompt))
					continue
				}
				err := fault.New(fault.KindDependencyFailed, "agent %q produced no tool calls and no output after %d nudges", name, nudges)
				failSpan(span, err)
				return nil, err
			}
			break
		}
	}

	result := &Result{
		Agent:     name,
		Model:     client.Model(),
		Steps:     len(state.Steps),
		ToolCalls: toolNames,
		Usage:     usage,
	}

	switch {
	case outputSchema != nil:
		structured, raw, err := rt.structuredOutput(ctx, client, messages, outputSchema, &result.Usage)
		if err != nil {
			failSpan(span, err)
			return nil, err
		}
		result.Structured = structured
		result.Text = raw
	case finalText == "" && !stopped && state.Advanced():
		// Step cap reached mid-investigation: one last call without tools
		// forces a text conclusion.
		messages = append(messages, llm.UserMessage(conclusionPrompt))
		resp, err := rt.withRetry(ctx, state.Timeout, "conclusion", func(c context.Context) (*llm.Response, error) {
			return client.Complete(c, &llm.Request{Messages: messages})
		})
		if err != nil {
			err = fault.Wrap(fault.KindOf(err), err, "agent %s forced conclusion", name)
			failSpan(span, err)
			return nil, err
		}
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens
		result.Steps++
		result.Text = resp.Text
	default:
		result.Text = finalText
	}

	span.SetAttributes(
		attribute.Int("steps", result.Steps),
		attribute.StringSlice("tool_calls", result.ToolCalls),
		attribute.String("output", result.Summary()),
	)
	span.SetStatus(codes.Ok, "")
	logger.Info("Agent run finished",
		"steps", result.Steps, "tool_calls", len(result.ToolCalls), "tokens", result.Usage.Total())
	return result, nil
}

// resolveTier ranks the model tier sources: explicit per-player override,
// then the agent's hint, then the player's resolved default.
func (rt *Runtime) resolveTier(def *Definition, playerID int) string {
	if tier := rt.players.TierOverride(playerID); tier != "" {
		return tier
	}
	if def.Tier != "" {
		return def.Tier
	}
	if tier := rt.players.Resolve(playerID).ModelTier; tier != "" {
		return tier
	}
	return rt.defaultTier
}

// clientFor returns the cached provider client for a tier, building it on
// first use.
func (rt *Runtime) clientFor(tier string) (llm.Client, error) {
	rt.clientMu.Lock()
	defer rt.clientMu.Unlock()
	if client, ok := rt.clients[tier]; ok {
		return client, nil
	}
	cfg, err := rt.modelCfg.Get(tier)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidArgument, err, "resolve model tier %q", tier)
	}
	client, err := rt.factory(cfg)
	if err != nil {
		return nil, err
	}
	rt.clients[tier] = client
	return client, nil
}

// buildWrappers synthesizes a call_<agent> tool for every registered agent
// not already on the call stack. The wrapper passes the caller's turn
// parameters through and returns the sub-agent's final output.
func (rt *Runtime) buildWrappers(run *Run) (map[string]tools.Tool, error) {
	wrappers := make(map[string]tools.Tool)
	for _, other := range rt.registry.Names() {
		if slices.Contains(run.stack, other) {
			continue
		}
		def, err := rt.registry.Get(other)
		if err != nil {
			continue
		}
		desc := def.Description
		if desc == "" {
			desc = fmt.Sprintf("Delegate a task to the %s agent and return its final output.", other)
		}
		wrapper, err := tools.NewAgentCallableTool(wrapperPrefix+other, desc, def.InputSchema,
			func(ctx context.Context, parameters map[string]any) (any, error) {
				res, err := rt.call(ctx, other, run.params, parameters, run.stack, nil)
				if err != nil {
					return nil, err
				}
				return res.Output(), nil
			})
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "build wrapper for agent %q", other)
		}
		wrappers[wrapper.Name()] = wrapper
	}
	return wrappers, nil
}

// buildRunTools materializes the per-invocation tools for this run.
func (rt *Runtime) buildRunTools(params *models.TurnParameters) (map[string]tools.Tool, error) {
	if rt.runTools == nil {
		return nil, nil
	}
	built, err := rt.runTools(params)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "build per-run tools")
	}
	out := make(map[string]tools.Tool, len(built))
	for _, tool := range built {
		out[tool.Name()] = tool
	}
	return out, nil
}

// assembleTools resolves the whitelist against the per-run tools and the
// catalog, then appends the unused agent wrappers. Unknown whitelist names
// fail the run; only the returned set is ever visible to the model.
func (rt *Runtime) assembleTools(whitelist []string, runTools, wrappers map[string]tools.Tool, used map[string]bool) ([]llm.ToolDefinition, map[string]tools.Tool, error) {
	catalogNames := make([]string, 0, len(whitelist))
	selected := make([]tools.Tool, 0, len(whitelist))
	for _, name := range whitelist {
		if tool, ok := runTools[name]; ok {
			selected = append(selected, tool)
			continue
		}
		catalogNames = append(catalogNames, name)
	}
	subset, err := rt.catalog.Subset(catalogNames)
	if err != nil {
		return nil, nil, err
	}
	selected = append(selected, subset...)
	slices.SortFunc(selected, func(a, b tools.Tool) int {
		return strings.Compare(a.Name(), b.Name())
	})

	defs := make([]llm.ToolDefinition, 0, len(selected)+len(wrappers))
	exec := make(map[string]tools.Tool, len(selected)+len(wrappers))
	for _, tool := range selected {
		exec[tool.Name()] = tool
		defs = append(defs, toolDefinition(tool))
	}
	for _, name := range slices.Sorted(maps.Keys(wrappers)) {
		if used[name] {
			continue
		}
		wrapper := wrappers[name]
		exec[name] = wrapper
		defs = append(defs, toolDefinition(wrapper))
	}
	return defs, exec, nil
}

func toolDefinition(tool tools.Tool) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        tool.Name(),
		Description: tool.Description(),
		InputSchema: tool.InputSchema(),
	}
}

// modelStep runs one streamed model exchange under its own span, retrying
// transient provider failures.
func (rt *Runtime) modelStep(ctx context.Context, client llm.Client, state *StepState, req *llm.Request) (*llm.Response, error) {
	ctx, span := rt.tracer.Start(ctx, "llm.step", trace.WithAttributes(
		attribute.String("model", client.Model()),
		attribute.Int("step", len(state.Steps)+1),
	))
	defer span.End()

	resp, err := rt.withRetry(ctx, state.Timeout, "step", func(c context.Context) (*llm.Response, error) {
		stream, err := client.Stream(c, req)
		if err != nil {
			return nil, err
		}
		return llm.Collect(stream)
	})
	if err != nil {
		failSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("input_tokens", resp.Usage.InputTokens),
		attribute.Int("output_tokens", resp.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// withRetry runs one model call with bounded retries on transient provider
// failures. A per-attempt timeout, when set, converts a stalled attempt
// into a retryable timeout without burning the parent deadline.
//
// TODO(openq): the attempt count and jitter policy are provisional; only
// exponential back-off with base 2s capped at 30s is settled.
func (rt *Runtime) withRetry(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (*llm.Response, error)) (*llm.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= rt.retryAttempts; attempt++ {
		if attempt > 1 {
			delay := rt.backoffDelay(attempt - 1)
			rt.logger.Warn("Retrying model call",
				"op", op, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "%s retry interrupted", op)
			}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		resp, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !fault.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoffDelay doubles from the base per retry, clamps at the cap, and
// adds up to half the delay as jitter.
func (rt *Runtime) backoffDelay(retry int) time.Duration {
	delay := rt.retryBase << uint(retry-1)
	if delay <= 0 || delay > rt.retryCap {
		delay = rt.retryCap
	}
	return delay + rand.N(delay/2+1)
}

// executeToolCalls runs a step's tool calls, in parallel when the model
// requested more than one. Outcomes keep the request order.
func (rt *Runtime) executeToolCalls(ctx context.Context, exec map[string]tools.Tool, calls []llm.ToolCall) []ToolOutcome {
	outcomes := make([]ToolOutcome, len(calls))
	if len(calls) == 1 {
		outcomes[0] = rt.executeToolCall(ctx, exec, calls[0])
		return outcomes
	}
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = rt.executeToolCall(ctx, exec, call)
		}()
	}
	wg.Wait()
	return outcomes
}

// executeToolCall runs one tool call under its own span. Failures become
// error results fed back to the model rather than run failures.
func (rt *Runtime) executeToolCall(ctx context.Context, exec map[string]tools.Tool, call llm.ToolCall) ToolOutcome {
	ctx, span := rt.tracer.Start(ctx, "tool."+call.Name)
	defer span.End()

	outcome := ToolOutcome{Call: call}
	tool, ok := exec[call.Name]
	if !ok {
		err := fault.New(fault.KindNotFound, "tool %q is not available to this agent", call.Name)
		outcome.IsError = true
		outcome.Content = toolErrorContent(err)
		failSpan(span, err)
		return outcome
	}
	out, err := tool.Execute(ctx, call.Args)
	if err != nil {
		outcome.IsError = true
		outcome.Content = toolErrorContent(err)
		failSpan(span, err)
		return outcome
	}
	outcome.Content = stringifyResult(out)
	span.SetStatus(codes.Ok, "")
	return outcome
}

// structuredOutput finishes the run with one Complete call carrying the
// output schema, then validates the returned document against it.
func (rt *Runtime) structuredOutput(ctx context.Context, client llm.Client, messages []llm.Message, schema map[string]any, usage *llm.Usage) (map[string]any, string, error) {
	validator, err := tools.CompileSchema(schema)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindInvalidArgument, err, "compile output schema")
	}

	messages = append(messages, llm.UserMessage(structuredPrompt))
	resp, err := rt.withRetry(ctx, 0, "structured output", func(c context.Context) (*llm.Response, error) {
		return client.Complete(c, &llm.Request{Messages: messages, ResponseSchema: schema})
	})
	if err != nil {
		return nil, "", err
	}
	usage.InputTokens += resp.Usage.InputTokens
	usage.OutputTokens += resp.Usage.OutputTokens

	var doc map[string]any
	if err := json.Unmarshal([]byte(resp.Text), &doc); err != nil {
		return nil, "", fault.Wrap(fault.KindDependencyFailed, err, "structured output is not valid JSON")
	}
	if err := validator.Validate(doc); err != nil {
		return nil, "", fault.Wrap(fault.KindDependencyFailed, err, "structured output failed schema validation")
	}
	return doc, resp.Text, nil
}

// track registers an invocation's cancel function and returns its release.
func (rt *Runtime) track(cancel context.CancelFunc) func() {
	rt.invMu.Lock()
	rt.invToken++
	token := rt.invToken
	rt.invocations[token] = cancel
	rt.invMu.Unlock()
	return func() {
		rt.invMu.Lock()
		delete(rt.invocations, token)
		rt.invMu.Unlock()
	}
}

// toolErrorContent renders a tool failure as the uniform error body the
// model sees.
func toolErrorContent(err error) string {
	detail := tools.DescribeError(err)
	data, marshalErr := json.Marshal(detail)
	if marshalErr != nil {
		return err.Error()
	}
	return string(data)
}

// stringifyResult renders a tool result for the conversation. Strings pass
// through; everything else is JSON.
func stringifyResult(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
