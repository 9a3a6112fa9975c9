// Package pipeline is the per-player turn controller. It listens for
// turn-start events from the bridge, refreshes derived knowledge, runs the
// configured agent for each controlled player, and reports back to the game.
// Players run concurrently; each player processes one turn at a time.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vox-deorum/strategos/pkg/agent"
	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/events"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/models"
	"github.com/vox-deorum/strategos/pkg/tools"
)

// playerReadyScript signals the game that a player's decisions for the turn
// are in and the tactical engine may proceed.
const playerReadyScript = `local playerId, turn = ...
Game.VoxPlayerReady(playerId, turn)
return true`

// fallbackTimeout bounds the keep-status-quo write when a run failed; it
// runs on a detached context so a blown turn budget cannot starve it.
const fallbackTimeout = 10 * time.Second

// turnStart is one dequeued turn notification.
type turnStart struct {
	player int
	turn   int
}

// Options wires a Pipeline. All fields are required except Logger.
type Options struct {
	Config      *config.Pipeline
	Players     *config.PlayerRegistry
	Broadcaster *bridge.Broadcaster
	Bridge      *bridge.Registry
	Runtime     *agent.Runtime
	Catalog     *tools.Catalog
	Refresher   *Refresher
	Publisher   *events.Publisher
	Store       *knowledge.Store
	Logger      *slog.Logger
}

// Pipeline owns one worker goroutine per controlled player plus a dispatcher
// that routes turn-start events to them. A new turn-start for a player whose
// previous run is still active cancels that run, waits briefly, then starts
// the new one.
type Pipeline struct {
	cfg         *config.Pipeline
	players     *config.PlayerRegistry
	broadcaster *bridge.Broadcaster
	bridge      *bridge.Registry
	runtime     *agent.Runtime
	catalog     *tools.Catalog
	refresher   *Refresher
	publisher   *events.Publisher
	store       *knowledge.Store
	logger      *slog.Logger

	mu      sync.Mutex
	workers map[int]*playerWorker
	seen    map[int64]struct{}
	labeled map[int]bool
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// playerWorker serializes one player's turns.
type playerWorker struct {
	queue chan turnStart

	mu           sync.Mutex
	lastEnqueued int
	lastStarted  int
	cancelRun    context.CancelFunc
	runDone      chan struct{}
	// supersededBy is the turn that cancelled the active run, zero when the
	// cancellation came from shutdown or the turn budget.
	supersededBy int
}

// New validates options and builds the pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil || opts.Players == nil || opts.Broadcaster == nil ||
		opts.Bridge == nil || opts.Runtime == nil || opts.Catalog == nil ||
		opts.Refresher == nil || opts.Publisher == nil || opts.Store == nil {
		return nil, fault.New(fault.KindInvalidArgument, "pipeline requires config, players, broadcaster, bridge registry, runtime, catalog, refresher, publisher, and store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "pipeline")
	}
	if err := opts.Bridge.Define("VoxPlayerReady", []string{"playerId", "turn"}, playerReadyScript); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "define player-ready signal")
	}
	return &Pipeline{
		cfg:         opts.Config,
		players:     opts.Players,
		broadcaster: opts.Broadcaster,
		bridge:      opts.Bridge,
		runtime:     opts.Runtime,
		catalog:     opts.Catalog,
		refresher:   opts.Refresher,
		publisher:   opts.Publisher,
		store:       opts.Store,
		logger:      logger,
		workers:     make(map[int]*playerWorker),
		seen:        make(map[int64]struct{}),
		labeled:     make(map[int]bool),
	}, nil
}

// Start launches the dispatcher and one worker per controlled player.
// Calling Start on a running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, id := range p.players.PlayerIDs() {
		w := &playerWorker{queue: make(chan turnStart, 8)}
		p.workers[id] = w
		p.wg.Add(1)
		go p.runWorker(ctx, id, w)
	}
	p.mu.Unlock()

	// Subscribe before returning so no turn-start published after Start is
	// missed.
	sub := p.broadcaster.Subscribe()
	p.wg.Add(1)
	go p.dispatch(ctx, sub)
	p.logger.Info("Turn pipeline started", "players", len(p.workers))
}

// Stop cancels every in-flight run and waits for the workers to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("Turn pipeline stopped")
}

// dispatch routes turn-start events from the bridge subscription to the
// per-player queues, de-duplicating replays after SSE reconnects.
func (p *Pipeline) dispatch(ctx context.Context, sub *bridge.Subscription) {
	defer p.wg.Done()
	defer sub.Close()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if ev.Type != models.EventTypeTurnStart {
			continue
		}

		player, turn, ok := parseTurnStart(ev)
		if !ok {
			p.logger.Warn("Dropping malformed turn-start", "payload", ev.Payload)
			continue
		}
		if !p.duplicateCheck(ev, player, turn) {
			continue
		}

		p.mu.Lock()
		w := p.workers[player]
		p.mu.Unlock()
		if w == nil {
			// Not a controlled player; the game runs it natively.
			continue
		}

		if !w.enqueueTurn(turn) {
			continue
		}
		w.supersede(turn, p.cfg.CancelWait)
		select {
		case w.queue <- turnStart{player: player, turn: turn}:
		case <-ctx.Done():
			return
		}
	}
}

// duplicateCheck reports whether the turn-start is new. Identity is the
// event id when the bridge stamps one, else (player, turn).
func (p *Pipeline) duplicateCheck(ev models.GameEvent, player, turn int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.ID != 0 {
		if _, dup := p.seen[ev.ID]; dup {
			return false
		}
		p.seen[ev.ID] = struct{}{}
	}
	return true
}

func (p *Pipeline) runWorker(ctx context.Context, player int, w *playerWorker) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-w.queue:
			if ts.turn <= w.startedTurn() {
				continue
			}
			p.processTurn(ctx, w, ts)
		}
	}
}

// processTurn runs one player's turn end to end: refresh, agent, replay,
// ready signal. Any failure short of supersession falls back to
// keep-status-quo so the game is never left waiting.
func (p *Pipeline) processTurn(ctx context.Context, w *playerWorker, ts turnStart) {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.TurnBudget)
	w.beginRun(ts.turn, cancel)
	defer w.endRun()

	logger := p.logger.With("player", ts.player, "turn", ts.turn)
	cfg := p.players.Resolve(ts.player)

	err := p.runDecision(runCtx, ts, cfg, logger)
	if err == nil {
		p.signalReady(ts, logger)
		return
	}

	if by := w.supersededTurn(); by > ts.turn {
		// A newer turn-start cancelled this run; the new turn decides.
		logger.Info("Turn superseded", "by_turn", by)
		return
	}
	if ctx.Err() != nil {
		// Shutdown; leave the game to its native AI.
		return
	}

	logger.Warn("Agent run failed, falling back to status quo", "error", err)
	p.fallback(ts, cfg, err)
	p.signalReady(ts, logger)
}

// runDecision refreshes knowledge, builds the parameter record, and runs the
// configured agent.
func (p *Pipeline) runDecision(ctx context.Context, ts turnStart, cfg config.PlayerConfig, logger *slog.Logger) error {
	if err := p.refresher.RefreshTurn(ctx, ts.turn); err != nil {
		return err
	}

	params, err := p.buildParameters(ctx, ts, cfg)
	if err != nil {
		return err
	}
	p.labelPlayer(ctx, ts.player, cfg)

	result, err := p.runtime.CallAgent(ctx, cfg.Agent, params, map[string]any{})
	params.ClearEphemeral()
	if err != nil {
		return err
	}

	if summary := result.Summary(); summary != "" {
		if err := p.publisher.PublishReplay(ctx, ts.player, ts.turn, summary); err != nil {
			logger.Warn("Replay summary publish failed", "error", err)
		}
	}
	logger.Info("Turn decided", "agent", cfg.Agent, "steps", result.Steps)
	return nil
}

// buildParameters assembles the per-turn execution context, restoring any
// working memory the player persisted in earlier turns.
func (p *Pipeline) buildParameters(ctx context.Context, ts turnStart, cfg config.PlayerConfig) (*models.TurnParameters, error) {
	meta, err := p.refresher.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	state, err := p.refresher.BuildState(ctx, ts.player, ts.turn)
	if err != nil {
		return nil, err
	}

	mode := models.Mode(cfg.Mode)
	if mode != models.ModeFlavor {
		mode = models.ModeStrategy
	}
	params := models.NewTurnParameters(ts.player, ts.turn, meta, state, mode)

	memory, err := p.store.GetMutable(ctx, knowledge.KindWorkingMemory, ts.player, &ts.player)
	if err == nil {
		for key, value := range memory.Payload {
			if text, ok := value.(string); ok {
				params.Remember(key, text, true)
			}
		}
	}
	return params, nil
}

// labelPlayer announces the player's overlay label once per session.
func (p *Pipeline) labelPlayer(ctx context.Context, player int, cfg config.PlayerConfig) {
	if cfg.Label == "" {
		return
	}
	p.mu.Lock()
	done := p.labeled[player]
	p.labeled[player] = true
	p.mu.Unlock()
	if done {
		return
	}
	if err := p.publisher.PublishPlayerInfo(ctx, models.VoxPlayerInfo{PlayerID: player, Label: cfg.Label}); err != nil {
		p.logger.Warn("Player label publish failed", "player", player, "error", err)
	}
}

// fallback records a keep-status-quo decision on a detached context. The
// tool never touches the bridge, so it works even when the bridge is the
// failure.
func (p *Pipeline) fallback(ts turnStart, cfg config.PlayerConfig, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
	defer cancel()

	mode := cfg.Mode
	if mode == "" {
		mode = string(models.ModeStrategy)
	}
	_, err := p.catalog.Execute(ctx, "keep-status-quo", map[string]any{
		"Player":    ts.player,
		"Mode":      mode,
		"Rationale": fmt.Sprintf("Automatic fallback: the strategist could not complete the turn (%s).", fault.KindOf(cause)),
	})
	if err != nil {
		p.logger.Error("Status-quo fallback failed", "player", ts.player, "turn", ts.turn, "error", err)
	}
}

// signalReady tells the game the player's turn is decided. Best-effort with
// the bridge's idempotent retry; the game also times out on its own.
func (p *Pipeline) signalReady(ts turnStart, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
	defer cancel()
	if _, err := p.bridge.Invoke(ctx, "VoxPlayerReady", []any{ts.player, ts.turn}); err != nil {
		logger.Warn("Player-ready signal failed", "error", err)
		return
	}
	logger.Debug("Player ready")
}

// parseTurnStart extracts the player and turn. The payload's PlayerID field
// is authoritative; the turn falls back to the event envelope.
func parseTurnStart(ev models.GameEvent) (player, turn int, ok bool) {
	id, found := payloadInt(ev.Payload, "PlayerID")
	if !found {
		return 0, 0, false
	}
	turn, found = payloadInt(ev.Payload, "Turn")
	if !found {
		turn = ev.Turn
	}
	if turn <= 0 {
		return 0, 0, false
	}
	return id, turn, true
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	switch n := payload[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// enqueueTurn records the turn as pending and reports whether it advances
// the player. Stale and repeated turns without event ids are dropped here.
func (w *playerWorker) enqueueTurn(turn int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if turn <= w.lastEnqueued {
		return false
	}
	w.lastEnqueued = turn
	return true
}

// supersede cancels the active run when the incoming turn is newer, then
// grants it up to wait to release before the dispatcher enqueues the
// replacement. Called from the dispatcher only.
func (w *playerWorker) supersede(turn int, wait time.Duration) {
	w.mu.Lock()
	cancel := w.cancelRun
	done := w.runDone
	active := cancel != nil && turn > w.lastStarted
	if active {
		w.supersededBy = turn
	}
	w.mu.Unlock()
	if !active {
		return
	}

	cancel()
	select {
	case <-done:
	case <-time.After(wait):
	}
}

func (w *playerWorker) beginRun(turn int, cancel context.CancelFunc) {
	w.mu.Lock()
	w.lastStarted = turn
	w.cancelRun = cancel
	w.runDone = make(chan struct{})
	w.supersededBy = 0
	w.mu.Unlock()
}

func (w *playerWorker) endRun() {
	w.mu.Lock()
	cancel := w.cancelRun
	done := w.runDone
	w.cancelRun = nil
	w.runDone = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		close(done)
	}
}

func (w *playerWorker) supersededTurn() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.supersededBy
}

func (w *playerWorker) startedTurn() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastStarted
}
