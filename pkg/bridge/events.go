package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vox-deorum/strategos/pkg/models"
)

// Reconnect backoff bounds for the SSE stream.
const (
	reconnectMin    = 1 * time.Second
	reconnectMax    = 30 * time.Second
	reconnectJitter = 0.10
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("bridge: subscription closed")

// Broadcaster owns the single SSE reader goroutine and fans events out to
// subscribers. On stream failure it reconnects with exponential backoff and
// publishes a synthetic "connected" event after each successful (re)connect,
// which consumers use to reset connection-scoped state.
type Broadcaster struct {
	baseURL    string
	httpClient *http.Client
	bufferCap  int

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewBroadcaster builds a broadcaster for the given bridge base URL.
// bufferCap bounds each subscriber's queue; beyond it the oldest
// non-turn-start event is dropped.
func NewBroadcaster(baseURL string, bufferCap int) *Broadcaster {
	return &Broadcaster{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: the SSE connection is long-lived by design.
		httpClient: &http.Client{},
		bufferCap:  bufferCap,
		subs:       make(map[int]*Subscription),
		logger:     slog.Default().With("component", "bridge.events"),
	}
}

// Start launches the SSE reader loop. Calling Start on a running
// broadcaster is a no-op.
func (b *Broadcaster) Start(ctx context.Context) {
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.run(ctx)
}

// Stop terminates the reader loop and closes all subscriptions.
func (b *Broadcaster) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel = nil
	b.done = nil

	b.mu.Lock()
	for id, sub := range b.subs {
		sub.markClosed()
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// Subscribe registers a new reader of the event stream. The subscription
// receives events published after this call.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		b:      b,
		id:     b.nextID,
		cap:    b.bufferCap,
		notify: make(chan struct{}, 1),
		logger: b.logger,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.markClosed()
		delete(b.subs, id)
	}
}

// Publish hands an event to every subscriber. Exposed so the client can
// inject synthetic events (reconnect signals) and tests can drive consumers
// without a live stream.
func (b *Broadcaster) Publish(ev models.GameEvent) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev)
	}
}

func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.done)

	delay := reconnectMin
	for {
		connected, err := b.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = reconnectMin
		}
		if err != nil {
			b.logger.Warn("Event stream dropped, reconnecting",
				"error", err, "delay", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(withJitter(delay)):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// consume opens one SSE connection and dispatches its events until the
// stream ends. A synthetic connected event is published once the stream is
// established; connected reports whether that point was reached.
func (b *Broadcaster) consume(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errors.New("bridge events returned HTTP " + resp.Status)
	}

	b.logger.Info("Event stream connected", "url", b.baseURL+"/events")
	b.Publish(models.GameEvent{
		Type:      models.EventTypeConnected,
		Timestamp: time.Now(),
	})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				b.dispatch(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id:, event:, retry:, and comment lines are not used by the
			// bridge; event identity rides inside the JSON payload.
		}
	}
	if data.Len() > 0 {
		b.dispatch(data.String())
	}
	return true, scanner.Err()
}

func (b *Broadcaster) dispatch(raw string) {
	var ev models.GameEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		b.logger.Warn("Dropping undecodable event", "error", err)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.Publish(ev)
}

func withJitter(d time.Duration) time.Duration {
	spread := float64(d) * reconnectJitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// Subscription is one reader of the event stream. Events queue up to the
// broadcaster's buffer cap; beyond it the oldest non-turn-start event is
// dropped with a warning. Turn-start events are never dropped.
type Subscription struct {
	b      *Broadcaster
	id     int
	cap    int
	logger *slog.Logger

	mu     sync.Mutex
	queue  []models.GameEvent
	closed bool
	notify chan struct{}
}

func (s *Subscription) push(ev models.GameEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if s.cap > 0 && len(s.queue) > s.cap {
		for i, queued := range s.queue {
			if queued.Type != models.EventTypeTurnStart {
				s.logger.Warn("Event buffer full, dropping oldest",
					"type", queued.Type, "turn", queued.Turn)
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		// All queued events are turn-starts: the buffer grows past the cap
		// rather than losing one.
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the context ends, or the
// subscription closes.
func (s *Subscription) Next(ctx context.Context) (models.GameEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.GameEvent{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return models.GameEvent{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unregisters the subscription. Queued events remain readable until
// drained; Next then reports ErrSubscriptionClosed.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.id)
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
