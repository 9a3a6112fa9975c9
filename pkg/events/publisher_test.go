package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/knowledge"
	"github.com/vox-deorum/strategos/pkg/models"
)

type overlayCall struct {
	Function string
	Args     []any
}

// overlayStub accepts installs and records calls to overlay functions.
type overlayStub struct {
	mu    sync.Mutex
	calls []overlayCall
	fail  bool
}

func (s *overlayStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/script/exec", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(models.BridgeResult{Success: true})
	})
	mux.HandleFunc("/script/call", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Function string `json:"function"`
			Args     []any  `json:"args"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		failing := s.fail
		if !failing {
			s.calls = append(s.calls, overlayCall{Function: req.Function, Args: req.Args})
		}
		s.mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(models.BridgeResult{Success: true})
	})
	return mux
}

func (s *overlayStub) callsFor(function string) []overlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []overlayCall
	for _, c := range s.calls {
		if c.Function == function {
			out = append(out, c)
		}
	}
	return out
}

func newTestPublisher(t *testing.T, stub *overlayStub) (*Publisher, *knowledge.Store) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	cfg := config.DefaultBridge()
	cfg.BaseURL = server.URL
	registry := bridge.NewRegistry(bridge.NewClient(cfg))

	store, err := knowledge.Open(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	publisher, err := NewPublisher(registry, store, 8)
	require.NoError(t, err)
	return publisher, store
}

func TestPublisher_PublishAction(t *testing.T) {
	stub := &overlayStub{}
	publisher, store := newTestPublisher(t, stub)
	ctx := context.Background()

	action := models.VoxAction{
		PlayerID:   3,
		Turn:       42,
		ActionType: models.ActionStrategy,
		Summary:    "Adopted culture strategy",
		Rationale:  "Tourism lead over all rivals",
	}
	require.NoError(t, publisher.PublishAction(ctx, action))

	calls := stub.callsFor("VoxAction")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{3.0, 42.0, "strategy", "Adopted culture strategy", "Tourism lead over all rivals"}, calls[0].Args)

	t.Run("derived event visible only to actor", func(t *testing.T) {
		actor := 3
		events, err := store.QueryEvents(ctx, models.EventFilter{Viewer: &actor})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, DerivedTypeAction, events[0].Type)
		assert.Equal(t, 42, events[0].Turn)
		assert.Equal(t, "Tourism lead over all rivals", events[0].Payload["rationale"])

		rival := 5
		events, err = store.QueryEvents(ctx, models.EventFilter{Viewer: &rival})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestPublisher_PublishAction_BridgeFailureStillRecords(t *testing.T) {
	stub := &overlayStub{fail: true}
	publisher, store := newTestPublisher(t, stub)
	ctx := context.Background()

	err := publisher.PublishAction(ctx, models.VoxAction{
		PlayerID: 1, Turn: 10, ActionType: models.ActionStatusQuo, Summary: "No change",
	})
	require.Error(t, err, "bridge failure reported")

	// The derived event still lands in the knowledge store.
	actor := 1
	events, queryErr := store.QueryEvents(ctx, models.EventFilter{Viewer: &actor})
	require.NoError(t, queryErr)
	assert.Len(t, events, 1)
}

func TestPublisher_PublishPlayerInfo(t *testing.T) {
	stub := &overlayStub{}
	publisher, _ := newTestPublisher(t, stub)

	require.NoError(t, publisher.PublishPlayerInfo(context.Background(), models.VoxPlayerInfo{
		PlayerID: 2, Label: "Rome (Claude)",
	}))

	calls := stub.callsFor("VoxPlayerInfo")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{2.0, "Rome (Claude)"}, calls[0].Args)
}

func TestPublisher_PublishReplay(t *testing.T) {
	stub := &overlayStub{}
	publisher, _ := newTestPublisher(t, stub)

	require.NoError(t, publisher.PublishReplay(context.Background(), 4, 17, "Rome pivots to science"))

	calls := stub.callsFor("VoxReplayMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{4.0, 17.0, "Rome pivots to science"}, calls[0].Args)
}
