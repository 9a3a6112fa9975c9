package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/models"
)

type scriptCall struct {
	Function string
	Args     []any
}

// bridgeStub accepts function installs and serves canned call results.
type bridgeStub struct {
	mu       sync.Mutex
	installs []string
	calls    []scriptCall
	results  map[string]models.BridgeResult
}

func newBridgeStub() *bridgeStub {
	return &bridgeStub{results: make(map[string]models.BridgeResult)}
}

func (s *bridgeStub) setResult(function string, result models.BridgeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[function] = result
}

func (s *bridgeStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/script/exec", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Function string `json:"function"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.installs = append(s.installs, req.Function)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(models.BridgeResult{Success: true})
	})
	mux.HandleFunc("/script/call", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Function string `json:"function"`
			Args     []any  `json:"args"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.calls = append(s.calls, scriptCall{Function: req.Function, Args: req.Args})
		result, ok := s.results[req.Function]
		s.mu.Unlock()
		if !ok {
			result = models.BridgeResult{Success: true, Result: true}
		}
		_ = json.NewEncoder(w).Encode(result)
	})
	return mux
}

func (s *bridgeStub) callsFor(function string) []scriptCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scriptCall
	for _, c := range s.calls {
		if c.Function == function {
			out = append(out, c)
		}
	}
	return out
}

func (s *bridgeStub) installCount(function string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.installs {
		if f == function {
			n++
		}
	}
	return n
}

func newStubRegistry(t *testing.T) (*bridge.Registry, *bridgeStub) {
	t.Helper()
	stub := newBridgeStub()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	cfg := config.DefaultBridge()
	cfg.BaseURL = server.URL
	return bridge.NewRegistry(bridge.NewClient(cfg)), stub
}

type echoArgs struct {
	Player  int    `json:"Player" jsonschema:"required"`
	Message string `json:"Message" jsonschema:"required"`
	Extra   string `json:"Extra,omitempty"`
}

func newEchoTool(t *testing.T, registry *bridge.Registry, mutate func(*BridgeActionConfig)) *BridgeActionTool {
	t.Helper()
	cfg := BridgeActionConfig{
		Name:        "echo",
		Description: "Echo arguments back.",
		Arguments:   []string{"Player", "Message", "Extra"},
		Script:      "local a, b, c = ...\nreturn true",
		Registry:    registry,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tool, err := NewBridgeActionTool[echoArgs](cfg)
	require.NoError(t, err)
	return tool
}

func TestBridgeActionTool(t *testing.T) {
	ctx := context.Background()

	t.Run("maps arguments positionally", func(t *testing.T) {
		registry, stub := newStubRegistry(t)
		tool := newEchoTool(t, registry, nil)

		result, err := tool.Execute(ctx, map[string]any{"Player": 3, "Message": "hi"})
		require.NoError(t, err)
		assert.Equal(t, true, result)

		calls := stub.callsFor("echo")
		require.Len(t, calls, 1)
		// Absent optionals travel as nil so positions never shift.
		assert.Equal(t, []any{3.0, "hi", nil}, calls[0].Args)
	})

	t.Run("installs once across calls", func(t *testing.T) {
		registry, stub := newStubRegistry(t)
		tool := newEchoTool(t, registry, nil)

		for i := 0; i < 3; i++ {
			_, err := tool.Execute(ctx, map[string]any{"Player": 1, "Message": "again"})
			require.NoError(t, err)
		}
		assert.Equal(t, 1, stub.installCount("echo"))
		assert.Len(t, stub.callsFor("echo"), 3)
	})

	t.Run("function name can differ from the tool name", func(t *testing.T) {
		registry, stub := newStubRegistry(t)
		tool := newEchoTool(t, registry, func(cfg *BridgeActionConfig) {
			cfg.Function = "VoxEcho"
		})

		_, err := tool.Execute(ctx, map[string]any{"Player": 1, "Message": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "echo", tool.Name())
		assert.Len(t, stub.callsFor("VoxEcho"), 1)
		assert.Empty(t, stub.callsFor("echo"))
	})

	t.Run("schema failures never reach the bridge", func(t *testing.T) {
		registry, stub := newStubRegistry(t)
		tool := newEchoTool(t, registry, nil)

		_, err := tool.Execute(ctx, map[string]any{"Player": 3})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
		assert.Empty(t, stub.callsFor("echo"))
	})

	t.Run("pre hook blocks the call", func(t *testing.T) {
		registry, stub := newStubRegistry(t)
		tool := newEchoTool(t, registry, func(cfg *BridgeActionConfig) {
			cfg.Pre = func(ctx context.Context, args map[string]any) error {
				return fault.New(fault.KindInvalidArgument, "message not allowed")
			}
		})

		_, err := tool.Execute(ctx, map[string]any{"Player": 3, "Message": "hi"})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
		assert.Empty(t, stub.callsFor("echo"))
	})

	t.Run("script failure surfaces as bridge-error", func(t *testing.T) {
		registry, stub := newStubRegistry(t)
		stub.setResult("echo", models.BridgeResult{
			Success: false,
			Error:   &models.BridgeError{Code: models.BridgeCodeScriptError, Message: "boom"},
		})
		tool := newEchoTool(t, registry, nil)

		_, err := tool.Execute(ctx, map[string]any{"Player": 3, "Message": "hi"})
		require.Error(t, err)
		assert.Equal(t, fault.KindBridgeError, fault.KindOf(err))
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("failure without detail", func(t *testing.T) {
		registry, stub := newStubRegistry(t)
		stub.setResult("echo", models.BridgeResult{Success: false})
		tool := newEchoTool(t, registry, nil)

		_, err := tool.Execute(ctx, map[string]any{"Player": 3, "Message": "hi"})
		require.Error(t, err)
		assert.Equal(t, fault.KindBridgeError, fault.KindOf(err))
		assert.Contains(t, err.Error(), "failed without detail")
	})

	t.Run("post hook replaces the result", func(t *testing.T) {
		registry, stub := newStubRegistry(t)
		stub.setResult("echo", models.BridgeResult{
			Success: true,
			Result:  map[string]any{"previous": "old"},
		})
		tool := newEchoTool(t, registry, func(cfg *BridgeActionConfig) {
			cfg.Post = func(ctx context.Context, args map[string]any, result any) (any, error) {
				out := resultMap(result)
				out["player"] = args["Player"]
				return out, nil
			}
		})

		result, err := tool.Execute(ctx, map[string]any{"Player": 3, "Message": "hi"})
		require.NoError(t, err)
		out := result.(map[string]any)
		assert.Equal(t, "old", out["previous"])
		// Post hooks see the caller's raw argument map, not the wire copy.
		assert.Equal(t, 3, out["player"])
	})
}
