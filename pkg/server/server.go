// Package server exposes the tool catalog over the Model Context Protocol.
// The same MCP server serves two transports: stdio for an in-process host
// and streamable HTTP mounted inside a gin engine alongside plain REST
// endpoints for health and tool discovery.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/vox-deorum/strategos/pkg/bridge"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/tools"
	"github.com/vox-deorum/strategos/pkg/version"
)

// progressInterval is the heartbeat cadence for calls whose client supplied
// a progress token.
const progressInterval = 5 * time.Second

// Options wires a Server. Catalog is required; Monitor feeds the health
// endpoint when present.
type Options struct {
	Catalog *tools.Catalog
	Monitor *bridge.Monitor
	Logger  *slog.Logger
}

// Server adapts the tool catalog to MCP. Every catalog entry becomes one
// MCP tool; tools/list and tools/call are the only methods the host needs.
type Server struct {
	catalog *tools.Catalog
	monitor *bridge.Monitor
	mcp     *mcpserver.MCPServer
	logger  *slog.Logger

	mu   sync.Mutex
	http *httpTransport
}

// New builds the MCP server and registers every catalog tool on it.
func New(opts Options) (*Server, error) {
	if opts.Catalog == nil {
		return nil, fault.New(fault.KindInvalidArgument, "server requires a tool catalog")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}

	s := &Server{
		catalog: opts.Catalog,
		monitor: opts.Monitor,
		logger:  logger,
	}

	s.mcp = mcpserver.NewMCPServer(
		version.AppName,
		version.GitCommit,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
	)
	for _, tool := range opts.Catalog.Tools() {
		schema, err := json.Marshal(tool.InputSchema())
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "encode %s input schema", tool.Name())
		}
		s.mcp.AddTool(
			mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema),
			s.toolHandler(tool.Name()),
		)
	}
	logger.Info("Tool surface registered", "tools", opts.Catalog.Len())
	return s, nil
}

// ServeStdio serves the MCP session over stdin/stdout. Blocks until the
// host closes stdin.
func (s *Server) ServeStdio() error {
	s.logger.Info("Serving on stdio", "version", version.Full())
	if err := mcpserver.ServeStdio(s.mcp); err != nil {
		return fault.Wrap(fault.KindInternal, err, "stdio transport")
	}
	return nil
}

// toolHandler adapts one catalog tool to an MCP call handler. Domain
// failures come back as in-band tool errors the model can read and recover
// from; only violated invariants surface as protocol errors.
func (s *Server) toolHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stop := s.startProgress(ctx, req)
		defer stop()

		result, err := s.catalog.Execute(ctx, name, req.GetArguments())
		if err != nil {
			kind := fault.KindOf(err)
			s.logger.Warn("Tool call failed", "tool", name, "kind", kind, "error", err)
			if kind == fault.KindInternal {
				return nil, err
			}
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", kind, err)), nil
		}
		return toolResult(result), nil
	}
}

// toolResult renders a catalog result. Structured payloads travel as
// structured content; scalar results stay plain text.
func toolResult(result any) *mcp.CallToolResult {
	switch v := result.(type) {
	case string:
		return mcp.NewToolResultText(v)
	case nil:
		return mcp.NewToolResultText("ok")
	default:
		return mcp.NewToolResultStructuredOnly(v)
	}
}

// startProgress emits periodic progress notifications for the call when the
// client asked for them. The returned stop function is idempotent.
func (s *Server) startProgress(ctx context.Context, req mcp.CallToolRequest) func() {
	noop := func() {}
	meta := req.Params.Meta
	if meta == nil || meta.ProgressToken == nil {
		return noop
	}
	srv := mcpserver.ServerFromContext(ctx)
	if srv == nil {
		return noop
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		beat := 0
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat++
				_ = srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
					"progressToken": meta.ProgressToken,
					"progress":      float64(beat),
				})
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
