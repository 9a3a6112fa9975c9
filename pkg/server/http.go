package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/version"
)

// shutdownGrace bounds how long in-flight calls may drain before the
// listener is forced closed.
const shutdownGrace = 10 * time.Second

type httpTransport struct {
	server *http.Server
}

// toolSummary is one row of the GET /tools listing.
type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"readOnly"`
}

// Handler builds the gin engine: the MCP streamable transport at /rpc plus
// plain REST endpoints for discovery and liveness.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	streamable := mcpserver.NewStreamableHTTPServer(s.mcp)
	engine.Any("/rpc", gin.WrapH(streamable))

	engine.GET("/tools", s.listTools)
	engine.GET("/health", s.health)
	return engine
}

// ServeHTTP serves the handler on the given port until Shutdown. Returns
// nil on a clean shutdown.
func (s *Server) ServeHTTP(port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	s.mu.Lock()
	s.http = &httpTransport{server: srv}
	s.mu.Unlock()

	s.logger.Info("Serving on HTTP", "addr", srv.Addr, "version", version.Full())
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fault.Wrap(fault.KindInternal, err, "http transport")
	}
	return nil
}

// Shutdown drains in-flight calls within the grace period, then forces the
// listener closed. A no-op when the HTTP transport never started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	transport := s.http
	s.http = nil
	s.mu.Unlock()
	if transport == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := transport.server.Shutdown(ctx); err != nil {
		return fault.Wrap(fault.KindInternal, err, "http shutdown")
	}
	return nil
}

func (s *Server) listTools(c *gin.Context) {
	catalog := s.catalog.Tools()
	summaries := make([]toolSummary, 0, len(catalog))
	for _, tool := range catalog {
		summaries = append(summaries, toolSummary{
			Name:        tool.Name(),
			Description: tool.Description(),
			ReadOnly:    tool.Annotations().ReadOnly,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": summaries})
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"version": version.Full(),
		"tools":   s.catalog.Len(),
	}
	code := http.StatusOK
	if s.monitor != nil {
		status := s.monitor.Status()
		resp["bridge"] = status
		if !s.monitor.Healthy() {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}
