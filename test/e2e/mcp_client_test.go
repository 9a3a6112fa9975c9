package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// mcpClient is a minimal MCP host over the streamable HTTP transport: it
// performs the initialize handshake, carries the session id, and issues
// tools/call requests. Responses may arrive as plain JSON or as a one-shot
// SSE stream; both are handled.
type mcpClient struct {
	t       *testing.T
	baseURL string
	session string
	nextID  int
}

func newMCPClient(t *testing.T, baseURL string) *mcpClient {
	t.Helper()
	c := &mcpClient{t: t, baseURL: baseURL}

	result := c.request("initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "e2e-host", "version": "0.0.0"},
	})
	require.Contains(t, result, "serverInfo")
	c.notify("notifications/initialized", map[string]any{})
	return c
}

// toolCallResult is the decoded outcome of one tools/call.
type toolCallResult struct {
	IsError    bool
	Text       string
	Structured map[string]any
}

func (c *mcpClient) callTool(name string, args map[string]any) toolCallResult {
	c.t.Helper()
	result := c.request("tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})

	out := toolCallResult{}
	if isErr, ok := result["isError"].(bool); ok {
		out.IsError = isErr
	}
	if structured, ok := result["structuredContent"].(map[string]any); ok {
		out.Structured = structured
	}
	if content, ok := result["content"].([]any); ok && len(content) > 0 {
		if block, ok := content[0].(map[string]any); ok {
			out.Text, _ = block["text"].(string)
		}
	}
	return out
}

// request sends one JSON-RPC request and returns its result object.
func (c *mcpClient) request(method string, params map[string]any) map[string]any {
	c.t.Helper()
	c.nextID++
	resp := c.post(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID,
		"method":  method,
		"params":  params,
	})
	defer resp.Body.Close()
	require.Equal(c.t, http.StatusOK, resp.StatusCode, "method %s", method)

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.session = sid
	}

	msg := decodeRPCMessage(c.t, resp)
	require.NotContains(c.t, msg, "error", "method %s", method)
	result, ok := msg["result"].(map[string]any)
	require.True(c.t, ok, "method %s returned no result object", method)
	return result
}

// notify sends one JSON-RPC notification; the transport acknowledges with
// 202 and no body.
func (c *mcpClient) notify(method string, params map[string]any) {
	c.t.Helper()
	resp := c.post(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	require.Less(c.t, resp.StatusCode, 300, "notification %s", method)
}

func (c *mcpClient) post(payload map[string]any) *http.Response {
	c.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(c.t, err)

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.session != "" {
		req.Header.Set("Mcp-Session-Id", c.session)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	return resp
}

// decodeRPCMessage reads one JSON-RPC response, unwrapping the SSE framing
// when the transport streams it.
func decodeRPCMessage(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		var msg map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
		return msg
	}

	var last map[string]any
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var msg map[string]any
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		// The response to our request carries an id; notifications do not.
		if _, ok := msg["id"]; ok {
			last = msg
		}
	}
	require.NoError(t, scanner.Err())
	require.NotNil(t, last, "no JSON-RPC response on the event stream")
	return last
}
