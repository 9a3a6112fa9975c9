package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
)

func anthropicTestConfig(serverURL string) *config.ModelConfig {
	return &config.ModelConfig{
		Provider:  "anthropic",
		Model:     "claude-sonnet-4-5",
		APIKey:    "test-key",
		BaseURL:   serverURL,
		MaxTokens: 4096,
	}
}

func TestNewAnthropicClient(t *testing.T) {
	t.Run("missing model", func(t *testing.T) {
		_, err := NewAnthropicClient(&config.ModelConfig{Provider: "anthropic", APIKey: "k"})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})

	t.Run("max tokens defaults", func(t *testing.T) {
		client, err := NewAnthropicClient(&config.ModelConfig{Provider: "anthropic", Model: "m", APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, anthropicDefaultMaxTokens, client.maxTokens)
	})

	t.Run("thinking budget below provider minimum", func(t *testing.T) {
		cfg := &config.ModelConfig{Provider: "anthropic", Model: "m", APIKey: "k", ThinkingBudgetTokens: 512}
		_, err := NewAnthropicClient(cfg)
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})

	t.Run("thinking budget must leave room for output", func(t *testing.T) {
		cfg := &config.ModelConfig{Provider: "anthropic", Model: "m", APIKey: "k", MaxTokens: 2048, ThinkingBudgetTokens: 2048}
		_, err := NewAnthropicClient(cfg)
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})
}

func TestAnthropicClient_Complete(t *testing.T) {
	t.Run("text response", func(t *testing.T) {
		var gotBody map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5",`+
				`"content":[{"type":"text","text":"Pottery first."}],"stop_reason":"end_turn",`+
				`"usage":{"input_tokens":12,"output_tokens":34}}`)
		}))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		resp, err := client.Complete(context.Background(), &Request{Messages: []Message{
			SystemMessage("Stay terse."),
			UserMessage("Which tech next?"),
		}})
		require.NoError(t, err)
		assert.Equal(t, "Pottery first.", resp.Text)
		assert.Equal(t, "end_turn", resp.StopReason)
		assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 34}, resp.Usage)

		assert.Equal(t, "claude-sonnet-4-5", gotBody["model"])
		assert.Equal(t, 4096.0, gotBody["max_tokens"])
		system := gotBody["system"].([]any)
		require.Len(t, system, 1)
		assert.Equal(t, "Stay terse.", system[0].(map[string]any)["text"])
		messages := gotBody["messages"].([]any)
		require.Len(t, messages, 1)
		assert.Equal(t, "user", messages[0].(map[string]any)["role"])
	})

	t.Run("tool use response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"m",`+
				`"content":[{"type":"text","text":"Let me look."},`+
				`{"type":"tool_use","id":"tu_1","name":"get-players","input":{"PlayerID":3}}],`+
				`"stop_reason":"tool_use","usage":{"input_tokens":5,"output_tokens":9}}`)
		}))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		resp, err := client.Complete(context.Background(), &Request{Messages: []Message{UserMessage("hi")}})
		require.NoError(t, err)
		assert.Equal(t, "Let me look.", resp.Text)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "tu_1", resp.ToolCalls[0].ID)
		assert.Equal(t, "get-players", resp.ToolCalls[0].Name)
		assert.Equal(t, 3.0, resp.ToolCalls[0].Args["PlayerID"])
		assert.Equal(t, "tool_use", resp.StopReason)
	})

	t.Run("history with tool calls and results", func(t *testing.T) {
		var gotBody map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"m",`+
				`"content":[{"type":"text","text":"Pottery."}],"stop_reason":"end_turn",`+
				`"usage":{"input_tokens":1,"output_tokens":1}}`)
		}))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), &Request{Messages: []Message{
			UserMessage("Which tech next?"),
			AssistantMessage("Checking the tree.", ToolCall{
				ID:   "tu_1",
				Name: "get-technology",
				Args: map[string]any{"TechType": "TECH_POTTERY"},
			}),
			ToolResultMessage(ToolResult{
				ToolCallID: "tu_1",
				Name:       "get-technology",
				Content:    map[string]any{"Cost": 35},
			}),
		}})
		require.NoError(t, err)

		messages := gotBody["messages"].([]any)
		require.Len(t, messages, 3)

		assistant := messages[1].(map[string]any)
		assert.Equal(t, "assistant", assistant["role"])
		blocks := assistant["content"].([]any)
		require.Len(t, blocks, 2)
		assert.Equal(t, "text", blocks[0].(map[string]any)["type"])
		toolUse := blocks[1].(map[string]any)
		assert.Equal(t, "tool_use", toolUse["type"])
		assert.Equal(t, "tu_1", toolUse["id"])
		assert.Equal(t, "get-technology", toolUse["name"])
		assert.Equal(t, "TECH_POTTERY", toolUse["input"].(map[string]any)["TechType"])

		// Tool results travel inside a user turn on this wire.
		resultTurn := messages[2].(map[string]any)
		assert.Equal(t, "user", resultTurn["role"])
		result := resultTurn["content"].([]any)[0].(map[string]any)
		assert.Equal(t, "tool_result", result["type"])
		assert.Equal(t, "tu_1", result["tool_use_id"])
	})

	t.Run("tool definitions ride the request", func(t *testing.T) {
		var gotBody map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"m",`+
				`"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn",`+
				`"usage":{"input_tokens":1,"output_tokens":1}}`)
		}))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), &Request{
			Messages: []Message{UserMessage("hi")},
			Tools: []ToolDefinition{{
				Name:        "get-players",
				Description: "List the players in the game.",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"PlayerID": map[string]any{"type": "integer"}},
				},
			}},
		})
		require.NoError(t, err)

		tools := gotBody["tools"].([]any)
		require.Len(t, tools, 1)
		tool := tools[0].(map[string]any)
		assert.Equal(t, "get-players", tool["name"])
		assert.Equal(t, "List the players in the game.", tool["description"])
		schema := tool["input_schema"].(map[string]any)
		assert.Equal(t, "object", schema["type"])
		assert.Contains(t, schema["properties"], "PlayerID")
	})

	t.Run("structured output forces the answer tool", func(t *testing.T) {
		var gotBody map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"m",`+
				`"content":[{"type":"tool_use","id":"tu_9","name":"structured-output","input":{"Rationale":"hold"}}],`+
				`"stop_reason":"tool_use","usage":{"input_tokens":9,"output_tokens":3}}`)
		}))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		resp, err := client.Complete(context.Background(), &Request{
			Messages: []Message{UserMessage("decide")},
			ResponseSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"Rationale": map[string]any{"type": "string"}},
				"required":   []any{"Rationale"},
			},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"Rationale":"hold"}`, resp.Text)
		assert.Empty(t, resp.ToolCalls)

		choice := gotBody["tool_choice"].(map[string]any)
		assert.Equal(t, "tool", choice["type"])
		assert.Equal(t, structuredToolName, choice["name"])
		tools := gotBody["tools"].([]any)
		require.Len(t, tools, 1)
		schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
		assert.Contains(t, schema["properties"], "Rationale")
	})

	t.Run("extended thinking rides the request", func(t *testing.T) {
		var gotBody map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"m",`+
				`"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn",`+
				`"usage":{"input_tokens":1,"output_tokens":1}}`)
		}))
		defer server.Close()

		cfg := anthropicTestConfig(server.URL)
		cfg.ThinkingBudgetTokens = 2048
		client, err := NewAnthropicClient(cfg)
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), &Request{Messages: []Message{UserMessage("hi")}})
		require.NoError(t, err)

		thinking := gotBody["thinking"].(map[string]any)
		assert.Equal(t, "enabled", thinking["type"])
		assert.Equal(t, 2048.0, thinking["budget_tokens"])
	})

	t.Run("rate limit is retryable", func(t *testing.T) {
		attempts := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			attempts++
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
		}))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), &Request{Messages: []Message{UserMessage("hi")}})
		require.Error(t, err)
		assert.Equal(t, fault.KindDependencyFailed, fault.KindOf(err))
		assert.True(t, fault.Retryable(err))
		assert.GreaterOrEqual(t, attempts, 1)
	})

	t.Run("bad request is not retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens: required"}}`)
		}))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), &Request{Messages: []Message{UserMessage("hi")}})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
		assert.False(t, fault.Retryable(err))
	})

	t.Run("empty conversation is rejected locally", func(t *testing.T) {
		client, err := NewAnthropicClient(anthropicTestConfig("http://127.0.0.1:1"))
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), &Request{})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})
}

func anthropicSSE(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			_, _ = io.WriteString(w, event+"\n\n")
		}
	}
}

func TestAnthropicClient_Stream(t *testing.T) {
	t.Run("chunk sequence with buffered tool call", func(t *testing.T) {
		server := httptest.NewServer(anthropicSSE(
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"m\",\"content\":[],\"usage\":{\"input_tokens\":25,\"output_tokens\":1}}}",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Checking\"}}",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"tu_1\",\"name\":\"get-technology\",\"input\":{}}}",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"TechType\\\":\"}}",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"TECH_AGRICULTURE\\\"}\"}}",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":1}",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\",\"stop_sequence\":null},\"usage\":{\"input_tokens\":25,\"output_tokens\":17}}",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}",
		))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		stream, err := client.Stream(context.Background(), &Request{Messages: []Message{UserMessage("hi")}})
		require.NoError(t, err)
		defer stream.Close()

		chunk, err := stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, ChunkText, chunk.Type)
		assert.Equal(t, "Checking", chunk.Text)

		chunk, err = stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, ChunkToolCallDelta, chunk.Type)
		assert.Equal(t, "tu_1", chunk.Delta.ID)
		assert.Equal(t, "get-technology", chunk.Delta.Name)
		assert.Equal(t, `{"TechType":`, chunk.Delta.Fragment)

		chunk, err = stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, ChunkToolCallDelta, chunk.Type)
		assert.Equal(t, `"TECH_AGRICULTURE"}`, chunk.Delta.Fragment)

		chunk, err = stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, ChunkToolCall, chunk.Type)
		assert.Equal(t, "tu_1", chunk.ToolCall.ID)
		assert.Equal(t, "get-technology", chunk.ToolCall.Name)
		assert.Equal(t, "TECH_AGRICULTURE", chunk.ToolCall.Args["TechType"])

		chunk, err = stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, ChunkUsage, chunk.Type)
		assert.Equal(t, 17, chunk.Usage.OutputTokens)

		chunk, err = stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, ChunkStop, chunk.Type)
		assert.Equal(t, "tool_use", chunk.StopReason)

		_, err = stream.Recv()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("collect assembles text and thinking", func(t *testing.T) {
		server := httptest.NewServer(anthropicSSE(
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"m\",\"content\":[],\"usage\":{\"input_tokens\":8,\"output_tokens\":1}}}",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"thinking\",\"thinking\":\"\"}}",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"weighing\"}}",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello, \"}}",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"text_delta\",\"text\":\"world\"}}",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":1}",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\",\"stop_sequence\":null},\"usage\":{\"input_tokens\":8,\"output_tokens\":6}}",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}",
		))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		stream, err := client.Stream(context.Background(), &Request{Messages: []Message{UserMessage("hi")}})
		require.NoError(t, err)

		resp, err := Collect(stream)
		require.NoError(t, err)
		assert.Equal(t, "Hello, world", resp.Text)
		assert.Equal(t, "weighing", resp.Thinking)
		assert.Equal(t, "end_turn", resp.StopReason)
		assert.Equal(t, Usage{InputTokens: 8, OutputTokens: 6}, resp.Usage)
	})

	t.Run("bad request surfaces before any chunk", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad tool schema"}}`)
		}))
		defer server.Close()

		client, err := NewAnthropicClient(anthropicTestConfig(server.URL))
		require.NoError(t, err)

		_, err = client.Stream(context.Background(), &Request{Messages: []Message{UserMessage("hi")}})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})
}
