package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
)

const (
	openaiDefaultBaseURL   = "https://api.openai.com/v1"
	openaiCompleteTimeout  = 2 * time.Minute
	openaiMaxIdlePerHost   = 5
	openaiIdleConnTimeout  = 90 * time.Second
)

// OpenAIClient serves one model tier through a chat-completions-compatible
// endpoint. No SDK: the wire format is a single POST plus SSE line
// scanning, which keeps self-hosted servers on equal footing.
type OpenAIClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature *float64
}

// NewOpenAIClient builds a client from a resolved tier configuration.
func NewOpenAIClient(cfg *config.ModelConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fault.New(fault.KindInvalidArgument, "openai tier is missing a model identifier")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &OpenAIClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        openaiMaxIdlePerHost,
				MaxIdleConnsPerHost: openaiMaxIdlePerHost,
				IdleConnTimeout:     openaiIdleConnTimeout,
			},
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Model returns the provider-side model identifier.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Chat-completions wire types. Only the fields this client reads or
// writes; compatible servers ignore the rest.

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Tools          []chatTool      `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatToolCall struct {
	// Index orders streamed argument fragments; absent in full responses.
	Index    int              `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatStreamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage,omitempty"`
	Error   *chatError     `json:"error,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamDelta struct {
	Content   string         `json:"content,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Complete runs one non-streaming step.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := ensureDeadline(ctx, openaiCompleteTimeout)
	defer cancel()

	body, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read model response")
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyOpenAIStatus(httpResp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "decode model response")
	}
	if parsed.Error != nil {
		return nil, fault.New(fault.KindDependencyFailed, "model API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fault.New(fault.KindDependencyFailed, "model returned no choices")
	}

	choice := parsed.Choices[0]
	resp := &Response{
		Text:       choice.Message.Content,
		Thinking:   choice.Message.Reasoning,
		StopReason: choice.FinishReason,
	}
	for _, call := range choice.Message.ToolCalls {
		args, err := decodeArgs(call.Function.Arguments)
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		})
	}
	if parsed.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

// Stream runs one streaming step. The caller's context governs the
// connection lifetime; there is no default deadline because chunks arrive
// incrementally.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (Stream, error) {
	body, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, classifyOpenAIStatus(httpResp.StatusCode, raw)
	}
	return newOpenAIStream(httpResp.Body), nil
}

func (c *OpenAIClient) buildRequest(req *Request, stream bool) (*chatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, "model request needs at least one message")
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleUser:
			messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Text})

		case RoleAssistant:
			msg := chatMessage{Role: "assistant", Content: m.Text}
			for _, call := range m.ToolCalls {
				argsJSON, err := json.Marshal(call.Args)
				if err != nil {
					return nil, fault.Wrap(fault.KindInternal, err, "marshal tool call arguments")
				}
				msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
					ID:   call.ID,
					Type: "function",
					Function: chatFunctionCall{
						Name:      call.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			messages = append(messages, msg)

		case RoleTool:
			for _, result := range m.ToolResults {
				messages = append(messages, chatMessage{
					Role:       "tool",
					Content:    resultContent(result.Content),
					ToolCallID: result.ToolCallID,
				})
			}

		default:
			return nil, fault.New(fault.KindInvalidArgument, "unsupported message role %q", m.Role)
		}
	}

	out := &chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
	}

	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		out.MaxTokens = &maxTokens
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	out.Temperature = temperature

	if len(req.Tools) > 0 {
		out.Tools = make([]chatTool, len(req.Tools))
		for i, def := range req.Tools {
			out.Tools[i] = chatTool{
				Type: "function",
				Function: chatFunction{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.InputSchema,
				},
			}
		}
		out.ToolChoice = "auto"
	}
	if req.ResponseSchema != nil {
		out.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaSpec{
				Name:   "response",
				Schema: req.ResponseSchema,
				Strict: true,
			},
		}
	}
	return out, nil
}

func (c *OpenAIClient) post(ctx context.Context, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "marshal model request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "build model request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyOpenAITransport(err)
	}
	return resp, nil
}

// classifyOpenAITransport separates deadline expiry from connection
// failures, mirroring the bridge client's policy.
func classifyOpenAITransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, err, "model request")
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fault.Wrap(fault.KindTimeout, err, "model request")
	}
	return fault.Wrap(fault.KindDependencyFailed, err, "model request")
}

// classifyOpenAIStatus maps a non-200 status onto a fault kind, carrying
// the API's error message when the body parses.
func classifyOpenAIStatus(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var parsed struct {
		Error chatError `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		detail = parsed.Error.Message
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fault.New(fault.KindDependencyFailed, "model rate limited (HTTP %d): %s", status, detail)
	case status >= 500 || status == http.StatusRequestTimeout:
		return fault.New(fault.KindDependencyFailed, "model request failed (HTTP %d): %s", status, detail)
	default:
		return fault.New(fault.KindInvalidArgument, "model rejected request (HTTP %d): %s", status, detail)
	}
}

// openaiStream scans the SSE body. Tool-call argument fragments are
// accumulated per index and surface as complete calls when the finish
// reason arrives.
type openaiStream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	calls   []*chatToolCall
	pending []Chunk
	done    bool
	closed  bool
}

func newOpenAIStream(body io.ReadCloser) *openaiStream {
	return &openaiStream{body: body, reader: bufio.NewReader(body)}
}

func (s *openaiStream) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.done {
			return Chunk{}, io.EOF
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Server closed without a terminator; surface whatever
				// calls finished accumulating.
				if err := s.flushToolCalls(); err != nil {
					return Chunk{}, err
				}
				s.done = true
				continue
			}
			return Chunk{}, fault.Wrap(fault.KindDependencyFailed, err, "read model stream")
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			if err := s.flushToolCalls(); err != nil {
				return Chunk{}, err
			}
			s.done = true
			continue
		}

		var event chatStreamResponse
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Error != nil {
			return Chunk{}, fault.New(fault.KindDependencyFailed, "model API error: %s", event.Error.Message)
		}
		if event.Usage != nil {
			s.pending = append(s.pending, Chunk{Type: ChunkUsage, Usage: &Usage{
				InputTokens:  event.Usage.PromptTokens,
				OutputTokens: event.Usage.CompletionTokens,
			}})
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		if choice.Delta.Reasoning != "" {
			s.pending = append(s.pending, Chunk{Type: ChunkThinking, Text: choice.Delta.Reasoning})
		}
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, Chunk{Type: ChunkText, Text: choice.Delta.Content})
		}
		s.accumulate(choice.Delta.ToolCalls)
		if choice.FinishReason != "" {
			if err := s.flushToolCalls(); err != nil {
				return Chunk{}, err
			}
			s.pending = append(s.pending, Chunk{Type: ChunkStop, StopReason: choice.FinishReason})
		}
	}
}

func (s *openaiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

func (s *openaiStream) accumulate(deltas []chatToolCall) {
	for _, d := range deltas {
		for d.Index >= len(s.calls) {
			s.calls = append(s.calls, nil)
		}
		call := s.calls[d.Index]
		if call == nil {
			call = &chatToolCall{Index: d.Index}
			s.calls[d.Index] = call
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Function.Name != "" {
			call.Function.Name = d.Function.Name
		}
		if d.Function.Arguments != "" {
			call.Function.Arguments += d.Function.Arguments
			s.pending = append(s.pending, Chunk{Type: ChunkToolCallDelta, Delta: &ToolCallDelta{
				ID:       call.ID,
				Name:     call.Function.Name,
				Fragment: d.Function.Arguments,
			}})
		}
	}
}

func (s *openaiStream) flushToolCalls() error {
	for _, call := range s.calls {
		if call == nil {
			continue
		}
		args, err := decodeArgs(call.Function.Arguments)
		if err != nil {
			return err
		}
		s.pending = append(s.pending, Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		}})
	}
	s.calls = nil
	return nil
}
