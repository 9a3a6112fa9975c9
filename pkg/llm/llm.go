// Package llm abstracts the model providers behind a single Client
// interface: messages and tool definitions in, a response or chunk stream
// out. Two providers ship: the Anthropic Messages API via the official
// SDK, and any chat-completions-compatible endpoint over plain HTTP.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleSystem carries the agent's authored system prompt.
	RoleSystem Role = "system"

	// RoleUser carries turn context and nudges.
	RoleUser Role = "user"

	// RoleAssistant carries model output, including tool invocations.
	RoleAssistant Role = "assistant"

	// RoleTool carries tool results fed back to the model.
	RoleTool Role = "tool"
)

// Message is one conversation entry. Assistant messages may carry tool
// calls alongside text; tool messages carry only results.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// SystemMessage builds a system-role message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// UserMessage builds a user-role message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Text: text, ToolCalls: calls}
}

// ToolResultMessage builds a tool-role message carrying results.
func ToolResultMessage(results ...ToolResult) Message {
	return Message{Role: RoleTool, ToolResults: results}
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-issued call identifier, echoed back with the result.
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    any
	IsError    bool
}

// ToolDefinition advertises one tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one model step: the conversation so far plus the active tools.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition

	// MaxTokens overrides the configured completion cap when positive.
	MaxTokens int

	// Temperature overrides the configured sampling temperature when set.
	Temperature *float64

	// ResponseSchema requests structured output conforming to the schema.
	// Honored by Complete only; streaming steps ignore it, since the full
	// document must be assembled before validation anyway.
	ResponseSchema map[string]any
}

// Usage is the token accounting for one step.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is one finished model step.
type Response struct {
	Text       string
	Thinking   string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// ChunkType discriminates streamed chunks.
type ChunkType string

const (
	// ChunkText is a fragment of assistant text.
	ChunkText ChunkType = "text"

	// ChunkThinking is a fragment of extended-thinking text.
	ChunkThinking ChunkType = "thinking"

	// ChunkToolCallDelta is a fragment of a tool call's argument JSON.
	ChunkToolCallDelta ChunkType = "tool-call-delta"

	// ChunkToolCall is a completed tool invocation.
	ChunkToolCall ChunkType = "tool-call"

	// ChunkUsage reports token accounting.
	ChunkUsage ChunkType = "usage"

	// ChunkStop marks the end of the step with the provider's stop reason.
	ChunkStop ChunkType = "stop"
)

// Chunk is one streamed event. Which fields are set depends on Type.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolCall   *ToolCall
	Delta      *ToolCallDelta
	Usage      *Usage
	StopReason string
}

// ToolCallDelta is a partial tool invocation: the argument JSON arrives in
// fragments while the call identity is already known.
type ToolCallDelta struct {
	ID       string
	Name     string
	Fragment string
}

// Stream yields chunks for one model step. Recv returns io.EOF after the
// final chunk; Close releases the underlying connection and is safe to
// call more than once.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is one configured model tier. Implementations are safe for
// concurrent use; the model identifier is fixed at construction.
type Client interface {
	Model() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// New builds the provider client for one model tier.
func New(cfg *config.ModelConfig) (Client, error) {
	switch config.ProviderType(cfg.Provider) {
	case config.ProviderTypeAnthropic:
		return NewAnthropicClient(cfg)
	case config.ProviderTypeOpenAI:
		return NewOpenAIClient(cfg)
	default:
		return nil, fault.New(fault.KindInvalidArgument, "unknown model provider %q", cfg.Provider)
	}
}

// Collect drains a stream into a finished response, closing it on return.
func Collect(stream Stream) (*Response, error) {
	defer stream.Close()

	resp := &Response{}
	var text, thinking strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch chunk.Type {
		case ChunkText:
			text.WriteString(chunk.Text)
		case ChunkThinking:
			thinking.WriteString(chunk.Text)
		case ChunkToolCall:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case ChunkUsage:
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		case ChunkStop:
			if chunk.StopReason != "" {
				resp.StopReason = chunk.StopReason
			}
		}
	}
	resp.Text = text.String()
	resp.Thinking = thinking.String()
	return resp, nil
}

// decodeArgs parses a tool call's argument JSON. Blank input means no
// arguments.
func decodeArgs(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "decode tool call arguments")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ensureDeadline applies a default timeout only when the caller did not
// set one.
func ensureDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
