package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
)

// anthropicDefaultMaxTokens caps completions when the tier leaves
// max_tokens unset.
const anthropicDefaultMaxTokens = 4096

// structuredToolName is the synthetic tool that carries a structured-output
// schema. The Messages API has no response-format parameter, so the schema
// rides a forced tool call and the call's arguments become the output.
const structuredToolName = "structured-output"

// anthropicCompleteTimeout bounds non-streaming steps without a caller
// deadline.
const anthropicCompleteTimeout = 2 * time.Minute

// MessagesAPI is the subset of the Anthropic SDK message service the
// client uses. *anthropic.MessageService satisfies it; tests substitute a
// stub or point the SDK at a local server.
type MessagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// AnthropicClient serves one model tier through the Anthropic Messages API.
type AnthropicClient struct {
	messages       MessagesAPI
	model          string
	maxTokens      int
	temperature    *float64
	thinkingBudget int
}

// NewAnthropicClient builds a client from a resolved tier configuration.
// An empty api_key falls back to the SDK's ANTHROPIC_API_KEY handling.
func NewAnthropicClient(cfg *config.ModelConfig) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fault.New(fault.KindInvalidArgument, "anthropic tier is missing a model identifier")
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	sdk := anthropic.NewClient(opts...)
	return newAnthropicClient(&sdk.Messages, cfg)
}

// newAnthropicClient validates the tier parameters against the API's
// constraints so misconfiguration fails at boot, not mid-turn.
func newAnthropicClient(messages MessagesAPI, cfg *config.ModelConfig) (*AnthropicClient, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	if budget := cfg.ThinkingBudgetTokens; budget > 0 {
		if budget < 1024 {
			return nil, fault.New(fault.KindInvalidArgument,
				"thinking budget %d must be at least 1024 tokens", budget)
		}
		if budget >= maxTokens {
			return nil, fault.New(fault.KindInvalidArgument,
				"thinking budget %d must be below max_tokens %d", budget, maxTokens)
		}
	}
	return &AnthropicClient{
		messages:       messages,
		model:          cfg.Model,
		maxTokens:      maxTokens,
		temperature:    cfg.Temperature,
		thinkingBudget: cfg.ThinkingBudgetTokens,
	}, nil
}

// Model returns the provider-side model identifier.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Complete runs one non-streaming step. When the request carries a
// response schema the forced structured tool call is unwrapped into the
// response text.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := ensureDeadline(ctx, anthropicCompleteTimeout)
	defer cancel()

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.messages.New(ctx, *params)
	if err != nil {
		return nil, classifyAnthropic(err, "messages")
	}
	resp, err := translateAnthropic(msg)
	if err != nil {
		return nil, err
	}
	if req.ResponseSchema != nil {
		unwrapStructured(resp)
	}
	return resp, nil
}

// Stream runs one streaming step.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (Stream, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyAnthropic(err, "messages stream")
	}
	return newAnthropicStream(stream), nil
}

func (c *AnthropicClient) buildParams(req *Request) (*anthropic.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, "model request needs at least one message")
	}

	conversation, system, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}

	temperature := c.temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	if temperature != nil {
		params.Temperature = anthropic.Float(*temperature)
	}
	if c.thinkingBudget > 0 && c.thinkingBudget < maxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(c.thinkingBudget))
	}

	toolParams, err := encodeAnthropicTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if req.ResponseSchema != nil {
		structured := anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{ExtraFields: req.ResponseSchema},
			structuredToolName,
		)
		if structured.OfTool != nil {
			structured.OfTool.Description = anthropic.String("Record the final answer in the required shape.")
		}
		toolParams = append(toolParams, structured)
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(structuredToolName)
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	return &params, nil
}

func encodeAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	conversation := make([]anthropic.MessageParam, 0, len(msgs))
	system := make([]anthropic.TextBlockParam, 0, 1)

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if m.Text != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Text})
			}

		case RoleUser:
			if m.Text == "" {
				continue
			}
			conversation = append(conversation, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))

		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, call := range m.ToolCalls {
				if call.Name == "" {
					return nil, nil, fault.New(fault.KindInvalidArgument, "assistant tool call is missing a name")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Args, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			// The Messages API expects tool results inside a user turn.
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolResults))
			for _, result := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(result.ToolCallID, resultContent(result.Content), result.IsError))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, anthropic.NewUserMessage(blocks...))

		default:
			return nil, nil, fault.New(fault.KindInvalidArgument, "unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, fault.New(fault.KindInvalidArgument, "model request needs a user or assistant message")
	}
	return conversation, system, nil
}

// resultContent renders a tool result for the wire. Strings pass through;
// everything else is marshaled.
func resultContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func encodeAnthropicTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolParams := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fault.New(fault.KindInvalidArgument, "tool definition is missing a name")
		}
		u := anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{ExtraFields: def.InputSchema},
			def.Name,
		)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = anthropic.String(def.Description)
		}
		toolParams = append(toolParams, u)
	}
	return toolParams, nil
}

func translateAnthropic(msg *anthropic.Message) (*Response, error) {
	if msg == nil {
		return nil, fault.New(fault.KindDependencyFailed, "anthropic returned an empty message")
	}
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "thinking":
			resp.Thinking += block.Thinking
		case "tool_use":
			args, err := decodeArgs(string(block.Input))
			if err != nil {
				return nil, err
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	resp.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp, nil
}

// unwrapStructured moves the forced structured tool call into the response
// text so callers validate one JSON document regardless of provider.
func unwrapStructured(resp *Response) {
	kept := resp.ToolCalls[:0]
	for _, call := range resp.ToolCalls {
		if call.Name != structuredToolName {
			kept = append(kept, call)
			continue
		}
		if data, err := json.Marshal(call.Args); err == nil {
			resp.Text = string(data)
		}
	}
	resp.ToolCalls = kept
}

// classifyAnthropic maps SDK failures onto fault kinds. Throttling and
// server-side failures are retryable; rejected requests are not.
func classifyAnthropic(err error, op string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fault.Wrap(fault.KindDependencyFailed, err, "anthropic %s rate limited", op)
		case apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusRequestTimeout:
			return fault.Wrap(fault.KindDependencyFailed, err, "anthropic %s", op)
		default:
			return fault.Wrap(fault.KindInvalidArgument, err, "anthropic %s rejected", op)
		}
	}
	return fault.Wrap(fault.KindDependencyFailed, err, "anthropic %s", op)
}
