package llm

import (
	"context"
	"io"
	"sync"

	"github.com/vox-deorum/strategos/pkg/fault"
)

// ScriptedStep is one canned exchange. A nil Match consumes any request;
// otherwise the step waits for a request it accepts, which keeps scripts
// stable when agents fan out in parallel.
type ScriptedStep struct {
	Match    func(*Request) bool
	Response *Response
	Err      error
}

// When attaches a routing predicate to the step.
func (s ScriptedStep) When(match func(*Request) bool) ScriptedStep {
	s.Match = match
	return s
}

// RespondText scripts a plain text completion.
func RespondText(text string) ScriptedStep {
	return ScriptedStep{Response: &Response{Text: text, StopReason: "end_turn"}}
}

// RespondToolCalls scripts a completion that requests tool invocations.
func RespondToolCalls(calls ...ToolCall) ScriptedStep {
	return ScriptedStep{Response: &Response{ToolCalls: calls, StopReason: "tool_use"}}
}

// FailWith scripts a provider failure.
func FailWith(err error) ScriptedStep {
	return ScriptedStep{Err: err}
}

// ScriptedClient replays a fixed script of responses in place of a real
// provider. Every request is recorded for later assertions.
type ScriptedClient struct {
	mu       sync.Mutex
	model    string
	steps    []ScriptedStep
	consumed []bool
	requests []*Request
}

// NewScriptedClient builds a client that plays the given steps.
func NewScriptedClient(steps ...ScriptedStep) *ScriptedClient {
	return &ScriptedClient{
		model:    "scripted",
		steps:    steps,
		consumed: make([]bool, len(steps)),
	}
}

// Model returns the stand-in model identifier.
func (c *ScriptedClient) Model() string {
	return c.model
}

// Complete consumes the next matching step.
func (c *ScriptedClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, err, "scripted completion")
	}
	step, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Stream consumes the next matching step and replays it as chunks, so
// Collect reproduces the scripted response exactly.
func (c *ScriptedClient) Stream(ctx context.Context, req *Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, err, "scripted stream")
	}
	step, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}

	resp := step.Response
	var chunks []Chunk
	if resp.Thinking != "" {
		chunks = append(chunks, Chunk{Type: ChunkThinking, Text: resp.Thinking})
	}
	if resp.Text != "" {
		chunks = append(chunks, Chunk{Type: ChunkText, Text: resp.Text})
	}
	for i := range resp.ToolCalls {
		call := resp.ToolCalls[i]
		chunks = append(chunks, Chunk{Type: ChunkToolCall, ToolCall: &call})
	}
	if resp.Usage.Total() > 0 {
		usage := resp.Usage
		chunks = append(chunks, Chunk{Type: ChunkUsage, Usage: &usage})
	}
	chunks = append(chunks, Chunk{Type: ChunkStop, StopReason: resp.StopReason})
	return &replayStream{chunks: chunks}, nil
}

// Requests returns every request seen so far, in arrival order.
func (c *ScriptedClient) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Remaining reports how many steps have not been consumed yet.
func (c *ScriptedClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := 0
	for _, used := range c.consumed {
		if !used {
			left++
		}
	}
	return left
}

func (c *ScriptedClient) next(req *Request) (ScriptedStep, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	for i, step := range c.steps {
		if c.consumed[i] {
			continue
		}
		if step.Match != nil && !step.Match(req) {
			continue
		}
		c.consumed[i] = true
		return step, nil
	}
	return ScriptedStep{}, fault.New(fault.KindInternal, "scripted client exhausted after %d requests", len(c.requests))
}

type replayStream struct {
	chunks []Chunk
	pos    int
}

func (s *replayStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *replayStream) Close() error {
	return nil
}
