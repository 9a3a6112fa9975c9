package llm

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
)

func TestNew(t *testing.T) {
	t.Run("anthropic provider", func(t *testing.T) {
		client, err := New(&config.ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "k"})
		require.NoError(t, err)
		assert.IsType(t, &AnthropicClient{}, client)
		assert.Equal(t, "claude-sonnet-4-5", client.Model())
	})

	t.Run("openai provider", func(t *testing.T) {
		client, err := New(&config.ModelConfig{Provider: "openai", Model: "gpt-5-mini", APIKey: "k"})
		require.NoError(t, err)
		assert.IsType(t, &OpenAIClient{}, client)
		assert.Equal(t, "gpt-5-mini", client.Model())
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := New(&config.ModelConfig{Provider: "bedrock", Model: "m"})
		require.Error(t, err)
		assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
	})
}

// fixedStream replays chunks, then an error or io.EOF.
type fixedStream struct {
	chunks []Chunk
	err    error
	pos    int
	closes int
}

func (s *fixedStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fixedStream) Close() error {
	s.closes++
	return nil
}

func TestCollect(t *testing.T) {
	t.Run("assembles all chunk types", func(t *testing.T) {
		stream := &fixedStream{chunks: []Chunk{
			{Type: ChunkThinking, Text: "weighing options"},
			{Type: ChunkText, Text: "Hello, "},
			{Type: ChunkToolCallDelta, Delta: &ToolCallDelta{ID: "tc_1", Fragment: `{"a"`}},
			{Type: ChunkText, Text: "world"},
			{Type: ChunkToolCall, ToolCall: &ToolCall{ID: "tc_1", Name: "get-players", Args: map[string]any{"a": 1.0}}},
			{Type: ChunkUsage, Usage: &Usage{InputTokens: 10, OutputTokens: 20}},
			{Type: ChunkStop, StopReason: "tool_use"},
		}}

		resp, err := Collect(stream)
		require.NoError(t, err)
		assert.Equal(t, "Hello, world", resp.Text)
		assert.Equal(t, "weighing options", resp.Thinking)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "get-players", resp.ToolCalls[0].Name)
		assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 20}, resp.Usage)
		assert.Equal(t, "tool_use", resp.StopReason)
		assert.Equal(t, 1, stream.closes)
	})

	t.Run("propagates stream errors", func(t *testing.T) {
		boom := fault.New(fault.KindDependencyFailed, "connection dropped")
		stream := &fixedStream{
			chunks: []Chunk{{Type: ChunkText, Text: "partial"}},
			err:    boom,
		}

		_, err := Collect(stream)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, stream.closes)
	})
}

func TestDecodeArgs(t *testing.T) {
	t.Run("empty string yields empty map", func(t *testing.T) {
		args, err := decodeArgs("")
		require.NoError(t, err)
		assert.NotNil(t, args)
		assert.Empty(t, args)
	})

	t.Run("object parses", func(t *testing.T) {
		args, err := decodeArgs(`{"TechType":"TECH_POTTERY","Depth":2}`)
		require.NoError(t, err)
		assert.Equal(t, "TECH_POTTERY", args["TechType"])
		assert.Equal(t, 2.0, args["Depth"])
	})

	t.Run("malformed JSON is a dependency failure", func(t *testing.T) {
		_, err := decodeArgs(`{"Tech`)
		require.Error(t, err)
		assert.Equal(t, fault.KindDependencyFailed, fault.KindOf(err))
	})
}

func TestUsageTotal(t *testing.T) {
	assert.Equal(t, 30, Usage{InputTokens: 10, OutputTokens: 20}.Total())
	assert.Equal(t, 0, Usage{}.Total())
}
