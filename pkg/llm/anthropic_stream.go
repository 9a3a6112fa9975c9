package llm

import (
	"io"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// anthropicStream adapts the SDK's event stream to the Stream interface.
// Recv pulls SDK events until one materializes a chunk, so no goroutine or
// buffer sits between the connection and the caller.
type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

	// tools accumulates argument JSON per content-block index until the
	// block closes.
	tools      map[int]*anthropicToolBuffer
	pending    []Chunk
	stopReason string
}

type anthropicToolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *anthropicToolBuffer) finalJSON() string {
	joined := strings.Join(b.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func newAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion]) *anthropicStream {
	return &anthropicStream{
		stream: stream,
		tools:  make(map[int]*anthropicToolBuffer),
	}
}

func (s *anthropicStream) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return Chunk{}, classifyAnthropic(err, "stream")
			}
			return Chunk{}, io.EOF
		}
		if err := s.handle(s.stream.Current()); err != nil {
			return Chunk{}, err
		}
	}
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

// handle translates one SDK event into zero or more pending chunks.
func (s *anthropicStream) handle(event anthropic.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.tools = make(map[int]*anthropicToolBuffer)
		s.stopReason = ""

	case anthropic.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			s.tools[int(ev.Index)] = &anthropicToolBuffer{id: toolUse.ID, name: toolUse.Name}
		}

	case anthropic.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text != "" {
				s.pending = append(s.pending, Chunk{Type: ChunkText, Text: delta.Text})
			}
		case anthropic.ThinkingDelta:
			if delta.Thinking != "" {
				s.pending = append(s.pending, Chunk{Type: ChunkThinking, Text: delta.Thinking})
			}
		case anthropic.InputJSONDelta:
			buf := s.tools[idx]
			if buf == nil || delta.PartialJSON == "" {
				return nil
			}
			buf.fragments = append(buf.fragments, delta.PartialJSON)
			s.pending = append(s.pending, Chunk{Type: ChunkToolCallDelta, Delta: &ToolCallDelta{
				ID:       buf.id,
				Name:     buf.name,
				Fragment: delta.PartialJSON,
			}})
		}

	case anthropic.ContentBlockStopEvent:
		idx := int(ev.Index)
		buf := s.tools[idx]
		if buf == nil {
			return nil
		}
		delete(s.tools, idx)
		args, err := decodeArgs(buf.finalJSON())
		if err != nil {
			return err
		}
		s.pending = append(s.pending, Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{
			ID:   buf.id,
			Name: buf.name,
			Args: args,
		}})

	case anthropic.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		s.pending = append(s.pending, Chunk{Type: ChunkUsage, Usage: &Usage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
		}})

	case anthropic.MessageStopEvent:
		s.pending = append(s.pending, Chunk{Type: ChunkStop, StopReason: s.stopReason})
	}
	return nil
}
