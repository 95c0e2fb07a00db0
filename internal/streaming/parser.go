// Package streaming parses SSE byte streams from LLM providers into
// provider-agnostic chunks. The parser is line-buffered: partial bytes
// across reads are retained and prepended to the next read, so feeding a
// stream byte-by-byte yields the same chunks as feeding it at once.
package streaming

import (
	"bytes"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// SSE framing markers.
const (
	DataPrefix  = "data: "
	EventPrefix = "event: "
	Done        = "[DONE]"
)

// Format selects the chunk decoding applied to data lines.
type Format string

// Supported stream formats.
const (
	// FormatOpenAI decodes choices/delta framed chunks.
	FormatOpenAI Format = "openai"
	// FormatAnthropic decodes event-typed chunks (message_start,
	// content_block_delta, message_delta, message_stop).
	FormatAnthropic Format = "anthropic"
)

// Parser converts an SSE byte stream into chunks.
// Not safe for concurrent use; each stream owns its parser.
type Parser struct {
	format Format
	logger *slog.Logger

	buf      []byte
	event    string
	role     string
	meta     map[string]any
	finished bool
}

// NewParser creates a parser for the given format.
func NewParser(format Format, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{format: format, logger: logger}
}

// Feed consumes the next read from the wire and returns any chunks
// completed by it. A trailing partial line is buffered for the next call.
func (p *Parser) Feed(data []byte) []*types.Chunk {
	p.buf = append(p.buf, data...)

	var chunks []*types.Chunk
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return chunks
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]

		if chunk := p.parseLine(line); chunk != nil {
			chunks = append(chunks, chunk)
		}
	}
}

// Flush processes any buffered bytes as a final line. Call once at
// end-of-stream for inputs without a trailing newline.
func (p *Parser) Flush() *types.Chunk {
	if len(p.buf) == 0 {
		return nil
	}
	line := p.buf
	p.buf = nil
	return p.parseLine(line)
}

func (p *Parser) parseLine(line []byte) *types.Chunk {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}

	if bytes.HasPrefix(trimmed, []byte(EventPrefix)) {
		p.event = string(bytes.TrimSpace(bytes.TrimPrefix(trimmed, []byte(EventPrefix))))
		return nil
	}

	if !bytes.HasPrefix(trimmed, []byte(DataPrefix)) {
		// Comments and unknown fields are ignored per SSE semantics.
		return nil
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(trimmed, []byte(DataPrefix)))

	if bytes.Equal(payload, []byte(Done)) {
		return nil
	}

	event := p.event
	p.event = ""

	var chunk *types.Chunk
	var err error
	switch p.format {
	case FormatAnthropic:
		chunk, err = p.parseAnthropic(event, payload)
	default:
		chunk, err = p.parseOpenAI(payload)
	}
	if err != nil {
		// Decode errors are skipped; the stream is not aborted.
		p.logger.Warn("skipping undecodable stream chunk", "format", p.format, "error", err)
		return nil
	}
	return chunk
}

// openAIChunk mirrors the wire shape of choices/delta framed chunks.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
}

func (p *Parser) parseOpenAI(payload []byte) (*types.Chunk, error) {
	var wire openAIChunk
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}
	if len(wire.Choices) == 0 {
		if wire.Usage != nil {
			return &types.Chunk{Usage: wire.Usage}, nil
		}
		return nil, nil
	}

	choice := wire.Choices[0]
	chunk := &types.Chunk{
		Content:      choice.Delta.Content,
		Role:         choice.Delta.Role,
		FinishReason: choice.FinishReason,
		Usage:        wire.Usage,
	}
	if chunk.Terminal() {
		p.finished = true
	}
	return chunk, nil
}

func (p *Parser) parseAnthropic(event string, payload []byte) (*types.Chunk, error) {
	var wire map[string]any
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}
	if event == "" {
		event, _ = wire["type"].(string)
	}

	switch event {
	case "message_start":
		msg, _ := wire["message"].(map[string]any)
		chunk := &types.Chunk{Role: types.RoleAssistant}
		if msg != nil {
			if role, ok := msg["role"].(string); ok && role != "" {
				chunk.Role = role
			}
			meta := make(map[string]any)
			if id, ok := msg["id"].(string); ok {
				meta["message_id"] = id
			}
			if model, ok := msg["model"].(string); ok {
				meta["model"] = model
			}
			if len(meta) > 0 {
				chunk.Metadata = meta
			}
		}
		p.role = chunk.Role
		return chunk, nil

	case "content_block_delta":
		delta, _ := wire["delta"].(map[string]any)
		if delta == nil {
			return nil, nil
		}
		text, _ := delta["text"].(string)
		if text == "" {
			return nil, nil
		}
		return &types.Chunk{Content: text}, nil

	case "message_delta":
		chunk := &types.Chunk{}
		if delta, ok := wire["delta"].(map[string]any); ok {
			if stop, ok := delta["stop_reason"].(string); ok && stop != "" {
				chunk.FinishReason = mapStopReason(stop)
			}
		}
		if usage, ok := wire["usage"].(map[string]any); ok {
			u := &types.Usage{}
			if v, ok := usage["input_tokens"].(float64); ok {
				u.PromptTokens = int(v)
			}
			if v, ok := usage["output_tokens"].(float64); ok {
				u.CompletionTokens = int(v)
			}
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
			chunk.Usage = u
		}
		if chunk.FinishReason == "" && chunk.Usage == nil {
			return nil, nil
		}
		if chunk.Terminal() {
			p.finished = true
		}
		return chunk, nil

	case "message_stop":
		// Only terminal if message_delta did not already close the stream.
		if p.finished {
			return nil, nil
		}
		p.finished = true
		return &types.Chunk{FinishReason: "stop"}, nil

	default:
		// ping, content_block_start, content_block_stop and friends.
		return nil, nil
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// Accumulate folds an ordered chunk sequence into a terminal chunk:
// concatenated content, first non-empty role, last non-empty finish
// reason, last non-nil usage.
func Accumulate(chunks []*types.Chunk) *types.Chunk {
	out := &types.Chunk{}
	var content bytes.Buffer
	for _, c := range chunks {
		if c == nil {
			continue
		}
		content.WriteString(c.Content)
		if out.Role == "" && c.Role != "" {
			out.Role = c.Role
		}
		if c.FinishReason != "" {
			out.FinishReason = c.FinishReason
		}
		if c.Usage != nil {
			out.Usage = c.Usage
		}
	}
	out.Content = content.String()
	return out
}
