package streaming

import (
	"reflect"
	"testing"

	"github.com/rubberduck-ai/llmgate/pkg/types"
)

const openAIStream = "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}, \"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

func feedAll(p *Parser, data []byte, stride int) []*types.Chunk {
	var chunks []*types.Chunk
	for start := 0; start < len(data); start += stride {
		end := start + stride
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, p.Feed(data[start:end])...)
	}
	if final := p.Flush(); final != nil {
		chunks = append(chunks, final)
	}
	return chunks
}

func TestParser_OpenAIStream(t *testing.T) {
	chunks := feedAll(NewParser(FormatOpenAI, nil), []byte(openAIStream), len(openAIStream))

	want := []*types.Chunk{
		{Role: "assistant"},
		{Content: "Hel"},
		{Content: "lo", FinishReason: "stop"},
	}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("chunks = %+v, want %+v", chunks, want)
	}

	acc := Accumulate(chunks)
	if acc.Role != "assistant" || acc.Content != "Hello" || acc.FinishReason != "stop" {
		t.Errorf("Accumulate() = %+v, want role=assistant content=Hello finish=stop", acc)
	}
}

func TestParser_ByteByByteEquivalence(t *testing.T) {
	data := []byte(openAIStream)

	whole := feedAll(NewParser(FormatOpenAI, nil), data, len(data))
	for _, stride := range []int{1, 2, 3, 7} {
		split := feedAll(NewParser(FormatOpenAI, nil), data, stride)
		if !reflect.DeepEqual(split, whole) {
			t.Errorf("stride %d: chunks differ from single-feed parse", stride)
		}
	}
}

func TestParser_SkipsUndecodableLines(t *testing.T) {
	p := NewParser(FormatOpenAI, nil)

	chunks := p.Feed([]byte("data: {not json}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n"))
	if len(chunks) != 1 || chunks[0].Content != "ok" {
		t.Fatalf("chunks = %+v, want single chunk with content ok", chunks)
	}
}

func TestParser_IgnoresCommentsAndBlankLines(t *testing.T) {
	p := NewParser(FormatOpenAI, nil)
	chunks := p.Feed([]byte(": keep-alive\n\n\ndata: [DONE]\n\n"))
	if len(chunks) != 0 {
		t.Fatalf("chunks = %+v, want none", chunks)
	}
}

func TestParser_AnthropicStream(t *testing.T) {
	stream := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"role\":\"assistant\",\"model\":\"claude-3-haiku\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi \"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"there\"}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	chunks := feedAll(NewParser(FormatAnthropic, nil), []byte(stream), 5)

	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4: %+v", len(chunks), chunks)
	}
	if chunks[0].Role != "assistant" || chunks[0].Metadata["message_id"] != "msg_1" {
		t.Errorf("message_start chunk = %+v", chunks[0])
	}
	if chunks[1].Content != "Hi " || chunks[2].Content != "there" {
		t.Errorf("content chunks = %+v %+v", chunks[1], chunks[2])
	}
	if chunks[3].FinishReason != "stop" || chunks[3].Usage == nil || chunks[3].Usage.CompletionTokens != 2 {
		t.Errorf("terminal chunk = %+v", chunks[3])
	}

	acc := Accumulate(chunks)
	if acc.Content != "Hi there" || acc.Role != "assistant" || acc.FinishReason != "stop" {
		t.Errorf("Accumulate() = %+v", acc)
	}
}

func TestParser_AnthropicMessageStopWithoutDelta(t *testing.T) {
	stream := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"role\":\"assistant\"}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	chunks := feedAll(NewParser(FormatAnthropic, nil), []byte(stream), len(stream))
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].FinishReason != "stop" {
		t.Errorf("message_stop must supply finish_reason=stop, got %+v", chunks[1])
	}
}

func TestParser_AnthropicStopReasonMapping(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
		{"other", "other"},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.reason); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}

func TestAccumulate_LastUsageWins(t *testing.T) {
	chunks := []*types.Chunk{
		{Usage: &types.Usage{TotalTokens: 1}},
		{Content: "x"},
		{FinishReason: "stop", Usage: &types.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}},
	}
	acc := Accumulate(chunks)
	if acc.Usage == nil || acc.Usage.TotalTokens != 5 {
		t.Errorf("Accumulate usage = %+v, want last usage", acc.Usage)
	}
}
