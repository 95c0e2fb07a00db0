package llmgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/pkg/types"
)

func TestCompletionStream(t *testing.T) {
	adapter := newScripted("openai", okStep("unused", nil))
	adapter.chunks = []*types.Chunk{
		{Role: types.RoleAssistant, Content: "Hel"},
		{Content: "lo"},
		{FinishReason: "stop", Usage: &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}},
	}
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	var got []*Chunk
	h, err := svc.CompletionStream(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	}, func(c *Chunk) { got = append(got, c) })
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	require.Len(t, got, 3)
	assert.Equal(t, "Hel", got[0].Content)
	assert.True(t, got[2].Terminal())

	terminals := 0
	for _, c := range got {
		if c.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	sum := svc.CostSummary(CostFilter{})
	assert.Equal(t, 1, sum.RecordCount)
	assert.InDelta(t, 0.00009, sum.TotalCost, 1e-9)
}

func TestCompletionStreamUnsupported(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	adapter.noStream = true
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	_, err := svc.CompletionStream(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	}, func(*Chunk) {})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
}

func TestCompletionStreamRateLimited(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	adapter.chunks = []*types.Chunk{{FinishReason: "stop"}}
	desc := testDescriptor("openai", "gpt-4")
	desc.RateLimit = &RateLimit{Limit: 1, Window: provider.WindowHour}
	svc := newTestService(t,
		WithProvider(desc),
		WithAdapter("openai", adapter),
	)

	h, err := svc.CompletionStream(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	}, func(*Chunk) {})
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	_, err = svc.CompletionStream(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	}, func(*Chunk) {})
	require.Error(t, err)
	assert.Equal(t, errors.KindRateLimitExceeded, errors.KindOf(err))
}

func TestCompletionStreamFailure(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	adapter.streamErr = errors.New(errors.KindNetworkError, "openai", "gpt-4", "connection reset")
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	h, err := svc.CompletionStream(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	}, func(*Chunk) {})
	require.NoError(t, err)

	err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindNetworkError, errors.KindOf(err))
	assert.Equal(t, errors.KindNetworkError, errors.KindOf(h.Err()))
}

func TestStreamHandleWaitTimeout(t *testing.T) {
	h := &StreamHandle{id: "x", done: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.Wait(ctx)
	require.Error(t, err)
	assert.Nil(t, h.Err())
}
