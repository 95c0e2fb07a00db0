package llmgate

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubberduck-ai/llmgate/internal/prefs"
	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// scriptedAdapter is a controllable in-process adapter. Each Execute call
// consumes the next step; when the script runs out the last step repeats.
type scriptedAdapter struct {
	provider.Base
	name string

	mu       sync.Mutex
	calls    int
	executed []*types.Request
	script   []step
	delay    time.Duration

	chunks    []*types.Chunk
	streamErr error
	noStream  bool
}

type step struct {
	resp *types.Response
	err  error
}

func newScripted(name string, steps ...step) *scriptedAdapter {
	return &scriptedAdapter{name: name, script: steps}
}

func okStep(content string, usage *types.Usage) step {
	return step{resp: &types.Response{
		Choices: []types.Choice{{Message: types.Message{Role: types.RoleAssistant, Content: content}, FinishReason: "stop"}},
		Usage:   usage,
	}}
}

func errStep(err error) step { return step{err: err} }

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Execute(ctx context.Context, req *types.Request, desc *provider.Descriptor) (*types.Response, error) {
	a.mu.Lock()
	idx := a.calls
	if idx >= len(a.script) {
		idx = len(a.script) - 1
	}
	a.calls++
	a.executed = append(a.executed, req.Clone())
	st := a.script[idx]
	delay := a.delay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.New(errors.KindTimeout, a.name, req.Model, "cancelled")
		}
	}
	if st.err != nil {
		return nil, st.err
	}
	resp := *st.resp
	resp.Provider = a.name
	resp.Model = req.Model
	return &resp, nil
}

func (a *scriptedAdapter) Stream(ctx context.Context, req *types.Request, desc *provider.Descriptor, emit provider.EmitFunc) error {
	a.mu.Lock()
	chunks := a.chunks
	err := a.streamErr
	a.mu.Unlock()
	if err != nil {
		return err
	}
	for _, c := range chunks {
		emit(c)
	}
	return nil
}

func (a *scriptedAdapter) Supports(f provider.Feature) bool {
	if f == provider.FeatureStreaming {
		return !a.noStream
	}
	return f == provider.FeatureSystemMessages
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptedAdapter) executedRequests() []*types.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*types.Request(nil), a.executed...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDescriptor(name string, models ...string) Descriptor {
	return Descriptor{Name: name, Adapter: name, Models: models}
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append(opts, WithLogger(testLogger()))
	svc, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func userMessages(content string) []Message {
	return []Message{{Role: types.RoleUser, Content: content}}
}

func TestCompletionSuccess(t *testing.T) {
	adapter := newScripted("openai", okStep("hi there", &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	resp, err := svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content())
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 1, adapter.callCount())

	sum := svc.CostSummary(CostFilter{})
	assert.Equal(t, 1, sum.RecordCount)
	assert.InDelta(t, 0.00009, sum.TotalCost, 1e-9)
}

func TestCompletionValidation(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	_, err := svc.Completion(context.Background(), CompletionOpts{Model: "gpt-4"})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))

	_, err = svc.Completion(context.Background(), CompletionOpts{
		Model:    "no-such-model",
		Messages: userMessages("hello"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindModelNotAvailable, errors.KindOf(err))

	_, err = svc.Completion(context.Background(), CompletionOpts{
		Provider: "anthropic",
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderNotConfigured, errors.KindOf(err))
}

func TestCompletionAsync(t *testing.T) {
	adapter := newScripted("openai", okStep("done", nil))
	adapter.delay = 50 * time.Millisecond
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	id, err := svc.CompletionAsync(CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = svc.GetResult(id, 0)
	assert.ErrorIs(t, err, ErrResultPending)

	resp, err := svc.GetResult(id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content())

	_, err = svc.GetResult(id, 0)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
}

func TestQueueFIFOOnRateLimit(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	desc := testDescriptor("openai", "gpt-4")
	desc.RateLimit = &RateLimit{Limit: 1, Window: provider.WindowSecond}
	svc := newTestService(t,
		WithProvider(desc),
		WithAdapter("openai", adapter),
		WithQueueInterval(20*time.Millisecond),
	)

	var ids []string
	contents := []string{"first", "second", "third"}
	for _, c := range contents {
		id, err := svc.CompletionAsync(CompletionOpts{
			Model:    "gpt-4",
			Messages: userMessages(c),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err := svc.GetResult(ids[2], 0)
	assert.ErrorIs(t, err, ErrResultPending)

	for _, id := range ids {
		_, err := svc.GetResult(id, 4*time.Second)
		require.NoError(t, err)
	}

	executed := adapter.executedRequests()
	require.Len(t, executed, 3)
	for i, req := range executed {
		assert.Equal(t, contents[i], req.Messages[0].Content)
	}
}

func TestFallbackToSecondProvider(t *testing.T) {
	primary := newScripted("openai", errStep(errors.New(errors.KindProviderNotConnected, "openai", "gpt-4", "backend connection lost")))
	backup := newScripted("azure", okStep("from backup", nil))
	backupDesc := testDescriptor("azure", "gpt-4")
	backupDesc.Priority = 1
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithProvider(backupDesc),
		WithAdapter("openai", primary),
		WithAdapter("azure", backup),
	)

	resp, err := svc.Completion(context.Background(), CompletionOpts{
		Provider: "openai",
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content())
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, backup.callCount())
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	adapter := newScripted("openai", errStep(errors.New(errors.KindProviderNotConnected, "openai", "gpt-4", "backend connection lost")))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
		WithBreaker(2, time.Minute),
	)

	for i := 0; i < 2; i++ {
		_, err := svc.Completion(context.Background(), CompletionOpts{
			Model:    "gpt-4",
			Messages: userMessages("hello"),
		})
		require.Error(t, err)
	}
	calls := adapter.callCount()

	_, err := svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindAllProvidersUnavailable, errors.KindOf(err))
	assert.Equal(t, calls, adapter.callCount())
}

func TestBreakerHalfOpenSurvivesAuthFailure(t *testing.T) {
	adapter := newScripted("openai",
		errStep(errors.New(errors.KindProviderNotConnected, "openai", "gpt-4", "backend connection lost")),
		errStep(errors.New(errors.KindAuthenticationFailed, "openai", "gpt-4", "invalid api key")),
		okStep("recovered", nil),
	)
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
		WithBreaker(1, 50*time.Millisecond),
	)

	opts := CompletionOpts{Model: "gpt-4", Messages: userMessages("hello")}

	_, err := svc.Completion(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, 1, adapter.callCount())

	time.Sleep(80 * time.Millisecond)

	// The half-open trial fails with an auth error. That says nothing
	// about upstream health, so the slot must open up for the next call.
	_, err = svc.Completion(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthenticationFailed, errors.KindOf(err))
	assert.Equal(t, 2, adapter.callCount())

	resp, err := svc.Completion(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content())
	assert.Equal(t, 3, adapter.callCount())
}

func TestAlternativeModelRetry(t *testing.T) {
	adapter := newScripted("openai",
		errStep(errors.New(errors.KindProviderNotConnected, "openai", "gpt-4", "backend connection lost")),
		okStep("from sibling", nil),
	)
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4", "gpt-4o-mini")),
		WithAdapter("openai", adapter),
	)

	resp, err := svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "from sibling", resp.Content())
	assert.Equal(t, "gpt-4o-mini", resp.Metadata["alternative_model"])
	assert.Equal(t, "gpt-4", resp.Metadata["original_model"])

	executed := adapter.executedRequests()
	require.Len(t, executed, 2)
	assert.Equal(t, "gpt-4o-mini", executed[1].Model)
}

func TestAuthFailureSkipsAlternativeModel(t *testing.T) {
	adapter := newScripted("openai", errStep(errors.New(errors.KindAuthenticationFailed, "openai", "gpt-4", "invalid api key")))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4", "gpt-4o-mini")),
		WithAdapter("openai", adapter),
	)

	_, err := svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthenticationFailed, errors.KindOf(err))
	assert.Equal(t, 1, adapter.callCount())
}

func TestGracefulDegradation(t *testing.T) {
	adapter := newScripted("openai", errStep(errors.New(errors.KindProviderNotConnected, "openai", "gpt-4", "backend connection lost")))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
		WithGracefulDegradation(true),
	)

	resp, err := svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata["degraded"])
	assert.NotEmpty(t, resp.Content())
}

func TestContextSimplificationRetry(t *testing.T) {
	adapter := newScripted("openai",
		errStep(errors.New(errors.KindContextTooLarge, "openai", "gpt-4", "maximum context length exceeded")),
		okStep("short answer", nil),
	)
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	resp, err := svc.Completion(context.Background(), CompletionOpts{
		Model: "gpt-4",
		Messages: []Message{
			{Role: types.RoleUser, Content: "one"},
			{Role: types.RoleAssistant, Content: "two"},
			{Role: types.RoleUser, Content: "three"},
			{Role: types.RoleAssistant, Content: "four"},
			{Role: types.RoleUser, Content: "five"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "short answer", resp.Content())
	assert.Equal(t, true, resp.Metadata["context_simplified"])

	executed := adapter.executedRequests()
	require.Len(t, executed, 2)
	assert.Len(t, executed[1].Messages, 2)
	assert.Equal(t, "four", executed[1].Messages[0].Content)
	assert.Equal(t, "five", executed[1].Messages[1].Content)
}

func TestPreferencePinResolvesProvider(t *testing.T) {
	openai := newScripted("openai", okStep("from openai", nil))
	azure := newScripted("azure", okStep("from azure", nil))
	store := prefs.NewMemoryStore(0)
	store.PinModel("alice", "gpt-4", "azure")

	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithProvider(testDescriptor("azure", "gpt-4")),
		WithAdapter("openai", openai),
		WithAdapter("azure", azure),
		WithPreferences(store),
	)

	resp, err := svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
		Options:  Options{UserID: "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "from azure", resp.Content())

	resp, err = svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
		Options:  Options{UserID: "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, "from openai", resp.Content())
}

func TestUserDefaultFillsProviderAndModel(t *testing.T) {
	openai := newScripted("openai", okStep("from openai", nil))
	azure := newScripted("azure", okStep("from azure", nil))
	store := prefs.NewMemoryStore(0)
	store.SetDefault("alice", "azure", "gpt-4")

	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithProvider(testDescriptor("azure", "gpt-4")),
		WithAdapter("openai", openai),
		WithAdapter("azure", azure),
		WithPreferences(store),
	)

	resp, err := svc.Completion(context.Background(), CompletionOpts{
		Messages: userMessages("hello"),
		Options:  Options{UserID: "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "from azure", resp.Content())
	assert.Equal(t, 0, openai.callCount())

	// Without a stored default the request is still incomplete.
	_, err = svc.Completion(context.Background(), CompletionOpts{
		Messages: userMessages("hello"),
		Options:  Options{UserID: "bob"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))
}

func TestProviderDefaultFillsModel(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	store := prefs.NewMemoryStore(0)
	store.SetProviderDefault("alice", "openai", "gpt-4o-mini")

	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4", "gpt-4o-mini")),
		WithAdapter("openai", adapter),
		WithPreferences(store),
	)

	resp, err := svc.Completion(context.Background(), CompletionOpts{
		Provider: "openai",
		Messages: userMessages("hello"),
		Options:  Options{UserID: "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.Model)

	executed := adapter.executedRequests()
	require.Len(t, executed, 1)
	assert.Equal(t, "gpt-4o-mini", executed[0].Model)
}

func TestDisabledProviderRejected(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	svc.SetEnabled("openai", false)
	_, err := svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderNotConnected, errors.KindOf(err))

	svc.SetEnabled("openai", true)
	_, err = svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.NoError(t, err)
}

func TestListModels(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4", "gpt-4o-mini")),
		WithAdapter("openai", adapter),
	)

	models := svc.ListModels()
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4", models[0].Model)
	assert.Equal(t, "openai", models[0].Provider)
	assert.True(t, models[0].Available)
}

func TestUpdateProviderConfig(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", nil))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	priority := 5
	models := []string{"gpt-4", "gpt-4o"}
	require.NoError(t, svc.UpdateProviderConfig("openai", ProviderUpdate{
		Priority: &priority,
		Models:   models,
	}))

	desc, err := svc.GetProviderConfig("openai")
	require.NoError(t, err)
	assert.Equal(t, 5, desc.Priority)
	assert.Equal(t, models, desc.Models)

	err = svc.UpdateProviderConfig("missing", ProviderUpdate{})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderNotConfigured, errors.KindOf(err))
}

func TestExportCostCSV(t *testing.T) {
	adapter := newScripted("openai", okStep("ok", &types.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}))
	svc := newTestService(t,
		WithProvider(testDescriptor("openai", "gpt-4")),
		WithAdapter("openai", adapter),
	)

	_, err := svc.Completion(context.Background(), CompletionOpts{
		Model:    "gpt-4",
		Messages: userMessages("hello"),
	})
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, svc.ExportCostCSV(&sb))
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "openai,gpt-4,1000,1000,2000,0.0900")
}
