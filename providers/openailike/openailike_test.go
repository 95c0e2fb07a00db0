package openailike

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubberduck-ai/llmgate/pkg/provider"
	"github.com/rubberduck-ai/llmgate/pkg/types"
)

func TestDefaultBaseURLAndNoAuthHeader(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	a := New("local", server.URL, nil)
	desc := &provider.Descriptor{Name: "local", Adapter: "local", Models: []string{"m"}, BaseURL: server.URL}
	req := &types.Request{Model: "m", Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}}

	resp, err := a.Execute(context.Background(), req, desc)
	require.NoError(t, err)
	assert.Empty(t, auth, "no Authorization header without an API key")
	assert.Equal(t, "ok", resp.Content())
	assert.Equal(t, "local", resp.Provider)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestDefaultFeatureSet(t *testing.T) {
	a := New("local", "http://localhost:9999/v1", nil)
	assert.Equal(t, "local", a.Name())
	assert.True(t, a.Supports(provider.FeatureStreaming))
	assert.True(t, a.Supports(provider.FeatureSystemMessages))
	assert.False(t, a.Supports(provider.FeatureVision))
}

func TestStreamDelivery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	a := New("local", server.URL, nil)
	desc := &provider.Descriptor{Name: "local", Adapter: "local", Models: []string{"m"}, BaseURL: server.URL}
	req := &types.Request{Model: "m", Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}}

	var chunks []*types.Chunk
	require.NoError(t, a.Stream(context.Background(), req, desc, func(c *types.Chunk) {
		chunks = append(chunks, c)
	}))
	require.Len(t, chunks, 2)
	assert.True(t, chunks[1].Terminal())
}
