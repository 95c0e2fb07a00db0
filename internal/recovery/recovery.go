// Package recovery implements error-driven recovery strategies: retry
// backoff, context simplification, alternative-model substitution, and the
// graceful-degradation response of last resort.
package recovery

import (
	"math/rand"
	"time"

	"github.com/rubberduck-ai/llmgate/pkg/errors"
	"github.com/rubberduck-ai/llmgate/pkg/types"
)

// maxBackoff caps any single retry delay.
const maxBackoff = 30 * time.Second

// Backoff returns the wait before retry number attempt (0-based) for an
// error of the given kind: min(initial · 2^attempt + jitter, 30s). Rate
// limit errors carry a larger initial delay from the policy table.
func Backoff(kind errors.Kind, attempt int) time.Duration {
	initial := errors.InitialDelay(kind)
	if initial <= 0 {
		initial = time.Second
	}

	delay := initial << attempt
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// SimplifyMessages shrinks an oversized conversation to its last two
// messages so it can be retried once against the same model. The returned
// request is a copy; annotations are attached for the eventual response.
// Returns false if the conversation is already at or under two messages.
func SimplifyMessages(req *types.Request) (*types.Request, bool) {
	if len(req.Messages) <= 2 {
		return nil, false
	}
	simplified := req.Clone()
	simplified.Messages = append([]types.Message(nil), req.Messages[len(req.Messages)-2:]...)
	return simplified, true
}

// Annotate marks a response as produced from a simplified conversation.
func Annotate(resp *types.Response, originalCount, simplifiedCount int) {
	resp.SetMeta("context_simplified", true)
	resp.SetMeta("original_message_count", originalCount)
	resp.SetMeta("simplified_message_count", simplifiedCount)
}

// siblings maps a model to a smaller stablemate worth one substitution
// attempt when the primary fails.
var siblings = map[string]string{
	"gpt-4":             "gpt-4o-mini",
	"gpt-4o":            "gpt-4o-mini",
	"gpt-4-turbo":       "gpt-4o-mini",
	"gpt-3.5-turbo":     "gpt-4o-mini",
	"claude-3-opus":     "claude-3-haiku",
	"claude-3-sonnet":   "claude-3-haiku",
	"claude-3-5-sonnet": "claude-3-haiku",
}

// AlternativeModel returns the smaller sibling for a model, if one exists.
func AlternativeModel(model string) (string, bool) {
	alt, ok := siblings[model]
	return alt, ok
}

// Degraded builds the synthetic response returned when every strategy is
// exhausted and graceful degradation is enabled. The content is the
// user-facing explanation for the error kind, never the vendor body.
func Degraded(req *types.Request, err error) *types.Response {
	kind := errors.KindOf(err)
	resp := &types.Response{
		ID:        req.ID,
		Model:     req.Model,
		Provider:  req.Provider,
		CreatedAt: time.Now(),
		Choices: []types.Choice{{
			Index: 0,
			Message: types.Message{
				Role:    types.RoleAssistant,
				Content: errors.UserMessage(kind),
			},
			FinishReason: "stop",
		}},
	}
	resp.SetMeta("degraded", true)
	resp.SetMeta("error_kind", string(kind))
	return resp
}
