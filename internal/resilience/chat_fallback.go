package resilience

import (
	"context"
	"errors"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

// ChatFallback implements [chat.Provider] with automatic failover across
// multiple model backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
//
// A rate-limited backend still gets skipped in favour of the next fallback on
// that call, but the limit does not count toward opening its breaker: a 429
// means the backend is alive, and the turn engine's own retry loop needs to
// keep seeing [chat.ErrRateLimited] from every backend to pace its streak.
type ChatFallback struct {
	group *FallbackGroup[chat.Provider]
}

// Compile-time interface assertion.
var _ chat.Provider = (*ChatFallback)(nil)

// NewChatFallback creates a [ChatFallback] with primary as the preferred
// backend.
func NewChatFallback(primary chat.Provider, primaryName string, cfg FallbackConfig) *ChatFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return !errors.Is(err, chat.ErrRateLimited)
		}
	}
	return &ChatFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional chat provider as a fallback.
func (f *ChatFallback) AddFallback(name string, provider chat.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *ChatFallback) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p chat.Provider) (*chat.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens delegates to the first healthy provider's token counter.
func (f *ChatFallback) CountTokens(messages []chat.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p chat.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}
