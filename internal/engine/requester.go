package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taleweaver-ai/taleweaver/internal/observe"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

// ErrRateLimitExhausted is returned by the requester when the backend kept
// rate limiting for a full retry streak. The engine turns it into the
// "servers busy" fallback scene.
var ErrRateLimitExhausted = errors.New("engine: rate limit retries exhausted")

const (
	defaultMaxStreak  = 10
	defaultRetryDelay = time.Second

	// Temperatures tuned on the live prompts: turns want variety, side
	// completions want focus.
	turnTemperature   = 0.85
	simpleTemperature = 0.7
)

// Models maps the three settings tiers onto concrete model ids.
type Models struct {
	Base string
	Pro  string
	Max  string
}

// ForTier resolves a settings tier to a model id. Out-of-range tiers fall
// back to the base model.
func (m Models) ForTier(tier int) string {
	switch tier {
	case 1:
		return m.Pro
	case 2:
		return m.Max
	default:
		return m.Base
	}
}

// requester is the request orchestrator shared by all engine calls: it
// resolves the model tier per request, retries rate-limited calls with a
// bounded streak, and keeps the run's token accounting.
type requester struct {
	provider   chat.Provider
	models     Models
	tier       func() int
	maxStreak  int
	retryDelay time.Duration
	log        *slog.Logger
	metrics    *observe.Metrics

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	streak      int
	totalTokens int
}

func newRequester(provider chat.Provider, models Models, tier func() int, log *slog.Logger) *requester {
	if tier == nil {
		tier = func() int { return 0 }
	}
	if log == nil {
		log = slog.Default()
	}
	return &requester{
		provider:   provider,
		models:     models,
		tier:       tier,
		maxStreak:  defaultMaxStreak,
		retryDelay: defaultRetryDelay,
		log:        log,
		sleep:      sleepCtx,
	}
}

// request sends msgs to the model and returns the trimmed reply. Rate-limited
// responses are retried after a fixed delay until the streak cap; any other
// response, success or failure, resets the streak.
func (r *requester) request(ctx context.Context, msgs []chat.Message, temperature float64) (string, error) {
	model := r.models.ForTier(r.tier())

	for {
		start := time.Now()
		resp, err := r.provider.Complete(ctx, chat.CompletionRequest{
			Messages:    msgs,
			Model:       model,
			Temperature: temperature,
		})
		r.observeCompletion(ctx, model, time.Since(start), err)
		if errors.Is(err, chat.ErrRateLimited) {
			streak := r.bumpStreak()
			r.log.Warn("model rate limited", "streak", streak, "model", model)
			if streak >= r.maxStreak {
				r.resetStreak()
				return "", ErrRateLimitExhausted
			}
			if serr := r.sleep(ctx, r.retryDelay); serr != nil {
				return "", fmt.Errorf("engine: retry wait: %w", serr)
			}
			continue
		}
		r.resetStreak()
		if err != nil {
			return "", err
		}
		if resp == nil || resp.Content == "" {
			return "", chat.ErrEmptyCompletion
		}

		r.account(msgs, resp)
		return resp.Content, nil
	}
}

// observeCompletion records one completion round trip. Metrics may be nil in
// tests, in which case this is a no-op.
func (r *requester) observeCompletion(ctx context.Context, model string, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.CompletionDuration.Record(ctx, elapsed.Seconds())
	status := "ok"
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		status = "rate_limited"
		r.metrics.RateLimitHits.Add(ctx, 1)
	case err != nil:
		status = "error"
	}
	r.metrics.RecordProviderRequest(ctx, model, "chat", status)
}

// account adds this exchange to the run's token total, preferring the
// server-reported figure over the local estimate.
func (r *requester) account(msgs []chat.Message, resp *chat.CompletionResponse) {
	tokens := resp.Usage.TotalTokens
	if tokens <= 0 {
		tokens = chat.EstimateMessages(msgs) + chat.EstimateTokens(resp.Content)
	}
	r.mu.Lock()
	r.totalTokens += tokens
	r.mu.Unlock()
}

// TokensTotal returns the running token count.
func (r *requester) TokensTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalTokens
}

// resetRun clears the per-run counters on restart.
func (r *requester) resetRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streak = 0
	r.totalTokens = 0
}

func (r *requester) bumpStreak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streak++
	return r.streak
}

func (r *requester) resetStreak() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streak = 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
