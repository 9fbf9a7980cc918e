package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/taleweaver-ai/taleweaver/internal/observe"
	"github.com/taleweaver-ai/taleweaver/internal/scene"
	"github.com/taleweaver-ai/taleweaver/internal/transcript"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

// Fallback scene texts. Rate-limit exhaustion gets its own flavor so players
// can tell an overloaded backend from a broken one.
const (
	busyFallbackText    = "Lunch break! The servers are overloaded."
	silenceFallbackText = "The network answers with strange silence. Reality trembles and will not open."
)

// genericChoices keep the two-button contract alive when the model fails to
// produce usable options.
var genericChoices = []string{"Press onward", "Stop and look around"}

// Live is the production Engine: it runs the scene protocol against a chat
// provider, with a one-shot repair retry for malformed replies and fallback
// scenes for everything else.
type Live struct {
	mu   sync.Mutex
	req  *requester
	tr   *transcript.Transcript
	seed *scene.Seed
	log  *slog.Logger
}

var _ Engine = (*Live)(nil)

// LiveOption configures a Live engine.
type LiveOption func(*Live)

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) LiveOption {
	return func(l *Live) {
		l.log = log
		l.req.log = log
	}
}

// WithRetryDelay overrides the pause between rate-limit retries.
func WithRetryDelay(d time.Duration) LiveOption {
	return func(l *Live) {
		l.req.retryDelay = d
	}
}

// WithMaxRetryStreak overrides the rate-limit streak cap.
func WithMaxRetryStreak(n int) LiveOption {
	return func(l *Live) {
		l.req.maxStreak = n
	}
}

// WithMetrics enables completion and repair instrumentation. Without it the
// engine records nothing.
func WithMetrics(m *observe.Metrics) LiveOption {
	return func(l *Live) {
		l.req.metrics = m
	}
}

// withSleep replaces the retry delay function. Test hook.
func withSleep(fn func(ctx context.Context, d time.Duration) error) LiveOption {
	return func(l *Live) {
		l.req.sleep = fn
	}
}

// NewLive builds an engine over provider. tier is consulted per request to
// pick the model from models; a nil tier always selects the base model.
func NewLive(provider chat.Provider, models Models, tier func() int, opts ...LiveOption) *Live {
	l := &Live{
		req: newRequester(provider, models, tier, nil),
		tr:  transcript.New(),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NextTurn implements Engine.
func (l *Live) NextTurn(ctx context.Context, currentSceneText, playerChoice string, tc TurnContext) (*TurnResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tc.Restart(playerChoice) {
		l.log.Info("run restart", "setting", tc.World.Setting)
		l.tr.Reset()
		l.seed = nil
		l.req.resetRun()
	}

	if l.seed == nil {
		seed := l.generateSeed(ctx, tc.World.Setting)
		l.seed = &seed
	}

	raw, err := l.turnRequest(ctx, tc, scene.UserPrompt(playerChoice))
	if err != nil {
		return l.turnFailure(ctx, err)
	}

	sc, perr := scene.Parse(raw)
	if perr != nil {
		l.log.Warn("scene parse failed, requesting repair", "error", perr)
		if l.req.metrics != nil {
			l.req.metrics.ParseRepairs.Add(ctx, 1)
		}
		retryRaw, rerr := l.turnRequest(ctx, tc, scene.RepairPrompt(raw))
		if rerr != nil {
			return l.turnFailure(ctx, rerr)
		}
		raw = retryRaw
		sc, perr = scene.Parse(raw)
	}
	if perr != nil {
		l.log.Warn("scene unrecoverable after repair", "error", perr)
		return l.fallbackTurn(silenceFallbackText), nil
	}

	return l.buildResult(sc, raw), nil
}

// Describe implements Engine. The prompt runs as its own single-message
// conversation and never touches the run transcript.
func (l *Live) Describe(ctx context.Context, prompt string) (string, error) {
	raw, err := l.req.request(ctx, []chat.Message{{Role: chat.RoleUser, Content: prompt}}, simpleTemperature)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// TokensTotal exposes the run's token count for persistence.
func (l *Live) TokensTotal() int {
	return l.req.TokensTotal()
}

// turnRequest sends one user message through the run transcript. The system
// prompt is rebuilt until a request succeeds, so seed changes before the
// first successful call still land.
func (l *Live) turnRequest(ctx context.Context, tc TurnContext, userContent string) (string, error) {
	l.tr.PrepareSystem(scene.SystemPrompt(tc.World.Setting, *l.seed))
	l.tr.AppendUser(userContent)

	raw, err := l.req.request(ctx, l.tr.Messages(), turnTemperature)
	if err != nil {
		return "", err
	}
	l.tr.MarkSystemSent()
	l.tr.AppendAssistant(raw)
	return raw, nil
}

// generateSeed runs the plot-and-goal side conversation once per run. Seed
// failures are not fatal: the run proceeds with a placeholder plot.
func (l *Live) generateSeed(ctx context.Context, settingKey string) scene.Seed {
	raw, err := l.req.request(ctx, []chat.Message{
		{Role: chat.RoleUser, Content: scene.SeedPrompt(settingKey)},
	}, simpleTemperature)
	if err != nil {
		l.log.Warn("story seed generation failed", "error", err)
		return scene.Seed{Plot: "(plot unavailable)"}
	}
	seed := scene.ParseSeed(raw)
	l.log.Info("story seed fixed", "plot", seed.Plot, "goal", seed.Goal)
	return seed
}

// turnFailure maps a request error onto the right fallback scene. Context
// cancellation propagates instead of degrading.
func (l *Live) turnFailure(ctx context.Context, err error) (*TurnResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, ErrRateLimitExhausted) {
		l.log.Warn("turn degraded", "reason", "rate limit exhausted")
		return l.fallbackTurn(busyFallbackText), nil
	}
	l.log.Warn("turn degraded", "error", err)
	return l.fallbackTurn(silenceFallbackText), nil
}

func (l *Live) fallbackTurn(text string) *TurnResult {
	return &TurnResult{
		SceneText:   text,
		Choices:     append([]string(nil), genericChoices...),
		Mode:        scene.ModeStory,
		TokensTotal: l.req.TokensTotal(),
	}
}

// buildResult assembles the turn from a decoded scene, filling blank fields
// from the raw reply where single fields survived a partial decode.
func (l *Live) buildResult(sc *scene.Scene, raw string) *TurnResult {
	choices := make([]string, 0, 2)
	for _, c := range []string{sc.ChoiceLeft, sc.ChoiceRight} {
		if c = strings.TrimSpace(c); c != "" {
			choices = append(choices, c)
		}
	}
	if len(choices) == 0 {
		choices = append(choices, genericChoices...)
	}
	for len(choices) < 2 {
		choices = append(choices, genericChoices[len(choices)%len(genericChoices)])
	}

	sceneText := sc.Description
	if sceneText == "" {
		sceneText = scene.ExtractField(raw, "sceneDescr")
	}
	dayWeather := sc.DayWeather
	if dayWeather == "" {
		dayWeather = scene.ExtractField(raw, "dayWeather")
	}
	terrain := sc.Terrain
	if terrain == "" {
		terrain = scene.ExtractField(raw, "terrain")
	}

	return &TurnResult{
		SceneName:   sc.Name,
		SceneText:   strings.TrimSpace(sceneText),
		Choices:     choices[:2],
		HeroMind:    sc.HeroMind,
		Goal:        sc.Goal,
		DayWeather:  strings.TrimSpace(dayWeather),
		Terrain:     strings.TrimSpace(terrain),
		DeathRisk:   sc.DeathRisk,
		ImagePrompt: sc.ImagePrompt,
		Mode:        sc.Mode,
		Outcome:     sc.Outcome,
		StatChanges: sc.StatChanges,
		TokensTotal: l.req.TokensTotal(),
	}
}
