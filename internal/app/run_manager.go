package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taleweaver-ai/taleweaver/internal/engine"
	"github.com/taleweaver-ai/taleweaver/internal/observe"
	"github.com/taleweaver-ai/taleweaver/internal/scene"
	"github.com/taleweaver-ai/taleweaver/internal/settings"
	"github.com/taleweaver-ai/taleweaver/internal/store"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/image"
)

// prologueSteps is how many turns the opening phase lasts before the run
// switches to free play.
const prologueSteps = 3

// Art kinds accepted by [RunManager.Art].
const (
	ArtBackground = "background"
	ArtCard       = "card"
)

// EngineFactory builds a fresh narrative engine for a new run. Each run owns
// its engine because the engine carries the run's conversation transcript.
type EngineFactory func() engine.Engine

// managedRun pairs a run snapshot with its live engine. The mutex serializes
// turns within the run; different runs advance independently.
type managedRun struct {
	mu  sync.Mutex
	run *store.Run
	eng engine.Engine
}

// RunManager owns the lifecycle of story runs: creation, turn processing,
// persistence, and art generation. All exported methods are safe for
// concurrent use.
type RunManager struct {
	mu   sync.Mutex
	runs map[string]*managedRun

	newEngine EngineFactory
	store     store.RunStore
	settings  *settings.Store
	images    image.Provider
	metrics   *observe.Metrics
	log       *slog.Logger
}

// RunManagerConfig holds all dependencies for a [RunManager]. Images may be
// nil, in which case Art returns an error. Metrics may be nil in tests.
type RunManagerConfig struct {
	Engines  EngineFactory
	Store    store.RunStore
	Settings *settings.Store
	Images   image.Provider
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// NewRunManager creates a RunManager with the given dependencies.
func NewRunManager(cfg RunManagerConfig) *RunManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RunManager{
		runs:      make(map[string]*managedRun),
		newEngine: cfg.Engines,
		store:     cfg.Store,
		settings:  cfg.Settings,
		images:    cfg.Images,
		metrics:   cfg.Metrics,
		log:       log,
	}
}

// Create starts a new run for the given world and hero and persists the
// initial snapshot. The returned run is in the prologue phase awaiting the
// START choice.
func (m *RunManager) Create(ctx context.Context, world scene.World, hero scene.Hero) (*store.Run, error) {
	now := time.Now().UTC()
	run := &store.Run{
		ID:        uuid.NewString(),
		World:     world,
		Hero:      hero,
		Phase:     engine.PhasePrologue,
		Step:      0,
		Stats:     initialStats(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("app: save new run: %w", err)
	}

	mr := &managedRun{run: run, eng: m.newEngine()}
	m.mu.Lock()
	m.runs[run.ID] = mr
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveRuns.Add(ctx, 1)
	}
	m.log.Info("run created",
		"run_id", run.ID,
		"setting", world.Setting,
		"hero", hero.Name,
	)
	return snapshot(run), nil
}

// Turn advances the run by one player choice. The engine's result is applied
// to the run snapshot (scene, choices, stats, token total) and the snapshot
// is persisted when autosave is on.
func (m *RunManager) Turn(ctx context.Context, runID, choice string) (*engine.TurnResult, error) {
	mr, err := m.lookup(ctx, runID)
	if err != nil {
		return nil, err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	run := mr.run
	tc := engine.TurnContext{
		World: run.World,
		Hero:  run.Hero,
		Phase: run.Phase,
		Step:  run.Step,
	}

	restarted := tc.Restart(choice)
	start := time.Now()
	res, err := mr.eng.NextTurn(ctx, run.SceneText, choice, tc)
	if err != nil {
		return nil, fmt.Errorf("app: turn for run %s: %w", runID, err)
	}
	if m.metrics != nil {
		m.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		m.metrics.RecordTurn(ctx, run.World.Setting)
		// TokensTotal is cumulative per run; restarts zero the baseline.
		prev := run.TokensTotal
		if restarted {
			prev = 0
		}
		if res.TokensTotal > prev {
			m.metrics.RecordTokens(ctx, int64(res.TokensTotal-prev))
		}
	}

	if restarted {
		run.Step = 0
		run.Phase = engine.PhasePrologue
		run.Stats = initialStats()
	}

	run.SceneName = res.SceneName
	run.SceneText = res.SceneText
	run.Choices = append([]string(nil), res.Choices...)
	run.TokensTotal = res.TokensTotal
	applyStatChanges(run.Stats, res.StatChanges)

	run.Step++
	if run.Phase == engine.PhasePrologue && run.Step >= prologueSteps {
		run.Phase = engine.PhaseRunning
	}
	if res.Outcome == scene.OutcomeDeath {
		// A dead hero starts over; the next START begins a fresh story.
		run.Phase = engine.PhasePrologue
		run.Step = 0
	}

	m.autosave(ctx, run)
	return res, nil
}

// Describe runs a one-shot completion on the run's engine, outside the story
// transcript.
func (m *RunManager) Describe(ctx context.Context, runID, prompt string) (string, error) {
	mr, err := m.lookup(ctx, runID)
	if err != nil {
		return "", err
	}
	return mr.eng.Describe(ctx, prompt)
}

// Art renders scene artwork for the run. Kind selects the composition:
// [ArtBackground] is a wide establishing shot of the world, [ArtCard] is a
// portrait hero card built from the latest scene.
func (m *RunManager) Art(ctx context.Context, runID, kind string) ([]byte, error) {
	if m.images == nil {
		return nil, fmt.Errorf("app: no image provider configured")
	}
	mr, err := m.lookup(ctx, runID)
	if err != nil {
		return nil, err
	}

	mr.mu.Lock()
	run := snapshot(mr.run)
	mr.mu.Unlock()

	var req image.Request
	switch kind {
	case ArtBackground:
		req = image.Request{
			Prompt: scene.BackgroundPrompt(run.World),
			Width:  4,
			Height: 3,
		}
	case ArtCard:
		req = image.Request{
			Prompt: scene.CardPrompt(run.World, run.Hero, run.SceneText, ""),
			Width:  3,
			Height: 4,
		}
	default:
		return nil, fmt.Errorf("app: unknown art kind %q", kind)
	}

	start := time.Now()
	img, err := m.images.Generate(ctx, req)
	if m.metrics != nil {
		m.metrics.ImageDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			m.metrics.RecordProviderError(ctx, "image", kind)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("app: generate %s art: %w", kind, err)
	}
	return img, nil
}

// Get returns the current snapshot of a run. Runs not held in memory are
// fetched from the store.
func (m *RunManager) Get(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.Lock()
	mr, ok := m.runs[runID]
	m.mu.Unlock()
	if ok {
		mr.mu.Lock()
		defer mr.mu.Unlock()
		return snapshot(mr.run), nil
	}
	return m.store.Get(ctx, runID)
}

// List returns all persisted runs, newest first.
func (m *RunManager) List(ctx context.Context) ([]*store.Run, error) {
	return m.store.List(ctx)
}

// Save persists the run snapshot regardless of the autosave setting.
func (m *RunManager) Save(ctx context.Context, runID string) error {
	mr, err := m.lookup(ctx, runID)
	if err != nil {
		return err
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if err := m.store.Save(ctx, mr.run); err != nil {
		return fmt.Errorf("app: save run %s: %w", runID, err)
	}
	return nil
}

// Delete removes the run from the store and evicts its engine.
func (m *RunManager) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	_, loaded := m.runs[runID]
	delete(m.runs, runID)
	m.mu.Unlock()

	if loaded && m.metrics != nil {
		m.metrics.ActiveRuns.Add(ctx, -1)
	}
	return m.store.Delete(ctx, runID)
}

// ActiveCount reports how many runs currently hold a live engine.
func (m *RunManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// lookup returns the managed run, resuming it from the store when the server
// restarted since the run was created. A resumed run gets a fresh engine; the
// model conversation cannot be replayed, so the story continues from the
// saved scene with a newly seeded transcript.
func (m *RunManager) lookup(ctx context.Context, runID string) (*managedRun, error) {
	m.mu.Lock()
	mr, ok := m.runs[runID]
	m.mu.Unlock()
	if ok {
		return mr, nil
	}

	run, err := m.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have resumed it while we hit the store.
	if mr, ok := m.runs[runID]; ok {
		return mr, nil
	}
	mr = &managedRun{run: run, eng: m.newEngine()}
	m.runs[runID] = mr
	if m.metrics != nil {
		m.metrics.ActiveRuns.Add(ctx, 1)
	}
	m.log.Info("run resumed from store", "run_id", runID, "phase", run.Phase, "step", run.Step)
	return mr, nil
}

// autosave persists the run when the player has autosaving on. Failures are
// logged, not surfaced; the turn already happened and the player has the
// scene.
func (m *RunManager) autosave(ctx context.Context, run *store.Run) {
	if m.settings != nil && !m.settings.Current().Autosave {
		return
	}
	if err := m.store.Save(ctx, run); err != nil {
		m.log.Warn("autosave failed", "run_id", run.ID, "err", err)
	}
}

func initialStats() map[string]int {
	return map[string]int{"hp": 100, "gold": 0}
}

// applyStatChanges folds the turn's stat deltas into the run stats. HP never
// drops below zero.
func applyStatChanges(stats map[string]int, changes []scene.StatChange) {
	for _, ch := range changes {
		stats[ch.Key] += ch.Delta
	}
	if stats["hp"] < 0 {
		stats["hp"] = 0
	}
}

// snapshot deep-copies a run so callers cannot mutate manager state.
func snapshot(run *store.Run) *store.Run {
	out := *run
	out.Choices = append([]string(nil), run.Choices...)
	if run.Stats != nil {
		out.Stats = make(map[string]int, len(run.Stats))
		for k, v := range run.Stats {
			out.Stats[k] = v
		}
	}
	return &out
}
