// Package app wires all Taleweaver subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithRunStore, WithEngineFactory, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/taleweaver-ai/taleweaver/internal/api"
	"github.com/taleweaver-ai/taleweaver/internal/config"
	"github.com/taleweaver-ai/taleweaver/internal/engine"
	"github.com/taleweaver-ai/taleweaver/internal/engine/fake"
	"github.com/taleweaver-ai/taleweaver/internal/health"
	"github.com/taleweaver-ai/taleweaver/internal/observe"
	"github.com/taleweaver-ai/taleweaver/internal/settings"
	"github.com/taleweaver-ai/taleweaver/internal/store"
	storepg "github.com/taleweaver-ai/taleweaver/internal/store/postgres"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/image"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry,
// with fallbacks already layered in.
type Providers struct {
	Chat  chat.Provider
	Image image.Provider
}

// App owns all subsystem lifetimes and serves the Taleweaver story API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	settings  *settings.Store
	store     store.RunStore
	newEngine EngineFactory
	runs      *RunManager
	health    *health.Handler
	httpSrv   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRunStore injects a run store instead of creating one from config.
func WithRunStore(s store.RunStore) Option {
	return func(a *App) { a.store = s }
}

// WithSettingsStore injects a settings store instead of opening the
// configured file.
func WithSettingsStore(s *settings.Store) Option {
	return func(a *App) { a.settings = s }
}

// WithEngineFactory injects the per-run engine factory instead of building
// one from the configured chat provider.
func WithEngineFactory(f EngineFactory) Option {
	return func(a *App) { a.newEngine = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Player settings ───────────────────────────────────────────────
	if err := a.initSettings(); err != nil {
		return nil, fmt.Errorf("app: init settings: %w", err)
	}

	// ── 3. Run store ─────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Narrative engines ─────────────────────────────────────────────
	a.initEngines()

	// ── 5. Run manager ───────────────────────────────────────────────────
	a.runs = NewRunManager(RunManagerConfig{
		Engines:  a.newEngine,
		Store:    a.store,
		Settings: a.settings,
		Images:   providers.Image,
		Metrics:  observe.DefaultMetrics(),
	})

	// ── 6. HTTP server ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability sets up the OTel SDK. Its shutdown flushes pending
// telemetry, so it runs last in the closer chain.
func (a *App) initObservability(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	return nil
}

// initSettings opens the player settings file, or keeps settings in memory
// when no path is configured.
func (a *App) initSettings() error {
	if a.settings != nil {
		return nil
	}
	st, err := settings.Open(a.cfg.Settings.Path)
	if err != nil {
		return err
	}
	if a.cfg.Settings.Path == "" {
		slog.Warn("settings.path is empty, player settings will not survive a restart")
	}
	a.settings = st
	return nil
}

// initStore connects the PostgreSQL run store, or falls back to memory when
// no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		a.health = health.New()
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("storage.postgres_dsn is empty, runs are kept in memory and lost on restart")
		a.store = store.NewMemStore()
		a.health = health.New()
		return nil
	}

	pg, err := storepg.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.health = health.New(health.Ping("database", pg.Ping))
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initEngines picks the per-run engine factory. Without a chat provider the
// server still runs, serving deterministic offline stories.
func (a *App) initEngines() {
	if a.newEngine != nil {
		return
	}

	if a.providers.Chat == nil {
		slog.Warn("no chat provider configured, turns will be served by the offline engine")
		a.newEngine = func() engine.Engine { return fake.New() }
		return
	}

	provider := a.providers.Chat
	models := engine.Models{
		Base: a.cfg.Game.Models.Base,
		Pro:  a.cfg.Game.Models.Pro,
		Max:  a.cfg.Game.Models.Max,
	}
	tier := func() int { return a.settings.Current().ModelTier }

	engOpts := []engine.LiveOption{engine.WithMetrics(observe.DefaultMetrics())}
	if a.cfg.Game.RetryDelayMS > 0 {
		engOpts = append(engOpts, engine.WithRetryDelay(time.Duration(a.cfg.Game.RetryDelayMS)*time.Millisecond))
	}
	if a.cfg.Game.MaxRetryStreak > 0 {
		engOpts = append(engOpts, engine.WithMaxRetryStreak(a.cfg.Game.MaxRetryStreak))
	}

	a.newEngine = func() engine.Engine {
		return engine.NewLive(provider, models, tier, engOpts...)
	}
}

// initHTTP assembles the route tree and the HTTP server around it.
func (a *App) initHTTP() {
	srv := api.New(api.Config{
		Runs:     a.runs,
		Settings: a.settings,
		Health:   a.health,
		Metrics:  observe.DefaultMetrics(),
	})

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the listener
// fails. When ctx is done, Run returns context.Canceled; call Shutdown to
// stop the server gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("app running", "addr", a.httpSrv.Addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Handler exposes the route tree for tests.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// Runs exposes the run manager for tests.
func (a *App) Runs() *RunManager {
	return a.runs
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and tears down all subsystems in init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop accepting requests and drain in-flight ones first.
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
