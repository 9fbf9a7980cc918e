// Command taleweaver is the main entry point for the Taleweaver story server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/taleweaver-ai/taleweaver/internal/app"
	"github.com/taleweaver-ai/taleweaver/internal/config"
	"github.com/taleweaver-ai/taleweaver/internal/resilience"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat/anyllm"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat/gigachat"
	oaichat "github.com/taleweaver-ai/taleweaver/pkg/provider/chat/openai"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/image"
	"github.com/taleweaver-ai/taleweaver/pkg/provider/image/yandexart"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "taleweaver: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "taleweaver: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("taleweaver starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(logLevel, config.Diff(old, new))
	})
	if err != nil {
		slog.Warn("config watcher unavailable, edits require a restart", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Chat ──────────────────────────────────────────────────────────────────

	reg.RegisterChat("gigachat", func(entry config.ProviderEntry) (chat.Provider, error) {
		var opts []gigachat.Option
		if entry.BaseURL != "" {
			opts = append(opts, gigachat.WithBaseURL(entry.BaseURL))
		}
		if scope := optString(entry.Options, "scope"); scope != "" {
			opts = append(opts, gigachat.WithScope(scope))
		}
		if tokenURL := optString(entry.Options, "token_url"); tokenURL != "" {
			opts = append(opts, gigachat.WithTokenURL(tokenURL))
		}
		return gigachat.New(entry.APIKey, optString(entry.Options, "model"), opts...)
	})

	reg.RegisterChat("openai", func(entry config.ProviderEntry) (chat.Provider, error) {
		var opts []oaichat.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaichat.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaichat.WithOrganization(org))
		}
		return oaichat.New(entry.APIKey, optString(entry.Options, "model"), opts...)
	})

	// anyllm bridges local and hosted backends (ollama, anthropic, gemini, …)
	// behind one constructor; options.provider picks the backend.
	reg.RegisterChat("anyllm", func(entry config.ProviderEntry) (chat.Provider, error) {
		providerName := optString(entry.Options, "provider")
		if providerName == "" {
			providerName = "ollama"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(providerName, optString(entry.Options, "model"), opts...)
	})

	// ── Image ─────────────────────────────────────────────────────────────────

	reg.RegisterImage("yandexart", func(entry config.ProviderEntry) (image.Provider, error) {
		var opts []yandexart.Option
		if genURL := optString(entry.Options, "generate_url"); genURL != "" {
			opts = append(opts, yandexart.WithGenerateURL(genURL))
		}
		return yandexart.New(entry.APIKey, entry.FolderID, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry,
// layers fallback chat providers behind the primary, and returns them in an
// [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.Chat.Primary.Name; name != "" {
		primary, err := reg.CreateChat(cfg.Providers.Chat.Primary)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "chat", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create chat provider %q: %w", name, err)
		} else {
			group := resilience.NewChatFallback(primary, name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.Chat.Fallbacks {
				fb, err := reg.CreateChat(entry)
				if err != nil {
					return nil, fmt.Errorf("create chat fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, fb)
				slog.Info("provider created", "kind", "chat", "name", entry.Name, "role", "fallback")
			}
			ps.Chat = group
			slog.Info("provider created", "kind", "chat", "name", name, "role", "primary")
		}
	}

	if name := cfg.Providers.Image.Name; name != "" {
		p, err := reg.CreateImage(cfg.Providers.Image)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "image", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create image provider %q: %w", name, err)
		} else {
			// Single backend today; the breaker still sheds load when it's down.
			ps.Image = resilience.NewImageFallback(p, name, resilience.FallbackConfig{})
			slog.Info("provider created", "kind", "image", "name", name)
		}
	}

	return ps, nil
}

// ── Config reload ─────────────────────────────────────────────────────────────

// applyConfigChange applies the hot-reloadable parts of a config edit. Model
// tiers and retry knobs take effect for runs created after the change; log
// level changes apply immediately.
func applyConfigChange(logLevel *slog.LevelVar, diff config.ConfigDiff) {
	if diff.LogLevelChanged {
		logLevel.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	for _, mc := range diff.ModelChanges {
		slog.Info("model tier changed, applies to new runs", "tier", mc.Tier, "old", mc.Old, "new", mc.New)
	}
	if diff.RetryChanged {
		slog.Info("retry knobs changed, apply to new runs")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Taleweaver — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Chat", cfg.Providers.Chat.Primary.Name, "")
	printProvider("Image", cfg.Providers.Image.Name, "")
	fmt.Printf("║  Chat fallbacks  : %-19d ║\n", len(cfg.Providers.Chat.Fallbacks))
	printSummaryRow("Base model", cfg.Game.Models.Base)
	if cfg.Storage.PostgresDSN != "" {
		printSummaryRow("Run storage", "postgres")
	} else {
		printSummaryRow("Run storage", "(in memory)")
	}
	if cfg.Server.ListenAddr != "" {
		printSummaryRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printSummaryRow(kind, value)
}

func printSummaryRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher adjust verbosity without restarting.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
