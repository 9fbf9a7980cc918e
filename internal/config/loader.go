package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"chat":  {"gigachat", "openai", "anyllm"},
	"image": {"yandexart"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("chat", cfg.Providers.Chat.Primary.Name)
	for _, fb := range cfg.Providers.Chat.Fallbacks {
		validateProviderName("chat", fb.Name)
	}
	validateProviderName("image", cfg.Providers.Image.Name)

	// Chat availability
	if cfg.Providers.Chat.Primary.Name == "" {
		if len(cfg.Providers.Chat.Fallbacks) > 0 {
			errs = append(errs, errors.New("providers.chat.fallbacks is set but providers.chat.primary is not"))
		} else {
			slog.Warn("no chat provider configured; turns will be served by the offline engine")
		}
	}
	for i, fb := range cfg.Providers.Chat.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.chat.fallbacks[%d].name is required", i))
		}
	}

	// Image provider
	if cfg.Providers.Image.Name == "" {
		slog.Warn("providers.image is not configured; scene art generation will be unavailable")
	}
	if cfg.Providers.Image.Name == "yandexart" {
		if cfg.Providers.Image.APIKey == "" {
			errs = append(errs, errors.New("providers.image.api_key is required for yandexart"))
		}
		if cfg.Providers.Image.FolderID == "" {
			errs = append(errs, errors.New("providers.image.folder_id is required for yandexart"))
		}
	}

	// Game tuning
	if cfg.Game.RetryDelayMS < 0 {
		errs = append(errs, fmt.Errorf("game.retry_delay_ms %d must not be negative", cfg.Game.RetryDelayMS))
	}
	if cfg.Game.MaxRetryStreak < 0 {
		errs = append(errs, fmt.Errorf("game.max_retry_streak %d must not be negative", cfg.Game.MaxRetryStreak))
	}
	if cfg.Game.Models.Base == "" && (cfg.Game.Models.Pro != "" || cfg.Game.Models.Max != "") {
		slog.Warn("game.models.base is empty while higher tiers are set; the base tier will use the provider default model")
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; runs will be kept in memory and lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
