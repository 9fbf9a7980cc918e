package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GameChanged  bool        // true if any model tier or retry knob changed
	ModelChanges []ModelDiff // per-tier model diffs
	RetryChanged bool
}

// ModelDiff describes a model change for a single quality tier.
type ModelDiff struct {
	Tier string
	Old  string
	New  string
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Model tiers
	tiers := []struct {
		name     string
		old, new string
	}{
		{"base", old.Game.Models.Base, new.Game.Models.Base},
		{"pro", old.Game.Models.Pro, new.Game.Models.Pro},
		{"max", old.Game.Models.Max, new.Game.Models.Max},
	}
	for _, t := range tiers {
		if t.old != t.new {
			d.ModelChanges = append(d.ModelChanges, ModelDiff{
				Tier: t.name,
				Old:  t.old,
				New:  t.new,
			})
			d.GameChanged = true
		}
	}

	// Retry knobs
	if old.Game.RetryDelayMS != new.Game.RetryDelayMS || old.Game.MaxRetryStreak != new.Game.MaxRetryStreak {
		d.RetryChanged = true
		d.GameChanged = true
	}

	return d
}
