package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionDefaultsChanged reports a change to the defaults applied to
	// newly created sessions. Running sessions are unaffected.
	SessionDefaultsChanged bool
	NewSessionDefaults     SessionDefaults

	// ProvidersChanged lists provider kinds whose configuration differs.
	// Provider changes require a restart; the watcher only reports them.
	ProvidersChanged []string
}

// Empty reports whether no tracked field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionDefaultsChanged && len(d.ProvidersChanged) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionDefaultsChanged = true
		d.NewSessionDefaults = new.Session
	}

	if !entryEqual(old.Providers.LLM, new.Providers.LLM) ||
		!slices.EqualFunc(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks, entryEqual) {
		d.ProvidersChanged = append(d.ProvidersChanged, "llm")
	}
	if !entryEqual(old.Providers.TTS, new.Providers.TTS) {
		d.ProvidersChanged = append(d.ProvidersChanged, "tts")
	}
	if !entryEqual(old.Providers.Avatar, new.Providers.Avatar) {
		d.ProvidersChanged = append(d.ProvidersChanged, "avatar")
	}

	return d
}

// entryEqual compares the scalar fields of two provider entries. Options
// maps are compared by key count only.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKeyEnv == b.APIKeyEnv &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		len(a.Options) == len(b.Options)
}
