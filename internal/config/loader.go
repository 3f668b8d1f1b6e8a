package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/prestance-ai/prestance/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"tts":    {"elevenlabs"},
	"avatar": {"liveportrait"},
}

// defaultAPIKeyEnv names the environment variable consulted per provider
// kind when an entry does not set api_key_env.
var defaultAPIKeyEnv = map[string]string{
	"llm":    "PRESTANCE_LLM_API_KEY",
	"tts":    "PRESTANCE_TTS_API_KEY",
	"avatar": "PRESTANCE_AVATAR_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with credentials resolved from the environment. It is a
// convenience wrapper around [LoadFromReader], [Validate], and [ApplyEnv].
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
	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
// Credentials are not resolved; call [ApplyEnv] for that.
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

// ApplyEnv resolves credentials from the environment into cfg. API keys come
// from each entry's api_key_env variable, falling back to the kind's default
// variable; the storage DSN honours postgres_dsn_env. Resolved values are
// never logged.
func ApplyEnv(cfg *Config) {
	resolveKey(&cfg.Providers.LLM, "llm")
	for i := range cfg.Providers.LLMFallbacks {
		resolveKey(&cfg.Providers.LLMFallbacks[i], "llm")
	}
	resolveKey(&cfg.Providers.TTS, "tts")
	resolveKey(&cfg.Providers.Avatar, "avatar")

	if cfg.Storage.PostgresDSNEnv != "" {
		if dsn := os.Getenv(cfg.Storage.PostgresDSNEnv); dsn != "" {
			cfg.Storage.PostgresDSN = dsn
		}
	}
}

func resolveKey(entry *ProviderEntry, kind string) {
	if entry.Name == "" {
		return
	}
	env := entry.APIKeyEnv
	if env == "" {
		env = defaultAPIKeyEnv[kind]
	}
	if env == "" {
		return
	}
	entry.APIKey = os.Getenv(env)
	if entry.APIKey == "" {
		slog.Warn("provider API key variable is empty",
			"kind", kind, "name", entry.Name, "env", env)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.HeartbeatSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.heartbeat_seconds %d is negative", cfg.Server.HeartbeatSeconds))
	}
	if cfg.Server.MaxMessageBytes < 0 || cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("server byte limits must be non-negative"))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", fb.Name)
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.llm_fallbacks entries require a name"))
		}
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("avatar", cfg.Providers.Avatar.Name)

	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, errors.New("providers.llm_fallbacks configured without a primary providers.llm"))
		} else {
			slog.Warn("no LLM provider configured; coaching falls back to rule-based feedback")
		}
	}

	if lang := cfg.Session.Language; lang != "" && !lang.IsValid() {
		errs = append(errs, fmt.Errorf("session.language %q is invalid; valid values: fr, en", lang))
	}
	if freq := cfg.Session.FeedbackFrequency; freq != 0 && (freq < 1 || freq > 30) {
		errs = append(errs, fmt.Errorf("session.feedback_frequency %d is out of range [1, 30]", freq))
	}
	if d := cfg.Session.MaxDurationSeconds; d != 0 && (d < 60 || d > 7200) {
		errs = append(errs, fmt.Errorf("session.max_duration_seconds %d is out of range [60, 7200]", d))
	}

	if cfg.Storage.PostgresDSN == "" && cfg.Storage.PostgresDSNEnv == "" {
		slog.Warn("storage.postgres_dsn is empty; sessions are kept in memory and lost on restart")
	}

	return errors.Join(errs...)
}

// DefaultSessionConfig returns the built-in session defaults overlaid with
// cfg's session block.
func (c *Config) DefaultSessionConfig() types.SessionConfig {
	return c.Session.Apply(types.DefaultSessionConfig())
}

// SlogLevel maps the configured log level onto slog's scale.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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
