package config_test

import (
	"slices"
	"testing"

	"github.com/prestance-ai/prestance/internal/config"
	"github.com/prestance-ai/prestance/pkg/types"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.LogLevel = config.LogInfo
	cfg.Providers.LLM = config.ProviderEntry{Name: "openai", Model: "gpt-4o"}
	cfg.Providers.TTS = config.ProviderEntry{Name: "elevenlabs"}
	cfg.Session = config.SessionDefaults{Language: types.LangFrench, FeedbackFrequency: 5}
	return cfg
}

func TestDiffNoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Fatalf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Fatalf("diff = %+v, want log level change to debug", d)
	}
	if d.SessionDefaultsChanged || len(d.ProvidersChanged) != 0 {
		t.Fatalf("unrelated changes reported: %+v", d)
	}
}

func TestDiffSessionDefaults(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.FeedbackFrequency = 10

	d := config.Diff(old, new)
	if !d.SessionDefaultsChanged {
		t.Fatalf("diff = %+v, want session defaults change", d)
	}
	if d.NewSessionDefaults.FeedbackFrequency != 10 {
		t.Fatalf("new defaults = %+v", d.NewSessionDefaults)
	}
}

func TestDiffProviders(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.LLM.Model = "gpt-4o-mini"
	new.Providers.Avatar = config.ProviderEntry{Name: "liveportrait"}

	d := config.Diff(old, new)
	if !slices.Contains(d.ProvidersChanged, "llm") {
		t.Errorf("llm change not reported: %+v", d.ProvidersChanged)
	}
	if !slices.Contains(d.ProvidersChanged, "avatar") {
		t.Errorf("avatar change not reported: %+v", d.ProvidersChanged)
	}
	if slices.Contains(d.ProvidersChanged, "tts") {
		t.Errorf("tts falsely reported: %+v", d.ProvidersChanged)
	}
}
