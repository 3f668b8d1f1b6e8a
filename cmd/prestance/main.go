// Command prestance is the main entry point for the Prestance coaching server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prestance-ai/prestance/internal/bridge"
	"github.com/prestance-ai/prestance/internal/config"
	"github.com/prestance-ai/prestance/internal/health"
	"github.com/prestance-ai/prestance/internal/observe"
	"github.com/prestance-ai/prestance/internal/server"
	"github.com/prestance-ai/prestance/pkg/provider/avatar"
	"github.com/prestance-ai/prestance/pkg/provider/avatar/liveportrait"
	"github.com/prestance-ai/prestance/pkg/provider/llm"
	"github.com/prestance-ai/prestance/pkg/provider/llm/anyllm"
	oaillm "github.com/prestance-ai/prestance/pkg/provider/llm/openai"
	"github.com/prestance-ai/prestance/pkg/provider/tts"
	"github.com/prestance-ai/prestance/pkg/provider/tts/elevenlabs"
	"github.com/prestance-ai/prestance/pkg/store"
	"github.com/prestance-ai/prestance/pkg/store/memstore"
	"github.com/prestance-ai/prestance/pkg/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A local .env is optional; deployments set the variables directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "prestance: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "prestance: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("prestance starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "prestance",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Session store ─────────────────────────────────────────────────────────
	var (
		st       store.SessionStore
		checkers []health.Checker
	)
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("postgres connection failed", "err", err)
			return 1
		}
		defer pg.Close()
		st = pg
		checkers = append(checkers, health.Checker{Name: "store", Check: pg.Ping})
		slog.Info("session store ready", "backend", "postgres")
	} else {
		st = memstore.New()
		checkers = append(checkers, health.Checker{Name: "store", Check: func(context.Context) error { return nil }})
		slog.Info("session store ready", "backend", "memory")
	}

	if providers.tts != nil {
		checkers = append(checkers, health.Checker{Name: "tts", Check: func(ctx context.Context) error {
			_, err := providers.tts.ListVoices(ctx)
			return err
		}})
	}

	// ── Coaching LLM chain ────────────────────────────────────────────────────
	coachLLM := bridge.AssembleLLM(providers.llm)
	if coachLLM == nil {
		slog.Warn("no LLM backend configured, coaching falls back to rule-based feedback")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	opts := []server.Option{
		server.WithHealth(health.New(checkers...)),
	}
	if providers.tts != nil {
		opts = append(opts, server.WithTTS(bridge.NewTTSProxy(providers.tts, logger)))
	}
	if providers.avatar != nil {
		opts = append(opts, server.WithAvatar(bridge.NewAvatarTunnel(providers.avatar, logger)))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetricsHandler(promhttp.Handler()))
	}

	srvCfg := server.Config{
		Addr:              cfg.Server.ListenAddr,
		CORSOrigins:       cfg.Server.CORSOrigins,
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
		ReceiveTimeout:    time.Duration(cfg.Server.ReceiveTimeoutSeconds) * time.Second,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		MaxUploadBytes:    cfg.Server.MaxUploadBytes,
		SessionDefaults:   cfg.DefaultSessionConfig(),
	}
	if cfg.Server.TLS != nil {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}
	srv := server.New(srvCfg, st, coachLLM, logger, opts...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Only the log level applies live; everything else needs a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(d.NewLogLevel.SlogLevel())
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if len(d.ProvidersChanged) > 0 {
			slog.Warn("provider configuration changed, restart to apply", "kinds", d.ProvidersChanged)
		}
		if d.SessionDefaultsChanged {
			slog.Warn("session defaults changed, restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds the instantiated providers named in the config.
type providerSet struct {
	llm    []bridge.LLMEntry
	tts    tts.Provider
	avatar avatar.Provider
}

// builtinProviders maps provider kinds to the implementations that ship with
// Prestance. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"tts":    {"elevenlabs"},
	"avatar": {"liveportrait"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai uses the native SDK client; the remaining backends go through the
	// any-llm multi-provider layer.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "default_voice"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Avatar ────────────────────────────────────────────────────────────────
	reg.RegisterAvatar("liveportrait", func(entry config.ProviderEntry) (avatar.Provider, error) {
		var opts []liveportrait.Option
		if pattern := optString(entry.Options, "url_fallback"); pattern != "" {
			opts = append(opts, liveportrait.WithURLFallback(pattern))
		}
		return liveportrait.New(entry.APIKey, entry.BaseURL, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.llm = append(ps.llm, bridge.LLMEntry{Name: name, Provider: p})
		slog.Info("provider created", "kind", "llm", "name", name)
	}
	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		ps.llm = append(ps.llm, bridge.LLMEntry{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.tts = p
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := cfg.Providers.Avatar.Name; name != "" {
		p, err := reg.CreateAvatar(cfg.Providers.Avatar)
		if err != nil {
			return nil, fmt.Errorf("create avatar provider %q: %w", name, err)
		}
		ps.avatar = p
		slog.Info("provider created", "kind", "avatar", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Prestance — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	for _, fb := range cfg.Providers.LLMFallbacks {
		printProvider("LLM fallback", fb.Name, fb.Model)
	}
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Avatar", cfg.Providers.Avatar.Name, "")
	if cfg.Storage.PostgresDSN != "" {
		fmt.Printf("║  Store           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Store           : %-19s ║\n", "memory")
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("║  Metrics         : %-19s ║\n", "/metrics")
	} else {
		fmt.Printf("║  Metrics         : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
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
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
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
