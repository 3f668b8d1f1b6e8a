// Package server is the HTTP and WebSocket surface of the coaching engine:
// session administration REST endpoints, file upload and synchronous
// analysis, TTS passthrough, the live session channel, and the avatar
// tunnel endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/prestance-ai/prestance/internal/bridge"
	"github.com/prestance-ai/prestance/internal/health"
	"github.com/prestance-ai/prestance/internal/observe"
	"github.com/prestance-ai/prestance/pkg/provider/llm"
	"github.com/prestance-ai/prestance/pkg/store"
	"github.com/prestance-ai/prestance/pkg/types"
)

// Config carries the server's runtime tunables.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// CORSOrigins is the allowed origin list. Empty disables CORS headers.
	CORSOrigins []string

	// HeartbeatInterval is the cadence of server-emitted heartbeat envelopes
	// on the session channel. Default 30s.
	HeartbeatInterval time.Duration

	// ReceiveTimeout is the session channel receive timeout. A silent
	// interval is a continue, not an error. Default 5s.
	ReceiveTimeout time.Duration

	// MaxMessageBytes caps one session channel message. Oversized frames are
	// rejected with a message-level error; the channel stays open.
	// Default 1 MiB.
	MaxMessageBytes int64

	// MaxUploadBytes caps one audio file upload. Default 10 MiB.
	MaxUploadBytes int64

	// SessionDefaults seeds the config of sessions created without an
	// explicit one. The zero value falls back to the built-in defaults.
	SessionDefaults types.SessionConfig

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 5 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 10 << 20
	}
	if c.SessionDefaults == (types.SessionConfig{}) {
		c.SessionDefaults = types.DefaultSessionConfig()
	}
}

// Server wires the transports to the engine. Construct with New, then Start.
type Server struct {
	echo    *echo.Echo
	cfg     Config
	logger  *slog.Logger
	store   store.SessionStore
	llm     llm.Provider
	tts     *bridge.TTSProxy
	avatar  *bridge.AvatarTunnel
	manager *Manager
	metrics *observe.Metrics
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithTTS attaches the TTS proxy, enabling /tts and /tts-stream.
func WithTTS(proxy *bridge.TTSProxy) Option {
	return func(s *Server) { s.tts = proxy }
}

// WithAvatar attaches the avatar tunnel, enabling /avatar/:id.
func WithAvatar(tunnel *bridge.AvatarTunnel) Option {
	return func(s *Server) { s.avatar = tunnel }
}

// WithHealth registers the health endpoints with the given checkers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { h.Register(s.echo) }
}

// WithMetricsHandler mounts an exporter (e.g. the Prometheus bridge) at
// /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.echo.GET("/metrics", echo.WrapHandler(h)) }
}

// New builds the server. provider may be nil, which disables LLM coaching on
// every session; st must be non-nil.
func New(cfg Config, st store.SessionStore, provider llm.Provider, logger *slog.Logger, opts ...Option) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		cfg:     cfg,
		logger:  logger,
		store:   st,
		llm:     provider,
		metrics: observe.DefaultMetrics(),
	}
	s.manager = NewManager(st, provider, logger, managerConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReceiveTimeout:    cfg.ReceiveTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		SessionDefaults:   cfg.SessionDefaults,
	})

	e.Use(middleware.Recover())
	e.Use(requestID())
	e.Use(observe.Middleware(s.metrics))
	e.Use(requestLogger(logger))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID},
		}))
	}

	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.POST("/sessions", s.createSession)
	e.GET("/sessions", s.listSessions)
	e.GET("/sessions/:id", s.getSession)
	e.PUT("/sessions/:id", s.updateSession)
	e.DELETE("/sessions/:id", s.deleteSession)

	e.POST("/sessions/:id/audio/upload", s.uploadAudio)
	e.POST("/sessions/:id/audio/analyze", s.analyzeAudio)

	e.GET("/sessions/:id/feedback", s.listFeedback)
	e.POST("/sessions/:id/feedback/generate", s.generateFeedback)
	e.GET("/sessions/:id/analytics", s.sessionAnalytics)

	if s.tts != nil {
		e.POST("/tts", s.synthesize)
		e.POST("/tts-stream", s.synthesizeStream)
		e.GET("/tts/voices", s.listVoices)
	}

	e.GET("/session/:id", s.handleSessionChannel)
	if s.avatar != nil {
		e.GET("/avatar/:id", s.handleAvatarChannel)
	}
}

// Handler exposes the underlying handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully, closing
// active session channels and flushing their summaries.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			errCh <- s.echo.StartTLS(s.cfg.Addr, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
			return
		}
		errCh <- s.echo.Start(s.cfg.Addr)
	}()
	s.logger.Info("server listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.manager.Shutdown(shutdownCtx)
	return s.echo.Shutdown(shutdownCtx)
}
