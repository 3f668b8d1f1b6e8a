package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/internal/observe"
	"github.com/prestance-ai/prestance/internal/pipeline"
	"github.com/prestance-ai/prestance/pkg/audio"
	"github.com/prestance-ai/prestance/pkg/provider/llm"
	"github.com/prestance-ai/prestance/pkg/store"
	"github.com/prestance-ai/prestance/pkg/types"
)

const (
	// channelWriteTimeout bounds one envelope write to a slow client.
	channelWriteTimeout = 5 * time.Second

	// finalFlushTimeout bounds summary persistence during channel teardown.
	finalFlushTimeout = 2 * time.Second
)

// clientMessage is the union of everything a client may send on the session
// channel. Type selects which fields are meaningful.
type clientMessage struct {
	Type string `json:"type"`

	// audio_chunk fields.
	AudioDataBase64 string `json:"audio_data_base64,omitempty"`
	SampleRate      int    `json:"sample_rate,omitempty"`
	SequenceNumber  int    `json:"sequence_number,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`

	// control_command field.
	Command string `json:"command,omitempty"`

	// config_update payload.
	Config json.RawMessage `json:"config,omitempty"`
}

// configPatch is the whitelisted subset of live-updatable settings. Unknown
// keys in the payload are ignored without error.
type configPatch struct {
	EnableParallel    *bool `json:"enable_parallel_processing"`
	FeedbackFrequency *int  `json:"feedback_frequency"`
	MetricsInterval   *int  `json:"metrics_calculation_interval"`
}

type managerConfig struct {
	HeartbeatInterval time.Duration
	ReceiveTimeout    time.Duration
	MaxMessageBytes   int64
	SessionDefaults   types.SessionConfig
}

// Manager owns the live session channels: one WebSocket and one pipeline per
// active session, plus the per-session statistics the heartbeat reports.
type Manager struct {
	store   store.SessionStore
	llm     llm.Provider
	logger  *slog.Logger
	cfg     managerConfig
	metrics *observe.Metrics

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// liveSession bundles the running state of one connected session.
type liveSession struct {
	sess   *types.Session
	pipe   *pipeline.SessionPipeline
	stats  *channelStats
	cancel context.CancelFunc
	done   chan struct{}
}

// channelStats guards the per-session counter block.
type channelStats struct {
	mu sync.Mutex
	s  types.SessionStats
}

func newChannelStats() *channelStats {
	return &channelStats{s: types.SessionStats{ConnectedAt: time.Now().UTC()}}
}

func (c *channelStats) message()       { c.mu.Lock(); c.s.MessagesReceived++; c.mu.Unlock() }
func (c *channelStats) chunk()         { c.mu.Lock(); c.s.AudioChunksProcessed++; c.mu.Unlock() }
func (c *channelStats) feedback(n int) { c.mu.Lock(); c.s.FeedbackItemsSent += int64(n); c.mu.Unlock() }
func (c *channelStats) failure()       { c.mu.Lock(); c.s.ErrorsCount++; c.mu.Unlock() }

func (c *channelStats) snapshot() *types.SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.s
	return &s
}

func NewManager(st store.SessionStore, provider llm.Provider, logger *slog.Logger, cfg managerConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		llm:      provider,
		logger:   logger,
		cfg:      cfg,
		metrics:  observe.DefaultMetrics(),
		sessions: make(map[string]*liveSession),
	}
}

// Active returns the number of connected session channels.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Report returns the live performance report for a connected session.
func (m *Manager) Report(sessionID string) (*types.PerformanceReport, bool) {
	m.mu.RLock()
	live, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return live.pipe.Report(), true
}

// GenerateCoaching runs an on-demand coaching round against a connected
// session's live metric history. The second return is false when the session
// is not connected or has LLM coaching disabled.
func (m *Manager) GenerateCoaching(ctx context.Context, sessionID string) (*types.CoachingFeedback, bool) {
	m.mu.RLock()
	live, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	fb := live.pipe.CoachNow(ctx)
	if fb == nil {
		return nil, false
	}
	return fb, true
}

// Shutdown closes every live channel and waits for their final summaries to
// flush, up to ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	lives := make([]*liveSession, 0, len(m.sessions))
	for _, live := range m.sessions {
		lives = append(lives, live)
	}
	m.mu.RUnlock()

	for _, live := range lives {
		live.cancel()
	}
	for _, live := range lives {
		select {
		case <-live.done:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) register(live *liveSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[live.sess.ID]; exists {
		return false
	}
	m.sessions[live.sess.ID] = live
	m.metrics.ActiveChannels.Add(context.Background(), 1)
	return true
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.metrics.ActiveChannels.Add(context.Background(), -1)
}

// resolveSession loads the session or creates one on the fly so a client can
// connect with a fresh ID. Terminal sessions refuse the channel.
func (m *Manager) resolveSession(ctx context.Context, id, userID string) (*types.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err == nil {
		if sess.Status.IsTerminal() {
			return nil, fault.Newf(fault.InvalidSessionState,
				"session %s is %s and accepts no channel", id, sess.Status)
		}
		return sess, nil
	}
	if !fault.IsKind(err, fault.SessionNotFound) {
		return nil, err
	}

	sess = &types.Session{
		ID:        id,
		UserID:    userID,
		Status:    types.StatusActive,
		Config:    m.cfg.SessionDefaults,
		CreatedAt: time.Now().UTC(),
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// wsWriter serialises writes from the dispatch loop, the envelope forwarder,
// and the heartbeat ticker onto one connection.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(ctx context.Context, env *types.Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, channelWriteTimeout)
	defer cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(wctx, websocket.MessageText, data)
}

func (s *Server) handleSessionChannel(c echo.Context) error {
	return s.manager.serve(c)
}

// serve runs one session channel from upgrade to final flush.
func (m *Manager) serve(c echo.Context) error {
	reqCtx := c.Request().Context()
	sess, err := m.resolveSession(reqCtx, c.Param("id"), c.QueryParam("user_id"))
	if err != nil {
		return respondFault(c, err)
	}

	pipe, err := pipeline.New(*sess, m.llm, m.logger)
	if err != nil {
		return respondFault(c, err)
	}

	// Origin policy is the CORS middleware's job; the upgrade accepts any.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil
	}
	// Frames between the cap and twice the cap are rejected in-band with the
	// channel left open; beyond that the transport gives up.
	conn.SetReadLimit(2 * m.cfg.MaxMessageBytes)

	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()

	live := &liveSession{
		sess:   sess,
		pipe:   pipe,
		stats:  newChannelStats(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if !m.register(live) {
		conn.Close(websocket.StatusPolicyViolation, "session channel already open")
		return nil
	}

	logger := m.logger.With("session_id", sess.ID)
	logger.Info("session channel opened", "user_id", sess.UserID)

	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	go pipe.Run(pipeCtx)

	w := &wsWriter{conn: conn}

	forwarderDone := make(chan struct{})
	go m.forward(ctx, w, live, forwarderDone)
	go m.heartbeatLoop(ctx, w, live)

	_ = w.send(ctx, &types.Envelope{
		Type:       types.EnvSessionInitialized,
		SessionID:  sess.ID,
		Processors: processorsFor(sess.Config, m.llm),
	})

	ended := m.dispatchLoop(ctx, conn, w, live)

	// Teardown: stop ingest, let the pipeline flush its remainder, then
	// persist the summary within the flush budget.
	pipeCancel()
	select {
	case <-forwarderDone:
	case <-time.After(finalFlushTimeout):
	}
	m.finishSession(live)

	m.unregister(sess.ID)
	close(live.done)
	conn.Close(websocket.StatusNormalClosure, "session channel closed")
	logger.Info("session channel closed",
		"messages", live.stats.snapshot().MessagesReceived, "ended", ended)
	return nil
}

// processorsFor lists the pipeline stages active under the session config.
func processorsFor(cfg types.SessionConfig, provider llm.Provider) []string {
	out := []string{"voice_analyzer"}
	if cfg.RealTimeFeedback {
		out = append(out, "rule_engine")
	}
	if cfg.AICoaching && provider != nil {
		out = append(out, "ai_coach")
	}
	return append(out, "progress_tracker")
}

type readFrame struct {
	kind websocket.MessageType
	data []byte
}

// dispatchLoop reads and handles client messages until the connection drops,
// the session ends, or the session expires. A silent receive interval is not
// an error; it only triggers the housekeeping tick. Returns whether the
// session reached a terminal state in-band.
func (m *Manager) dispatchLoop(ctx context.Context, conn *websocket.Conn, w *wsWriter, live *liveSession) bool {
	frames := make(chan readFrame)
	go func() {
		defer close(frames)
		for {
			kind, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- readFrame{kind: kind, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.ReceiveTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if live.sess.Expired(time.Now()) && !live.sess.Status.IsTerminal() {
				m.endSession(ctx, w, live, types.StatusExpired)
				return true
			}
		case fr, ok := <-frames:
			if !ok {
				return false
			}
			if ended := m.handleFrame(ctx, w, live, fr); ended {
				return true
			}
		}
	}
}

// handleFrame validates and dispatches one inbound frame. Malformed or
// oversized messages answer with an error envelope and keep the channel open.
func (m *Manager) handleFrame(ctx context.Context, w *wsWriter, live *liveSession, fr readFrame) bool {
	if int64(len(fr.data)) > m.cfg.MaxMessageBytes {
		m.sendError(ctx, w, live, fault.ChannelMessageError,
			"message exceeds the %d byte limit", m.cfg.MaxMessageBytes)
		return false
	}
	if fr.kind != websocket.MessageText {
		m.sendError(ctx, w, live, fault.ChannelMessageError,
			"binary frames are not accepted on the session channel")
		return false
	}

	var msg clientMessage
	if err := json.Unmarshal(fr.data, &msg); err != nil {
		m.sendError(ctx, w, live, fault.ChannelMessageError, "malformed message")
		return false
	}
	live.stats.message()

	switch msg.Type {
	case "audio_chunk":
		m.handleAudioChunk(ctx, w, live, &msg)
	case "control_command":
		return m.handleControl(ctx, w, live, msg.Command)
	case "config_update":
		m.handleConfigUpdate(ctx, w, live, msg.Config)
	case "heartbeat":
		_ = w.send(ctx, &types.Envelope{
			Type:      types.EnvHeartbeatResponse,
			SessionID: live.sess.ID,
			Stats:     live.stats.snapshot(),
		})
	case "request_summary":
		_ = w.send(ctx, &types.Envelope{
			Type:      types.EnvSessionSummary,
			SessionID: live.sess.ID,
			Summary:   live.pipe.Summary(),
			Stats:     live.stats.snapshot(),
		})
	default:
		m.sendError(ctx, w, live, fault.ChannelMessageError,
			"unknown message type %q", msg.Type)
	}
	return false
}

func (m *Manager) handleAudioChunk(ctx context.Context, w *wsWriter, live *liveSession, msg *clientMessage) {
	if live.sess.Status != types.StatusActive {
		m.sendError(ctx, w, live, fault.InvalidSessionState,
			"audio rejected while session is %s", live.sess.Status)
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioDataBase64)
	if err != nil || len(pcm) == 0 {
		m.sendError(ctx, w, live, fault.AudioFormatError, "invalid base64 audio payload")
		return
	}

	samples := audio.BytesToSamples(pcm)
	if msg.SampleRate > 0 && msg.SampleRate != audio.CanonicalRate {
		samples = audio.ResampleSamples(samples, msg.SampleRate, audio.CanonicalRate)
	}
	live.pipe.Ingest(samples)
	live.stats.chunk()
}

func (m *Manager) handleControl(ctx context.Context, w *wsWriter, live *liveSession, command string) bool {
	sess := live.sess
	switch command {
	case "start_session":
		if sess.StartedAt == nil {
			now := time.Now().UTC()
			sess.StartedAt = &now
			m.persistSession(sess)
		}
		_ = w.send(ctx, &types.Envelope{Type: types.EnvSessionStarted, SessionID: sess.ID})
	case "pause_session":
		if !sess.Status.CanTransitionTo(types.StatusPaused) {
			m.sendError(ctx, w, live, fault.InvalidSessionState,
				"cannot pause a %s session", sess.Status)
			return false
		}
		sess.Status = types.StatusPaused
		m.persistSession(sess)
		_ = w.send(ctx, &types.Envelope{Type: types.EnvSessionPaused, SessionID: sess.ID})
	case "resume_session":
		if !sess.Status.CanTransitionTo(types.StatusActive) {
			m.sendError(ctx, w, live, fault.InvalidSessionState,
				"cannot resume a %s session", sess.Status)
			return false
		}
		sess.Status = types.StatusActive
		m.persistSession(sess)
		_ = w.send(ctx, &types.Envelope{Type: types.EnvSessionResumed, SessionID: sess.ID})
	case "end_session":
		if !sess.Status.CanTransitionTo(types.StatusCompleted) {
			m.sendError(ctx, w, live, fault.InvalidSessionState,
				"cannot end a %s session", sess.Status)
			return false
		}
		m.endSession(ctx, w, live, types.StatusCompleted)
		return true
	default:
		m.sendError(ctx, w, live, fault.ChannelMessageError, "unknown command %q", command)
	}
	return false
}

func (m *Manager) handleConfigUpdate(ctx context.Context, w *wsWriter, live *liveSession, raw json.RawMessage) {
	var patch configPatch
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &patch); err != nil {
			m.sendError(ctx, w, live, fault.ChannelMessageError, "malformed config payload")
			return
		}
	}

	cfg := live.pipe.CurrentConfig()
	if patch.EnableParallel != nil {
		cfg.Parallel = *patch.EnableParallel
	}
	if patch.FeedbackFrequency != nil {
		if *patch.FeedbackFrequency < 1 || *patch.FeedbackFrequency > 30 {
			m.sendError(ctx, w, live, fault.ValidationError,
				"feedback_frequency must be in [1, 30]")
			return
		}
		cfg.FeedbackFrequency = *patch.FeedbackFrequency
	}
	if patch.MetricsInterval != nil {
		if *patch.MetricsInterval < 0 {
			m.sendError(ctx, w, live, fault.ValidationError,
				"metrics_calculation_interval must be non-negative")
			return
		}
		cfg.MetricsInterval = *patch.MetricsInterval
	}
	live.pipe.UpdateConfig(cfg)

	_ = w.send(ctx, &types.Envelope{Type: types.EnvConfigUpdated, SessionID: live.sess.ID})
}

// endSession transitions the session to a terminal state, emits the ended
// envelope with the final summary, and persists both.
func (m *Manager) endSession(ctx context.Context, w *wsWriter, live *liveSession, status types.SessionStatus) {
	sess := live.sess
	now := time.Now().UTC()
	sess.Status = status
	sess.EndedAt = &now
	if sess.StartedAt != nil {
		sess.DurationSeconds = now.Sub(*sess.StartedAt).Seconds()
	}

	_ = w.send(ctx, &types.Envelope{
		Type:      types.EnvSessionEnded,
		SessionID: sess.ID,
		Summary:   live.pipe.Summary(),
		Stats:     live.stats.snapshot(),
	})
}

// finishSession flushes the summary and session record within the final flush
// budget, after the pipeline has flushed its remainder. A dropped connection
// keeps the session's current lifecycle state.
func (m *Manager) finishSession(live *liveSession) {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	sess := live.sess
	sess.ProcessingErrors = live.pipe.Stats().Errors

	if err := m.store.SaveSummary(ctx, sess.ID, live.pipe.Summary()); err != nil {
		m.logger.Warn("summary not persisted", "session_id", sess.ID, "error", err)
	}
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.logger.Warn("session not persisted", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) persistSession(sess *types.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.logger.Warn("session not persisted", "session_id", sess.ID, "error", err)
	}
}

// forward relays pipeline envelopes to the client and maintains the feedback
// counters. Suggestions are also appended to the session's stored history.
func (m *Manager) forward(ctx context.Context, w *wsWriter, live *liveSession, done chan<- struct{}) {
	defer close(done)
	for env := range live.pipe.Envelopes() {
		switch env.Type {
		case types.EnvRealtimeSuggestion:
			live.stats.feedback(len(env.Suggestions))
			m.persistFeedback(live.sess.ID, env.Suggestions)
		case types.EnvCoachingResult:
			if env.Result != nil && env.Result.CoachingFeedback != nil {
				live.stats.feedback(1)
			}
		case types.EnvAudioError, types.EnvProcessingError:
			live.stats.failure()
		}
		m.metrics.RecordEnvelope(ctx, string(env.Type))
		if err := w.send(ctx, &env); err != nil {
			if ctx.Err() != nil {
				// Connection is gone; keep draining so the pipeline's flush
				// still updates the stats backing the final summary.
				continue
			}
			m.logger.Warn("envelope not delivered",
				"session_id", live.sess.ID, "type", string(env.Type), "error", err)
		}
	}
}

func (m *Manager) persistFeedback(sessionID string, items []types.FeedbackItem) {
	if len(items) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := m.store.AppendFeedback(ctx, sessionID, items); err != nil {
		m.logger.Warn("feedback not persisted", "session_id", sessionID, "error", err)
	}
}

// heartbeatLoop emits a server heartbeat with the session counters on the
// configured cadence.
func (m *Manager) heartbeatLoop(ctx context.Context, w *wsWriter, live *liveSession) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.send(ctx, &types.Envelope{
				Type:      types.EnvHeartbeat,
				SessionID: live.sess.ID,
				Stats:     live.stats.snapshot(),
			})
		}
	}
}

// sendError answers a client mistake in-band without closing the channel.
func (m *Manager) sendError(ctx context.Context, w *wsWriter, live *liveSession, kind fault.Kind, format string, args ...any) {
	live.stats.failure()
	fe := fault.Newf(kind, format, args...)
	_ = w.send(ctx, &types.Envelope{
		Type:         types.EnvError,
		SessionID:    live.sess.ID,
		ErrorCode:    string(fe.Kind),
		ErrorMessage: fe.Message,
	})
}

// avatarConn adapts one accepted WebSocket to the avatar tunnel's transport
// interface. The write mutex covers the tunnel's two writer goroutines.
type avatarConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (a *avatarConn) ReadFrame(ctx context.Context) (bool, []byte, error) {
	kind, data, err := a.conn.Read(ctx)
	return kind == websocket.MessageBinary, data, err
}

func (a *avatarConn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.Write(ctx, websocket.MessageText, data)
}

func (a *avatarConn) WriteBinary(ctx context.Context, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *Server) handleAvatarChannel(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil
	}

	ac := &avatarConn{conn: conn}
	if err := s.avatar.Run(c.Request().Context(), ac, c.Param("id")); err != nil {
		s.logger.Warn("avatar tunnel failed", "session_id", c.Param("id"), "error", err)
		conn.Close(websocket.StatusInternalError, "tunnel failed")
		return nil
	}
	conn.Close(websocket.StatusNormalClosure, "tunnel closed")
	return nil
}
