package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/prestance-ai/prestance/internal/bridge"
	"github.com/prestance-ai/prestance/pkg/audio"
	"github.com/prestance-ai/prestance/pkg/provider/avatar"
	avatarmock "github.com/prestance-ai/prestance/pkg/provider/avatar/mock"
	"github.com/prestance-ai/prestance/pkg/types"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialChannel(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", data, err)
	}
	return env
}

func TestSessionChannelLifecycle(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{HeartbeatInterval: time.Hour})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialChannel(t, ts, "/session/live-1?user_id=u9")

	init := readEnvelope(t, conn)
	if init.Type != types.EnvSessionInitialized {
		t.Fatalf("first envelope = %q, want session_initialized", init.Type)
	}
	if len(init.Processors) == 0 || init.Processors[0] != "voice_analyzer" {
		t.Fatalf("processors = %v", init.Processors)
	}

	sess, err := st.GetSession(t.Context(), "live-1")
	if err != nil {
		t.Fatalf("session not created on connect: %v", err)
	}
	if sess.UserID != "u9" {
		t.Fatalf("user = %q, want u9", sess.UserID)
	}

	sendText(t, conn, map[string]any{"type": "heartbeat"})
	hb := readEnvelope(t, conn)
	if hb.Type != types.EnvHeartbeatResponse {
		t.Fatalf("envelope = %q, want heartbeat_response", hb.Type)
	}
	if hb.Stats == nil || hb.Stats.MessagesReceived != 1 {
		t.Fatalf("stats = %+v, want 1 message received", hb.Stats)
	}

	sendText(t, conn, map[string]any{
		"type": "config_update",
		"config": map[string]any{
			"feedback_frequency":         10,
			"enable_parallel_processing": false,
			"unknown_key":                "ignored",
		},
	})
	if env := readEnvelope(t, conn); env.Type != types.EnvConfigUpdated {
		t.Fatalf("envelope = %q, want config_updated", env.Type)
	}

	pcm := audio.SamplesToBytes(tone(0.5))
	sendText(t, conn, map[string]any{
		"type":              "audio_chunk",
		"audio_data_base64": base64.StdEncoding.EncodeToString(pcm),
		"sample_rate":       audio.CanonicalRate,
		"sequence_number":   1,
	})

	sendText(t, conn, map[string]any{"type": "heartbeat"})
	hb = readEnvelope(t, conn)
	if hb.Stats == nil || hb.Stats.AudioChunksProcessed != 1 {
		t.Fatalf("stats = %+v, want 1 audio chunk", hb.Stats)
	}
	if hb.Stats.MessagesReceived != 4 {
		t.Fatalf("messages received = %d, want 4", hb.Stats.MessagesReceived)
	}

	sendText(t, conn, map[string]any{"type": "bogus"})
	errEnv := readEnvelope(t, conn)
	if errEnv.Type != types.EnvError || errEnv.ErrorCode != "CHANNEL_MESSAGE_ERROR" {
		t.Fatalf("envelope = %+v, want channel message error", errEnv)
	}

	sendText(t, conn, map[string]any{"type": "control_command", "command": "end_session"})
	ended := readEnvelope(t, conn)
	if ended.Type != types.EnvSessionEnded {
		t.Fatalf("envelope = %q, want session_ended", ended.Type)
	}
	if ended.Summary == nil {
		t.Fatal("session_ended carries no summary")
	}

	waitFor(t, 3*time.Second, func() error {
		sess, err := st.GetSession(context.Background(), "live-1")
		if err != nil {
			return err
		}
		if sess.Status != types.StatusCompleted {
			return fmt.Errorf("status = %q", sess.Status)
		}
		if _, err := st.GetSummary(context.Background(), "live-1"); err != nil {
			return err
		}
		return nil
	})
}

func TestSessionChannelPauseResume(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{HeartbeatInterval: time.Hour})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialChannel(t, ts, "/session/pr-1")
	if env := readEnvelope(t, conn); env.Type != types.EnvSessionInitialized {
		t.Fatalf("first envelope = %q", env.Type)
	}

	sendText(t, conn, map[string]any{"type": "control_command", "command": "pause_session"})
	if env := readEnvelope(t, conn); env.Type != types.EnvSessionPaused {
		t.Fatalf("envelope = %q, want session_paused", env.Type)
	}

	pcm := audio.SamplesToBytes(tone(0.1))
	sendText(t, conn, map[string]any{
		"type":              "audio_chunk",
		"audio_data_base64": base64.StdEncoding.EncodeToString(pcm),
		"sample_rate":       audio.CanonicalRate,
	})
	errEnv := readEnvelope(t, conn)
	if errEnv.Type != types.EnvError || errEnv.ErrorCode != "INVALID_SESSION_STATE" {
		t.Fatalf("envelope = %+v, want invalid state error for audio while paused", errEnv)
	}

	sendText(t, conn, map[string]any{"type": "control_command", "command": "resume_session"})
	if env := readEnvelope(t, conn); env.Type != types.EnvSessionResumed {
		t.Fatalf("envelope = %q, want session_resumed", env.Type)
	}
}

func TestSessionChannelOversizedMessage(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{HeartbeatInterval: time.Hour, MaxMessageBytes: 256})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialChannel(t, ts, "/session/big-1")
	if env := readEnvelope(t, conn); env.Type != types.EnvSessionInitialized {
		t.Fatalf("first envelope = %q", env.Type)
	}

	sendText(t, conn, map[string]any{
		"type":    "heartbeat",
		"padding": strings.Repeat("x", 300),
	})
	errEnv := readEnvelope(t, conn)
	if errEnv.Type != types.EnvError || errEnv.ErrorCode != "CHANNEL_MESSAGE_ERROR" {
		t.Fatalf("envelope = %+v, want size rejection", errEnv)
	}

	// Channel stays open after the rejection.
	sendText(t, conn, map[string]any{"type": "heartbeat"})
	if env := readEnvelope(t, conn); env.Type != types.EnvHeartbeatResponse {
		t.Fatalf("envelope = %q, want heartbeat_response", env.Type)
	}
}

func TestSessionChannelSecondConnectionRefused(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{HeartbeatInterval: time.Hour})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	first := dialChannel(t, ts, "/session/dup-1")
	if env := readEnvelope(t, first); env.Type != types.EnvSessionInitialized {
		t.Fatalf("first envelope = %q", env.Type)
	}

	second := dialChannel(t, ts, "/session/dup-1")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := second.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("read err = %v, want policy violation close", err)
	}
}

func TestSessionChannelTerminalSessionRejected(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	sess := seedSession(t, st, "done-1", "u1")
	sess.Status = types.StatusCompleted
	if err := st.UpdateSession(t.Context(), sess); err != nil {
		t.Fatalf("seed terminal session: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(ts, "/session/done-1"), nil)
	if err == nil {
		t.Fatal("dial succeeded on a completed session")
	}
	if resp == nil || resp.StatusCode != 409 {
		t.Fatalf("upgrade response = %+v, want 409", resp)
	}
}

func TestAvatarChannelRelay(t *testing.T) {
	t.Parallel()
	session := avatarmock.NewSession([]avatar.Frame{{Data: []byte(`{"stage":"ready"}`)}})
	provider := &avatarmock.Provider{Session: session}
	tunnel := bridge.NewAvatarTunnel(provider, quietLogger())
	s, _ := newTestServer(t, Config{}, WithAvatar(tunnel))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialChannel(t, ts, "/avatar/av-1")

	var meta struct {
		Type  string `json:"type"`
		Stage string `json:"stage"`
	}
	readWSJSON(t, conn, &meta)
	if meta.Type != "avatar.meta" || meta.Stage != "accepted" {
		t.Fatalf("first frame = %+v, want accepted meta", meta)
	}

	sendText(t, conn, map[string]any{"type": "avatar.start", "voice": "claire"})

	readWSJSON(t, conn, &meta)
	if meta.Stage != "upstream_connected" {
		t.Fatalf("second frame = %+v, want upstream_connected meta", meta)
	}
	var started struct {
		Type string `json:"type"`
	}
	readWSJSON(t, conn, &started)
	if started.Type != "avatar.started" {
		t.Fatalf("frame = %+v, want avatar.started", started)
	}

	var upstream struct {
		Type string          `json:"type"`
		JSON json.RawMessage `json:"json"`
	}
	readWSJSON(t, conn, &upstream)
	if upstream.Type != "avatar.upstream" || !strings.Contains(string(upstream.JSON), "ready") {
		t.Fatalf("frame = %+v, want relayed upstream JSON", upstream)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	sendText(t, conn, map[string]any{"type": "avatar.end"})

	waitFor(t, 3*time.Second, func() error {
		if !session.Closed() {
			return fmt.Errorf("upstream session still open")
		}
		return nil
	})
	if len(provider.ConnectCalls) != 1 {
		t.Fatalf("connect calls = %d, want 1", len(provider.ConnectCalls))
	}
	if got := provider.ConnectCalls[0].Cfg.SessionID; got != "av-1" {
		t.Fatalf("upstream session id = %q, want av-1", got)
	}
	if got := provider.ConnectCalls[0].Cfg.Voice; got != "claire" {
		t.Fatalf("voice = %q, want claire", got)
	}
	sent := session.SentFrames
	if len(sent) != 1 || !sent[0].Binary {
		t.Fatalf("sent frames = %+v, want one binary frame", sent)
	}
}

// readWSJSON reads one text frame and decodes it.
func readWSJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
}

// waitFor polls check until it returns nil or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, check func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var err error
	for time.Now().Before(deadline) {
		if err = check(); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline: %v", err)
}
