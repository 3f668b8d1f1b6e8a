package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/provider/avatar"
	avmock "github.com/prestance-ai/prestance/pkg/provider/avatar/mock"
)

// recordedFrame is one frame exchanged with the fake client connection.
type recordedFrame struct {
	binary bool
	data   []byte
}

// fakeConn is an in-memory ClientConn. Frames pushed via sendJSON and
// sendBinary appear on ReadFrame; written frames are recorded in order.
type fakeConn struct {
	in chan recordedFrame

	mu       sync.Mutex
	written  []recordedFrame
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan recordedFrame, 16)}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (bool, []byte, error) {
	select {
	case <-ctx.Done():
		return false, nil, ctx.Err()
	case f, ok := <-c.in:
		if !ok {
			return false, nil, io.EOF
		}
		return f.binary, f.data, nil
	}
}

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, recordedFrame{data: data})
	return nil
}

func (c *fakeConn) WriteBinary(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, recordedFrame{binary: true, data: data})
	return nil
}

func (c *fakeConn) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal client frame: %v", err)
	}
	c.in <- recordedFrame{data: data}
}

func (c *fakeConn) sendBinary(data []byte) {
	c.in <- recordedFrame{binary: true, data: data}
}

func (c *fakeConn) frames() []recordedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recordedFrame, len(c.written))
	copy(out, c.written)
	return out
}

// frameType extracts the "type" field of a JSON control frame. Binary frames
// report "<binary>".
func frameType(f recordedFrame) string {
	if f.binary {
		return "<binary>"
	}
	var m struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(f.data, &m); err != nil {
		return "<malformed>"
	}
	return m.Type
}

func frameTypes(frames []recordedFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = frameType(f)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runTunnel runs the tunnel in a goroutine and returns its result, failing
// the test if it does not finish in time.
func runTunnel(t *testing.T, tunnel *AvatarTunnel, conn *fakeConn, sessionID string) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- tunnel.Run(context.Background(), conn, sessionID) }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not finish")
		return nil
	}
}

func TestAvatarTunnelRelaysBothDirections(t *testing.T) {
	t.Parallel()

	sess := avmock.NewSession([]avatar.Frame{
		{Data: []byte(`{"status":"ready"}`)},
		{Data: []byte("plain text notice")},
		{Binary: true, Data: []byte{0x01, 0x02, 0x03}},
	})
	provider := &avmock.Provider{Session: sess}
	tunnel := NewAvatarTunnel(provider, quietLogger())

	conn := newFakeConn()
	conn.sendJSON(t, map[string]any{
		"type":  frameStart,
		"voice": "claire",
		"data":  map[string]any{"quality": "high"},
	})
	conn.sendBinary([]byte{0x09, 0x09})
	conn.sendJSON(t, map[string]any{"type": frameForward, "data": map[string]any{"gesture": "wave"}})
	conn.sendJSON(t, map[string]any{"type": frameEnd})

	if err := runTunnel(t, tunnel, conn, "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := frameTypes(conn.frames())
	want := []string{frameMeta, frameMeta, frameStarted, frameUpstream, frameUpstreamText, "<binary>", frameEnd}
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}

	// Handshake stages in order.
	var meta metaMsg
	if err := json.Unmarshal(conn.frames()[0].data, &meta); err != nil || meta.Stage != stageAccepted {
		t.Errorf("first frame = %s, want stage accepted", conn.frames()[0].data)
	}
	if err := json.Unmarshal(conn.frames()[1].data, &meta); err != nil || meta.Stage != stageUpstreamConnected {
		t.Errorf("second frame = %s, want stage upstream_connected", conn.frames()[1].data)
	}

	// Client frames reached the upstream session.
	if len(sess.SentFrames) != 2 {
		t.Fatalf("upstream received %d frames, want 2", len(sess.SentFrames))
	}
	if !sess.SentFrames[0].Binary || len(sess.SentFrames[0].Data) != 2 {
		t.Errorf("first upstream frame = %+v, want binary audio", sess.SentFrames[0])
	}
	if sess.SentFrames[1].Binary || !json.Valid(sess.SentFrames[1].Data) {
		t.Errorf("second upstream frame = %+v, want forwarded JSON", sess.SentFrames[1])
	}

	if len(provider.ConnectCalls) != 1 {
		t.Fatalf("connect calls = %d", len(provider.ConnectCalls))
	}
	cfg := provider.ConnectCalls[0].Cfg
	if cfg.SessionID != "s1" || cfg.Voice != "claire" {
		t.Errorf("connect cfg = %+v", cfg)
	}
	if cfg.InitPayload["quality"] != "high" {
		t.Errorf("init payload = %v", cfg.InitPayload)
	}
	if !sess.Closed() {
		t.Error("upstream session not closed")
	}
}

func TestAvatarTunnelEndBeforeStart(t *testing.T) {
	t.Parallel()

	provider := &avmock.Provider{}
	tunnel := NewAvatarTunnel(provider, quietLogger())

	conn := newFakeConn()
	conn.sendJSON(t, map[string]any{"type": frameEnd})

	if err := runTunnel(t, tunnel, conn, "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := frameTypes(conn.frames())
	if len(got) != 2 || got[0] != frameMeta || got[1] != frameEnd {
		t.Errorf("frames = %v, want [avatar.meta avatar.end]", got)
	}
	if len(provider.ConnectCalls) != 0 {
		t.Errorf("connect calls = %d, want 0", len(provider.ConnectCalls))
	}
}

func TestAvatarTunnelDropsFramesBeforeStart(t *testing.T) {
	t.Parallel()

	provider := &avmock.Provider{}
	tunnel := NewAvatarTunnel(provider, quietLogger())

	conn := newFakeConn()
	conn.sendBinary([]byte{0x01})
	conn.sendJSON(t, map[string]any{"type": frameForward, "data": map[string]any{"x": 1}})
	conn.in <- recordedFrame{data: []byte("not json")}
	conn.sendJSON(t, map[string]any{"type": frameStart})
	conn.sendJSON(t, map[string]any{"type": frameEnd})

	if err := runTunnel(t, tunnel, conn, "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(provider.ConnectCalls) != 1 {
		t.Errorf("connect calls = %d, want 1", len(provider.ConnectCalls))
	}
}

func TestAvatarTunnelUpstreamHTTPError(t *testing.T) {
	t.Parallel()

	provider := &avmock.Provider{ConnectErr: fault.FromUpstreamStatus("avatar", 502)}
	tunnel := NewAvatarTunnel(provider, quietLogger())

	conn := newFakeConn()
	conn.sendJSON(t, map[string]any{"type": frameStart})

	if err := runTunnel(t, tunnel, conn, "s1"); err == nil {
		t.Fatal("Run should fail when upstream connect fails")
	}

	frames := conn.frames()
	if len(frames) != 2 {
		t.Fatalf("frames = %v", frameTypes(frames))
	}
	var errMsg errorMsg
	if err := json.Unmarshal(frames[1].data, &errMsg); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if errMsg.Type != frameError || errMsg.Code != CodeUpstreamHTTPError {
		t.Errorf("error frame = %+v, want code %s", errMsg, CodeUpstreamHTTPError)
	}
}

func TestAvatarTunnelConnectFailed(t *testing.T) {
	t.Parallel()

	provider := &avmock.Provider{ConnectErr: errors.New("dial tcp: connection refused")}
	tunnel := NewAvatarTunnel(provider, quietLogger())

	conn := newFakeConn()
	conn.sendJSON(t, map[string]any{"type": frameStart})

	if err := runTunnel(t, tunnel, conn, "s1"); err == nil {
		t.Fatal("Run should fail when upstream connect fails")
	}
	frames := conn.frames()
	var errMsg errorMsg
	if err := json.Unmarshal(frames[len(frames)-1].data, &errMsg); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if errMsg.Code != CodeConnectFailed {
		t.Errorf("code = %s, want %s", errMsg.Code, CodeConnectFailed)
	}
}

func TestAvatarTunnelInvalidStartPayload(t *testing.T) {
	t.Parallel()

	provider := &avmock.Provider{}
	tunnel := NewAvatarTunnel(provider, quietLogger())

	conn := newFakeConn()
	conn.sendJSON(t, map[string]any{"type": frameStart, "data": []int{1, 2}})

	if err := runTunnel(t, tunnel, conn, "s1"); err == nil {
		t.Fatal("Run should reject a non-object start payload")
	}
	frames := conn.frames()
	var errMsg errorMsg
	if err := json.Unmarshal(frames[len(frames)-1].data, &errMsg); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if errMsg.Code != CodeServiceInitFailed {
		t.Errorf("code = %s, want %s", errMsg.Code, CodeServiceInitFailed)
	}
	if len(provider.ConnectCalls) != 0 {
		t.Errorf("connect calls = %d, want 0", len(provider.ConnectCalls))
	}
}

func TestAvatarTunnelUpstreamStreamError(t *testing.T) {
	t.Parallel()

	sess := avmock.NewSession(nil)
	sess.StreamErr = errors.New("upstream reset")
	sess.EndStream()
	provider := &avmock.Provider{Session: sess}
	tunnel := NewAvatarTunnel(provider, quietLogger())

	conn := newFakeConn()
	conn.sendJSON(t, map[string]any{"type": frameStart})

	if err := runTunnel(t, tunnel, conn, "s1"); err == nil {
		t.Fatal("Run should surface the upstream stream failure")
	}

	frames := conn.frames()
	last := frames[len(frames)-1]
	var errMsg errorMsg
	if err := json.Unmarshal(last.data, &errMsg); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if errMsg.Code != CodeStreamException {
		t.Errorf("code = %s, want %s", errMsg.Code, CodeStreamException)
	}
}

func TestAvatarTunnelUpstreamCleanEnd(t *testing.T) {
	t.Parallel()

	sess := avmock.NewSession([]avatar.Frame{{Data: []byte(`{"bye":true}`)}})
	sess.EndStream()
	provider := &avmock.Provider{Session: sess}
	tunnel := NewAvatarTunnel(provider, quietLogger())

	conn := newFakeConn()
	conn.sendJSON(t, map[string]any{"type": frameStart})

	if err := runTunnel(t, tunnel, conn, "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := frameTypes(conn.frames())
	if got[len(got)-1] != frameEnd {
		t.Errorf("last frame = %s, want avatar.end (all: %v)", got[len(got)-1], got)
	}
}
