package liveportrait

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/provider/avatar"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAvatarService launches a combined HTTP/WS test service: POST to the
// session path answers with createBody, any other path upgrades to WS and
// hands the conn to wsHandler.
func startAvatarService(t *testing.T, createStatus int, createBody func(streamURL string) any, wsHandler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == defaultSessionPath {
			w.WriteHeader(createStatus)
			if createStatus < 400 {
				_ = json.NewEncoder(w).Encode(createBody(wsURL(srv) + "/stream"))
			}
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		if wsHandler != nil {
			wsHandler(conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "http://host"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestConnectRelaysFrames(t *testing.T) {
	t.Parallel()

	srv := startAvatarService(t, http.StatusOK,
		func(streamURL string) any {
			return map[string]string{"session_id": "up-1", "ws_url": streamURL}
		},
		func(conn *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			// Echo protocol: read one client frame, answer with one text and
			// one binary frame.
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"echo":"`+string(data)+`"}`))
			_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02})
		})

	p, err := New("key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Connect(ctx, avatar.SessionConfig{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(ctx, avatar.Frame{Data: []byte("hello")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	first := <-sess.Frames()
	if first.Binary {
		t.Error("first frame should be text")
	}
	if !strings.Contains(string(first.Data), "hello") {
		t.Errorf("echo payload = %s", first.Data)
	}
	second := <-sess.Frames()
	if !second.Binary || len(second.Data) != 2 {
		t.Errorf("second frame = %+v, want 2-byte binary", second)
	}
}

func TestConnectUpstreamErrorStatus(t *testing.T) {
	t.Parallel()

	srv := startAvatarService(t, http.StatusUnauthorized, nil, nil)
	p, err := New("key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Connect(context.Background(), avatar.SessionConfig{SessionID: "s"})
	if !fault.IsKind(err, fault.ServiceUnavailable) {
		t.Errorf("err = %v, want SERVICE_UNAVAILABLE for upstream 401", err)
	}
	fe := fault.As(err)
	if fe.Details["unauthorized"] != true {
		t.Errorf("details = %v, want unauthorized marker", fe.Details)
	}
	if fe.Details["upstream_status"] != http.StatusUnauthorized {
		t.Errorf("details = %v, want upstream_status 401", fe.Details)
	}
}

func TestConnectMissingURLWithoutFallback(t *testing.T) {
	t.Parallel()

	srv := startAvatarService(t, http.StatusOK,
		func(string) any { return map[string]string{"session_id": "up-2"} }, nil)
	p, err := New("key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Connect(context.Background(), avatar.SessionConfig{SessionID: "s"}); err == nil {
		t.Fatal("expected error when response has no URL and fallback is off")
	}
}

func TestConnectFallbackPattern(t *testing.T) {
	t.Parallel()

	srv := startAvatarService(t, http.StatusOK,
		func(string) any { return map[string]string{"session_id": "up-3"} },
		func(conn *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = conn.Write(ctx, websocket.MessageText, []byte("ok"))
		})

	p, err := New("key", srv.URL, WithURLFallback(wsURL(srv)+"/fallback/%s"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, err := p.Connect(context.Background(), avatar.SessionConfig{SessionID: "s"})
	if err != nil {
		t.Fatalf("Connect with fallback: %v", err)
	}
	defer sess.Close()

	if f := <-sess.Frames(); string(f.Data) != "ok" {
		t.Errorf("frame = %s, want ok", f.Data)
	}
}

func TestStreamURLPrecedence(t *testing.T) {
	t.Parallel()

	srv := startAvatarService(t, http.StatusOK,
		func(streamURL string) any {
			return map[string]string{"session_id": "up-4", "stream_url": streamURL}
		},
		func(conn *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = conn.Write(ctx, websocket.MessageText, []byte("via-stream-url"))
		})

	p, err := New("key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(context.Background(), avatar.SessionConfig{SessionID: "s"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if f := <-sess.Frames(); string(f.Data) != "via-stream-url" {
		t.Errorf("frame = %s", f.Data)
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	srv := startAvatarService(t, http.StatusOK,
		func(streamURL string) any {
			return map[string]string{"session_id": "up-5", "ws_url": streamURL}
		}, nil)

	p, err := New("key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(context.Background(), avatar.SessionConfig{SessionID: "s"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v, want nil", err)
	}
	if err := sess.Send(context.Background(), avatar.Frame{Data: []byte("x")}); err == nil {
		t.Error("Send after Close should fail")
	}
}
