package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/provider/avatar"
)

// Client-facing frame types for the avatar tunnel.
const (
	frameStart        = "avatar.start"
	frameForward      = "avatar.forward"
	frameEnd          = "avatar.end"
	frameMeta         = "avatar.meta"
	frameStarted      = "avatar.started"
	frameUpstream     = "avatar.upstream"
	frameUpstreamText = "avatar.upstream_text"
	frameError        = "avatar.error"
)

// Tunnel error codes surfaced to clients in avatar.error frames.
const (
	CodeConnectFailed     = "CONNECT_FAILED"
	CodeServiceInitFailed = "SERVICE_INIT_FAILED"
	CodeUpstreamHTTPError = "UPSTREAM_HTTP_ERROR"
	CodeStreamException   = "STREAM_EXCEPTION"
)

// Handshake stages reported in avatar.meta frames.
const (
	stageAccepted          = "accepted"
	stageUpstreamConnected = "upstream_connected"
)

// ClientConn is the transport-agnostic view of a connected tunnel client.
// internal/server implements it over a WebSocket; tests use an in-memory
// fake. Implementations need not be safe for concurrent reads, but WriteJSON
// and WriteBinary may be called from two goroutines.
type ClientConn interface {
	// ReadFrame returns the next client frame. binary reports whether the
	// frame carried opaque media bytes rather than a JSON control message.
	ReadFrame(ctx context.Context) (binary bool, data []byte, err error)

	WriteJSON(ctx context.Context, v any) error
	WriteBinary(ctx context.Context, data []byte) error
}

// clientControl is the JSON shape of client control frames.
type clientControl struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Voice     string          `json:"voice,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type metaMsg struct {
	Type  string `json:"type"`
	Stage string `json:"stage"`
}

type typeOnlyMsg struct {
	Type string `json:"type"`
}

type upstreamMsg struct {
	Type string          `json:"type"`
	JSON json.RawMessage `json:"json"`
}

type upstreamTextMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Sentinels for clean tunnel shutdown. errgroup cancels the sibling pump on
// the first non-nil return, so normal termination also travels as an error.
var (
	errClientEnded   = errors.New("client ended session")
	errUpstreamEnded = errors.New("upstream ended stream")
)

// AvatarTunnel relays frames between a connected client and an upstream
// avatar session. One Run call serves one client connection.
type AvatarTunnel struct {
	provider avatar.Provider
	logger   *slog.Logger
}

// NewAvatarTunnel creates a tunnel over the given upstream provider.
func NewAvatarTunnel(provider avatar.Provider, logger *slog.Logger) *AvatarTunnel {
	if logger == nil {
		logger = slog.Default()
	}
	return &AvatarTunnel{provider: provider, logger: logger}
}

// Run drives the tunnel for one client until either side disconnects.
//
// The client sees exactly one avatar.meta{accepted} before any other frame.
// After avatar.start arrives the upstream session is established;
// avatar.meta{upstream_connected} and avatar.started are sent only when the
// upstream handshake succeeds. From then on binary frames flow verbatim in
// both directions, upstream text frames arrive as avatar.upstream (valid
// JSON) or avatar.upstream_text, and failures surface as avatar.error with a
// stable code. Run returns nil on a clean end from either side.
func (t *AvatarTunnel) Run(ctx context.Context, conn ClientConn, sessionID string) error {
	if err := conn.WriteJSON(ctx, metaMsg{Type: frameMeta, Stage: stageAccepted}); err != nil {
		return fmt.Errorf("bridge: avatar accept: %w", err)
	}

	start, err := t.awaitStart(ctx, conn)
	if err != nil {
		if errors.Is(err, errClientEnded) {
			_ = conn.WriteJSON(ctx, typeOnlyMsg{Type: frameEnd})
			return nil
		}
		return err
	}

	cfg := avatar.SessionConfig{SessionID: sessionID, Voice: start.Voice}
	if cfg.SessionID == "" {
		cfg.SessionID = start.SessionID
	}
	if len(start.Data) > 0 {
		var init map[string]any
		if err := json.Unmarshal(start.Data, &init); err != nil {
			t.sendError(ctx, conn, CodeServiceInitFailed, "invalid start payload")
			return fmt.Errorf("bridge: avatar start payload: %w", err)
		}
		cfg.InitPayload = init
	}

	handle, err := t.provider.Connect(ctx, cfg)
	if err != nil {
		code, msg := classifyConnect(err)
		t.sendError(ctx, conn, code, msg)
		return fmt.Errorf("bridge: avatar connect: %w", err)
	}

	if err := conn.WriteJSON(ctx, metaMsg{Type: frameMeta, Stage: stageUpstreamConnected}); err != nil {
		_ = handle.Close()
		return fmt.Errorf("bridge: avatar meta: %w", err)
	}
	if err := conn.WriteJSON(ctx, typeOnlyMsg{Type: frameStarted}); err != nil {
		_ = handle.Close()
		return fmt.Errorf("bridge: avatar started: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.pumpUpstream(gctx, conn, handle)
	})
	g.Go(func() error {
		err := t.pumpClient(gctx, conn, handle)
		_ = handle.Close()
		return err
	})

	err = g.Wait()
	if errors.Is(err, errClientEnded) || errors.Is(err, errUpstreamEnded) {
		return nil
	}
	return err
}

// awaitStart consumes frames until avatar.start arrives. Binary and forward
// frames before start are dropped; avatar.end aborts cleanly.
func (t *AvatarTunnel) awaitStart(ctx context.Context, conn ClientConn) (*clientControl, error) {
	for {
		binary, data, err := conn.ReadFrame(ctx)
		if err != nil {
			return nil, fmt.Errorf("bridge: avatar read before start: %w", err)
		}
		if binary {
			t.logger.Warn("dropping binary frame received before avatar.start")
			continue
		}
		var ctrl clientControl
		if err := json.Unmarshal(data, &ctrl); err != nil {
			t.logger.Warn("dropping malformed control frame", "error", err)
			continue
		}
		switch ctrl.Type {
		case frameStart:
			return &ctrl, nil
		case frameEnd:
			return nil, errClientEnded
		default:
			t.logger.Warn("dropping control frame received before avatar.start", "type", ctrl.Type)
		}
	}
}

// pumpClient relays client frames to the upstream session until the client
// ends or disconnects.
func (t *AvatarTunnel) pumpClient(ctx context.Context, conn ClientConn, handle avatar.SessionHandle) error {
	for {
		binary, data, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bridge: avatar client read: %w", err)
		}

		if binary {
			if err := handle.Send(ctx, avatar.Frame{Binary: true, Data: data}); err != nil {
				t.sendError(ctx, conn, CodeStreamException, "upstream send failed")
				return fmt.Errorf("bridge: avatar upstream send: %w", err)
			}
			continue
		}

		var ctrl clientControl
		if err := json.Unmarshal(data, &ctrl); err != nil {
			t.logger.Warn("dropping malformed control frame", "error", err)
			continue
		}
		switch ctrl.Type {
		case frameForward:
			if err := handle.Send(ctx, avatar.Frame{Data: ctrl.Data}); err != nil {
				t.sendError(ctx, conn, CodeStreamException, "upstream send failed")
				return fmt.Errorf("bridge: avatar upstream send: %w", err)
			}
		case frameEnd:
			return errClientEnded
		case frameStart:
			t.logger.Warn("dropping duplicate avatar.start")
		default:
			t.logger.Warn("dropping unknown control frame", "type", ctrl.Type)
		}
	}
}

// pumpUpstream relays upstream frames to the client until the upstream
// stream ends.
func (t *AvatarTunnel) pumpUpstream(ctx context.Context, conn ClientConn, handle avatar.SessionHandle) error {
	for frame := range handle.Frames() {
		var err error
		switch {
		case frame.Binary:
			err = conn.WriteBinary(ctx, frame.Data)
		case json.Valid(frame.Data):
			err = conn.WriteJSON(ctx, upstreamMsg{Type: frameUpstream, JSON: frame.Data})
		default:
			err = conn.WriteJSON(ctx, upstreamTextMsg{Type: frameUpstreamText, Text: string(frame.Data)})
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bridge: avatar client write: %w", err)
		}
	}

	if err := handle.Err(); err != nil {
		t.sendError(ctx, conn, CodeStreamException, "upstream stream failed")
		return fmt.Errorf("bridge: avatar upstream stream: %w", err)
	}
	_ = conn.WriteJSON(ctx, typeOnlyMsg{Type: frameEnd})
	return errUpstreamEnded
}

// sendError writes an avatar.error frame, best effort.
func (t *AvatarTunnel) sendError(ctx context.Context, conn ClientConn, code, message string) {
	if err := conn.WriteJSON(ctx, errorMsg{Type: frameError, Code: code, Message: message}); err != nil {
		t.logger.Warn("avatar error frame write failed", "code", code, "error", err)
	}
}

// classifyConnect maps an upstream connect failure to a tunnel error code.
func classifyConnect(err error) (code, message string) {
	fe := fault.As(err)
	if _, ok := fe.Details["upstream_status"]; ok {
		return CodeUpstreamHTTPError, fe.Message
	}
	return CodeConnectFailed, fe.Message
}
