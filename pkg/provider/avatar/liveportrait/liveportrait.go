// Package liveportrait implements the avatar.Provider interface for
// LivePortrait-style avatar services.
//
// Session setup is two-phase: a REST call creates the avatar session and
// returns the stream's WebSocket URL, then the provider dials that URL and
// relays frames in both directions. When the create response omits the URL,
// an optional hard-coded URL pattern can be used instead; that fallback is
// off by default and must be enabled explicitly in configuration.
package liveportrait

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/provider/avatar"
)

var _ avatar.Provider = (*Provider)(nil)
var _ avatar.SessionHandle = (*session)(nil)

const defaultSessionPath = "/v1/avatar/sessions"

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the client used for the session-create call.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithURLFallback enables the hard-coded stream URL pattern used when the
// session-create response carries no URL. pattern is an fmt format string
// receiving the upstream session ID, e.g. "wss://host/stream/%s".
func WithURLFallback(pattern string) Option {
	return func(p *Provider) { p.fallbackPattern = pattern }
}

// Provider implements avatar.Provider against a LivePortrait-style service.
type Provider struct {
	apiKey          string
	baseURL         string
	fallbackPattern string
	httpClient      *http.Client
}

// New creates a Provider. baseURL is the service's HTTP root; apiKey must be
// non-empty.
func New(apiKey, baseURL string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("liveportrait: apiKey must not be empty")
	}
	if baseURL == "" {
		return nil, errors.New("liveportrait: baseURL must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// createResponse is the session-create reply. Some deployments return the
// stream URL under "ws_url", others under "stream_url".
type createResponse struct {
	SessionID string `json:"session_id"`
	WSURL     string `json:"ws_url"`
	StreamURL string `json:"stream_url"`
}

// Connect implements avatar.Provider.
func (p *Provider) Connect(ctx context.Context, cfg avatar.SessionConfig) (avatar.SessionHandle, error) {
	streamURL, err := p.createSession(ctx, cfg)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
		},
	})
	if err != nil {
		return nil, fault.Wrap(fault.ServiceUnavailable, "avatar stream dial failed", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		frames: make(chan avatar.Frame, 64),
		ctx:    sessCtx,
		cancel: cancel,
	}
	go sess.receiveLoop()
	return sess, nil
}

// createSession performs the REST session-create call and resolves the
// stream URL.
func (p *Provider) createSession(ctx context.Context, cfg avatar.SessionConfig) (string, error) {
	payload := map[string]any{
		"session_id": cfg.SessionID,
	}
	if cfg.Voice != "" {
		payload["voice"] = cfg.Voice
	}
	for k, v := range cfg.InitPayload {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("liveportrait: marshal create payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+defaultSessionPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("liveportrait: build create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.ServiceUnavailable, "avatar service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fault.FromUpstreamStatus("avatar", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("liveportrait: read create response: %w", err)
	}
	var cr createResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fault.Wrap(fault.ServiceUnavailable, "malformed avatar create response", err)
	}

	switch {
	case cr.WSURL != "":
		return cr.WSURL, nil
	case cr.StreamURL != "":
		return cr.StreamURL, nil
	case p.fallbackPattern != "" && cr.SessionID != "":
		return fmt.Sprintf(p.fallbackPattern, cr.SessionID), nil
	default:
		return "", fault.New(fault.ServiceUnavailable, "avatar create response carries no stream URL")
	}
}

// session is a live stream against the upstream WS endpoint.
type session struct {
	conn   *websocket.Conn
	frames chan avatar.Frame

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// receiveLoop reads upstream frames until the connection ends. It owns the
// frames channel and closes it on exit.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.frames) })

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(err)
			}
			return
		}
		frame := avatar.Frame{
			Binary: typ == websocket.MessageBinary,
			Data:   data,
		}
		select {
		case s.frames <- frame:
		case <-s.ctx.Done():
			return
		}
	}
}

// Send implements avatar.SessionHandle.
func (s *session) Send(ctx context.Context, f avatar.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fault.New(fault.ServiceUnavailable, "avatar session closed")
	}
	s.mu.Unlock()

	typ := websocket.MessageText
	if f.Binary {
		typ = websocket.MessageBinary
	}
	if err := s.conn.Write(ctx, typ, f.Data); err != nil {
		return fault.Wrap(fault.ChannelMessageError, "avatar stream write failed", err)
	}
	return nil
}

// Frames implements avatar.SessionHandle.
func (s *session) Frames() <-chan avatar.Frame { return s.frames }

// Err implements avatar.SessionHandle.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements avatar.SessionHandle. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}
