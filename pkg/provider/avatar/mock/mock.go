// Package mock provides test doubles for the avatar.Provider and
// avatar.SessionHandle interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/prestance-ai/prestance/pkg/provider/avatar"
)

// ConnectCall records a single invocation of Connect.
type ConnectCall struct {
	Cfg avatar.SessionConfig
}

// Provider is a mock implementation of avatar.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is handed back by Connect. When nil, Connect builds a fresh
	// Session with UpstreamFrames.
	Session *Session

	// UpstreamFrames seeds the auto-built session's frame channel.
	UpstreamFrames []avatar.Frame

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectCalls records every invocation of Connect in order.
	ConnectCalls []ConnectCall
}

var _ avatar.Provider = (*Provider)(nil)

// Connect records the call and returns Session or ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg avatar.SessionConfig) (avatar.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	p.mu.Unlock()

	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(p.UpstreamFrames), nil
}

// Session is a mock avatar.SessionHandle. Frames pushed via Emit (or seeded
// through NewSession) appear on Frames(); sent frames are recorded.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// StreamErr is reported by Err after the channel closes.
	StreamErr error

	// SentFrames records every frame passed to Send in order.
	SentFrames []avatar.Frame

	frames    chan avatar.Frame
	closed    bool
	closeOnce sync.Once
}

var _ avatar.SessionHandle = (*Session)(nil)

// NewSession creates a Session whose Frames channel is pre-seeded with the
// given upstream frames.
func NewSession(upstream []avatar.Frame) *Session {
	s := &Session{frames: make(chan avatar.Frame, len(upstream)+16)}
	for _, f := range upstream {
		s.frames <- f
	}
	return s
}

// Emit pushes one upstream frame onto the Frames channel.
func (s *Session) Emit(f avatar.Frame) {
	s.frames <- f
}

// EndStream closes the Frames channel, simulating upstream termination.
func (s *Session) EndStream() {
	s.closeOnce.Do(func() { close(s.frames) })
}

// Send records the frame and returns SendErr.
func (s *Session) Send(_ context.Context, f avatar.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.SentFrames = append(s.SentFrames, f)
	return nil
}

// Frames returns the seeded frame channel.
func (s *Session) Frames() <-chan avatar.Frame { return s.frames }

// Err returns StreamErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close marks the session closed and ends the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.EndStream()
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
