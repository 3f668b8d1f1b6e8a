// Package avatar defines the Provider interface for talking-avatar upstreams.
//
// An avatar provider opens a realtime session against the upstream service
// and exposes it as a bidirectional frame stream: the bridge forwards client
// audio and control data upstream and relays upstream media frames back to
// the client verbatim.
package avatar

import "context"

// Frame is one unit on the avatar stream. Binary frames carry opaque media;
// text frames carry upstream JSON or plain text.
type Frame struct {
	Binary bool
	Data   []byte
}

// SessionConfig describes the avatar session to open.
type SessionConfig struct {
	// SessionID is the coaching session this avatar stream belongs to.
	SessionID string

	// Voice optionally selects the avatar's voice.
	Voice string

	// InitPayload is forwarded verbatim to the upstream session-create call.
	InitPayload map[string]any
}

// SessionHandle is a live avatar session.
//
// Frames() is closed when the upstream stream ends; after that Err() reports
// the terminating error, if any. Close is idempotent.
type SessionHandle interface {
	// Send forwards one frame to the upstream service.
	Send(ctx context.Context, f Frame) error

	// Frames returns the channel of upstream frames.
	Frames() <-chan Frame

	// Err returns the first error that terminated the stream, or nil on a
	// clean close.
	Err() error

	// Close terminates the session and releases its resources.
	Close() error
}

// Provider is the abstraction over an avatar upstream.
type Provider interface {
	// Connect discovers the upstream stream endpoint, performs the WS
	// handshake, and returns a live session.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
