// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents two entry points: Synthesize for one-shot synthesis of a complete
// utterance, and SynthesizeStream which hands back the upstream's chunked
// audio body so the HTTP layer can proxy it to the client without buffering.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"io"
)

// Voice is one entry of a provider's voice catalogue.
type Voice struct {
	// ID is the provider-assigned voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Labels carries provider-specific metadata (accent, gender, category).
	Labels map[string]string
}

// Request describes a synthesis job.
type Request struct {
	// Text is the utterance to synthesize. Must be non-empty.
	Text string

	// Voice is a voice ID or a configured alias; the provider resolves it
	// via its alias table before calling upstream. Empty selects the
	// provider's default voice.
	Voice string

	// Model optionally overrides the provider's default model.
	Model string

	// OutputFormat optionally names a provider-specific encoding (e.g.,
	// "mp3_44100_128"). Empty keeps the provider default.
	OutputFormat string

	// SampleRate optionally requests an output sample rate in Hz. Ignored
	// when OutputFormat is set; zero keeps the provider default.
	SampleRate int
}

// Result is the output of a one-shot synthesis.
type Result struct {
	// Audio is the complete encoded audio payload.
	Audio []byte

	// ContentType is the MIME type of Audio (e.g., "audio/mpeg").
	ContentType string

	// SampleRate is the sample rate of Audio in Hz.
	SampleRate int
}

// Stream is a live synthesis stream handed through from the upstream service.
// The caller owns Body and must close it.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple synthesis
// requests may run in parallel. Upstream HTTP failures are normalized into
// the server's error taxonomy by the implementation.
type Provider interface {
	// Synthesize performs one-shot synthesis and returns the complete audio.
	Synthesize(ctx context.Context, req Request) (*Result, error)

	// SynthesizeStream starts a streaming synthesis and returns the
	// upstream's chunked body for proxying. A non-nil error means the stream
	// could not be started; once a Stream is returned, read errors are the
	// caller's responsibility.
	SynthesizeStream(ctx context.Context, req Request) (*Stream, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]Voice, error)

	// ResolveVoice maps a voice alias or ID to the upstream voice ID using
	// the precedence: configured alias match, then verbatim ID, then the
	// provider default for the empty string.
	ResolveVoice(aliasOrID string) string
}
