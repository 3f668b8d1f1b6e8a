// Package mock provides a test double for the tts.Provider interface.
//
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject failures.
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/prestance-ai/prestance/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize or
// SynthesizeStream.
type SynthesizeCall struct {
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is the payload returned by Synthesize and streamed by
	// SynthesizeStream.
	Audio []byte

	// ContentType defaults to "audio/mpeg" when empty.
	ContentType string

	// SampleRate is reported in synthesis results.
	SampleRate int

	// SynthesizeErr, if non-nil, is returned by both synthesis methods.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// Aliases backs ResolveVoice; DefaultVoice is used for the empty string.
	Aliases      map[string]string
	DefaultVoice string

	// --- Call records (read after test) ---

	// SynthesizeCalls records every synthesis invocation in order.
	SynthesizeCalls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Audio, SynthesizeErr.
func (p *Provider) Synthesize(_ context.Context, req tts.Request) (*tts.Result, error) {
	p.record(req)
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	return &tts.Result{Audio: p.Audio, ContentType: p.contentType(), SampleRate: p.SampleRate}, nil
}

// SynthesizeStream records the call and returns Audio wrapped in a reader.
func (p *Provider) SynthesizeStream(_ context.Context, req tts.Request) (*tts.Stream, error) {
	p.record(req)
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	return &tts.Stream{
		Body:        io.NopCloser(bytes.NewReader(p.Audio)),
		ContentType: p.contentType(),
	}, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	return p.Voices, p.ListVoicesErr
}

// ResolveVoice applies the same precedence as real providers.
func (p *Provider) ResolveVoice(aliasOrID string) string {
	if aliasOrID == "" {
		return p.DefaultVoice
	}
	if id, ok := p.Aliases[aliasOrID]; ok {
		return id
	}
	return aliasOrID
}

func (p *Provider) record(req tts.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Req: req})
}

func (p *Provider) contentType() string {
	if p.ContentType != "" {
		return p.ContentType
	}
	return "audio/mpeg"
}
