// Package bridge mediates between client-facing transports and the upstream
// AI services: LLM failover assembly, the TTS synthesis/stream proxy, and the
// avatar WebSocket tunnel. Upstream failures are normalized into the server's
// error taxonomy or into in-band protocol frames before they reach a client.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/provider/tts"
)

// streamErrorFrame is the JSON payload written in place of audio when the
// upstream rejects a streaming synthesis. Clients detect it by the leading
// '{' byte.
type streamErrorFrame struct {
	Error          bool   `json:"error"`
	UpstreamStatus int    `json:"upstream_status"`
	Message        string `json:"message"`
}

// TTSProxy wraps a tts.Provider for the HTTP layer: synchronous synthesis
// plus chunked stream passthrough with in-band error framing.
type TTSProxy struct {
	provider tts.Provider
	logger   *slog.Logger

	bytesForwarded atomic.Int64
	streamsServed  atomic.Int64
	streamErrors   atomic.Int64
}

// NewTTSProxy creates a proxy over the given provider.
func NewTTSProxy(provider tts.Provider, logger *slog.Logger) *TTSProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTSProxy{provider: provider, logger: logger}
}

// Synthesize performs one-shot synthesis.
func (p *TTSProxy) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	return p.provider.Synthesize(ctx, req)
}

// Voices lists the upstream voice catalogue.
func (p *TTSProxy) Voices(ctx context.Context) ([]tts.Voice, error) {
	return p.provider.ListVoices(ctx)
}

// StreamTo starts a streaming synthesis and copies the audio to w. The
// response content type is always audio/mpeg; when the upstream rejects the
// request, a single JSON error frame is written instead of audio and the
// stream ends. flush, if non-nil, is called after every forwarded chunk.
//
// The returned byte count covers audio bytes only, not error frames.
func (p *TTSProxy) StreamTo(ctx context.Context, w io.Writer, req tts.Request, flush func()) (int64, error) {
	p.streamsServed.Add(1)

	stream, err := p.provider.SynthesizeStream(ctx, req)
	if err != nil {
		p.streamErrors.Add(1)
		return 0, p.writeErrorFrame(w, err, flush)
	}
	defer stream.Body.Close()

	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("bridge: tts stream write: %w", werr)
			}
			written += int64(n)
			p.bytesForwarded.Add(int64(n))
			if flush != nil {
				flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			// Mid-stream failures cannot be converted into a clean error
			// frame: audio bytes are already on the wire.
			return written, fmt.Errorf("bridge: tts stream read: %w", readErr)
		}
	}
}

// writeErrorFrame emits the leading JSON error frame for a failed stream
// start and returns the original error.
func (p *TTSProxy) writeErrorFrame(w io.Writer, cause error, flush func()) error {
	fe := fault.As(cause)
	status := 502
	if s, ok := fe.Details["upstream_status"].(int); ok {
		status = s
	} else if fe.Kind == fault.ValidationError {
		status = 400
	}

	frame, err := json.Marshal(streamErrorFrame{
		Error:          true,
		UpstreamStatus: status,
		Message:        fe.Message,
	})
	if err != nil {
		return cause
	}
	if _, err := w.Write(frame); err != nil {
		p.logger.Warn("tts error frame write failed", "error", err)
	} else if flush != nil {
		flush()
	}
	return cause
}

// BytesForwarded returns the cumulative audio bytes proxied to clients.
func (p *TTSProxy) BytesForwarded() int64 { return p.bytesForwarded.Load() }

// StreamCounts returns the total streams served and how many failed at start.
func (p *TTSProxy) StreamCounts() (served, failed int64) {
	return p.streamsServed.Load(), p.streamErrors.Load()
}
