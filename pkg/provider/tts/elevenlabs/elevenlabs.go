// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs HTTP synthesis API. It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/provider/tts"
)

const (
	synthesizeEndpointFmt = "https://api.elevenlabs.io/v1/text-to-speech/%s"
	streamEndpointFmt     = "https://api.elevenlabs.io/v1/text-to-speech/%s/stream"
	voicesEndpoint        = "https://api.elevenlabs.io/v1/voices"

	defaultModel   = "eleven_multilingual_v2"
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	audioContentType = "audio/mpeg"
	pcmContentType   = "audio/pcm"

	// defaultSampleRate matches the upstream default format, mp3_44100_128.
	defaultSampleRate = 44100
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// WithVoiceAliases installs a friendly-name to voice-ID table consulted
// before treating the requested voice as a verbatim ID.
func WithVoiceAliases(aliases map[string]string) Option {
	return func(p *Provider) {
		p.aliases = aliases
	}
}

// WithTimeout sets the HTTP timeout for one-shot synthesis. Streaming
// requests are bounded by the caller's context instead.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by the ElevenLabs HTTP API.
type Provider struct {
	apiKey       string
	model        string
	defaultVoice string
	aliases      map[string]string
	httpClient   *http.Client
	streamClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		defaultVoice: defaultVoiceID,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesisPayload is the JSON body for both synthesis endpoints.
type synthesisPayload struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// ResolveVoice implements tts.Provider. Precedence: alias table, verbatim ID,
// provider default for the empty string.
func (p *Provider) ResolveVoice(aliasOrID string) string {
	if aliasOrID == "" {
		return p.defaultVoice
	}
	if id, ok := p.aliases[aliasOrID]; ok {
		return id
	}
	return aliasOrID
}

// Synthesize implements tts.Provider using the one-shot endpoint.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	resp, err := p.post(ctx, p.httpClient, synthesizeEndpointFmt, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	format := outputFormat(req)
	return &tts.Result{
		Audio:       audio,
		ContentType: contentTypeFor(format),
		SampleRate:  sampleRateOf(format),
	}, nil
}

// SynthesizeStream implements tts.Provider using the streaming endpoint. The
// returned body is the upstream chunked response; the caller must close it.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	resp, err := p.post(ctx, p.streamClient, streamEndpointFmt, req)
	if err != nil {
		return nil, err
	}
	return &tts.Stream{Body: resp.Body, ContentType: contentTypeFor(outputFormat(req))}, nil
}

// post sends a synthesis request and normalizes non-2xx statuses into the
// error taxonomy. On success the caller owns resp.Body.
func (p *Provider) post(ctx context.Context, client *http.Client, endpointFmt string, req tts.Request) (*http.Response, error) {
	if req.Text == "" {
		return nil, fault.New(fault.ValidationError, "tts text must not be empty")
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	payload, err := json.Marshal(synthesisPayload{
		Text:    req.Text,
		ModelID: model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf(endpointFmt, p.ResolveVoice(req.Voice))
	format := outputFormat(req)
	if format != "" {
		endpoint += "?output_format=" + url.QueryEscape(format)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", contentTypeFor(format))

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.ServiceUnavailable, "elevenlabs unreachable", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fault.FromUpstreamStatus("elevenlabs", resp.StatusCode)
	}
	return resp, nil
}

// outputFormat picks the output_format request parameter. An explicit format
// passes through verbatim; a bare sample rate requests raw PCM at that rate;
// empty keeps the upstream default.
func outputFormat(req tts.Request) string {
	if req.OutputFormat != "" {
		return req.OutputFormat
	}
	if req.SampleRate > 0 {
		return fmt.Sprintf("pcm_%d", req.SampleRate)
	}
	return ""
}

// contentTypeFor maps an ElevenLabs output format to the MIME type of the
// audio it produces.
func contentTypeFor(format string) string {
	if strings.HasPrefix(format, "pcm_") {
		return pcmContentType
	}
	return audioContentType
}

// sampleRateOf extracts the rate embedded in an output format name such as
// "mp3_44100_128" or "pcm_16000". Unknown shapes report the upstream default.
func sampleRateOf(format string) int {
	parts := strings.Split(format, "_")
	if len(parts) >= 2 {
		if hz, err := strconv.Atoi(parts[1]); err == nil && hz > 0 {
			return hz
		}
	}
	return defaultSampleRate
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.ServiceUnavailable, "elevenlabs unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.FromUpstreamStatus("elevenlabs", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	return parseVoicesResponse(body)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of Voice values.
func parseVoicesResponse(data []byte) ([]tts.Voice, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		labels := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			labels[k] = val
		}
		if v.Category != "" {
			labels["category"] = v.Category
		}
		voices = append(voices, tts.Voice{
			ID:     v.VoiceID,
			Name:   v.Name,
			Labels: labels,
		})
	}
	return voices, nil
}
