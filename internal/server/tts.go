package server

import (
	"encoding/base64"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/prestance-ai/prestance/pkg/provider/tts"
)

type ttsRequest struct {
	Text         string `json:"text"`
	SSML         string `json:"ssml"`
	VoiceID      string `json:"voice_id"`
	Model        string `json:"model"`
	OutputFormat string `json:"output_format"`
	SampleRate   int    `json:"sample_rate"`
}

// viseme is a timed mouth-shape cue for avatar lip sync.
type viseme struct {
	TimeMS float64 `json:"time_ms"`
	Shape  string  `json:"shape"`
}

type ttsResponse struct {
	AudioBase64 string   `json:"audio_base64"`
	ContentType string   `json:"content_type"`
	SampleRate  int      `json:"sample_rate"`
	Visemes     []viseme `json:"visemes"`
	VoiceID     string   `json:"voice_id"`
	Model       string   `json:"model"`
}

func (r *ttsRequest) toProvider() tts.Request {
	text := r.Text
	if text == "" {
		text = r.SSML
	}
	return tts.Request{
		Text:         text,
		Voice:        r.VoiceID,
		Model:        r.Model,
		OutputFormat: r.OutputFormat,
		SampleRate:   r.SampleRate,
	}
}

func (s *Server) synthesize(c echo.Context) error {
	var req ttsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Text == "" && req.SSML == "" {
		return badRequest(c, "one of text or ssml is required")
	}

	res, err := s.tts.Synthesize(c.Request().Context(), req.toProvider())
	if err != nil {
		return respondFault(c, err)
	}
	// No current provider reports viseme timings; the field stays an empty
	// array so clients can rely on its presence.
	return c.JSON(http.StatusOK, ttsResponse{
		AudioBase64: base64.StdEncoding.EncodeToString(res.Audio),
		ContentType: res.ContentType,
		SampleRate:  res.SampleRate,
		Visemes:     []viseme{},
		VoiceID:     req.VoiceID,
		Model:       req.Model,
	})
}

// synthesizeStream proxies chunked audio/mpeg from the upstream. The content
// type is set before the first upstream byte arrives, so a failed stream
// start still answers 200 audio/mpeg with a leading JSON error frame that
// clients detect by the first byte.
func (s *Server) synthesizeStream(c echo.Context) error {
	var req ttsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Text == "" && req.SSML == "" {
		return badRequest(c, "one of text or ssml is required")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "audio/mpeg")
	res.WriteHeader(http.StatusOK)

	n, err := s.tts.StreamTo(c.Request().Context(), res, req.toProvider(), res.Flush)
	s.metrics.TTSStreamedBytes.Add(c.Request().Context(), n)
	if err != nil {
		// The status line is already on the wire; the error frame is the
		// client-facing signal. Log and end the stream.
		s.logger.Warn("tts stream failed", "error", err)
	}
	return nil
}

func (s *Server) listVoices(c echo.Context) error {
	voices, err := s.tts.Voices(c.Request().Context())
	if err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"voices": voices})
}
