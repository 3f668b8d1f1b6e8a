package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/internal/pipeline"
	"github.com/prestance-ai/prestance/pkg/audio"
	"github.com/prestance-ai/prestance/pkg/types"
)

// uploadChunkSeconds slices an uploaded file into pipeline-sized chunks.
const uploadChunkSeconds = 5

// minTailSeconds is the shortest file remainder still worth analysing.
const minTailSeconds = 0.5

var allowedUploadExt = map[string]bool{
	".wav": true,
	".mp3": true,
	".m4a": true,
	".ogg": true,
}

// analysisResponse is the body of the upload and analyze endpoints.
type analysisResponse struct {
	SessionID       string              `json:"session_id"`
	DurationSeconds float64             `json:"duration_seconds"`
	ChunksProcessed int                 `json:"chunks_processed"`
	AudioAnalysis   *types.VoiceMetrics `json:"audio_analysis,omitempty"`
	Results         []types.Envelope    `json:"results"`
}

type analyzeRequest struct {
	AudioArray  []float64 `json:"audio_array"`
	AudioBase64 string    `json:"audio_base64"`
	SampleRate  int       `json:"sample_rate"`
	Duration    float64   `json:"duration"`
}

func (s *Server) uploadAudio(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return respondFault(c, err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "multipart field %q is required", "file")
	}
	if file.Size > s.cfg.MaxUploadBytes {
		return respondFault(c, fault.Newf(fault.AudioTooLarge,
			"upload of %d bytes exceeds the %d byte limit", file.Size, s.cfg.MaxUploadBytes))
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedUploadExt[ext] {
		return respondFault(c, fault.Newf(fault.AudioFormatError,
			"unsupported file extension %q", ext))
	}

	src, err := file.Open()
	if err != nil {
		return respondFault(c, fault.Wrap(fault.AudioFormatError, "unreadable upload", err))
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return respondFault(c, fault.Wrap(fault.AudioFormatError, "unreadable upload", err))
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return respondFault(c, fault.Newf(fault.AudioTooLarge,
			"upload exceeds the %d byte limit", s.cfg.MaxUploadBytes))
	}

	decoded, err := audio.DecodeFile(data, audio.CanonicalRate)
	if err != nil {
		return respondFault(c, err)
	}

	pipe, err := pipeline.New(*sess, s.llm, s.logger)
	if err != nil {
		return respondFault(c, err)
	}

	resp := s.runChunks(c, pipe, sess, decoded.Samples)
	resp.DurationSeconds = decoded.Duration()

	if sess.Config.StoreAudio {
		path, err := s.store.SaveAudio(ctx, sess.ID, data, ext)
		if err != nil {
			s.logger.Warn("audio blob not stored", "session_id", sess.ID, "error", err)
		} else {
			sess.AudioPath = path
			if err := s.store.UpdateSession(ctx, sess); err != nil {
				s.logger.Warn("audio path not persisted", "session_id", sess.ID, "error", err)
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) analyzeAudio(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return respondFault(c, err)
	}

	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}

	samples, err := samplesFromRequest(&req)
	if err != nil {
		return respondFault(c, err)
	}
	if req.SampleRate != audio.CanonicalRate {
		samples = audio.ResampleSamples(samples, req.SampleRate, audio.CanonicalRate)
	}

	pipe, err := pipeline.New(*sess, s.llm, s.logger)
	if err != nil {
		return respondFault(c, err)
	}

	resp := s.runChunks(c, pipe, sess, samples)
	resp.DurationSeconds = float64(len(samples)) / float64(audio.CanonicalRate)
	return c.JSON(http.StatusOK, resp)
}

// samplesFromRequest accepts either a float array in [-1, 1] or base64 PCM16.
func samplesFromRequest(req *analyzeRequest) ([]int16, error) {
	if req.SampleRate <= 0 {
		return nil, fault.Newf(fault.ValidationError, "sample_rate must be positive")
	}
	switch {
	case len(req.AudioArray) > 0:
		samples := make([]int16, len(req.AudioArray))
		for i, v := range req.AudioArray {
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			samples[i] = int16(v * 32767)
		}
		return samples, nil
	case req.AudioBase64 != "":
		pcm, err := base64.StdEncoding.DecodeString(req.AudioBase64)
		if err != nil {
			return nil, fault.Wrap(fault.AudioFormatError, "invalid base64 audio", err)
		}
		return audio.BytesToSamples(pcm), nil
	default:
		return nil, fault.Newf(fault.ValidationError, "one of audio_array or audio_base64 is required")
	}
}

// runChunks feeds the samples through the pipeline in 5s chunks, draining
// envelopes after each chunk, and persists emitted realtime suggestions.
func (s *Server) runChunks(c echo.Context, pipe *pipeline.SessionPipeline, sess *types.Session, samples []int16) *analysisResponse {
	chunkLen := uploadChunkSeconds * audio.CanonicalRate
	minTail := int(minTailSeconds * audio.CanonicalRate)

	resp := &analysisResponse{SessionID: sess.ID, Results: []types.Envelope{}}
	for off := 0; off < len(samples); off += chunkLen {
		end := off + chunkLen
		if end > len(samples) {
			end = len(samples)
		}
		if end-off < minTail && off > 0 {
			break
		}
		pipe.ProcessChunkNow(samples[off:end])
		resp.Results = append(resp.Results, drainEnvelopes(pipe.Envelopes())...)
	}

	var items []types.FeedbackItem
	for i := range resp.Results {
		env := &resp.Results[i]
		switch env.Type {
		case types.EnvCoachingResult:
			resp.ChunksProcessed++
			if env.Result != nil && env.Result.VoiceAnalysis != nil {
				resp.AudioAnalysis = env.Result.VoiceAnalysis
			}
		case types.EnvRealtimeSuggestion:
			items = append(items, env.Suggestions...)
		}
	}
	if len(items) > 0 {
		if err := s.store.AppendFeedback(c.Request().Context(), sess.ID, items); err != nil {
			s.logger.Warn("feedback not persisted", "session_id", sess.ID, "error", err)
		}
	}
	return resp
}

// drainEnvelopes empties the pipeline's envelope queue without blocking.
func drainEnvelopes(ch <-chan types.Envelope) []types.Envelope {
	var out []types.Envelope
	for {
		select {
		case env := <-ch:
			out = append(out, env)
		default:
			return out
		}
	}
}
