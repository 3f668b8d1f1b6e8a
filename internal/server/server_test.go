package server

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prestance-ai/prestance/internal/bridge"
	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/audio"
	ttsmock "github.com/prestance-ai/prestance/pkg/provider/tts/mock"
	"github.com/prestance-ai/prestance/pkg/store/memstore"
	"github.com/prestance-ai/prestance/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return New(cfg, st, nil, quietLogger(), opts...), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set(contentTypeHeader, "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const contentTypeHeader = "Content-Type"

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func faultCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Code string `json:"code"`
	}
	decodeInto(t, rec, &env)
	return env.Code
}

func seedSession(t *testing.T, st *memstore.Store, id, userID string) *types.Session {
	t.Helper()
	sess := &types.Session{
		ID:        id,
		UserID:    userID,
		Status:    types.StatusActive,
		Config:    types.DefaultSessionConfig(),
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func TestCreateSessionDefaults(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/sessions", map[string]any{
		"user_id": "u1",
		"title":   "dry run",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var sess types.Session
	decodeInto(t, rec, &sess)
	if sess.ID == "" {
		t.Fatal("session ID not assigned")
	}
	if sess.Status != types.StatusActive {
		t.Fatalf("status = %q, want active", sess.Status)
	}
	if sess.Config.Language != types.LangFrench || sess.Config.FeedbackFrequency != 5 {
		t.Fatalf("defaults not applied: %+v", sess.Config)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header missing")
	}
}

func TestCreateSessionRequiresUserID(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/sessions", map[string]any{"title": "anon"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := faultCode(t, rec); code != string(fault.ValidationError) {
		t.Fatalf("code = %q, want VALIDATION_ERROR", code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/sessions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := faultCode(t, rec); code != string(fault.SessionNotFound) {
		t.Fatalf("code = %q, want SESSION_NOT_FOUND", code)
	}
}

func TestListSessionsFilters(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "a1", "alice")
	seedSession(t, st, "a2", "alice")
	seedSession(t, st, "b1", "bob")

	rec := doJSON(t, s.Handler(), http.MethodGet, "/sessions?user_id=alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp listSessionsResponse
	decodeInto(t, rec, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}

	for _, q := range []string{"limit=0", "limit=101", "limit=x", "offset=-1"} {
		rec := doJSON(t, s.Handler(), http.MethodGet, "/sessions?"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestUpdateSessionTransitions(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "s1", "u1")

	rec := doJSON(t, s.Handler(), http.MethodPut, "/sessions/s1", map[string]any{"status": "paused"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.Handler(), http.MethodPut, "/sessions/s1", map[string]any{"status": "completed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status = %d", rec.Code)
	}
	var sess types.Session
	decodeInto(t, rec, &sess)
	if sess.EndedAt == nil {
		t.Fatal("EndedAt not set on terminal transition")
	}

	rec = doJSON(t, s.Handler(), http.MethodPut, "/sessions/s1", map[string]any{"status": "active"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("reopen: status = %d, want 409", rec.Code)
	}
	if code := faultCode(t, rec); code != string(fault.InvalidSessionState) {
		t.Fatalf("code = %q, want INVALID_SESSION_STATE", code)
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "gone", "u1")

	rec := doJSON(t, s.Handler(), http.MethodDelete, "/sessions/gone", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	rec = doJSON(t, s.Handler(), http.MethodGet, "/sessions/gone", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("after delete: status = %d, want 404", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "trace-42" {
		t.Fatalf("X-Request-ID = %q, want trace-42", got)
	}
}

// wavFile builds a minimal PCM16 RIFF container around samples.
func wavFile(samples []int16, rate int) []byte {
	pcm := audio.SamplesToBytes(samples)
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+len(pcm)))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(rate*2))
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// tone generates a 220 Hz sine at the canonical rate.
func tone(seconds float64) []int16 {
	n := int(seconds * audio.CanonicalRate)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(9000 * math.Sin(2*math.Pi*220*float64(i)/audio.CanonicalRate))
	}
	return samples
}

func multipartUpload(t *testing.T, filename string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadAudioRejectsOversizeAndFormat(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{MaxUploadBytes: 1024})
	seedSession(t, st, "up1", "u1")

	body, ctype := multipartUpload(t, "talk.wav", make([]byte, 2048))
	req := httptest.NewRequest(http.MethodPost, "/sessions/up1/audio/upload", body)
	req.Header.Set(contentTypeHeader, ctype)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize: status = %d, want 413", rec.Code)
	}

	body, ctype = multipartUpload(t, "talk.txt", []byte("hello"))
	req = httptest.NewRequest(http.MethodPost, "/sessions/up1/audio/upload", body)
	req.Header.Set(contentTypeHeader, ctype)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ext: status = %d, want 400", rec.Code)
	}
	if code := faultCode(t, rec); code != string(fault.AudioFormatError) {
		t.Fatalf("code = %q, want AUDIO_FORMAT_ERROR", code)
	}
}

func TestUploadAudioProcessesWav(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "up2", "u1")

	body, ctype := multipartUpload(t, "talk.wav", wavFile(tone(2), audio.CanonicalRate))
	req := httptest.NewRequest(http.MethodPost, "/sessions/up2/audio/upload", body)
	req.Header.Set(contentTypeHeader, ctype)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp analysisResponse
	decodeInto(t, rec, &resp)
	if math.Abs(resp.DurationSeconds-2) > 0.05 {
		t.Fatalf("duration = %v, want ~2s", resp.DurationSeconds)
	}
	if resp.ChunksProcessed != 1 {
		t.Fatalf("chunks = %d, want 1", resp.ChunksProcessed)
	}
	if resp.AudioAnalysis == nil {
		t.Fatal("audio analysis missing")
	}
}

func TestAnalyzeAudioArray(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "an1", "u1")

	samples := tone(1)
	arr := make([]float64, len(samples))
	for i, v := range samples {
		arr[i] = float64(v) / 32767
	}
	rec := doJSON(t, s.Handler(), http.MethodPost, "/sessions/an1/audio/analyze", map[string]any{
		"audio_array": arr,
		"sample_rate": audio.CanonicalRate,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp analysisResponse
	decodeInto(t, rec, &resp)
	if math.Abs(resp.DurationSeconds-1) > 0.01 {
		t.Fatalf("duration = %v, want 1s", resp.DurationSeconds)
	}
	if len(resp.Results) == 0 {
		t.Fatal("no envelopes returned")
	}
}

func TestAnalyzeAudioValidation(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "an2", "u1")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/sessions/an2/audio/analyze", map[string]any{
		"audio_array": []float64{0.1, 0.2},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing sample_rate: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/sessions/an2/audio/analyze", map[string]any{
		"sample_rate": audio.CanonicalRate,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no audio: status = %d, want 400", rec.Code)
	}
}

func TestListFeedbackFilter(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "fb1", "u1")

	items := []types.FeedbackItem{
		{ID: "1", Type: types.FeedbackPace, Severity: types.SeverityWarning},
		{ID: "2", Type: types.FeedbackVolume, Severity: types.SeverityInfo},
		{ID: "3", Type: types.FeedbackPace, Severity: types.SeverityCritical},
	}
	if err := st.AppendFeedback(t.Context(), "fb1", items); err != nil {
		t.Fatalf("seed feedback: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/sessions/fb1/feedback?type=pace", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp listFeedbackResponse
	decodeInto(t, rec, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	for _, item := range resp.Items {
		if item.Type != types.FeedbackPace {
			t.Fatalf("unexpected type %q in filtered list", item.Type)
		}
	}
}

func TestGenerateFeedbackFallback(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "gen1", "u1")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/sessions/gen1/feedback/generate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var fb types.CoachingFeedback
	decodeInto(t, rec, &fb)
	if fb.Source != types.SourceFallback {
		t.Fatalf("source = %q, want fallback without an LLM", fb.Source)
	}
}

func TestSessionAnalytics(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{})
	seedSession(t, st, "stats1", "u1")
	if err := st.AppendFeedback(t.Context(), "stats1", []types.FeedbackItem{
		{ID: "1", Type: types.FeedbackPace, Severity: types.SeverityWarning},
	}); err != nil {
		t.Fatalf("seed feedback: %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/sessions/stats1/analytics?include_benchmarks=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp analyticsResponse
	decodeInto(t, rec, &resp)
	if resp.Feedback.Total != 1 || resp.Feedback.ByType["pace"] != 1 {
		t.Fatalf("feedback stats = %+v", resp.Feedback)
	}
	if len(resp.Benchmarks) == 0 {
		t.Fatal("benchmarks missing despite include_benchmarks=true")
	}
}

func TestTTSRoutesAbsentWithoutProxy(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/tts", map[string]any{"text": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 without a TTS provider", rec.Code)
	}
}

func TestTTSSynthesize(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{Audio: []byte("mpeg-bytes")}
	proxy := bridge.NewTTSProxy(provider, quietLogger())
	s, _ := newTestServer(t, Config{}, WithTTS(proxy))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/tts", map[string]any{
		"text": "bonjour", "voice_id": "claire",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ttsResponse
	decodeInto(t, rec, &resp)
	want := base64.StdEncoding.EncodeToString([]byte("mpeg-bytes"))
	if resp.AudioBase64 != want {
		t.Fatalf("audio = %q, want %q", resp.AudioBase64, want)
	}
	if len(provider.SynthesizeCalls) != 1 || provider.SynthesizeCalls[0].Req.Voice != "claire" {
		t.Fatalf("upstream calls = %+v", provider.SynthesizeCalls)
	}
}

func TestTTSSynthesizeFormatFields(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{Audio: []byte("pcm-bytes"), SampleRate: 16000}
	proxy := bridge.NewTTSProxy(provider, quietLogger())
	s, _ := newTestServer(t, Config{}, WithTTS(proxy))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/tts", map[string]any{
		"text": "bonjour", "output_format": "pcm_16000", "sample_rate": 16000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	req := provider.SynthesizeCalls[0].Req
	if req.OutputFormat != "pcm_16000" || req.SampleRate != 16000 {
		t.Fatalf("upstream request = %+v, format fields not forwarded", req)
	}

	var resp ttsResponse
	decodeInto(t, rec, &resp)
	if resp.SampleRate != 16000 {
		t.Errorf("sample_rate = %d, want 16000", resp.SampleRate)
	}
	if resp.Visemes == nil {
		t.Error("visemes missing; clients expect at least an empty array")
	}
	if !strings.Contains(rec.Body.String(), `"visemes":[]`) {
		t.Errorf("visemes not serialized as an empty array: %s", rec.Body.String())
	}
}

func TestTTSStreamUpstreamErrorFrame(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{
		SynthesizeErr: fault.FromUpstreamStatus("elevenlabs", 401),
	}
	proxy := bridge.NewTTSProxy(provider, quietLogger())
	s, _ := newTestServer(t, Config{}, WithTTS(proxy))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/tts-stream", map[string]any{"text": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with in-band error", rec.Code)
	}
	if ct := rec.Header().Get(contentTypeHeader); !strings.HasPrefix(ct, "audio/mpeg") {
		t.Fatalf("content type = %q, want audio/mpeg", ct)
	}
	body := rec.Body.Bytes()
	if len(body) == 0 || body[0] != '{' {
		t.Fatalf("body does not start with an error frame: %q", body)
	}
	var frame struct {
		Error          bool `json:"error"`
		UpstreamStatus int  `json:"upstream_status"`
	}
	if err := json.Unmarshal(body, &frame); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if !frame.Error || frame.UpstreamStatus != 401 {
		t.Fatalf("frame = %+v, want error with upstream 401", frame)
	}
}

func TestTTSStreamForwardsAudio(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{Audio: bytes.Repeat([]byte("mpeg"), 128)}
	proxy := bridge.NewTTSProxy(provider, quietLogger())
	s, _ := newTestServer(t, Config{}, WithTTS(proxy))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/tts-stream", map[string]any{"text": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), provider.Audio) {
		t.Fatalf("streamed %d bytes, want %d", rec.Body.Len(), len(provider.Audio))
	}
}
