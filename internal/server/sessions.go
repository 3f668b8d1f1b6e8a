package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/pkg/store"
	"github.com/prestance-ai/prestance/pkg/types"
)

const (
	maxListLimit     = 100
	defaultListLimit = 20
)

type createSessionRequest struct {
	UserID      string               `json:"user_id"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Config      *types.SessionConfig `json:"config"`
}

type updateSessionRequest struct {
	Title       *string              `json:"title"`
	Description *string              `json:"description"`
	Status      *types.SessionStatus `json:"status"`
	Config      *sessionConfigPatch  `json:"config"`
}

// sessionConfigPatch is the subset of SessionConfig mutable after creation.
type sessionConfigPatch struct {
	FeedbackFrequency *int  `json:"feedback_frequency"`
	RealTimeFeedback  *bool `json:"real_time_feedback"`
	DetailedAnalysis  *bool `json:"detailed_analysis"`
	AICoaching        *bool `json:"ai_coaching"`
	StoreAudio        *bool `json:"store_audio"`
}

type listSessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
	Count    int              `json:"count"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// normalizeConfig fills zero fields from the defaults and validates ranges.
func normalizeConfig(cfg *types.SessionConfig) error {
	def := types.DefaultSessionConfig()
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if !cfg.Language.IsValid() {
		return fault.Newf(fault.ValidationError, "unsupported language %q", cfg.Language)
	}
	if cfg.Kind == "" {
		cfg.Kind = def.Kind
	}
	if !cfg.Kind.IsValid() {
		return fault.Newf(fault.ValidationError, "unsupported session kind %q", cfg.Kind)
	}
	if cfg.MaxDurationSeconds == 0 {
		cfg.MaxDurationSeconds = def.MaxDurationSeconds
	}
	if cfg.MaxDurationSeconds < 60 || cfg.MaxDurationSeconds > 7200 {
		return fault.Newf(fault.ValidationError, "max_duration_seconds %d outside [60, 7200]", cfg.MaxDurationSeconds)
	}
	if cfg.FeedbackFrequency == 0 {
		cfg.FeedbackFrequency = def.FeedbackFrequency
	}
	if cfg.FeedbackFrequency < 1 || cfg.FeedbackFrequency > 30 {
		return fault.Newf(fault.ValidationError, "feedback_frequency %d outside [1, 30]", cfg.FeedbackFrequency)
	}
	if cfg.AutoPauseSilenceSeconds < 0 {
		return fault.Newf(fault.ValidationError, "auto_pause_silence_seconds must not be negative")
	}
	return nil
}

func (s *Server) createSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}

	cfg := s.cfg.SessionDefaults
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := normalizeConfig(&cfg); err != nil {
		return respondFault(c, err)
	}

	sess := &types.Session{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Title:       req.Title,
		Description: req.Description,
		Status:      types.StatusActive,
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateSession(c.Request().Context(), sess); err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessions(c echo.Context) error {
	opts := store.ListOpts{
		UserID: c.QueryParam("user_id"),
		Limit:  defaultListLimit,
	}
	if v := c.QueryParam("status"); v != "" {
		opts.Status = types.SessionStatus(v)
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return badRequest(c, "limit must be an integer in [1, %d]", maxListLimit)
		}
		opts.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "offset must be a non-negative integer")
		}
		opts.Offset = n
	}

	sessions, err := s.store.ListSessions(c.Request().Context(), opts)
	if err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

func (s *Server) updateSession(c echo.Context) error {
	var req updateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}

	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return respondFault(c, err)
	}

	if req.Title != nil {
		sess.Title = *req.Title
	}
	if req.Description != nil {
		sess.Description = *req.Description
	}
	if req.Status != nil && *req.Status != sess.Status {
		if !sess.Status.CanTransitionTo(*req.Status) {
			return respondFault(c, fault.Newf(fault.InvalidSessionState,
				"cannot transition session from %s to %s", sess.Status, *req.Status))
		}
		sess.Status = *req.Status
		if sess.Status.IsTerminal() {
			now := time.Now().UTC()
			sess.EndedAt = &now
			if sess.StartedAt != nil {
				sess.DurationSeconds = now.Sub(*sess.StartedAt).Seconds()
			}
		}
	}
	if req.Config != nil {
		applyConfigPatch(&sess.Config, req.Config)
		if err := normalizeConfig(&sess.Config); err != nil {
			return respondFault(c, err)
		}
	}

	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return respondFault(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func applyConfigPatch(cfg *types.SessionConfig, patch *sessionConfigPatch) {
	if patch.FeedbackFrequency != nil {
		cfg.FeedbackFrequency = *patch.FeedbackFrequency
	}
	if patch.RealTimeFeedback != nil {
		cfg.RealTimeFeedback = *patch.RealTimeFeedback
	}
	if patch.DetailedAnalysis != nil {
		cfg.DetailedAnalysis = *patch.DetailedAnalysis
	}
	if patch.AICoaching != nil {
		cfg.AICoaching = *patch.AICoaching
	}
	if patch.StoreAudio != nil {
		cfg.StoreAudio = *patch.StoreAudio
	}
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.store.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return respondFault(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
