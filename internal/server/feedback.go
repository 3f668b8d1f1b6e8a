package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/prestance-ai/prestance/internal/fault"
	"github.com/prestance-ai/prestance/internal/feedback"
	"github.com/prestance-ai/prestance/internal/language"
	"github.com/prestance-ai/prestance/pkg/types"
)

type listFeedbackResponse struct {
	SessionID string               `json:"session_id"`
	Items     []types.FeedbackItem `json:"items"`
	Count     int                  `json:"count"`
}

type analyticsResponse struct {
	SessionID   string                        `json:"session_id"`
	Status      types.SessionStatus           `json:"status"`
	Summary     *types.SessionSummary         `json:"summary,omitempty"`
	Performance *types.PerformanceReport      `json:"performance,omitempty"`
	Feedback    feedbackStats                 `json:"feedback"`
	Benchmarks  map[string]language.Benchmark `json:"benchmarks,omitempty"`
}

type feedbackStats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	BySeverity map[string]int `json:"by_severity"`
}

func (s *Server) listFeedback(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return respondFault(c, err)
	}

	items, err := s.store.ListFeedback(ctx, id, 0)
	if err != nil {
		return respondFault(c, err)
	}

	if v := c.QueryParam("type"); v != "" {
		want := types.FeedbackType(v)
		filtered := items[:0]
		for _, item := range items {
			if item.Type == want {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "offset must be a non-negative integer")
		}
		offset = n
	}
	if offset >= len(items) {
		items = nil
	} else {
		items = items[offset:]
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return badRequest(c, "limit must be an integer in [1, %d]", maxListLimit)
		}
		if len(items) > n {
			items = items[:n]
		}
	}
	if items == nil {
		items = []types.FeedbackItem{}
	}

	return c.JSON(http.StatusOK, listFeedbackResponse{
		SessionID: id,
		Items:     items,
		Count:     len(items),
	})
}

// generateFeedback produces an on-demand coaching round for the session,
// outside the live chunk cadence. An active session uses its live coach and
// metric history; otherwise a fresh coach runs without history. Without a
// configured LLM the response is the deterministic fallback.
func (s *Server) generateFeedback(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return respondFault(c, err)
	}

	if fb, ok := s.manager.GenerateCoaching(ctx, sess.ID); ok {
		return c.JSON(http.StatusOK, fb)
	}

	profile, err := language.Get(sess.Config.Language)
	if err != nil {
		return respondFault(c, fault.Wrap(fault.ValidationError, "unsupported session language", err))
	}
	coach := feedback.NewCoach(profile, s.llm, sess.Config.FeedbackFrequency, s.logger)
	return c.JSON(http.StatusOK, coach.Generate(ctx))
}

func (s *Server) sessionAnalytics(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		return respondFault(c, err)
	}

	resp := analyticsResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Feedback: feedbackStats{
			ByType:     map[string]int{},
			BySeverity: map[string]int{},
		},
	}

	if summary, err := s.store.GetSummary(ctx, sess.ID); err == nil {
		resp.Summary = summary
	}
	includeTrends := c.QueryParam("include_trends") != "false"
	if includeTrends {
		if report, ok := s.manager.Report(sess.ID); ok {
			resp.Performance = report
		}
	}

	items, err := s.store.ListFeedback(ctx, sess.ID, 0)
	if err != nil {
		return respondFault(c, err)
	}
	resp.Feedback.Total = len(items)
	for _, item := range items {
		resp.Feedback.ByType[string(item.Type)]++
		resp.Feedback.BySeverity[string(item.Severity)]++
	}

	if c.QueryParam("include_benchmarks") == "true" {
		if profile, err := language.Get(sess.Config.Language); err == nil {
			resp.Benchmarks = profile.Benchmarks
		}
	}

	return c.JSON(http.StatusOK, resp)
}
