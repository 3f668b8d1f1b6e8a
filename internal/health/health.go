// Package health provides the health endpoints: a minimal liveness probe at
// /health and a detailed per-dependency report at /api/health.
//
// The detailed endpoint returns 200 when every registered [Checker] passes
// and 503 otherwise; health endpoints never produce any other 5xx.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// checkTimeout is the maximum time a single dependency check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named dependency check. Check should return nil when the
// dependency is healthy and an error describing the failure otherwise, and
// must respect context cancellation.
type Checker struct {
	// Name is a short label for the dependency (e.g. "store", "llm"). It
	// appears as a key in the services map of the detailed response.
	Name string

	Check func(ctx context.Context) error
}

// minimalResponse is the body of GET /health.
type minimalResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// detailedResponse is the body of GET /api/health.
type detailedResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp string            `json:"timestamp"`
}

// Handler serves the health endpoints. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each detailed
// request, sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Minimal serves GET /health. A process able to answer HTTP is alive, so the
// response is always 200.
func (h *Handler) Minimal(c echo.Context) error {
	return c.JSON(http.StatusOK, minimalResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Detailed serves GET /api/health with per-dependency status. Returns 200
// when every checker passes and 503 when any dependency is degraded.
func (h *Handler) Detailed(c echo.Context) error {
	services := make(map[string]string, len(h.checkers))
	healthy := true

	for _, chk := range h.checkers {
		ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
		err := chk.Check(ctx)
		cancel()

		if err != nil {
			services[chk.Name] = "fail: " + err.Error()
			healthy = false
		} else {
			services[chk.Name] = "ok"
		}
	}

	res := detailedResponse{
		Status:    "healthy",
		Services:  services,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !healthy {
		res.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, res)
}

// Register adds the health routes to e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Minimal)
	e.GET("/api/health", h.Detailed)
}
