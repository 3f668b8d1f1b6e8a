package server

import (
	"github.com/labstack/echo/v4"

	"github.com/prestance-ai/prestance/internal/fault"
)

// respondFault writes the stable error envelope for err with its mapped
// HTTP status. Unclassified errors become ServiceUnavailable.
func respondFault(c echo.Context, err error) error {
	fe := fault.As(err)
	return c.JSON(fe.Kind.Status(), fe.Envelope())
}

// badRequest is a shortcut for validation failures.
func badRequest(c echo.Context, format string, args ...any) error {
	return respondFault(c, fault.Newf(fault.ValidationError, format, args...))
}
