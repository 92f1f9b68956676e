package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/miniflow/engine/cmd/engine/faults"
)

// respondError maps a service error to its HTTP status with the
// {detail: message} body shape the editor expects.
func respondError(c echo.Context, err error) error {
	return c.JSON(faults.HTTPStatus(err), map[string]any{"detail": err.Error()})
}
