package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/miniflow/engine/cmd/engine/container"
	"github.com/miniflow/engine/cmd/engine/handlers"
)

// RegisterWebhookRoutes registers the registry endpoints and the
// catch-all ingress. Echo matches the static and param routes ahead of
// the wildcard, so register/registry/payloads never reach Ingress.
func RegisterWebhookRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWebhookHandler(c.WebhookService)

	e.POST("/api/webhooks/register", h.Register)
	e.GET("/api/webhooks/registry", h.Registry)
	e.GET("/api/webhooks/:segment/payloads", h.Payloads)
	e.DELETE("/api/webhooks/:segment/payloads", h.ClearPayloads)
	e.Any("/api/webhooks/*", h.Ingress)
}
