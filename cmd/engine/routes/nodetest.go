package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/miniflow/engine/cmd/engine/container"
	"github.com/miniflow/engine/cmd/engine/handlers"
)

// RegisterNodeTestRoutes registers the editor's standalone node test
// endpoints.
func RegisterNodeTestRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewNodeTestHandler(c.WorkflowService, c.LLM, c.HTTPAction, c.Code)

	e.POST("/api/node/llm/test", h.TestLLMNode)
	e.POST("/api/node/code/test", h.TestCodeNode)
	e.POST("/api/model_config/test", h.TestModelConfig)
	e.POST("/api/api_consumer/test", h.TestAPIConsumer)
}
