package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/miniflow/engine/cmd/engine/container"
	"github.com/miniflow/engine/cmd/engine/handlers"
)

// RegisterWorkflowRoutes registers workflow CRUD, lifecycle, run and
// streaming routes.
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.WorkflowService)
	sse := handlers.NewStreamHandler(c.Hub, c.Components.Logger, c.Components.Config.Engine.StreamPollInterval)

	wf := e.Group("/api/workflows")
	{
		wf.POST("", h.SaveWorkflow)
		wf.GET("", h.ListWorkflows)
		wf.POST("/import_single", h.ImportWorkflow)
		wf.GET("/:id", h.GetWorkflow)
		wf.PATCH("/:id", h.PatchWorkflow)
		wf.POST("/:id/run", h.RunWorkflow)
		wf.POST("/:id/test", h.TestWorkflow)
		wf.POST("/:id/toggle_active", h.ToggleActive)
		wf.GET("/:id/runs", h.ListRuns)
		wf.GET("/:id/runs/:run_id", h.GetRun)
		wf.GET("/:id/runs/:run_id/stream", sse.StreamRun)
	}
}
