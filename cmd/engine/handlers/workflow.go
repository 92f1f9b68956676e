package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/service"
)

// WorkflowHandler handles workflow CRUD, lifecycle and run access.
type WorkflowHandler struct {
	workflows *service.WorkflowService
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(workflows *service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows}
}

// SaveWorkflow upserts a workflow definition.
// POST /api/workflows
func (h *WorkflowHandler) SaveWorkflow(c echo.Context) error {
	var wf models.Workflow
	if err := c.Bind(&wf); err != nil {
		return respondError(c, faults.New(faults.KindValidation, "invalid workflow body: %v", err))
	}

	result, err := h.workflows.Save(&wf)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// ImportWorkflow upserts from a full exported workflow document.
// POST /api/workflows/import_single
func (h *WorkflowHandler) ImportWorkflow(c echo.Context) error {
	return h.SaveWorkflow(c)
}

// GetWorkflow fetches one workflow.
// GET /api/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	wf, err := h.workflows.Get(c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// ListWorkflows lists all workflows.
// GET /api/workflows
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"workflows": h.workflows.List()})
}

// PatchWorkflow applies an RFC 6902 patch to a stored workflow.
// PATCH /api/workflows/:id
func (h *WorkflowHandler) PatchWorkflow(c echo.Context) error {
	patchDoc, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respondError(c, faults.New(faults.KindValidation, "unreadable patch body: %v", err))
	}

	wf, err := h.workflows.Patch(c.Param("id"), patchDoc)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// ToggleActive flips a workflow's active flag.
// POST /api/workflows/:id/toggle_active
func (h *WorkflowHandler) ToggleActive(c echo.Context) error {
	var body struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, faults.New(faults.KindValidation, "invalid body: %v", err))
	}

	wf, err := h.workflows.ToggleActive(c.Param("id"), body.Active)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflow_id": wf.ID,
		"is_active":   wf.IsActive,
		"tested":      wf.Tested,
	})
}

// RunWorkflow starts a production run.
// POST /api/workflows/:id/run
func (h *WorkflowHandler) RunWorkflow(c echo.Context) error {
	return h.startRun(c, false)
}

// TestWorkflow starts a test run.
// POST /api/workflows/:id/test
func (h *WorkflowHandler) TestWorkflow(c echo.Context) error {
	return h.startRun(c, true)
}

func (h *WorkflowHandler) startRun(c echo.Context, isTest bool) error {
	id := c.Param("id")
	input := bindRunInput(c)

	var (
		runID string
		err   error
	)
	if isTest {
		runID, err = h.workflows.Test(c.Request().Context(), id, input)
	} else {
		runID, err = h.workflows.Run(c.Request().Context(), id, input)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id":      runID,
		"workflow_id": id,
	})
}

// bindRunInput extracts the run's initial input. A body carrying an
// input_data key unwraps it; any other JSON object is the input itself.
func bindRunInput(c echo.Context) any {
	var body map[string]any
	if err := c.Bind(&body); err != nil || body == nil {
		return nil
	}
	if inner, ok := body["input_data"]; ok {
		return inner
	}
	if len(body) == 0 {
		return nil
	}
	return body
}

// ListRuns lists a workflow's run history.
// GET /api/workflows/:id/runs
func (h *WorkflowHandler) ListRuns(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return respondError(c, faults.New(faults.KindValidation, "invalid limit %q", raw))
		}
		limit = n
	}
	includeArchived, _ := strconv.ParseBool(c.QueryParam("include_archived"))

	runs, err := h.workflows.Runs(c.Param("id"), limit, includeArchived)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// GetRun fetches one run from memory or archive.
// GET /api/workflows/:id/runs/:run_id
func (h *WorkflowHandler) GetRun(c echo.Context) error {
	rec, err := h.workflows.GetRun(c.Param("id"), c.Param("run_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}
