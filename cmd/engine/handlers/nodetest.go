package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/miniflow/engine/cmd/engine/executor"
	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/service"
)

// NodeTestHandler serves the editor's per-node test buttons: standalone
// execution of a node configuration outside any run.
type NodeTestHandler struct {
	workflows  *service.WorkflowService
	llm        *executor.LLM
	httpAction *executor.HTTPAction
	code       *executor.Code
}

// NewNodeTestHandler creates a node test handler.
func NewNodeTestHandler(workflows *service.WorkflowService, llm *executor.LLM, httpAction *executor.HTTPAction, code *executor.Code) *NodeTestHandler {
	return &NodeTestHandler{
		workflows:  workflows,
		llm:        llm,
		httpAction: httpAction,
		code:       code,
	}
}

// TestLLMNode runs an llm node standalone. With a workflow_id the
// node's model_config_id resolves against the stored workflow.
// POST /api/node/llm/test
func (h *NodeTestHandler) TestLLMNode(c echo.Context) error {
	var body struct {
		WorkflowID string       `json:"workflow_id"`
		Node       *models.Node `json:"node"`
		InputData  any          `json:"input_data"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, faults.New(faults.KindValidation, "invalid body: %v", err))
	}
	if body.Node == nil {
		return respondError(c, faults.New(faults.KindValidation, "node is required"))
	}

	wf := &models.Workflow{Nodes: []models.Node{*body.Node}}
	if body.WorkflowID != "" {
		stored, err := h.workflows.Get(body.WorkflowID)
		if err != nil {
			return respondError(c, err)
		}
		wf = stored
	}

	result, err := h.llm.TestPrompt(c.Request().Context(), wf, body.Node, body.InputData)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// TestModelConfig verifies a model config's credentials end to end.
// POST /api/model_config/test
func (h *NodeTestHandler) TestModelConfig(c echo.Context) error {
	var data map[string]any
	if err := c.Bind(&data); err != nil {
		return respondError(c, faults.New(faults.KindValidation, "invalid body: %v", err))
	}

	cfg, err := models.DecodeModelConfigMap(data)
	if err != nil {
		return respondError(c, faults.Wrap(faults.KindValidation, err))
	}

	result, err := h.llm.TestConfig(c.Request().Context(), cfg)
	if err != nil {
		if faults.Is(err, faults.KindAuthentication) {
			// A bad key is the expected failure of this probe; report
			// it as a test outcome, not an API error.
			return c.JSON(http.StatusOK, map[string]any{
				"status": "error",
				"error":  fmt.Sprintf("Authentication failed for model %s. Check the API key.", cfg.Model),
			})
		}
		return respondError(c, err)
	}

	shaped := map[string]any{"status": "success", "model_used": cfg.Model}
	if m, ok := result.(map[string]any); ok {
		shaped["response"] = m["full_response"]
		if details, ok := m["details"].(map[string]any); ok {
			shaped["usage"] = details["usage"]
			if model, ok := details["model"].(string); ok {
				shaped["model_used"] = model
			}
		}
	}
	return c.JSON(http.StatusOK, shaped)
}

// TestAPIConsumer performs a one-off outbound request from a bare
// config.
// POST /api/api_consumer/test
func (h *NodeTestHandler) TestAPIConsumer(c echo.Context) error {
	var body map[string]any
	if err := c.Bind(&body); err != nil {
		return respondError(c, faults.New(faults.KindValidation, "invalid body: %v", err))
	}

	data := body
	var input any
	if cfg, ok := body["config"].(map[string]any); ok {
		data = cfg
		input = body["input_data"]
	}

	result, err := h.httpAction.TestRequest(c.Request().Context(), data, input)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// TestCodeNode runs a snippet through the sandbox and returns the raw
// result envelope, errors included.
// POST /api/node/code/test
func (h *NodeTestHandler) TestCodeNode(c echo.Context) error {
	var body struct {
		Code           string `json:"code"`
		Requirements   string `json:"requirements"`
		InputData      any    `json:"input_data"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, faults.New(faults.KindValidation, "invalid body: %v", err))
	}
	if body.Code == "" {
		return respondError(c, faults.New(faults.KindValidation, "code is required"))
	}

	result := h.code.TestSnippet(c.Request().Context(), body.Code, body.Requirements, body.InputData, body.TimeoutSeconds)
	return c.JSON(http.StatusOK, result)
}
