package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/service"
)

// WebhookHandler terminates the inbound webhook surface and its
// registry endpoints.
type WebhookHandler struct {
	webhooks *service.WebhookService
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Register stores a webhook mapping for a workflow node.
// POST /api/webhooks/register
func (h *WebhookHandler) Register(c echo.Context) error {
	var body struct {
		WorkflowID string `json:"workflow_id"`
		NodeID     string `json:"node_id"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, faults.New(faults.KindValidation, "invalid body: %v", err))
	}
	if body.WorkflowID == "" || body.NodeID == "" {
		return respondError(c, faults.New(faults.KindValidation, "workflow_id and node_id are required"))
	}

	result, err := h.webhooks.Register(body.WorkflowID, body.NodeID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Registry dumps all registered webhooks.
// GET /api/webhooks/registry
func (h *WebhookHandler) Registry(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"registry": h.webhooks.Registry()})
}

// Payloads returns a path segment's stored deliveries.
// GET /api/webhooks/:segment/payloads
func (h *WebhookHandler) Payloads(c echo.Context) error {
	segment := c.Param("segment")
	return c.JSON(http.StatusOK, map[string]any{
		"segment":  segment,
		"payloads": h.webhooks.Payloads(segment),
	})
}

// ClearPayloads drops a path segment's stored deliveries.
// DELETE /api/webhooks/:segment/payloads
func (h *WebhookHandler) ClearPayloads(c echo.Context) error {
	segment := c.Param("segment")
	if err := h.webhooks.ClearPayloads(segment); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// Ingress receives an external webhook delivery on any method.
// ANY /api/webhooks/*
func (h *WebhookHandler) Ingress(c echo.Context) error {
	segment := c.Param("*")
	req := c.Request()

	payload := parsePayload(c)
	headers := flattenValues(req.Header)
	query := flattenValues(req.URL.Query())

	result := h.webhooks.Ingress(req.Context(), segment, req.Method, payload, headers, query)
	return c.JSON(http.StatusOK, result)
}

// parsePayload reads the delivery body as JSON, then form-encoded, then
// raw. GET requests use the query string as the payload.
func parsePayload(c echo.Context) any {
	req := c.Request()
	if req.Method == http.MethodGet {
		return anyMap(flattenValues(req.URL.Query()))
	}

	raw, err := io.ReadAll(req.Body)
	if err != nil || len(raw) == 0 {
		return nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}

	if form := parseForm(string(raw), req.Header.Get(echo.HeaderContentType)); form != nil {
		return form
	}

	text := string(raw)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return map[string]any{"raw": text}
}

func parseForm(body, contentType string) map[string]any {
	if !strings.Contains(contentType, echo.MIMEApplicationForm) {
		return nil
	}
	values := make(map[string]any)
	for _, pair := range strings.Split(body, "&") {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			continue
		}
		values[unescape(key)] = unescape(value)
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func unescape(s string) string {
	if out, err := url.QueryUnescape(s); err == nil {
		return out
	}
	return s
}

func flattenValues(values map[string][]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func anyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
