package models

import (
	"fmt"
	"time"
)

// WebhookPathPrefix is the URL prefix all inbound webhooks share.
const WebhookPathPrefix = "/api/webhooks/"

// WebhookSegment builds the path segment for a workflow/node pair.
func WebhookSegment(workflowID, nodeID string) string {
	return fmt.Sprintf("wh_%s_%s", workflowID, nodeID)
}

// WebhookPath builds the full internal path for a workflow/node pair.
func WebhookPath(workflowID, nodeID string) string {
	return WebhookPathPrefix + WebhookSegment(workflowID, nodeID)
}

// WebhookRegistration maps an internal webhook path to its workflow node.
type WebhookRegistration struct {
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id"`
	WebhookID  string    `json:"webhook_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// WebhookPayload is one stored inbound delivery.
type WebhookPayload struct {
	Data        any               `json:"data"`
	Headers     map[string]string `json:"headers,omitempty"`
	Method      string            `json:"method"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
