package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/repository"
	"github.com/miniflow/engine/common/logger"
	"github.com/miniflow/engine/common/queue"
)

// dispatchTopic carries registered webhook deliveries so the inbound
// request is acknowledged before the triggered run starts.
const dispatchTopic = "webhook.dispatch"

// dispatchMessage is one queued webhook delivery.
type dispatchMessage struct {
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id"`
	Payload    any    `json:"payload"`
}

// WebhookService terminates the external webhook surface: it records
// every delivery, resumes waiting test runs and triggers production
// runs of active workflows.
type WebhookService struct {
	store   *repository.Store
	rdv     *Rendezvous
	runner  *Runner
	queue   queue.Queue
	log     *logger.Logger
	baseURL string
}

// NewWebhookService wires the ingress over its collaborators. baseURL
// prefixes the public webhook_url returned on registration.
func NewWebhookService(store *repository.Store, rdv *Rendezvous, runner *Runner, q queue.Queue, log *logger.Logger, baseURL string) *WebhookService {
	return &WebhookService{
		store:   store,
		rdv:     rdv,
		runner:  runner,
		queue:   q,
		log:     log,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// StartDispatcher subscribes the background delivery handler. Queued
// deliveries either resume a waiting test or start a production run.
func (s *WebhookService) StartDispatcher(ctx context.Context) error {
	return s.queue.Subscribe(ctx, dispatchTopic, func(ctx context.Context, key string, value []byte) error {
		var msg dispatchMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return err
		}
		return s.deliver(ctx, key, msg)
	})
}

func (s *WebhookService) deliver(ctx context.Context, path string, msg dispatchMessage) error {
	if s.rdv.Signal(path, msg.Payload) {
		s.log.Info("queued delivery resumed waiting test", "path", path)
		return nil
	}

	wf, err := s.store.GetWorkflow(msg.WorkflowID)
	if err != nil {
		return err
	}
	if !wf.IsActive {
		s.log.Info("workflow inactive, payload recorded only", "workflow_id", msg.WorkflowID)
		return nil
	}

	runID, err := s.runner.Start(ctx, msg.WorkflowID, msg.Payload, false)
	if err != nil {
		return err
	}
	s.log.Info("webhook started production run", "workflow_id", msg.WorkflowID, "run_id", runID)

	// A live delivery refreshes the trigger node's cached payload.
	if err := s.store.PromoteWebhookPayload(msg.WorkflowID, msg.NodeID, msg.Payload); err != nil {
		s.log.Warn("payload promotion failed", "workflow_id", msg.WorkflowID, "node_id", msg.NodeID, "error", err)
	}
	return nil
}

// Ingress handles one inbound webhook request. The payload is always
// retained in the path's ring; the response reports whether anything
// was triggered.
func (s *WebhookService) Ingress(ctx context.Context, segment, method string, payload any, headers, query map[string]string) map[string]any {
	if err := s.store.AppendPayload(segment, models.WebhookPayload{
		Data:        payload,
		Headers:     headers,
		Method:      method,
		QueryParams: query,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		s.log.Error("payload append failed", "segment", segment, "error", err)
	}

	path := models.WebhookPathPrefix + segment

	// A waiting test run takes priority over everything else.
	if _, _, waiting := s.rdv.WaitingRun(path); waiting {
		if s.rdv.Signal(path, payload) {
			return map[string]any{"success": true, "message": "test data received"}
		}
	}

	if reg, ok := s.store.Registration(path); ok {
		s.enqueue(ctx, path, reg, payload)
		return map[string]any{"success": true}
	}

	// Auto-registration: a well-formed unregistered path naming a real
	// webhook node registers itself on first delivery.
	if workflowID, nodeID, ok := parseSegment(segment); ok {
		if wf, err := s.store.GetWorkflow(workflowID); err == nil {
			if node := wf.NodeByID(nodeID); node != nil && node.IsWebhookKind() {
				reg, err := s.store.RegisterWebhook(workflowID, nodeID)
				if err != nil {
					s.log.Error("auto-registration failed", "segment", segment, "error", err)
					return map[string]any{"success": false}
				}
				s.log.Info("auto-registered webhook", "path", path, "workflow_id", workflowID, "node_id", nodeID)
				s.enqueue(ctx, path, reg, payload)
				return map[string]any{"success": true}
			}
		}
	}

	return map[string]any{"success": false}
}

func (s *WebhookService) enqueue(ctx context.Context, path string, reg models.WebhookRegistration, payload any) {
	raw, err := json.Marshal(dispatchMessage{
		WorkflowID: reg.WorkflowID,
		NodeID:     reg.NodeID,
		Payload:    payload,
	})
	if err != nil {
		s.log.Error("dispatch encode failed", "path", path, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, dispatchTopic, path, raw); err != nil {
		s.log.Error("dispatch publish failed", "path", path, "error", err)
	}
}

// Register creates (or returns) the registry entry for a workflow node
// and its public URL.
func (s *WebhookService) Register(workflowID, nodeID string) (map[string]any, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if wf.NodeByID(nodeID) == nil {
		return nil, faults.New(faults.KindNotFound, "node %s not found in workflow %s", nodeID, workflowID)
	}

	reg, err := s.store.RegisterWebhook(workflowID, nodeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"webhook_url": s.baseURL + models.WebhookPath(workflowID, nodeID),
		"webhook_id":  reg.WebhookID,
		"workflow_id": reg.WorkflowID,
		"node_id":     reg.NodeID,
	}, nil
}

// Registry dumps all registrations keyed by internal path.
func (s *WebhookService) Registry() map[string]models.WebhookRegistration {
	return s.store.Registry()
}

// Payloads returns a path segment's stored deliveries.
func (s *WebhookService) Payloads(segment string) []models.WebhookPayload {
	return s.store.Payloads(segment)
}

// ClearPayloads drops a path segment's stored deliveries.
func (s *WebhookService) ClearPayloads(segment string) error {
	return s.store.ClearPayloads(segment)
}

// parseSegment recovers (workflow_id, node_id) from a wh_ path segment,
// splitting at the rightmost underscore. Editor-minted node ids look
// like dndnode_5, so a purely numeric tail re-splits at the last
// _dndnode token.
func parseSegment(segment string) (string, string, bool) {
	body, ok := strings.CutPrefix(segment, "wh_")
	if !ok || body == "" {
		return "", "", false
	}

	idx := strings.LastIndex(body, "_")
	if idx <= 0 || idx == len(body)-1 {
		return "", "", false
	}
	workflowID, nodeID := body[:idx], body[idx+1:]

	if isNumeric(nodeID) {
		if j := strings.LastIndex(workflowID, "_dndnode"); j > 0 {
			return body[:j], body[j+1:], true
		}
	}
	return workflowID, nodeID, true
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
