package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/miniflow/engine/cmd/engine/executor"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/repository"
	"github.com/miniflow/engine/common/logger"
)

// Runner schedules workflow runs. Each run executes on its own
// goroutine, walking the operational graph breadth-first and publishing
// log events to its stream.
type Runner struct {
	store *repository.Store
	hub   *StreamHub
	rdv   *Rendezvous
	execs *executor.Registry
	log   *logger.Logger

	maxSteps        int
	waitTimeout     time.Duration
	streamRetention time.Duration
}

// NewRunner wires a runner over the store, stream hub, rendezvous table
// and executor registry. streamRetention bounds how long a finished
// run's stream waits for a subscriber before the hub drops it.
func NewRunner(store *repository.Store, hub *StreamHub, rdv *Rendezvous, execs *executor.Registry, log *logger.Logger, maxSteps int, waitTimeout, streamRetention time.Duration) *Runner {
	return &Runner{
		store:           store,
		hub:             hub,
		rdv:             rdv,
		execs:           execs,
		log:             log,
		maxSteps:        maxSteps,
		waitTimeout:     waitTimeout,
		streamRetention: streamRetention,
	}
}

// Start launches a run and returns its id. The returned error covers
// launch failures only; execution failures surface through the log
// stream and the stored run record.
func (r *Runner) Start(ctx context.Context, workflowID string, input any, isTest bool) (string, error) {
	wf, err := r.store.GetWorkflow(workflowID)
	if err != nil {
		return "", err
	}

	if isTest {
		// Test runs execute against a scrubbed copy so a stale cached
		// payload cannot masquerade as live webhook input.
		for i := range wf.Nodes {
			if wf.Nodes[i].IsWebhookKind() && wf.Nodes[i].Data != nil {
				delete(wf.Nodes[i].Data, "last_payload")
				delete(wf.Nodes[i].Data, "dataLoaded")
			}
		}
	}

	runID := uuid.New().String()
	r.hub.Open(runID)

	go r.run(context.WithoutCancel(ctx), wf, runID, input, isTest)
	return runID, nil
}

// item is one unit of breadth-first work.
type item struct {
	nodeID string
	input  any
}

func (r *Runner) run(ctx context.Context, wf *models.Workflow, runID string, input any, isTest bool) {
	log := r.log.WithRunID(runID).WithWorkflowID(wf.ID)
	started := time.Now().UTC()

	var events []models.LogEvent
	status := models.RunSuccess

	publish := func(ev models.LogEvent) {
		ev.RunID = runID
		ev.IsTestLog = isTest
		if ev.Timestamp == 0 {
			ev.Timestamp = models.Now()
		}
		events = append(events, ev)
		if stream, ok := r.hub.Get(runID); ok {
			stream.Publish(ev)
		}
	}

	defer func() {
		var panicErr string
		if rec := recover(); rec != nil {
			log.Error("run panicked", "panic", rec)
			status = models.RunFailed
			panicErr = fmt.Sprintf("internal error: %v", rec)
		}
		publish(models.LogEvent{
			Step:    "End",
			Status:  terminalEventStatus(status),
			Message: status,
			Error:   panicErr,
		})
		if stream, ok := r.hub.Get(runID); ok {
			stream.Publish(models.EndSentinel(runID))
		}
		r.persist(wf, runID, isTest, started, status, events)

		// An unwatched run would otherwise pin its backlog in the hub
		// forever. Late subscribers can still drain within the window.
		time.AfterFunc(r.streamRetention, func() { r.hub.Remove(runID) })
	}()

	publish(models.LogEvent{Step: "Start", Status: models.StatusPending, Message: "Workflow execution started"})

	nodesByID := make(map[string]*models.Node, len(wf.Nodes))
	for i := range wf.Nodes {
		nodesByID[wf.Nodes[i].ID] = &wf.Nodes[i]
	}
	adj := operationalAdjacency(wf, nodesByID)

	start := startNode(wf, adj)
	if start == nil {
		publish(models.LogEvent{
			Step:   "Initialization Error",
			Status: models.StatusFailed,
			Error:  "no start node found in workflow",
		})
		status = models.RunFailed
		return
	}

	outputs := make(map[string]any)
	deliveredPayloads := make(map[string]any)
	executed := make(map[string]int)
	queue := []item{{nodeID: start.ID, input: input}}
	steps := 0

	for len(queue) > 0 {
		// Stream removal means the subscriber disconnected; abort at
		// the step boundary.
		if !r.hub.Exists(runID) {
			log.Info("stream gone, aborting run")
			publish(models.LogEvent{Step: "Aborted", Status: models.StatusAborted, Message: "Client disconnected"})
			status = models.RunAborted
			return
		}

		current := queue[0]
		queue = queue[1:]

		node, ok := nodesByID[current.nodeID]
		if !ok || !node.IsOperational() {
			continue
		}
		// Repeats are skipped, except that the start node may loop back
		// to itself once.
		if executed[node.ID] > 0 && (node.ID != start.ID || executed[node.ID] > 1) {
			publish(models.LogEvent{
				Step:     "Skipping Node",
				NodeID:   node.ID,
				NodeType: node.Type,
				Status:   models.StatusUnknown,
				Message:  "node already executed in this run, cycle ignored",
			})
			continue
		}
		if steps >= r.maxSteps {
			publish(models.LogEvent{
				Step:   "Scheduler Error",
				Status: models.StatusFailed,
				Error:  fmt.Sprintf("step limit of %d exceeded", r.maxSteps),
			})
			status = models.RunErrors
			return
		}
		executed[node.ID]++
		steps++

		publish(models.LogEvent{
			Step:         "Executing Node",
			NodeID:       node.ID,
			NodeType:     node.Type,
			Status:       models.StatusPending,
			InputSummary: models.Summarize(current.input),
		})

		nodeInput := current.input
		if isTest && node.IsWebhookKind() {
			payload, ok, failStatus := r.awaitWebhook(wf, node, runID, publish, log)
			if !ok {
				status = failStatus
				return
			}
			nodeInput = payload
			deliveredPayloads[node.ID] = payload
		}

		output, err := r.execs.Execute(&executor.RunContext{
			Ctx:      ctx,
			Workflow: wf,
			Outputs:  outputs,
			IsTest:   isTest,
		}, node, nodeInput)
		if err != nil {
			log.Error("node failed", "node_id", node.ID, "node_type", node.Type, "error", err)
			publish(models.LogEvent{
				Step:         "Finished Node",
				NodeID:       node.ID,
				NodeType:     node.Type,
				Status:       models.StatusFailed,
				InputSummary: models.Summarize(nodeInput),
				Error:        err.Error(),
			})
			status = models.RunErrors
			return
		}

		outputs[node.ID] = output
		publish(models.LogEvent{
			Step:          "Finished Node",
			NodeID:        node.ID,
			NodeType:      node.Type,
			Status:        models.StatusSuccess,
			OutputSummary: models.Summarize(output),
		})

		for _, next := range adj[node.ID] {
			queue = append(queue, item{nodeID: next, input: output})
		}
	}

	if isTest && status == models.RunSuccess {
		for nodeID, payload := range deliveredPayloads {
			if err := r.store.PromoteWebhookPayload(wf.ID, nodeID, payload); err != nil {
				log.Warn("payload promotion failed", "node_id", nodeID, "error", err)
			}
		}
	}
}

// awaitWebhook parks a test run at a webhook node until the matching
// inbound request arrives or the wait times out. The second return is
// false when the run must stop, with the terminal status to use.
func (r *Runner) awaitWebhook(wf *models.Workflow, node *models.Node, runID string, publish func(models.LogEvent), log *logger.Logger) (any, bool, string) {
	path := models.WebhookPath(wf.ID, node.ID)

	ch, err := r.rdv.Register(path, runID, node.ID)
	if err != nil {
		publish(models.LogEvent{
			Step:     "Finished Node",
			NodeID:   node.ID,
			NodeType: node.Type,
			Status:   models.StatusFailed,
			Error:    err.Error(),
		})
		return nil, false, models.RunErrors
	}
	defer r.rdv.Unregister(path, runID, node.ID)

	publish(models.LogEvent{
		Step:     "Waiting for Webhook",
		NodeID:   node.ID,
		NodeType: node.Type,
		Status:   models.StatusWaiting,
		Message:  fmt.Sprintf("Send test data to %s", path),
	})
	log.Info("waiting for webhook", "path", path, "timeout", r.waitTimeout)

	select {
	case payload := <-ch:
		publish(models.LogEvent{
			Step:         "Webhook Triggered",
			NodeID:       node.ID,
			NodeType:     node.Type,
			Status:       models.StatusTriggered,
			InputSummary: models.Summarize(payload),
		})
		return payload, true, ""
	case <-time.After(r.waitTimeout):
		publish(models.LogEvent{
			Step:     "Test Webhook Timeout",
			NodeID:   node.ID,
			NodeType: node.Type,
			Status:   models.StatusFailed,
			Error:    fmt.Sprintf("no test data received on %s within %s", path, r.waitTimeout),
		})
		return nil, false, models.RunErrors
	}
}

// persist stores the finished run record and records test outcomes.
func (r *Runner) persist(wf *models.Workflow, runID string, isTest bool, started time.Time, status string, events []models.LogEvent) {
	ended := time.Now().UTC()
	rec := models.RunRecord{
		RunID:      runID,
		WorkflowID: wf.ID,
		IsTest:     isTest,
		StartTime:  started,
		EndTime:    &ended,
		Status:     status,
		Logs:       append([]models.LogEvent{}, events...),
	}

	if isTest {
		if err := r.store.SetTested(wf.ID, status == models.RunSuccess); err != nil {
			r.log.Error("test outcome update failed", "workflow_id", wf.ID, "error", err)
		}
	}

	if err := r.store.AppendRun(rec); err != nil {
		r.log.Error("run record append failed", "run_id", runID, "error", err)
	}
}

func terminalEventStatus(runStatus string) string {
	switch runStatus {
	case models.RunSuccess:
		return models.StatusSuccess
	case models.RunAborted:
		return models.StatusAborted
	default:
		return models.StatusFailed
	}
}

// operationalAdjacency builds the successor lists of the execution
// graph. Edges touching a model_config node are excluded.
func operationalAdjacency(wf *models.Workflow, nodesByID map[string]*models.Node) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range wf.Edges {
		src, okS := nodesByID[e.Source]
		dst, okT := nodesByID[e.Target]
		if !okS || !okT || !src.IsOperational() || !dst.IsOperational() {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

// startNode selects the run's entry point: the first declared
// operational node with no incoming operational edges, or of an
// explicit start kind.
func startNode(wf *models.Workflow, adj map[string][]string) *models.Node {
	incoming := make(map[string]int)
	for _, targets := range adj {
		for _, t := range targets {
			incoming[t]++
		}
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if !n.IsOperational() {
			continue
		}
		if incoming[n.ID] == 0 || n.IsStartKind() {
			return n
		}
	}
	return nil
}
