package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Node type tags recognized by the scheduler. Anything else is passed
// through unchanged by the default executor.
const (
	NodeInput          = "input"
	NodeTrigger        = "trigger"
	NodeWebhookTrigger = "webhook_trigger"
	NodeWebhook        = "webhook"
	NodeLLM            = "llm"
	NodeModelConfig    = "model_config"
	NodeCode           = "code"
	NodeHTTPAction     = "http_action"
	NodeWebhookAction  = "webhook_action"
	NodeAPIConsumer    = "api_consumer"
	NodeDefault        = "default"
)

// Position is the editor canvas location of a node. Opaque to the engine.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single typed operation in a workflow. Data carries both the
// node's configuration and cached runtime hints such as last_payload.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data"`
}

// IsOperational reports whether the scheduler may execute this node.
// model_config nodes are configuration containers, never scheduled.
func (n *Node) IsOperational() bool {
	return n.Type != NodeModelConfig
}

// IsWebhookKind reports whether the node pauses a test run for inbound
// data.
func (n *Node) IsWebhookKind() bool {
	return n.Type == NodeWebhookTrigger || n.Type == NodeWebhook
}

// IsStartKind reports whether the node qualifies as a start node
// regardless of incoming edges.
func (n *Node) IsStartKind() bool {
	return n.Type == NodeInput || n.Type == NodeTrigger || n.Type == NodeWebhookTrigger
}

// Edge is a directed edge between two nodes. Handles are reserved for
// future branching and ignored by the scheduler.
type Edge struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	TargetHandle *string `json:"targetHandle,omitempty"`
}

// Workflow is a persisted directed graph of typed nodes.
type Workflow struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Nodes      []Node         `json:"nodes"`
	Edges      []Edge         `json:"edges"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsActive   bool           `json:"is_active"`
	Tested     bool           `json:"tested"`
	LastTested *time.Time     `json:"last_tested,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the workflow. Test runs execute against a
// clone so cached webhook payloads can be cleared without touching the
// saved definition.
func (w *Workflow) Clone() *Workflow {
	raw, err := json.Marshal(w)
	if err != nil {
		// Workflows are built from decoded JSON; re-encoding them
		// cannot fail.
		panic(err)
	}
	var out Workflow
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

// StructureEquals reports whether two workflows have identical nodes and
// edges. Saving a structurally different workflow clears tested and
// is_active.
func (w *Workflow) StructureEquals(other *Workflow) bool {
	if other == nil {
		return false
	}
	a, err := json.Marshal(struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}{w.Nodes, w.Edges})
	if err != nil {
		return false
	}
	b, err := json.Marshal(struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}{other.Nodes, other.Edges})
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
