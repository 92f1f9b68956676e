package executor

import (
	"context"

	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/common/logger"
)

// RunContext carries the run-scoped state an executor may consult: the
// parent workflow, the outputs of already-finished nodes and the
// cancellation context.
type RunContext struct {
	Ctx      context.Context
	Workflow *models.Workflow
	Outputs  map[string]any
	IsTest   bool
}

// Func executes one node. Implementations must be side-effect free with
// respect to the graph and honor cancellation on any I/O.
type Func func(rc *RunContext, node *models.Node, input any) (any, error)

// Registry dispatches node execution by type tag.
type Registry struct {
	log   *logger.Logger
	funcs map[string]Func
}

// NewRegistry creates a registry with the data-flow builtins installed.
// Call Register to add the I/O-bearing executors.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{log: log, funcs: make(map[string]Func)}

	r.Register(models.NodeInput, Passthrough)
	r.Register(models.NodeTrigger, Passthrough)
	r.Register(models.NodeWebhookTrigger, Passthrough)
	r.Register(models.NodeWebhook, Passthrough)
	r.Register(models.NodeDefault, LogInput)
	return r
}

// Register installs fn for a node type, replacing any previous entry.
func (r *Registry) Register(nodeType string, fn Func) {
	r.funcs[nodeType] = fn
}

// Execute dispatches a node to its executor. Unknown types pass input
// through with a warning.
func (r *Registry) Execute(rc *RunContext, node *models.Node, input any) (any, error) {
	if fn, ok := r.funcs[node.Type]; ok {
		return fn(rc, node, input)
	}
	r.log.Warn("no executor for node type, passing input through",
		"node_id", node.ID, "node_type", node.Type)
	return input, nil
}

// Passthrough returns the input unchanged. Start and webhook nodes use
// it: their real payload is supplied by the scheduler before dispatch.
func Passthrough(_ *RunContext, _ *models.Node, input any) (any, error) {
	return input, nil
}

// LogInput is the default node: it records a bounded view of whatever
// reached it.
func LogInput(_ *RunContext, _ *models.Node, input any) (any, error) {
	return map[string]any{"logged_input_summary": models.Summarize(input)}, nil
}
