package executor

import (
	"context"
	"time"

	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/sandbox"
	"github.com/miniflow/engine/common/logger"
)

// Code executes code nodes through the sandbox.
type Code struct {
	log *logger.Logger
	box *sandbox.Sandbox
}

// NewCode creates the code executor.
func NewCode(log *logger.Logger, box *sandbox.Sandbox) *Code {
	return &Code{log: log, box: box}
}

// Execute satisfies the registry Func signature. A sandbox error
// envelope fails the node; the run's fail-fast rule then stops the
// traversal.
func (c *Code) Execute(rc *RunContext, node *models.Node, input any) (any, error) {
	cfg, err := node.DecodeCode()
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err)
	}
	if cfg.Code == "" {
		return nil, faults.New(faults.KindValidation, "code node %s has no code", node.ID)
	}

	var timeout time.Duration
	if cfg.TimeoutSeconds != nil {
		timeout = time.Duration(*cfg.TimeoutSeconds) * time.Second
	}

	res := c.box.Run(rc.Ctx, cfg.Code, cfg.Requirements, input, timeout)
	if res.Status != "success" {
		return nil, faults.New(faults.KindSandbox, "code execution failed (%s): %s", res.ErrorType, res.Error)
	}

	return map[string]any{
		"status": res.Status,
		"result": res.Result,
	}, nil
}

// TestSnippet runs a snippet standalone for the editor's code test
// endpoint. Unlike Execute it returns the raw envelope, errors and
// all, so the editor can show tracebacks.
func (c *Code) TestSnippet(ctx context.Context, code, requirements string, input any, timeoutSeconds int) *sandbox.Result {
	var timeout time.Duration
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return c.box.Run(ctx, code, requirements, input, timeout)
}
