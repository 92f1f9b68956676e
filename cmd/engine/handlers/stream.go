package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/service"
	"github.com/miniflow/engine/common/logger"
)

// StreamHandler serves the per-run SSE log stream.
type StreamHandler struct {
	hub          *service.StreamHub
	log          *logger.Logger
	pollInterval time.Duration
}

// NewStreamHandler creates the SSE handler. pollInterval is the receive
// timeout between disconnect checks.
func NewStreamHandler(hub *service.StreamHub, log *logger.Logger, pollInterval time.Duration) *StreamHandler {
	return &StreamHandler{hub: hub, log: log, pollInterval: pollInterval}
}

// StreamRun streams a run's log events until the end sentinel or the
// client goes away.
// GET /api/workflows/:id/runs/:run_id/stream
func (h *StreamHandler) StreamRun(c echo.Context) error {
	runID := c.Param("run_id")

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	stream, ok := h.hub.Get(runID)
	if !ok {
		// Completed, unknown, or already-drained runs all look the
		// same here; reconnecting after the sentinel gets this too.
		writeEvent(w, models.LogEvent{
			Step:   "Error",
			RunID:  runID,
			Status: models.StatusFailed,
			Error:  "Log stream unavailable or run already completed.",
		})
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			// Dropping the stream is the abort signal the scheduler
			// watches for between steps.
			h.log.Info("sse client disconnected", "run_id", runID)
			h.hub.Remove(runID)
			return nil
		default:
		}

		ev, got := stream.Receive(h.pollInterval)
		if !got {
			continue
		}

		writeEvent(w, ev)
		if ev.Step == models.SentinelEnd {
			h.hub.Remove(runID)
			return nil
		}
	}
}

// writeEvent frames one event as "event: message\ndata: <json>\n\n" and
// flushes it immediately.
func writeEvent(w *echo.Response, ev models.LogEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", raw)
	w.Flush()
}
