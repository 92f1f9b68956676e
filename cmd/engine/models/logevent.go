package models

import (
	"encoding/json"
	"time"
)

// Status values carried by log events.
const (
	StatusPending    = "Pending"
	StatusWaiting    = "Waiting"
	StatusTriggered  = "Triggered"
	StatusSuccess    = "Success"
	StatusFailed     = "Failed"
	StatusAborted    = "Aborted"
	StatusUnknown    = "Unknown"
	StatusConfigured = "Configured"
)

// Terminal run statuses.
const (
	RunSuccess = "Success"
	RunErrors  = "Finished with Errors"
	RunAborted = "Aborted (Client Disconnected)"
	RunFailed  = "Failed"
)

// SentinelEnd is the strict final event of every run's log stream.
const SentinelEnd = "__END__"

// LogEvent is a single entry in a run's event stream.
type LogEvent struct {
	Step          string  `json:"step"`
	RunID         string  `json:"run_id,omitempty"`
	NodeID        string  `json:"node_id,omitempty"`
	NodeType      string  `json:"node_type,omitempty"`
	Status        string  `json:"status,omitempty"`
	Timestamp     float64 `json:"timestamp,omitempty"`
	IsTestLog     bool    `json:"is_test_log,omitempty"`
	InputSummary  any     `json:"input_summary,omitempty"`
	OutputSummary any     `json:"output_summary,omitempty"`
	Error         string  `json:"error,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// EndSentinel builds the final event for a run.
func EndSentinel(runID string) LogEvent {
	return LogEvent{Step: SentinelEnd, RunID: runID, Timestamp: Now()}
}

// Now is the engine's log timestamp: seconds since the epoch, matching
// the wire format the editor expects.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Summarize bounds a value for inclusion in a log event. Scalars pass
// through; anything whose JSON form exceeds maxSummaryLen is truncated to
// a string preview.
func Summarize(v any) any {
	const maxSummaryLen = 500

	if v == nil {
		return nil
	}
	switch s := v.(type) {
	case string:
		if len(s) > maxSummaryLen {
			return s[:maxSummaryLen] + "...(truncated)"
		}
		return v
	case bool, int, int64, float64:
		return v
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return "unserializable value"
	}
	if len(raw) > maxSummaryLen {
		return string(raw[:maxSummaryLen]) + "...(truncated)"
	}
	return v
}
