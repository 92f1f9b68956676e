package models

import "time"

// RunRecord is the stored history of a single workflow execution.
type RunRecord struct {
	RunID      string     `json:"run_id"`
	WorkflowID string     `json:"workflow_id"`
	IsTest     bool       `json:"is_test"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Status     string     `json:"status"`
	Logs       []LogEvent `json:"logs"`
}

// ArchiveMeta is the metadata block of a per-run archive file.
type ArchiveMeta struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Duration   float64   `json:"duration"`
	Status     string    `json:"status"`
	IsTest     bool      `json:"is_test"`
	LogCount   int       `json:"log_count"`
	ArchivedAt time.Time `json:"archived_at"`
}

// ArchivedRun is the full content of a per-run archive file.
type ArchivedRun struct {
	ArchiveMeta
	Logs []LogEvent `json:"logs"`
}
