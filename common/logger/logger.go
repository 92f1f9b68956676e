package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with engine-specific field helpers.
type Logger struct {
	*slog.Logger
}

// New creates a logger. format "json" produces machine-readable output;
// anything else gets a tinted console handler.
func New(level, format string) *Logger {
	lvl := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// WithFields returns a logger carrying the given fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.With(args...)}
}

// WithRunID tags every record with the run id.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{Logger: l.With("run_id", runID)}
}

// WithWorkflowID tags every record with the workflow id.
func (l *Logger) WithWorkflowID(workflowID string) *Logger {
	return &Logger{Logger: l.With("workflow_id", workflowID)}
}

// WithNodeID tags every record with the node id.
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return &Logger{Logger: l.With("node_id", nodeID)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
