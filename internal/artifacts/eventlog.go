package artifacts

import (
	"context"
	"log/slog"

	"github.com/jonathan/textbook-forge/internal/runstate"
)

// EventLog appends every progress event of a run to its logs.ndjson.
type EventLog struct {
	writer *Writer
	logger *slog.Logger
}

// NewEventLog returns an observer writing through w.
func NewEventLog(w *Writer, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{writer: w, logger: logger}
}

// OnEvent appends event. Write failures are logged and dropped.
func (l *EventLog) OnEvent(_ context.Context, event runstate.Event) {
	if event.RunID == "" {
		return
	}
	if err := l.writer.AppendLog(event.RunID, event); err != nil {
		l.logger.Warn("failed to append run log", "run_id", event.RunID, "event", event.Type, "error", err)
	}
}
