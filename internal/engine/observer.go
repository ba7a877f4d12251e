package engine

import (
	"context"
	"log/slog"

	"github.com/jonathan/textbook-forge/internal/runstate"
)

// Observer receives every progress event the executor emits. Implementations
// should be fast; they are called from the executor goroutine.
type Observer interface {
	OnEvent(ctx context.Context, event runstate.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event runstate.Event)

func (f ObserverFunc) OnEvent(ctx context.Context, event runstate.Event) {
	f(ctx, event)
}

// NoopObserver ignores events.
type NoopObserver struct{}

func (NoopObserver) OnEvent(context.Context, runstate.Event) {}

type compositeObserver struct {
	observers []Observer
}

// NewCompositeObserver forwards events to each non-nil observer in order.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopObserver{}
	case 1:
		return filtered[0]
	}
	return &compositeObserver{observers: filtered}
}

func (c *compositeObserver) OnEvent(ctx context.Context, event runstate.Event) {
	for _, o := range c.observers {
		o.OnEvent(ctx, event)
	}
}

// LoggingObserver writes events to a slog.Logger. Unit-level events are logged
// at debug level.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates a LoggingObserver. A nil logger uses slog.Default().
func NewLoggingObserver(logger *slog.Logger) *LoggingObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEvent(ctx context.Context, event runstate.Event) {
	level := slog.LevelInfo
	switch event.Type {
	case runstate.EventUnitDone, runstate.EventStageProgress:
		level = slog.LevelDebug
	case runstate.EventUnitDegraded, runstate.EventUnitFailed:
		level = slog.LevelWarn
	}
	attrs := []any{slog.String("run_id", event.RunID)}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", event.Stage))
	}
	if event.UnitID != "" {
		attrs = append(attrs, slog.String("unit", event.UnitID))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	for k, v := range event.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.Logger.Log(ctx, level, event.Type, attrs...)
}
