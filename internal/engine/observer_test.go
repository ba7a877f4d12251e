package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/textbook-forge/internal/runstate"
)

func TestNewCompositeObserver(t *testing.T) {
	assert.IsType(t, NoopObserver{}, NewCompositeObserver())
	assert.IsType(t, NoopObserver{}, NewCompositeObserver(nil, nil))

	var a, b []string
	first := ObserverFunc(func(_ context.Context, ev runstate.Event) { a = append(a, ev.Type) })
	second := ObserverFunc(func(_ context.Context, ev runstate.Event) { b = append(b, ev.Type) })

	single := NewCompositeObserver(nil, first)
	single.OnEvent(context.Background(), runstate.Event{Type: runstate.EventStageStart})
	assert.Equal(t, []string{runstate.EventStageStart}, a)

	both := NewCompositeObserver(first, nil, second)
	both.OnEvent(context.Background(), runstate.Event{Type: runstate.EventStageEnd})
	assert.Equal(t, []string{runstate.EventStageStart, runstate.EventStageEnd}, a)
	assert.Equal(t, []string{runstate.EventStageEnd}, b)
}

func TestLoggingObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewLoggingObserver(logger)

	obs.OnEvent(context.Background(), runstate.Event{Type: runstate.EventUnitDone, RunID: "r1", Stage: "write", UnitID: "u1"})
	assert.Empty(t, buf.String())

	obs.OnEvent(context.Background(), runstate.Event{
		Type: runstate.EventUnitDegraded, RunID: "r1", Stage: "write", UnitID: "u2",
		Message: "score 4.0", Data: map[string]any{"attempts": 2},
	})
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "msg=unit_degraded")
	assert.Contains(t, out, "unit=u2")
	assert.Contains(t, out, "attempts=2")
}
