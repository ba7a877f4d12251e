package engine

import (
	"context"
	"time"
)

// backoff waits before retry number retry (1-based) of a transient failure.
// It returns false when ctx ends first.
func (e *Executor[S]) backoff(ctx context.Context, retry int) bool {
	d := e.retry.Backoff(retry - 1)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
