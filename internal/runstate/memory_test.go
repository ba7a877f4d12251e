package runstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/textbook-forge/internal/types"
)

type mapPersister struct {
	mu      sync.Mutex
	states  map[string]RunState
	saveErr error
	saves   int
}

func newMapPersister() *mapPersister {
	return &mapPersister{states: make(map[string]RunState)}
}

func (p *mapPersister) Save(_ context.Context, s RunState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.states[s.RunID] = s
	return nil
}

func (p *mapPersister) Load(_ context.Context, id string) (RunState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[id]
	if !ok {
		return RunState{}, ErrNotFound
	}
	return s, nil
}

func (p *mapPersister) List(_ context.Context) ([]RunState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []RunState
	for _, s := range p.states {
		out = append(out, s)
	}
	return out, nil
}

func request() types.RunRequest {
	return types.RunRequest{Topic: "Go"}.WithDefaults()
}

func TestMemory_CreateGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	created, err := m.Create(ctx, request())
	require.NoError(t, err)
	assert.NotEmpty(t, created.RunID)
	assert.Equal(t, StatusPending, created.Status)

	got, err := m.Get(ctx, created.RunID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_MonotonicTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr bool
	}{
		{name: "happy path", path: []Status{StatusRunning, StatusSucceeded}},
		{name: "cancel before start", path: []Status{StatusCancelled}},
		{name: "running repeats", path: []Status{StatusRunning, StatusRunning, StatusFailed}},
		{name: "pending to succeeded", path: []Status{StatusSucceeded}, wantErr: true},
		{name: "back to pending", path: []Status{StatusRunning, StatusPending}, wantErr: true},
		{name: "out of terminal", path: []Status{StatusRunning, StatusFailed, StatusRunning}, wantErr: true},
		{name: "terminal twice", path: []Status{StatusRunning, StatusCancelled, StatusCancelled}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			ctx := context.Background()
			run, err := m.Create(ctx, request())
			require.NoError(t, err)

			var lastErr error
			for _, s := range tt.path {
				if _, err := m.Update(ctx, run.RunID, Patch{Status: Ptr(s)}); err != nil {
					lastErr = err
					break
				}
			}
			if !tt.wantErr {
				assert.NoError(t, lastErr)
				return
			}
			assert.ErrorIs(t, lastErr, ErrInvalidTransition)
			var te *TransitionError
			assert.ErrorAs(t, lastErr, &te)
		})
	}
}

func TestMemory_UpdateFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run, _ := m.Create(ctx, request())

	_, err := m.Update(ctx, run.RunID, Patch{Status: Ptr(StatusRunning), CurrentStage: Ptr("plan")})
	require.NoError(t, err)
	_, err = m.Update(ctx, run.RunID, Patch{Result: map[string]any{"book_id": "book:go"}})
	require.NoError(t, err)

	diag := Diagnostics{Degraded: []UnitRef{{Stage: "write", UnitID: "u1"}}}
	got, err := m.Update(ctx, run.RunID, Patch{
		Status:      Ptr(StatusSucceeded),
		Result:      map[string]any{"sections": 3},
		Diagnostics: &diag,
	})
	require.NoError(t, err)

	assert.Equal(t, "plan", got.CurrentStage)
	assert.Equal(t, map[string]any{"book_id": "book:go", "sections": 3}, got.Result)
	assert.Len(t, got.Diagnostics.Degraded, 1)

	diag.Degraded[0].UnitID = "mutated"
	again, _ := m.Get(ctx, run.RunID)
	assert.Equal(t, "u1", again.Diagnostics.Degraded[0].UnitID)
}

func TestMemory_SubscribeReceivesEventsAndClosesOnTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run, _ := m.Create(ctx, request())

	events, err := m.Subscribe(ctx, run.RunID)
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, run.RunID, Event{Type: EventStageStart, Stage: "plan"}))
	_, err = m.Update(ctx, run.RunID, Patch{Status: Ptr(StatusRunning)})
	require.NoError(t, err)
	_, err = m.Update(ctx, run.RunID, Patch{Status: Ptr(StatusSucceeded)})
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, EventStageStart, got[0].Type)
	assert.Equal(t, run.RunID, got[0].RunID)
	assert.False(t, got[0].Time.IsZero())
}

func TestMemory_SubscribeTerminalRunIsClosed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run, _ := m.Create(ctx, request())
	_, err := m.Update(ctx, run.RunID, Patch{Status: Ptr(StatusCancelled)})
	require.NoError(t, err)

	events, err := m.Subscribe(ctx, run.RunID)
	require.NoError(t, err)
	_, open := <-events
	assert.False(t, open)

	_, err = m.Subscribe(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SubscribeEndsWithContext(t *testing.T) {
	m := NewMemory()
	run, _ := m.Create(context.Background(), request())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := m.Subscribe(ctx, run.RunID)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close after context cancellation")
	}
}

func TestMemory_TerminalUpdateReleasesWatchers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run, _ := m.Create(ctx, request())

	first, err := m.Subscribe(ctx, run.RunID)
	require.NoError(t, err)
	second, err := m.Subscribe(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.watchers.Load())

	_, err = m.Update(ctx, run.RunID, Patch{Status: Ptr(StatusFailed)})
	require.NoError(t, err)

	for _, events := range []<-chan Event{first, second} {
		_, open := <-events
		assert.False(t, open)
	}
	assert.Eventually(t, func() bool { return m.watchers.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMemory_SlowSubscriberDropsEvents(t *testing.T) {
	m := NewMemory(WithSubscriberBuffer(2))
	ctx := context.Background()
	run, _ := m.Create(ctx, request())

	events, err := m.Subscribe(ctx, run.RunID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Publish(ctx, run.RunID, Event{Type: EventStageProgress}))
	}
	_, err = m.Update(ctx, run.RunID, Patch{Status: Ptr(StatusCancelled)})
	require.NoError(t, err)

	count := 0
	for range events {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestMemory_PersisterWriteThroughAndFallback(t *testing.T) {
	p := newMapPersister()
	ctx := context.Background()

	first := NewMemory(WithPersister(p))
	run, err := first.Create(ctx, request())
	require.NoError(t, err)
	_, err = first.Update(ctx, run.RunID, Patch{Status: Ptr(StatusRunning)})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, p.states[run.RunID].Status)

	restarted := NewMemory(WithPersister(p))
	got, err := restarted.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	_, err = restarted.Update(ctx, run.RunID, Patch{Status: Ptr(StatusFailed), Error: Ptr("plan/outline: boom")})
	require.NoError(t, err)
	assert.Equal(t, "plan/outline: boom", p.states[run.RunID].Error)

	list, err := restarted.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)
}

func TestMemory_PersisterFailureIsNotFatal(t *testing.T) {
	p := newMapPersister()
	p.saveErr = errors.New("redis down")
	m := NewMemory(WithPersister(p))
	ctx := context.Background()

	run, err := m.Create(ctx, request())
	require.NoError(t, err)
	_, err = m.Update(ctx, run.RunID, Patch{Status: Ptr(StatusRunning)})
	require.NoError(t, err)
	assert.Equal(t, 2, p.saves)
}

func TestMemory_ListNewestFirst(t *testing.T) {
	m := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	ctx := context.Background()

	a, _ := m.Create(ctx, request())
	b, _ := m.Create(ctx, request())

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.RunID, list[0].RunID)
	assert.Equal(t, a.RunID, list[1].RunID)
}
