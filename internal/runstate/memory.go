package runstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/textbook-forge/internal/types"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 64

// subscription is one Subscribe call. done is closed together with events
// so the context watcher exits when the run ends.
type subscription struct {
	events chan Event
	done   chan struct{}
}

func (s *subscription) close() {
	close(s.events)
	close(s.done)
}

type entry struct {
	state   RunState
	subs    map[int]*subscription
	nextSub int
}

// Memory is an in-process Store with an optional write-through Persister.
type Memory struct {
	mu   sync.Mutex
	runs map[string]*entry

	// persistMu orders persister writes without holding mu during I/O.
	persistMu sync.Mutex
	persister Persister

	logger *slog.Logger
	buffer int
	now    func() time.Time

	// watchers counts live context watchers of subscriptions.
	watchers atomic.Int64
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithPersister writes every change through to p and reads from it on misses.
func WithPersister(p Persister) MemoryOption {
	return func(m *Memory) { m.persister = p }
}

// WithLogger sets the logger used for persister warnings.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = logger }
}

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// NewMemory creates an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		runs:   make(map[string]*entry),
		logger: slog.Default(),
		buffer: DefaultSubscriberBuffer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a pending run for req.
func (m *Memory) Create(ctx context.Context, req types.RunRequest) (RunState, error) {
	now := m.now().UTC()
	state := RunState{
		RunID:     uuid.NewString(),
		Status:    StatusPending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.runs[state.RunID] = &entry{state: state, subs: make(map[int]*subscription)}
	m.persistMu.Lock()
	m.mu.Unlock()

	m.persist(ctx, state)
	m.persistMu.Unlock()
	return state, nil
}

// Get returns the current state of a run, consulting the persister on a miss.
func (m *Memory) Get(ctx context.Context, runID string) (RunState, error) {
	m.mu.Lock()
	e, ok := m.runs[runID]
	if ok {
		state := e.state
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	return m.load(ctx, runID)
}

// List returns every known run, newest first.
func (m *Memory) List(ctx context.Context) ([]RunState, error) {
	byID := make(map[string]RunState)
	if m.persister != nil {
		stored, err := m.persister.List(ctx)
		if err != nil {
			m.logger.Warn("failed to list persisted runs", "error", err)
		}
		for _, s := range stored {
			byID[s.RunID] = s
		}
	}

	m.mu.Lock()
	for id, e := range m.runs {
		byID[id] = e.state
	}
	m.mu.Unlock()

	out := make([]RunState, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

// Update applies patch. Terminal transitions close every subscriber channel.
func (m *Memory) Update(ctx context.Context, runID string, patch Patch) (RunState, error) {
	if _, err := m.ensureLoaded(ctx, runID); err != nil {
		return RunState{}, err
	}

	m.mu.Lock()
	e, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return RunState{}, ErrNotFound
	}
	next, err := apply(e.state, patch, m.now().UTC())
	if err != nil {
		m.mu.Unlock()
		return next, err
	}
	e.state = next
	if next.Status.Terminal() {
		for id, sub := range e.subs {
			sub.close()
			delete(e.subs, id)
		}
	}
	m.persistMu.Lock()
	m.mu.Unlock()

	m.persist(ctx, next)
	m.persistMu.Unlock()
	return next, nil
}

// Subscribe returns a channel of events for runID. A terminal run yields an
// already closed channel.
func (m *Memory) Subscribe(ctx context.Context, runID string) (<-chan Event, error) {
	if _, err := m.ensureLoaded(ctx, runID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}

	ch := make(chan Event, m.buffer)
	if e.state.Status.Terminal() {
		close(ch)
		return ch, nil
	}

	id := e.nextSub
	e.nextSub++
	sub := &subscription{events: ch, done: make(chan struct{})}
	e.subs[id] = sub

	m.watchers.Add(1)
	go func() {
		defer m.watchers.Add(-1)
		select {
		case <-ctx.Done():
			m.unsubscribe(runID, id)
		case <-sub.done:
		}
	}()
	return ch, nil
}

// Publish fans event out to current subscribers. Subscribers whose buffer is
// full miss the event.
func (m *Memory) Publish(_ context.Context, runID string, event Event) error {
	if event.RunID == "" {
		event.RunID = runID
	}
	if event.Time.IsZero() {
		event.Time = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	for _, sub := range e.subs {
		select {
		case sub.events <- event:
		default:
		}
	}
	return nil
}

func (m *Memory) unsubscribe(runID string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.runs[runID]
	if !ok {
		return
	}
	if sub, ok := e.subs[id]; ok {
		sub.close()
		delete(e.subs, id)
	}
}

// ensureLoaded pulls a run from the persister into memory if needed.
func (m *Memory) ensureLoaded(ctx context.Context, runID string) (RunState, error) {
	m.mu.Lock()
	if e, ok := m.runs[runID]; ok {
		state := e.state
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	state, err := m.load(ctx, runID)
	if err != nil {
		return RunState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.runs[runID]; ok {
		return e.state, nil
	}
	m.runs[runID] = &entry{state: state, subs: make(map[int]*subscription)}
	return state, nil
}

func (m *Memory) load(ctx context.Context, runID string) (RunState, error) {
	if m.persister == nil {
		return RunState{}, ErrNotFound
	}
	state, err := m.persister.Load(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return RunState{}, ErrNotFound
	}
	if err != nil {
		return RunState{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return state, nil
}

func (m *Memory) persist(ctx context.Context, state RunState) {
	if m.persister == nil {
		return
	}
	if err := m.persister.Save(context.WithoutCancel(ctx), state); err != nil {
		m.logger.Warn("failed to persist run state", "run_id", state.RunID, "status", state.Status, "error", err)
	}
}
