package graphstore

import (
	"context"
	"log/slog"

	"github.com/jonathan/textbook-forge/internal/kg"
	"github.com/jonathan/textbook-forge/internal/retry"
)

// RetryingStore retries StoreUnavailableError with bounded backoff.
type RetryingStore struct {
	inner  Store
	policy retry.Policy
	logger *slog.Logger
}

var _ Store = (*RetryingStore)(nil)

// Retrying wraps store. A nil logger uses slog.Default().
func Retrying(store Store, policy retry.Policy, logger *slog.Logger) *RetryingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{inner: store, policy: policy, logger: logger}
}

// Unwrap returns the wrapped store.
func (r *RetryingStore) Unwrap() Store {
	return r.inner
}

func (r *RetryingStore) retryable(op string) func(error) bool {
	return func(err error) bool {
		if !IsTransient(err) {
			return false
		}
		r.logger.Warn("graph store unavailable, retrying", "op", op, "error", err)
		return true
	}
}

// UpsertNodes retries the inner UpsertNodes.
func (r *RetryingStore) UpsertNodes(ctx context.Context, nodes []kg.Node) (int, error) {
	var n int
	err := retry.Do(ctx, r.policy, r.retryable("upsert_nodes"), func(ctx context.Context) error {
		var err error
		n, err = r.inner.UpsertNodes(ctx, nodes)
		return err
	})
	return n, err
}

// ReplaceScope retries the inner ReplaceScope. The operation is idempotent.
func (r *RetryingStore) ReplaceScope(ctx context.Context, scope string, edges []kg.Edge) error {
	return retry.Do(ctx, r.policy, r.retryable("replace_scope"), func(ctx context.Context) error {
		return r.inner.ReplaceScope(ctx, scope, edges)
	})
}

// QueryScope retries the inner QueryScope.
func (r *RetryingStore) QueryScope(ctx context.Context, scope string) (*kg.Fragment, error) {
	var frag *kg.Fragment
	err := retry.Do(ctx, r.policy, r.retryable("query_scope"), func(ctx context.Context) error {
		var err error
		frag, err = r.inner.QueryScope(ctx, scope)
		return err
	})
	return frag, err
}

// Close closes the inner store.
func (r *RetryingStore) Close() error {
	return r.inner.Close()
}
