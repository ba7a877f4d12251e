package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPersister stores run snapshots in Redis:
//
//	<prefix>run:<id>   => JSON RunState, expiring after TTL
//	<prefix>idx:runs   => SET of run ids
type RedisPersister struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Persister = (*RedisPersister)(nil)

// DefaultRedisTTL bounds how long finished runs are kept.
const DefaultRedisTTL = 7 * 24 * time.Hour

// NewRedisPersister creates a persister. prefix defaults to "textbook:" and a
// zero ttl to DefaultRedisTTL.
func NewRedisPersister(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisPersister {
	if prefix == "" {
		prefix = "textbook:"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisPersister{client: client, prefix: prefix, ttl: ttl}
}

// ConnectRedis parses a redis:// URL and verifies the connection.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisPersister) keyRun(id string) string {
	return r.prefix + "run:" + id
}

func (r *RedisPersister) keyIndex() string {
	return r.prefix + "idx:runs"
}

// Save writes the snapshot and indexes its id.
func (r *RedisPersister) Save(ctx context.Context, state RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.keyRun(state.RunID), data, r.ttl)
	pipe.SAdd(ctx, r.keyIndex(), state.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	return nil
}

// Load reads one snapshot.
func (r *RedisPersister) Load(ctx context.Context, runID string) (RunState, error) {
	data, err := r.client.Get(ctx, r.keyRun(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RunState{}, ErrNotFound
	}
	if err != nil {
		return RunState{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return RunState{}, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return state, nil
}

// List returns every indexed run that has not expired. Expired ids are
// pruned from the index.
func (r *RedisPersister) List(ctx context.Context) ([]RunState, error) {
	ids, err := r.client.SMembers(ctx, r.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keyRun(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	var out []RunState
	var expired []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var state RunState
		if err := json.Unmarshal([]byte(s), &state); err != nil {
			continue
		}
		out = append(out, state)
	}
	if len(expired) > 0 {
		_ = r.client.SRem(ctx, r.keyIndex(), expired...).Err()
	}
	return out, nil
}
