package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry is a Redis-backed worker registry for relay deployments
// running more than one process behind a load balancer, where an in-memory
// Registry per process would see a different worker set than its peers.
// Workers are stored as one sorted set per model, scored by last-seen
// timestamp for the round-robin tie-break, with a key TTL instead of an
// in-process reaper goroutine.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisRegistry wraps an existing redis client. The caller owns the
// client's lifecycle (including Close).
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl, prefix: "tokenplace:workers:"}
}

func (r *RedisRegistry) modelKey(model string) string {
	return fmt.Sprintf("%s%s", r.prefix, model)
}

// Register adds or refreshes a worker's heartbeat, storing its last-seen
// Unix nanosecond timestamp as the sorted-set score so Next can select the
// least-recently-seen candidate without a separate read per worker.
func (r *RedisRegistry) Register(ctx context.Context, id, model string) error {
	now := float64(time.Now().UnixNano())
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.modelKey(model), redis.Z{Score: now, Member: id})
	if r.ttl > 0 {
		pipe.Expire(ctx, r.modelKey(model), r.ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis: register worker %s: %w", id, err)
	}
	return nil
}

// Heartbeat is equivalent to Register for the Redis backend: refreshing the
// sorted-set score is itself the heartbeat. model must be supplied because
// Redis has no cheap way to find a worker's model without a reverse index.
func (r *RedisRegistry) Heartbeat(ctx context.Context, id, model string) error {
	return r.Register(ctx, id, model)
}

// Deregister removes a worker from the given model's set.
func (r *RedisRegistry) Deregister(ctx context.Context, id, model string) error {
	if err := r.client.ZRem(ctx, r.modelKey(model), id).Err(); err != nil {
		return fmt.Errorf("redis: deregister worker %s: %w", id, err)
	}
	return nil
}

// Next selects the least-recently-seen worker serving model, then re-scores
// it to "now" so round-robin rotates through the set rather than always
// returning the same worker while it stays the oldest by a wide margin.
func (r *RedisRegistry) Next(ctx context.Context, model string) (Worker, bool, error) {
	key := r.modelKey(model)
	results, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return Worker{}, false, fmt.Errorf("redis: next worker for %s: %w", model, err)
	}
	if len(results) == 0 {
		return Worker{}, false, nil
	}

	id, _ := results[0].Member.(string)
	lastSeen := time.Unix(0, int64(results[0].Score))

	now := float64(time.Now().UnixNano())
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: now, Member: id}).Err(); err != nil {
		return Worker{}, false, fmt.Errorf("redis: rotate worker %s: %w", id, err)
	}

	return Worker{ID: id, Model: model, LastSeen: lastSeen}, true, nil
}

// List returns every worker currently registered for model.
func (r *RedisRegistry) List(ctx context.Context, model string) ([]Worker, error) {
	results, err := r.client.ZRangeWithScores(ctx, r.modelKey(model), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list workers for %s: %w", model, err)
	}
	out := make([]Worker, 0, len(results))
	for _, z := range results {
		id, _ := z.Member.(string)
		out = append(out, Worker{ID: id, Model: model, LastSeen: time.Unix(0, int64(z.Score))})
	}
	return out, nil
}

// ReapExpired removes entries whose score (last-seen time) is older than
// the registry's TTL, for deployments that disable the key-level TTL and
// prefer explicit reaping (e.g. to log what got evicted).
func (r *RedisRegistry) ReapExpired(ctx context.Context, model string) ([]string, error) {
	if r.ttl <= 0 {
		return nil, nil
	}
	cutoff := float64(time.Now().Add(-r.ttl).UnixNano())
	key := r.modelKey(model)

	stale, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", cutoff)}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: scan expired workers for %s: %w", model, err)
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := r.client.ZRem(ctx, key, toAnySlice(stale)...).Err(); err != nil {
		return nil, fmt.Errorf("redis: reap expired workers for %s: %w", model, err)
	}
	return stale, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
