// Package background runs work that must not hold up a work block, such as run
// reflections, on a Redis-backed queue with leases, bounded retry and a dead-letter list.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cardflow/internal/config"
)

// Task is one unit of background work.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask encodes payload into a task of the given kind.
func NewTask(kind, tenantID string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		TenantID:   tenantID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// Enqueuer accepts background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// RedisQueue keeps a ready list, an in-flight lease set, a retry schedule and a
// dead-letter list in Redis. Task bodies live in one hash per task.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	taskPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient builds a queue over an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.BackgroundQueue
	if name == "" {
		name = "queue:background"
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		taskPrefix:    name + ":task:",
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying Redis client so other components can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Close releases the Redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) taskKey(id string) string {
	return q.taskPrefix + id
}

func (q *RedisQueue) save(ctx context.Context, pipe redis.Pipeliner, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe.Set(ctx, q.taskKey(task.ID), raw, 0)
	return nil
}

// Enqueue stores the task and makes it ready.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, task); err != nil {
		return err
	}
	pipe.RPush(ctx, q.readyKey, task.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule stores the task and defers it until runAt.
func (q *RedisQueue) Schedule(ctx context.Context, task Task, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, task); err != nil {
		return err
	}
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due retries into the ready list and returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims leases that timed out.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready task and leases it for the visibility timeout.
// ok is false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (task Task, ok bool, err error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	id, isString := res.(string)
	if !isString {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	raw, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Body vanished; drop the lease so the id does not cycle forever.
		_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, false, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline of an in-flight task forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack finishes a task and deletes its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.taskKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules the task again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, task Task, runAt time.Time) error {
	if err := q.client.ZRem(ctx, q.inflightKey, task.ID).Err(); err != nil {
		return err
	}
	return q.Schedule(ctx, task, runAt)
}

// DeadLetter releases the lease and appends the task to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.Del(ctx, q.taskKey(task.ID))
	pipe.RPush(ctx, q.dlqKey, raw)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered tasks.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]Task, error) {
	items, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(items))
	for _, item := range items {
		var t Task
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadyDepth returns the number of tasks waiting to be leased.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
