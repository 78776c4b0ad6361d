package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketsync/internal/config"
	"marketsync/internal/models"
)

// RedisQueue coordinates ready, in-flight, and scheduled job queues in
// Redis. Each named queue gets its own key triple; the queue member is the
// full JobEnvelope JSON so a dequeued job carries its input with it.
type RedisQueue struct {
	client        *redis.Client
	queues        []string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.JobQueues, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, queues []string, visibility time.Duration) *RedisQueue {
	if len(queues) == 0 {
		queues = []string{models.QueueTranslate, models.QueueImage, models.QueuePublish}
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		queues:        queues,
		visibilityTTL: visibility,
	}
}

// Queues returns the configured queue names.
func (q *RedisQueue) Queues() []string {
	return q.queues
}

func readyKey(queue string) string     { return "jobs:ready:" + queue }
func inflightKey(queue string) string  { return "jobs:inflight:" + queue }
func scheduledKey(queue string) string { return "jobs:scheduled:" + queue }

// Enqueue appends an envelope to its queue's ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, env models.JobEnvelope) error {
	if env.Queue == "" {
		return fmt.Errorf("job %s has no queue", env.ID)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", env.ID, err)
	}
	return q.client.RPush(ctx, readyKey(env.Queue), raw).Err()
}

// Schedule defers an envelope until runAt.
func (q *RedisQueue) Schedule(ctx context.Context, env models.JobEnvelope, runAt time.Time) error {
	if env.Queue == "" {
		return fmt.Errorf("job %s has no queue", env.ID)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", env.ID, err)
	}
	return q.client.ZAdd(ctx, scheduledKey(env.Queue), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: raw,
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready list. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, scheduledKey(queue), m)
		pipe.RPush(ctx, readyKey(queue), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Dequeue pops one envelope from the ready list and places it in-flight
// with a visibility timeout. Returns the decoded envelope plus the raw
// member needed for Ack/ExtendLease; both are nil/"" when the queue is
// empty.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string) (*models.JobEnvelope, string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{readyKey(queue), inflightKey(queue)}, deadline).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	var env models.JobEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// A malformed member can never be processed; drop it from inflight.
		_ = q.client.ZRem(ctx, inflightKey(queue), raw).Err()
		return nil, "", fmt.Errorf("decode job from queue %s: %w", queue, err)
	}
	return &env, raw, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, queue, raw string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey(queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: raw,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, queue, raw string) error {
	return q.client.ZRem(ctx, inflightKey(queue), raw).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, inflightKey(queue), m)
		pipe.RPush(ctx, readyKey(queue), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Depth returns the ready list length for a queue.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, readyKey(queue)).Result()
}

// InFlight returns the number of leased jobs for a queue.
func (q *RedisQueue) InFlight(ctx context.Context, queue string) (int64, error) {
	return q.client.ZCard(ctx, inflightKey(queue)).Result()
}

// Ping verifies the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
