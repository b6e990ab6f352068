package taskqueue

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	coreq "github.com/petrijr/flume/internal/taskqueue"
)

const pollInterval = 20 * time.Millisecond

// RedisQueue implements the delay queue on Redis:
//
//	<prefix>due            => ZSET of task IDs scored by not-before (unix nanos)
//	<prefix>task:<id>      => gob-encoded Task
//
// Dequeue claims the earliest due ID with ZREM so concurrent workers
// never process the same task twice; ZREM returning 0 means another
// worker won the race.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "flume:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "flume:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

// Ensure RedisQueue implements Queue.
var _ coreq.Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keyDue() string {
	return q.prefix + "due"
}

func (q *RedisQueue) keyTask(id string) string {
	return q.prefix + "task:" + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, t coreq.Task) error {
	data, err := coreq.EncodeTask(t)
	if err != nil {
		return err
	}
	due := t.NotBefore
	if due.IsZero() {
		due = t.EnqueuedAt
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.keyTask(t.ID), data, 0)
	pipe.ZAdd(ctx, q.keyDue(), redis.Z{Score: float64(due.UnixNano()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue polls for the earliest due task, blocking until one is due or
// ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*coreq.Task, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := q.takeDue(ctx, time.Now())
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) takeDue(ctx context.Context, now time.Time) (*coreq.Task, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.keyDue(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]

	// Claim the ID; losing the race just means another worker took it.
	removed, err := q.client.ZRem(ctx, q.keyDue(), id).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, nil
	}

	data, err := q.client.GetDel(ctx, q.keyTask(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return coreq.DecodeTask(data)
}

func (q *RedisQueue) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.keyDue(), id).Result()
	if err != nil {
		return false, err
	}
	_ = q.client.Del(ctx, q.keyTask(id)).Err()
	return removed > 0, nil
}

func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.keyDue()).Result()
	if err != nil {
		log.Printf("RedisQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}
