package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flume"
	rqueue "github.com/petrijr/flume/redis/internal/taskqueue"
)

// NewRedisQueue returns the Redis-backed resume-task queue so callers can
// run their own workers against the engine's schedule keys. The prefix
// must match the one the engine was created with.
func NewRedisQueue(client *redis.Client, prefix string) flume.Queue {
	return rqueue.NewRedisQueue(client, prefix)
}
