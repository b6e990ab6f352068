package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flume/internal/engine"
	"github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/internal/schedule"
	"github.com/petrijr/flume/pkg/api"

	rstore "github.com/petrijr/flume/redis/internal/persistence"
	rqueue "github.com/petrijr/flume/redis/internal/taskqueue"
)

// NewRedisEngine returns an Engine that persists snapshots, wait
// conditions, iteration progress, history, and resume tasks in Redis
// under the given key prefix ("flume:" when empty).
func NewRedisEngine(client *redis.Client, prefix string, d api.Dispatcher) (api.Engine, error) {
	return NewRedisEngineWithObserver(client, prefix, d, nil)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given
// Observer.
func NewRedisEngineWithObserver(client *redis.Client, prefix string, d api.Dispatcher, obs api.Observer) (api.Engine, error) {
	return engine.NewExecutor(engine.Config{
		Stores: persistence.Stores{
			Snapshots: rstore.NewRedisSnapshotStore(client, prefix),
			Events:    rstore.NewRedisEventStore(client, prefix),
		},
		Dispatcher: d,
		Scheduler:  schedule.NewQueueScheduler(rqueue.NewRedisQueue(client, prefix)),
		Observer:   obs,
	})
}
