package mongo

import (
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/flume/internal/engine"
	"github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/internal/schedule"
	"github.com/petrijr/flume/pkg/api"

	mstore "github.com/petrijr/flume/mongo/internal/persistence"
	mqueue "github.com/petrijr/flume/mongo/internal/taskqueue"
)

// NewMongoEngine returns an Engine that persists snapshots, wait
// conditions, iteration progress, history, and resume tasks in MongoDB
// collections under the named database ("flume" when empty).
func NewMongoEngine(client *mongo.Client, dbName string, d api.Dispatcher) (api.Engine, error) {
	return NewMongoEngineWithObserver(client, dbName, d, nil)
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given
// Observer.
func NewMongoEngineWithObserver(client *mongo.Client, dbName string, d api.Dispatcher, obs api.Observer) (api.Engine, error) {
	return engine.NewExecutor(engine.Config{
		Stores: persistence.Stores{
			Snapshots: mstore.NewMongoSnapshotStore(client, dbName),
			Events:    mstore.NewMongoEventStore(client, dbName),
		},
		Dispatcher: d,
		Scheduler:  schedule.NewQueueScheduler(mqueue.NewMongoQueue(client, dbName)),
		Observer:   obs,
	})
}
