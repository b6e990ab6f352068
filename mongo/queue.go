package mongo

import (
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/flume"
	mqueue "github.com/petrijr/flume/mongo/internal/taskqueue"
)

// NewMongoQueue returns the Mongo-backed resume-task queue so callers can
// run their own workers against the engine's schedule collection. The
// database name must match the one the engine was created with.
func NewMongoQueue(client *mongo.Client, dbName string) flume.Queue {
	return mqueue.NewMongoQueue(client, dbName)
}
