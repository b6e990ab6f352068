package taskqueue

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	coreq "github.com/petrijr/flume/internal/taskqueue"
)

const pollInterval = 20 * time.Millisecond

// MongoQueue is a persistent delay queue backed by a MongoDB collection.
// FindOneAndDelete claims the earliest due task atomically, so concurrent
// workers never take the same task.
type MongoQueue struct {
	tasks *mongo.Collection
}

// NewMongoQueue creates a Mongo-backed Queue.
// dbName defaults to "flume" if empty.
func NewMongoQueue(client *mongo.Client, dbName string) *MongoQueue {
	if dbName == "" {
		dbName = "flume"
	}
	return &MongoQueue{
		tasks: client.Database(dbName).Collection("resume_tasks"),
	}
}

// Ensure MongoQueue implements Queue.
var _ coreq.Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID         string `bson:"_id"`
	FlowID     string `bson:"flow_id"`
	StateID    string `bson:"state_id"`
	EnqueuedAt int64  `bson:"enqueued_at"`
	NotBefore  int64  `bson:"not_before"`
	Attempts   int    `bson:"attempts"`
}

func (q *MongoQueue) Enqueue(ctx context.Context, t coreq.Task) error {
	now := time.Now()
	enqueuedAt := now.UnixNano()

	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err := q.tasks.InsertOne(ctx, mongoTaskDoc{
		ID:         t.ID,
		FlowID:     t.FlowID,
		StateID:    t.StateID,
		EnqueuedAt: enqueuedAt,
		NotBefore:  notBefore,
		Attempts:   t.Attempts,
	})
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context) (*coreq.Task, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		t, err := q.takeDue(ctx, time.Now())
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *MongoQueue) takeDue(ctx context.Context, now time.Time) (*coreq.Task, error) {
	var doc mongoTaskDoc
	err := q.tasks.FindOneAndDelete(ctx,
		bson.M{"not_before": bson.M{"$lte": now.UnixNano()}},
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &coreq.Task{
		ID:         doc.ID,
		FlowID:     doc.FlowID,
		StateID:    doc.StateID,
		EnqueuedAt: time.Unix(0, doc.EnqueuedAt),
		NotBefore:  time.Unix(0, doc.NotBefore),
		Attempts:   doc.Attempts,
	}, nil
}

func (q *MongoQueue) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := q.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (q *MongoQueue) Len() int {
	n, err := q.tasks.CountDocuments(context.Background(), bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
