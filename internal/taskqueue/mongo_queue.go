package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of a MongoDB collection. Each document
// is one Task; consumers claim tasks atomically with FindOneAndDelete.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "sagaflow", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "sagaflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

var _ Queue = (*MongoQueue)(nil)

// EnsureIndexes creates the index used by Dequeue.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "not_before", Value: 1}},
	})
	return err
}

func (q *MongoQueue) Enqueue(ctx context.Context, actionInstanceID string, opts EnqueueOptions) error {
	t := NewTask(actionInstanceID, opts, time.Now())
	_, err := q.coll.InsertOne(ctx, t)
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context, queues ...string) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	findOpts := options.FindOneAndDelete().SetSort(bson.D{
		{Key: "priority", Value: 1},
		{Key: "not_before", Value: 1},
		{Key: "enqueued_at", Value: 1},
	})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		filter := bson.M{"not_before": bson.M{"$lte": time.Now().UTC()}}
		if len(queues) > 0 {
			filter["queue"] = bson.M{"$in": queues}
		}

		var t Task
		err := q.coll.FindOneAndDelete(ctx, filter, findOpts).Decode(&t)
		if err == nil {
			t.EnqueuedAt = t.EnqueuedAt.UTC()
			t.NotBefore = t.NotBefore.UTC()
			return &t, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		// No tasks yet, wait a bit using a reusable timer.
		if err := sleep(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Default().Warn("taskqueue: MongoQueue Len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
