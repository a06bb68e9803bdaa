// Package mongo provides a MongoDB-backed task queue for sagaflow.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/internal/taskqueue"
)

// Connect dials uri and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return client, nil
}

// NewQueue returns a Queue stored in dbName.collName and creates its
// dequeue index. Empty names fall back to "sagaflow" and "queue_tasks".
func NewQueue(ctx context.Context, client *mongo.Client, dbName, collName string) (sagaflow.Queue, error) {
	q := taskqueue.NewMongoQueue(client, dbName, collName)
	if err := q.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	return q, nil
}

// NewBundle builds a WorkerBundle that keeps state in store and dispatches
// through MongoDB.
func NewBundle(ctx context.Context, store sagaflow.Storage, client *mongo.Client, dbName, collName string, registry *sagaflow.Registry, cfg sagaflow.BundleConfig) (*sagaflow.WorkerBundle, error) {
	q, err := NewQueue(ctx, client, dbName, collName)
	if err != nil {
		return nil, err
	}
	return sagaflow.NewBundle(store, q, registry, cfg)
}
