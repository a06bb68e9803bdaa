// Package redis provides a Redis-backed task queue for sagaflow. Workflow and
// action instances still live in SQL storage; Redis only carries the tasks
// that wake async workers.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/internal/taskqueue"
)

// DefaultPrefix namespaces the keys written by NewQueue.
const DefaultPrefix = "sagaflow:"

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// NewQueue returns a Queue whose tasks live in sorted sets under prefix.
func NewQueue(client redis.UniversalClient, prefix string) sagaflow.Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return taskqueue.NewRedisQueue(client, prefix)
}

// NewBundle builds a WorkerBundle that keeps state in store and dispatches
// through Redis.
func NewBundle(store sagaflow.Storage, client redis.UniversalClient, prefix string, registry *sagaflow.Registry, cfg sagaflow.BundleConfig) (*sagaflow.WorkerBundle, error) {
	return sagaflow.NewBundle(store, NewQueue(client, prefix), registry, cfg)
}
