package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	_ "modernc.org/sqlite"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/internal/config"
	"github.com/petrijr/sagaflow/mongo"
	"github.com/petrijr/sagaflow/postgres"
	"github.com/petrijr/sagaflow/redis"
)

// backends holds the storage and queue selected by the configuration, with
// the connections that must be closed on exit.
type backends struct {
	storage sagaflow.Storage
	queue   sagaflow.Queue
	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	var db *sql.DB
	switch cfg.Storage.Driver {
	case "memory":
		b.storage = sagaflow.NewInMemoryStore()
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if b.storage, err = sagaflow.NewSQLiteStore(db); err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
	case "postgres":
		db, err = postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if b.storage, err = postgres.NewStore(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	b.queue, err = openQueue(ctx, cfg, db, b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func openQueue(ctx context.Context, cfg *config.Config, storageDB *sql.DB, b *backends) (sagaflow.Queue, error) {
	qc := cfg.Queue
	switch qc.Driver {
	case "memory":
		return sagaflow.NewInMemoryQueue(), nil
	case "sqlite", "postgres":
		db := storageDB
		if db == nil || qc.Driver != cfg.Storage.Driver || qc.DSN != cfg.Storage.DSN {
			var err error
			db, err = openQueueDB(ctx, qc)
			if err != nil {
				return nil, err
			}
			b.closers = append(b.closers, db.Close)
		}
		if qc.Driver == "sqlite" {
			return sagaflow.NewSQLiteQueue(db)
		}
		return postgres.NewQueue(db)
	case "redis":
		client, err := redis.Connect(ctx, qc.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		return redis.NewQueue(client, qc.Prefix), nil
	case "mongo":
		client, err := mongo.Connect(ctx, qc.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, disconnect(client))
		return mongo.NewQueue(ctx, client, qc.Database, qc.Collection)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", qc.Driver)
	}
}

func openQueueDB(ctx context.Context, qc config.QueueConfig) (*sql.DB, error) {
	if qc.Driver == "postgres" {
		return postgres.Open(ctx, qc.DSN)
	}
	db, err := sql.Open("sqlite", qc.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite queue: %w", err)
	}
	return db, nil
}

func disconnect(client *mongodriver.Client) func() error {
	return func() error { return client.Disconnect(context.Background()) }
}
