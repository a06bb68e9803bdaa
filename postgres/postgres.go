// Package postgres provides PostgreSQL-backed storage and task queues for
// sagaflow, using the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/taskqueue"
)

// DriverName is the database/sql driver registered by pgx.
const DriverName = "pgx"

// Open opens and pings a PostgreSQL database.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// NewStore returns Storage persisted in db. Tables are created if needed.
func NewStore(ctx context.Context, db *sql.DB) (sagaflow.Storage, error) {
	return persistence.NewSQLStore(ctx, db, persistence.DialectPostgres)
}

// NewQueue returns a durable Queue stored in db. Workers claim tasks with
// SELECT ... FOR UPDATE SKIP LOCKED.
func NewQueue(db *sql.DB) (sagaflow.Queue, error) {
	return taskqueue.NewPostgresQueue(db)
}

// NewBundle builds a WorkerBundle whose storage and queue share db.
func NewBundle(ctx context.Context, db *sql.DB, registry *sagaflow.Registry, cfg sagaflow.BundleConfig) (*sagaflow.WorkerBundle, error) {
	store, err := NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	q, err := NewQueue(db)
	if err != nil {
		return nil, err
	}
	return sagaflow.NewBundle(store, q, registry, cfg)
}
