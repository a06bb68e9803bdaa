package sagaflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/taskqueue"
	workerpkg "github.com/petrijr/sagaflow/pkg/worker"
	"golang.org/x/sync/errgroup"
)

// WorkerBundle wires together a Runner, a Scheduler, a durable task queue,
// and a Worker that consumes tasks from that queue.
type WorkerBundle struct {
	Runner    *Runner
	Scheduler *Scheduler
	Worker    *workerpkg.Worker
	Storage   Storage

	// queue is kept unexported; the public API focuses on the Runner,
	// Scheduler and Worker.
	queue taskqueue.Queue
}

// BundleConfig configures NewBundle and NewSQLiteBundle.
type BundleConfig struct {
	Observer  Observer
	Scheduler SchedulerConfig
	Worker    workerpkg.Config
}

// NewSQLiteBundle constructs a durable Storage + Queue + Runner + Scheduler +
// Worker combo sharing the same SQLite database. Workflow and action
// instances and queued tasks are persisted in the provided *sql.DB. The
// registry is sealed.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:sagaflow.db?_txlock=immediate&_pragma=journal_mode(WAL)")
//	bundle, err := sagaflow.NewSQLiteBundle(db, registry, sagaflow.BundleConfig{})
//	// start workflows via bundle.Runner
//	err = bundle.Run(ctx, time.Second)
func NewSQLiteBundle(db *sql.DB, registry *Registry, cfg BundleConfig) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewBundle(store, q, registry, cfg)
}

// NewBundle wires a Runner, Scheduler and Worker around an existing storage
// and queue. The postgres, redis and mongo packages build on it.
func NewBundle(store Storage, q Queue, registry *Registry, cfg BundleConfig) (*WorkerBundle, error) {
	runner, err := engine.NewRunner(engine.RunnerConfig{
		Registry: registry,
		Storage:  store,
		Observer: cfg.Observer,
		Logger:   cfg.Worker.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Runner:    runner,
		Scheduler: engine.NewScheduler(runner, q, cfg.Scheduler),
		Worker:    workerpkg.New(runner, q, cfg.Worker),
		Storage:   store,
		queue:     q,
	}, nil
}

// Run drives the scheduler every interval and the worker pool until ctx is
// cancelled or one of them fails.
func (b *WorkerBundle) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Scheduler.Run(ctx, interval) })
	g.Go(func() error { return b.Worker.Run(ctx) })
	return g.Wait()
}
