package sagaflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/worker"
)

// DefaultTickInterval is the scheduler interval used by LocalRunner when
// none is configured.
const DefaultTickInterval = 100 * time.Millisecond

// LocalRunnerConfig tunes a LocalRunner.
type LocalRunnerConfig struct {
	Observer     Observer
	Logger       *slog.Logger
	TickInterval time.Duration
}

// LocalRunner bundles an in-memory store, an in-memory task queue, a Runner,
// a Scheduler and a Worker to provide a simple "local runner" for
// development and debugging.
//
// Typical usage:
//
//	registry := sagaflow.NewRegistry()
//	sagaflow.NewAction("create_user", createUser{}).MustRegister(registry)
//	sagaflow.New("signup").Action("create_user", sagaflow.Async(sagaflow.AsyncOptions{})).MustRegister(registry)
//
//	local, _ := sagaflow.NewLocalRunner(registry, sagaflow.LocalRunnerConfig{})
//	wf, _ := local.Runner.StartWorkflow(ctx, "signup", nil)
//
//	// Step through deterministically:
//	_, _ = local.Tick(ctx)
//	_, _ = local.Drain(ctx)
//
//	// Or run in the background:
//	_ = local.StartWorkers(ctx, 2)
//	...
//	local.Stop()
type LocalRunner struct {
	Runner    *Runner
	Scheduler *Scheduler
	Worker    *worker.Worker

	// Storage and Queue are the in-memory backends shared by the components.
	Storage Storage
	Queue   *taskqueue.InMemoryQueue

	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner for the definitions in registry.
// The registry is sealed.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(registry *Registry, cfg LocalRunnerConfig) (*LocalRunner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := persistence.NewInMemoryStore()
	q := taskqueue.NewInMemoryQueue()

	runner, err := engine.NewRunner(engine.RunnerConfig{
		Registry: registry,
		Storage:  store,
		Observer: cfg.Observer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &LocalRunner{
		Runner:    runner,
		Scheduler: engine.NewScheduler(runner, q, engine.SchedulerConfig{Logger: logger}),
		Worker:    worker.New(runner, q, worker.Config{Logger: logger}),
		Storage:   store,
		Queue:     q,
		interval:  interval,
		logger:    logger,
	}, nil
}

// Tick runs one scheduler pass.
func (r *LocalRunner) Tick(ctx context.Context) (TickStats, error) {
	return r.Scheduler.Tick(ctx)
}

// Drain performs every queued task that is ready now, in queue order, and
// returns how many were performed. Action failures do not stop the drain;
// they are joined into the returned error.
func (r *LocalRunner) Drain(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		task, ok := r.Queue.TryDequeue()
		if !ok {
			return n, errors.Join(errs...)
		}
		n++
		if _, err := r.Runner.PerformCreatedAction(ctx, task.ActionInstanceID); err != nil && !errors.Is(err, ErrActionNotPending) {
			errs = append(errs, err)
		}
	}
}

// RunUntilIdle alternates Tick and Drain until a tick creates no new work.
func (r *LocalRunner) RunUntilIdle(ctx context.Context) error {
	var errs []error
	for {
		stats, err := r.Tick(ctx)
		if err != nil {
			return err
		}
		n, err := r.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, err)
		}
		if n == 0 && stats.Created+stats.Retried+stats.Redispatched == 0 {
			return errors.Join(errs...)
		}
	}
}

// StartWorkers starts the scheduler loop and 'concurrency' worker goroutines
// that run until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("sagaflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1 + concurrency)
	go func() {
		defer r.wg.Done()
		if err := r.Scheduler.Run(ctx, r.interval); err != nil {
			r.logger.Error("local scheduler stopped", slog.Any("error", err))
		}
	}()
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if !processed && err != nil {
					r.logger.Error("local runner worker error", slog.Any("error", err))
				}
			}
		}()
	}

	return nil
}

// Stop cancels all goroutines started by StartWorkers and waits for them to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
