package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
)

// dequeueBackoff is the pause after a failed Dequeue.
const dequeueBackoff = 500 * time.Millisecond

// Performer runs a pending action instance. *engine.Runner implements it.
type Performer interface {
	PerformCreatedAction(ctx context.Context, actionInstanceID string) (*api.ActionInstance, error)
}

// Config tunes a Worker.
type Config struct {
	// Concurrency is the number of tasks processed in parallel by Run.
	// Defaults to 1.
	Concurrency int
	// Queues restricts the worker to the named queues. Empty means all.
	Queues []string
	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and performs the action instances they
// reference.
type Worker struct {
	performer Performer
	queue     taskqueue.Queue
	cfg       Config
	logger    *slog.Logger
}

// New creates a new Worker.
func New(performer Performer, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		performer: performer,
		queue:     queue,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProcessOne pulls a single task from the queue and performs it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a task was performed; err is the action's failure, if any.
//
// Duplicate deliveries of an instance that already ran are processed without
// error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.Queues...)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	act, err := w.performer.PerformCreatedAction(ctx, task.ActionInstanceID)
	switch {
	case errors.Is(err, api.ErrActionNotPending):
		w.logger.DebugContext(ctx, "skipping duplicate delivery",
			slog.String("action_id", task.ActionInstanceID),
			slog.String("queue", task.Queue))
		return true, nil
	case err != nil:
		attrs := []any{
			slog.String("action_id", task.ActionInstanceID),
			slog.String("queue", task.Queue),
			slog.Any("error", err),
		}
		if act != nil {
			attrs = append(attrs, slog.String("action", act.Name), slog.String("workflow_id", act.WorkflowID))
		}
		w.logger.WarnContext(ctx, "action failed", attrs...)
		return true, err
	}
	return true, nil
}

// Run processes tasks with cfg.Concurrency goroutines until ctx is cancelled.
// Action failures are logged and do not stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if !processed && err != nil {
					w.logger.ErrorContext(ctx, "dequeue failed", slog.Any("error", err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(dequeueBackoff):
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}
