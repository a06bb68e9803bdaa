package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
)

// DefaultOrphanGracePeriod is how long a pending instance may go undispatched,
// or unclaimed after its last dispatch, before the scheduler dispatches it
// again.
const DefaultOrphanGracePeriod = time.Minute

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig struct {
	OrphanGracePeriod time.Duration
	Logger            *slog.Logger
	// Shuffle reorders workflow ids before each tick. Defaults to a random
	// permutation.
	Shuffle func(ids []string)
}

// TickStats summarises one scheduler pass.
type TickStats struct {
	Workflows    int
	Created      int
	Retried      int
	Redispatched int
	Skipped      int
	Errors       int
}

// Scheduler advances asynchronous actions: it creates pending instances for
// ready actions and retries, and hands them to a dispatcher.
type Scheduler struct {
	runner     *Runner
	dispatcher taskqueue.Dispatcher
	grace      time.Duration
	logger     *slog.Logger
	shuffle    func([]string)
}

// NewScheduler returns a Scheduler that creates instances through runner's
// storage and enqueues them on dispatcher.
func NewScheduler(runner *Runner, dispatcher taskqueue.Dispatcher, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		runner:     runner,
		dispatcher: dispatcher,
		grace:      cfg.OrphanGracePeriod,
		logger:     cfg.Logger,
		shuffle:    cfg.Shuffle,
	}
	if s.grace <= 0 {
		s.grace = DefaultOrphanGracePeriod
	}
	if s.logger == nil {
		s.logger = runner.logger
	}
	if s.shuffle == nil {
		s.shuffle = func(ids []string) {
			rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		}
	}
	return s
}

// dispatch is an instance waiting to be enqueued once its transaction commits.
type dispatch struct {
	act  *api.ActionInstance
	opts taskqueue.EnqueueOptions
}

// Tick runs one pass over every unfinished workflow. Failures for a single
// workflow are logged and counted; only failing to list workflows is
// returned as an error.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	ids, err := s.runner.store.ListNotFinishedWorkflowIDs(ctx)
	if err != nil {
		return stats, fmt.Errorf("list workflows: %w", err)
	}
	s.shuffle(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Workflows++

		var pending []dispatch
		err := s.runner.store.RunInTransaction(ctx, func(ctx context.Context) error {
			var err error
			pending, err = s.scheduleWorkflow(ctx, id, &stats)
			return err
		})
		if err != nil {
			stats.Errors++
			s.logger.ErrorContext(ctx, "schedule workflow failed", slog.String("workflow_id", id), slog.Any("error", err))
			continue
		}

		for _, d := range pending {
			if err := s.enqueue(ctx, d); err != nil {
				stats.Errors++
				s.logger.ErrorContext(ctx, "dispatch action failed",
					slog.String("workflow_id", id),
					slog.String("action", d.act.Name),
					slog.String("action_id", d.act.ID),
					slog.Any("error", err))
			}
		}
	}
	return stats, nil
}

func (s *Scheduler) enqueue(ctx context.Context, d dispatch) error {
	if err := s.dispatcher.Enqueue(ctx, d.act.ID, d.opts); err != nil {
		return err
	}
	if err := s.runner.store.MarkActionDispatched(ctx, d.act.ID, s.runner.now()); err != nil {
		return err
	}
	s.runner.observer.OnActionDispatched(ctx, d.act, d.opts.QueueName())
	return nil
}

// scheduleWorkflow runs inside the workflow's transaction and returns the
// instances to enqueue after commit.
func (s *Scheduler) scheduleWorkflow(ctx context.Context, id string, stats *TickStats) ([]dispatch, error) {
	store := s.runner.store

	wf, err := store.FindAndLockWorkflowInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Finished() {
		return nil, nil
	}

	acts, err := store.ListActionInstances(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	latest := latestAttempts(acts)

	var out []dispatch
	for _, def := range wf.Definition.Actions {
		if !def.IsAsync() {
			continue
		}
		waits, err := s.runner.ActionNeedsToWaitFor(ctx, wf, def.Name)
		if err != nil {
			return nil, err
		}
		if len(waits) > 0 {
			continue
		}

		prev := latest[def.Name]
		now := s.runner.now()
		switch {
		case prev == nil:
			d, ok, err := s.create(ctx, wf, def, nil, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				stats.Skipped++
				continue
			}
			stats.Created++
			out = append(out, d)

		case prev.State == api.ActionFailed && s.runner.ActionCanRetry(def, prev) && prev.RetrySuccessorID == "":
			d, ok, err := s.create(ctx, wf, def, prev, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				stats.Skipped++
				continue
			}
			if err := store.SetRetrySuccessor(ctx, prev.ID, d.act.ID); err != nil {
				return nil, err
			}
			stats.Retried++
			out = append(out, d)

		case prev.State == api.ActionPending && s.orphaned(prev, now):
			s.logger.WarnContext(ctx, "redispatching orphaned action",
				slog.String("workflow_id", wf.ID),
				slog.String("action", prev.Name),
				slog.String("action_id", prev.ID))
			stats.Redispatched++
			out = append(out, dispatch{act: prev, opts: enqueueOptions(def, prev.RunAt)})
		}
	}
	return out, nil
}

// orphaned reports whether a pending attempt has gone without a worker for
// longer than the grace period. An attempt never enqueued is measured from
// its creation. An enqueued attempt is measured from its last dispatch, or
// from its run time when that is later.
func (s *Scheduler) orphaned(act *api.ActionInstance, now time.Time) bool {
	if act.DispatchedAt == nil {
		return now.Sub(act.CreatedAt) >= s.grace
	}
	since := *act.DispatchedAt
	if act.RunAt != nil && act.RunAt.After(since) {
		since = *act.RunAt
	}
	return now.Sub(since) >= s.grace
}

// create admits and persists a new pending attempt of def. A nil prev means
// the first attempt; otherwise the attempt retries prev with its input and
// concurrency key. ok is false when admission declined the attempt.
func (s *Scheduler) create(ctx context.Context, wf *api.WorkflowInstance, def api.ActionDefinition, prev *api.ActionInstance, now time.Time) (dispatch, bool, error) {
	store := s.runner.store

	act := &api.ActionInstance{
		ID:         s.runner.newID(),
		Name:       def.Name,
		State:      api.ActionPending,
		WorkflowID: wf.ID,
		CreatedAt:  now,
	}
	if prev != nil {
		act.RetryCount = prev.RetryCount + 1
		act.Input = api.CloneValue(prev.Input)
		act.ConcurrencyKey = prev.ConcurrencyKey
	} else {
		key, err := s.actionKey(wf, def)
		if err != nil {
			return dispatch{}, false, err
		}
		act.ConcurrencyKey = key
	}

	if c := def.Concurrency; c != nil {
		if err := store.LockConcurrencyKey(ctx, act.ConcurrencyKey); err != nil {
			return dispatch{}, false, err
		}
		n, err := store.CountNotFinishedActions(ctx, act.ConcurrencyKey)
		if err != nil {
			return dispatch{}, false, err
		}
		if n >= c.Limit {
			if c.OnConflict == api.OnConflictRaise {
				s.logger.ErrorContext(ctx, "action admission failed",
					slog.String("workflow_id", wf.ID),
					slog.String("action", def.Name),
					slog.Any("error", &api.ConcurrencyError{Kind: "actions", Name: def.Name, Limit: c.Limit}))
			}
			return dispatch{}, false, nil
		}
	}

	runAt, err := runAt(def, now)
	if err != nil {
		return dispatch{}, false, err
	}
	act.RunAt = &runAt

	if err := store.CreateActionInstance(ctx, act); err != nil {
		return dispatch{}, false, err
	}
	return dispatch{act: act, opts: enqueueOptions(def, act.RunAt)}, true, nil
}

// actionKey computes the hashed concurrency key of a scheduler-created
// attempt. Actions not registered in this process use the default key.
func (s *Scheduler) actionKey(wf *api.WorkflowInstance, def api.ActionDefinition) (string, error) {
	spec, err := s.runner.registry.FindAction(def.Name)
	if errors.Is(err, api.ErrActionNotFound) {
		raw, err := api.DefaultActionKey(def.Name, nil)
		if err != nil {
			return "", err
		}
		return api.ConcurrencyKey(raw), nil
	}
	if err != nil {
		return "", err
	}
	exec := &api.Execution{Workflow: wf, Definition: def, Context: map[string]any{}}
	raw, err := spec.ConcurrencyKeyString(exec)
	if err != nil {
		return "", err
	}
	return api.ConcurrencyKey(raw), nil
}

// runAt returns the earliest time an attempt of def created at now may run.
func runAt(def api.ActionDefinition, now time.Time) (time.Time, error) {
	switch {
	case def.Async.Cron != "":
		return api.NextCronTime(def.Async.Cron, now)
	case def.Async.Delay > 0:
		return now.Add(def.Async.Delay), nil
	default:
		return now, nil
	}
}

func enqueueOptions(def api.ActionDefinition, at *time.Time) taskqueue.EnqueueOptions {
	opts := taskqueue.EnqueueOptions{
		Queue:    def.Async.QueueName(),
		Priority: def.Async.Priority,
	}
	if at != nil {
		opts.WaitUntil = *at
	}
	return opts
}

// Run ticks immediately and then every interval until ctx is done. Tick
// errors are logged.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("engine: scheduler interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := s.Tick(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.logger.ErrorContext(ctx, "scheduler tick failed", slog.Any("error", err))
		case stats.Created+stats.Retried+stats.Redispatched > 0:
			s.logger.InfoContext(ctx, "scheduler tick",
				slog.Int("workflows", stats.Workflows),
				slog.Int("created", stats.Created),
				slog.Int("retried", stats.Retried),
				slog.Int("redispatched", stats.Redispatched))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
