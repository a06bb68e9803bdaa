package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the runner and scheduler for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay action execution.
type Observer interface {
	// OnWorkflowStart is called when a workflow instance moves from pending
	// to running, i.e. when its first action attempt starts.
	OnWorkflowStart(ctx context.Context, wf *WorkflowInstance)

	// OnWorkflowCompleted is called when every declared action has completed.
	OnWorkflowCompleted(ctx context.Context, wf *WorkflowInstance)

	// OnWorkflowFailed is called when a workflow instance transitions to
	// WorkflowFailed.
	OnWorkflowFailed(ctx context.Context, wf *WorkflowInstance, err error)

	// OnActionStart is called before the wrapped Perform chain runs.
	OnActionStart(ctx context.Context, wf *WorkflowInstance, act *ActionInstance)

	// OnActionCompleted is called after an attempt finished, for both
	// successes and failures (err != nil).
	OnActionCompleted(ctx context.Context, wf *WorkflowInstance, act *ActionInstance, err error, duration time.Duration)

	// OnActionDispatched is called by the scheduler after an action instance
	// was handed to the queue.
	OnActionDispatched(ctx context.Context, act *ActionInstance, queue string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(context.Context, *WorkflowInstance)            {}
func (NoopObserver) OnWorkflowCompleted(context.Context, *WorkflowInstance)        {}
func (NoopObserver) OnWorkflowFailed(context.Context, *WorkflowInstance, error)    {}
func (NoopObserver) OnActionStart(context.Context, *WorkflowInstance, *ActionInstance) {}
func (NoopObserver) OnActionCompleted(context.Context, *WorkflowInstance, *ActionInstance, error, time.Duration) {
}
func (NoopObserver) OnActionDispatched(context.Context, *ActionInstance, string) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, wf *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, wf *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, wf)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, wf *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, wf, err)
	}
}

func (c *CompositeObserver) OnActionStart(ctx context.Context, wf *WorkflowInstance, act *ActionInstance) {
	for _, o := range c.observers {
		o.OnActionStart(ctx, wf, act)
	}
}

func (c *CompositeObserver) OnActionCompleted(ctx context.Context, wf *WorkflowInstance, act *ActionInstance, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActionCompleted(ctx, wf, act, err, d)
	}
}

func (c *CompositeObserver) OnActionDispatched(ctx context.Context, act *ActionInstance, queue string) {
	for _, o := range c.observers {
		o.OnActionDispatched(ctx, act, queue)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and action
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, wf *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", wf.Name),
		slog.String("workflow_id", wf.ID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, wf *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", wf.Name),
		slog.String("workflow_id", wf.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, wf *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", wf.Name),
		slog.String("workflow_id", wf.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActionStart(ctx context.Context, wf *WorkflowInstance, act *ActionInstance) {
	o.Logger.DebugContext(ctx, "action_start",
		slog.String("workflow", wf.Name),
		slog.String("workflow_id", wf.ID),
		slog.String("action", act.Name),
		slog.String("action_id", act.ID),
		slog.Uint64("retry_count", uint64(act.RetryCount)),
	)
}

func (o *LoggingObserver) OnActionCompleted(ctx context.Context, wf *WorkflowInstance, act *ActionInstance, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "action_completed",
		slog.String("workflow", wf.Name),
		slog.String("workflow_id", wf.ID),
		slog.String("action", act.Name),
		slog.String("action_id", act.ID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActionDispatched(ctx context.Context, act *ActionInstance, queue string) {
	o.Logger.DebugContext(ctx, "action_dispatched",
		slog.String("action", act.Name),
		slog.String("action_id", act.ID),
		slog.String("workflow_id", act.WorkflowID),
		slog.String("queue", queue),
	)
}

// BasicMetrics collects simple counters and aggregate action durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted    atomic.Int64
	workflowsCompleted  atomic.Int64
	workflowsFailed     atomic.Int64
	actionsCompleted    atomic.Int64
	actionsFailed       atomic.Int64
	actionsDispatched   atomic.Int64
	totalActionDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	RunningWorkflows   int64

	ActionsCompleted  int64
	ActionsFailed     int64
	ActionsDispatched int64
	AvgActionDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(context.Context, *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(context.Context, *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(context.Context, *WorkflowInstance, error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnActionCompleted(_ context.Context, _ *WorkflowInstance, _ *ActionInstance, err error, d time.Duration) {
	if err != nil {
		m.actionsFailed.Add(1)
		return
	}
	// Only successful attempts count towards the average duration.
	m.actionsCompleted.Add(1)
	m.totalActionDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnActionDispatched(context.Context, *ActionInstance, string) {
	m.actionsDispatched.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	actions := m.actionsCompleted.Load()
	totalNs := m.totalActionDuration.Load()

	var avg time.Duration
	if actions > 0 {
		avg = time.Duration(totalNs / actions)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
		WorkflowsFailed:    failed,
		RunningWorkflows:   started - completed - failed,
		ActionsCompleted:   actions,
		ActionsFailed:      m.actionsFailed.Load(),
		ActionsDispatched:  m.actionsDispatched.Load(),
		AvgActionDuration:  avg,
	}
}
