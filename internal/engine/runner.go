package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/schema"
)

// RunnerConfig describes how to construct a Runner.
type RunnerConfig struct {
	Registry  *Registry
	Storage   persistence.Storage
	Validator schema.Validator
	Observer  api.Observer
	Logger    *slog.Logger
	// Clock and NewID are overridable for tests.
	Clock func() time.Time
	NewID func() string
}

// Runner owns every state transition of workflow and action instances.
type Runner struct {
	registry  *Registry
	store     persistence.Storage
	validator schema.Validator
	observer  api.Observer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewRunner seals cfg.Registry and returns a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("engine: storage is required")
	}
	r := &Runner{
		registry:  cfg.Registry,
		store:     cfg.Storage,
		validator: cfg.Validator,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		newID:     cfg.NewID,
	}
	if r.validator == nil {
		r.validator = schema.DefaultValidator
	}
	if r.observer == nil {
		r.observer = api.NoopObserver{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	cfg.Registry.Seal()
	return r, nil
}

// Registry returns the registry the runner resolves names against.
func (r *Runner) Registry() *Registry { return r.registry }

// Storage returns the runner's storage.
func (r *Runner) Storage() persistence.Storage { return r.store }

// definition resolves a workflow by name, falling back to definitions
// synchronised into storage by another process.
func (r *Runner) definition(ctx context.Context, name string) (*api.WorkflowDefinition, error) {
	def, err := r.registry.FindWorkflow(name)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, api.ErrWorkflowNotFound) {
		return nil, err
	}
	def, err = r.store.FindWorkflowDefinition(ctx, name)
	if errors.Is(err, api.ErrWorkflowNotFound) {
		return nil, fmt.Errorf("%w: '%s'", api.ErrWorkflowNotFound, name)
	}
	return def, err
}

func (r *Runner) validate(kind error, value any, s *schema.Schema, cause error) error {
	if s == nil {
		return nil
	}
	return api.NewValidationError(kind, r.validator.Validate(value, s), cause)
}

// StartWorkflow creates a pending workflow instance. It returns (nil, nil)
// when the workflow's concurrency policy is reject and the limit is reached.
func (r *Runner) StartWorkflow(ctx context.Context, name string, wctx map[string]any) (*api.WorkflowInstance, error) {
	def, err := r.definition(ctx, name)
	if err != nil {
		return nil, err
	}

	norm, err := api.NormalizeMap(wctx)
	if err != nil {
		return nil, api.NewValidationError(api.ErrInvalidContext, []string{err.Error()}, err)
	}
	if norm == nil {
		norm = map[string]any{}
	}
	if err := r.validate(api.ErrInvalidContext, norm, def.ContextSchema, nil); err != nil {
		return nil, err
	}

	raw, err := api.WorkflowKey(def.Name, norm)
	if err != nil {
		return nil, err
	}
	wf := &api.WorkflowInstance{
		ID:             r.newID(),
		Name:           def.Name,
		Definition:     def,
		State:          api.WorkflowPending,
		Context:        norm,
		ConcurrencyKey: api.ConcurrencyKey(raw),
		CreatedAt:      r.now(),
	}

	rejected := false
	err = r.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if c := def.Concurrency; c != nil {
			if err := r.store.LockConcurrencyKey(ctx, wf.ConcurrencyKey); err != nil {
				return err
			}
			n, err := r.store.CountNotFinishedWorkflows(ctx, wf.ConcurrencyKey)
			if err != nil {
				return err
			}
			if n >= c.Limit {
				if c.OnConflict == api.OnConflictReject {
					rejected = true
					return nil
				}
				return &api.ConcurrencyError{Kind: "workflows", Name: def.Name, Limit: c.Limit}
			}
		}
		return r.store.CreateWorkflowInstance(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	if rejected {
		r.logger.DebugContext(ctx, "workflow rejected by concurrency limit", slog.String("workflow", def.Name))
		return nil, nil
	}
	return wf.Clone(), nil
}

// ActionNeedsToWaitFor returns the wait_for dependencies of actionName that
// have no completed instance in wf yet.
func (r *Runner) ActionNeedsToWaitFor(ctx context.Context, wf *api.WorkflowInstance, actionName string) ([]string, error) {
	def, ok := wf.Definition.Action(actionName)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' is not declared in workflow '%s'", api.ErrActionNotFound, actionName, wf.Name)
	}
	if len(def.WaitFor) == 0 {
		return nil, nil
	}
	return r.store.IncompleteActionNames(ctx, def.WaitFor, wf.ID)
}

// ActionCanRetry reports whether a failed attempt still has retries left.
func (r *Runner) ActionCanRetry(def api.ActionDefinition, act *api.ActionInstance) bool {
	return act.RetryCount < def.OnError.Retry
}

// latestAttempts returns the attempt with the highest retry count per name.
func latestAttempts(acts []*api.ActionInstance) map[string]*api.ActionInstance {
	out := make(map[string]*api.ActionInstance)
	for _, a := range acts {
		if cur, ok := out[a.Name]; !ok || a.RetryCount >= cur.RetryCount {
			out[a.Name] = a
		}
	}
	return out
}

// errReschedule aborts an admission transaction without an error result.
var errReschedule = errors.New("reschedule")

// PerformAction runs one attempt of actionName in the workflow. It returns the
// finished attempt; on failure the failed attempt is returned together with
// the error. (nil, nil) means the action's concurrency policy is reschedule
// and its limit is reached.
func (r *Runner) PerformAction(ctx context.Context, actionName, workflowID string, input any) (*api.ActionInstance, error) {
	spec, err := r.registry.FindAction(actionName)
	if err != nil {
		return nil, err
	}
	wf, err := r.store.FindWorkflowInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Finished() {
		return nil, fmt.Errorf("%w: '%s' is %s", api.ErrWorkflowFinished, wf.ID, wf.State)
	}
	def, ok := wf.Definition.Action(actionName)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' is not declared in workflow '%s'", api.ErrActionNotFound, actionName, wf.Name)
	}

	input, err = api.Normalize(input)
	if err != nil {
		return nil, api.NewValidationError(api.ErrInvalidInput, []string{err.Error()}, err)
	}
	inSchema, _, _, _ := spec.Schemas(def)
	if err := r.validate(api.ErrInvalidInput, input, inSchema, nil); err != nil {
		return nil, err
	}

	waits, err := r.ActionNeedsToWaitFor(ctx, wf, actionName)
	if err != nil {
		return nil, err
	}
	if len(waits) > 0 {
		return nil, &api.WaitingForDependencyError{Names: waits}
	}

	exec := &api.Execution{Workflow: wf, Definition: def, Input: input, Context: map[string]any{}}
	raw, err := spec.ConcurrencyKeyString(exec)
	if err != nil {
		return nil, err
	}
	key := api.ConcurrencyKey(raw)

	var (
		act            *api.ActionInstance
		workflowStarts bool
	)
	err = r.store.RunInTransaction(ctx, func(ctx context.Context) error {
		locked, err := r.store.FindAndLockWorkflowInstance(ctx, wf.ID)
		if err != nil {
			return err
		}
		if locked.Finished() {
			return fmt.Errorf("%w: '%s' is %s", api.ErrWorkflowFinished, wf.ID, locked.State)
		}

		existing, err := r.store.ListActionInstances(ctx, wf.ID)
		if err != nil {
			return err
		}
		var retryCount uint
		predecessor := latestAttempts(existing)[actionName]
		if predecessor != nil {
			switch {
			case predecessor.State == api.ActionCompleted:
				return fmt.Errorf("%w: '%s'", api.ErrActionAlreadyCompleted, actionName)
			case predecessor.State != api.ActionFailed:
				return fmt.Errorf("%w: '%s'", api.ErrActionInProgress, actionName)
			case !r.ActionCanRetry(def, predecessor):
				return fmt.Errorf("%w: '%s' has no retries left", api.ErrWorkflowFinished, actionName)
			}
			retryCount = predecessor.RetryCount + 1
		}

		if c := def.Concurrency; c != nil {
			if err := r.store.LockConcurrencyKey(ctx, key); err != nil {
				return err
			}
			n, err := r.store.CountNotFinishedActions(ctx, key)
			if err != nil {
				return err
			}
			if n >= c.Limit {
				if c.OnConflict == api.OnConflictReschedule {
					return errReschedule
				}
				return &api.ConcurrencyError{Kind: "actions", Name: actionName, Limit: c.Limit}
			}
		}

		now := r.now()
		act = &api.ActionInstance{
			ID:             r.newID(),
			Name:           actionName,
			State:          api.ActionPending,
			WorkflowID:     wf.ID,
			RetryCount:     retryCount,
			Input:          input,
			ConcurrencyKey: key,
			CreatedAt:      now,
		}
		if err := r.store.CreateActionInstance(ctx, act); err != nil {
			return err
		}
		if predecessor != nil {
			if err := r.store.SetRetrySuccessor(ctx, predecessor.ID, act.ID); err != nil {
				return err
			}
		}
		return r.begin(ctx, wf, act, now, &workflowStarts)
	})
	if errors.Is(err, errReschedule) {
		r.logger.DebugContext(ctx, "action rescheduled by concurrency limit",
			slog.String("action", actionName), slog.String("workflow_id", wf.ID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.notifyStart(ctx, wf, workflowStarts)
	exec.Instance = act.Clone()
	return r.execute(ctx, spec, wf, def, act, exec)
}

// PerformCreatedAction runs a pending action instance created by the
// scheduler. A duplicate delivery of an instance that is no longer pending
// yields api.ErrActionNotPending without running the action.
func (r *Runner) PerformCreatedAction(ctx context.Context, actionInstanceID string) (*api.ActionInstance, error) {
	act, err := r.store.FindActionInstance(ctx, actionInstanceID)
	if err != nil {
		return nil, err
	}
	if act.State != api.ActionPending {
		return nil, fmt.Errorf("%w: '%s' is %s", api.ErrActionNotPending, act.ID, act.State)
	}
	spec, err := r.registry.FindAction(act.Name)
	if err != nil {
		return nil, err
	}
	wf, err := r.store.FindWorkflowInstance(ctx, act.WorkflowID)
	if err != nil {
		return nil, err
	}
	def, ok := wf.Definition.Action(act.Name)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' is not declared in workflow '%s'", api.ErrActionNotFound, act.Name, wf.Name)
	}

	var workflowStarts, abandoned bool
	err = r.store.RunInTransaction(ctx, func(ctx context.Context) error {
		locked, err := r.store.FindAndLockWorkflowInstance(ctx, wf.ID)
		if err != nil {
			return err
		}
		now := r.now()
		if locked.Finished() {
			abandoned = true
			logs := []string{fmt.Sprintf("workflow '%s' was already %s when the action was delivered", wf.ID, locked.State)}
			return r.store.FailAction(ctx, act.ID, nil, nil, logs, now)
		}
		return r.begin(ctx, wf, act, now, &workflowStarts)
	})
	if err != nil {
		return nil, err
	}
	if abandoned {
		return nil, fmt.Errorf("%w: '%s'", api.ErrWorkflowFinished, wf.ID)
	}

	r.notifyStart(ctx, wf, workflowStarts)
	exec := &api.Execution{Workflow: wf, Definition: def, Instance: act.Clone(), Input: act.Input, Context: map[string]any{}}
	return r.execute(ctx, spec, wf, def, act, exec)
}

// begin moves the attempt to running and the workflow out of pending.
func (r *Runner) begin(ctx context.Context, wf *api.WorkflowInstance, act *api.ActionInstance, now time.Time, workflowStarts *bool) error {
	if err := r.store.StartAction(ctx, act.ID, now); err != nil {
		return err
	}
	act.State = api.ActionRunning
	act.StartedAt = &now

	started, err := r.store.StartWorkflow(ctx, wf.ID, now)
	if err != nil {
		return err
	}
	*workflowStarts = started
	return nil
}

func (r *Runner) notifyStart(ctx context.Context, wf *api.WorkflowInstance, started bool) {
	if started {
		wf.State = api.WorkflowRunning
		r.observer.OnWorkflowStart(ctx, wf)
	}
}

// safeCall converts panics in action code into *api.PanicError.
func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &api.PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func trace(err error) string {
	var pe *api.PanicError
	if errors.As(err, &pe) {
		return pe.Trace()
	}
	return err.Error()
}

// execute runs the wrapped Perform chain and then records success or runs
// the rollback protocol.
func (r *Runner) execute(ctx context.Context, spec *api.ActionSpec, wf *api.WorkflowInstance, def api.ActionDefinition, act *api.ActionInstance, exec *api.Execution) (*api.ActionInstance, error) {
	r.observer.OnActionStart(ctx, wf, act)
	started := time.Now()

	err := safeCall(func() error { return spec.RunPerform(ctx, exec) })

	var (
		output any
		actx   map[string]any
	)
	if err == nil {
		output, actx, err = r.checkResult(spec, def, exec)
	}
	if err != nil {
		return r.rollback(ctx, spec, wf, def, act, exec, err, time.Since(started))
	}

	var completed bool
	err = r.store.RunInTransaction(ctx, func(ctx context.Context) error {
		now := r.now()
		if err := r.store.CompleteAction(ctx, act.ID, output, actx, now); err != nil {
			return err
		}
		locked, err := r.store.FindAndLockWorkflowInstance(ctx, wf.ID)
		if err != nil {
			return err
		}
		merged := api.MergeContext(locked.Context, actx)
		if err := r.store.UpdateWorkflowContext(ctx, wf.ID, merged); err != nil {
			return err
		}
		wf.Context = merged

		incomplete, err := r.store.IncompleteActionNames(ctx, locked.Definition.ActionNames(), wf.ID)
		if err != nil {
			return err
		}
		if len(incomplete) == 0 && !locked.Finished() {
			if err := r.store.CompleteWorkflow(ctx, wf.ID, now); err != nil {
				return err
			}
			completed = true
		}
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "action completion not recorded, attempt left running",
			slog.String("action", act.Name),
			slog.String("action_id", act.ID),
			slog.String("workflow_id", wf.ID),
			slog.Any("error", err))
		return nil, fmt.Errorf("record completion of '%s': %w", act.Name, err)
	}

	r.observer.OnActionCompleted(ctx, wf, act, nil, time.Since(started))
	if completed {
		wf.State = api.WorkflowCompleted
		r.observer.OnWorkflowCompleted(ctx, wf)
	}
	return r.store.FindActionInstance(ctx, act.ID)
}

// checkResult normalises and validates the context and output produced by a
// successful Perform. The returned context is never nil.
func (r *Runner) checkResult(spec *api.ActionSpec, def api.ActionDefinition, exec *api.Execution) (any, map[string]any, error) {
	_, ctxSchema, outSchema, _ := spec.Schemas(def)

	actx, err := api.NormalizeMap(exec.Context)
	if err != nil {
		return nil, nil, api.NewValidationError(api.ErrInvalidContext, []string{err.Error()}, err)
	}
	if actx == nil {
		actx = map[string]any{}
	}
	if err := r.validate(api.ErrInvalidContext, actx, ctxSchema, nil); err != nil {
		return nil, nil, err
	}

	output, err := api.Normalize(exec.Output)
	if err != nil {
		return nil, nil, api.NewValidationError(api.ErrInvalidOutput, []string{err.Error()}, err)
	}
	if err := r.validate(api.ErrInvalidOutput, output, outSchema, nil); err != nil {
		return nil, nil, err
	}
	return output, actx, nil
}

// rollback runs the wrapped Rollback chain, records the failed attempt and
// fails the workflow unless the attempt can be retried. The returned error is
// the rollback failure when Rollback itself failed, the original failure
// otherwise.
func (r *Runner) rollback(ctx context.Context, spec *api.ActionSpec, wf *api.WorkflowInstance, def api.ActionDefinition, act *api.ActionInstance, exec *api.Execution, cause error, elapsed time.Duration) (*api.ActionInstance, error) {
	logs := []string{trace(cause)}
	failure := cause

	if rbErr := safeCall(func() error { return spec.RunRollback(ctx, exec) }); rbErr != nil {
		logs = append(logs, trace(rbErr))
		failure = &api.RollbackError{Err: rbErr, Cause: cause}
	}

	actx, err := api.NormalizeMap(exec.Context)
	if err != nil {
		logs = append(logs, "context: "+err.Error())
		actx = nil
	}
	customErrors, err := api.NormalizeMap(exec.CustomErrors)
	if err != nil {
		logs = append(logs, "custom errors: "+err.Error())
		customErrors = nil
	}

	retryable := r.ActionCanRetry(def, act)
	var failed bool
	err = r.store.RunInTransaction(ctx, func(ctx context.Context) error {
		now := r.now()
		if err := r.store.FailAction(ctx, act.ID, actx, customErrors, logs, now); err != nil {
			return err
		}
		locked, err := r.store.FindAndLockWorkflowInstance(ctx, wf.ID)
		if err != nil {
			return err
		}
		merged := api.MergeContext(locked.Context, actx)
		if err := r.store.UpdateWorkflowContext(ctx, wf.ID, merged); err != nil {
			return err
		}
		wf.Context = merged
		if !retryable && !locked.Finished() {
			if err := r.store.FailWorkflow(ctx, wf.ID, now); err != nil {
				return err
			}
			failed = true
		}
		return nil
	})
	if err != nil {
		return nil, errors.Join(failure, fmt.Errorf("record failure of '%s': %w", act.Name, err))
	}

	r.observer.OnActionCompleted(ctx, wf, act, failure, elapsed)
	if failed {
		wf.State = api.WorkflowFailed
		r.observer.OnWorkflowFailed(ctx, wf, failure)
	}

	_, _, _, ceSchema := spec.Schemas(def)
	if ceSchema != nil {
		ce := customErrors
		if ce == nil {
			ce = map[string]any{}
		}
		if verr := r.validate(api.ErrInvalidCustomErrors, ce, ceSchema, failure); verr != nil {
			failure = verr
		}
	}

	failedAct, err := r.store.FindActionInstance(ctx, act.ID)
	if err != nil {
		return nil, failure
	}
	return failedAct, failure
}
