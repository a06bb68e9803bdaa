package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/schema"
)

func TestNewRunner_RequiresRegistryAndStorage(t *testing.T) {
	_, err := NewRunner(RunnerConfig{})
	require.Error(t, err)

	_, err = NewRunner(RunnerConfig{Registry: NewRegistry()})
	require.Error(t, err)
}

func TestNewRunner_SealsRegistry(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.registry.Sealed())
	assert.ErrorIs(t, h.registry.AddAction(api.ActionSpec{Name: "late", Action: api.ActionFunc(succeed)}), api.ErrRegistrySealed)
}

func TestStartWorkflow_CreatesPendingInstance(t *testing.T) {
	h := newHarness(t)

	wf := h.start(t, "sync_registration", map[string]any{"email": "jane@example.com"})

	assert.Equal(t, api.WorkflowPending, wf.State)
	assert.Equal(t, "sync_registration", wf.Name)
	assert.Equal(t, map[string]any{"email": "jane@example.com"}, wf.Context)
	assert.Equal(t, api.ConcurrencyKey(`sync_registration-{"email":"jane@example.com"}`), wf.ConcurrencyKey)
	require.NotNil(t, wf.Definition)
	assert.Len(t, wf.Definition.Actions, 3)

	stored := h.workflow(t, wf.ID)
	assert.Equal(t, wf.ConcurrencyKey, stored.ConcurrencyKey)
	assert.Nil(t, stored.StartedAt)
}

func TestStartWorkflow_UnknownName(t *testing.T) {
	h := newHarness(t)

	_, err := h.runner.StartWorkflow(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)
}

func TestStartWorkflow_FallsBackToStoredDefinition(t *testing.T) {
	h := newHarness(t)
	def := api.WorkflowDefinition{
		Name:    "stored_only",
		Actions: []api.ActionDefinition{{Name: "confirm_email_address", Execution: api.ExecutionSync}},
	}
	require.NoError(t, h.store.UpsertWorkflowDefinitions(context.Background(), []*api.WorkflowDefinition{&def}))

	wf := h.start(t, "stored_only", nil)
	assert.Equal(t, map[string]any{}, wf.Context)
	assert.Equal(t, api.ConcurrencyKey("stored_only-{}"), wf.ConcurrencyKey)
}

func TestStartWorkflow_InvalidContext(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		context map[string]any
		message string
	}{
		{"missing required", map[string]any{}, "The value did not contain a required field of 'email'"},
		{"wrong type", map[string]any{"email": "a@b.c", "remember_me": "yes"}, "The field 'remember_me' of type string did not match the following type: boolean"},
		{"unknown field", map[string]any{"email": "a@b.c", "foo": 1}, "The field 'foo' is not supported"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.runner.StartWorkflow(context.Background(), "sync_registration", tc.context)
			require.ErrorIs(t, err, api.ErrInvalidContext)
			assert.EqualError(t, err, tc.message)
		})
	}

	ids, err := h.store.ListNotFinishedWorkflowIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStartWorkflow_ConcurrencyRaise(t *testing.T) {
	h := newHarness(t)
	wctx := map[string]any{"email": "jane@example.com"}

	h.start(t, "sync_registration", wctx)
	h.start(t, "sync_registration", wctx)

	_, err := h.runner.StartWorkflow(context.Background(), "sync_registration", wctx)
	var cerr *api.ConcurrencyError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, api.ErrConcurrency)
	assert.EqualError(t, err, "Cannot run more than 2 'sync_registration' workflows at a time")

	// A different context is a different key.
	h.start(t, "sync_registration", map[string]any{"email": "john@example.com"})
}

func TestStartWorkflow_ConcurrencyReject(t *testing.T) {
	h := newHarness(t, withWorkflow(api.WorkflowDefinition{
		Name:        "singleton",
		Concurrency: &api.WorkflowConcurrency{Limit: 1, OnConflict: api.OnConflictReject},
		Actions:     []api.ActionDefinition{{Name: "confirm_email_address", Execution: api.ExecutionSync}},
	}))

	first := h.start(t, "singleton", nil)

	wf, err := h.runner.StartWorkflow(context.Background(), "singleton", nil)
	require.NoError(t, err)
	assert.Nil(t, wf)

	// Finishing the first frees the slot.
	_, err = h.runner.PerformAction(context.Background(), "confirm_email_address", first.ID, nil)
	require.NoError(t, err)
	h.start(t, "singleton", nil)
}

func TestStartWorkflow_LargeIntegerContextKeepsKeysDistinct(t *testing.T) {
	h := newHarness(t, withWorkflow(api.WorkflowDefinition{
		Name:        "orders",
		Concurrency: &api.WorkflowConcurrency{Limit: 1, OnConflict: api.OnConflictRaise},
		Actions:     []api.ActionDefinition{{Name: "confirm_email_address", Execution: api.ExecutionSync}},
	}))

	first := h.start(t, "orders", map[string]any{"order_id": int64(9007199254740993)})
	stored := h.workflow(t, first.ID)
	assert.Equal(t, json.Number("9007199254740993"), stored.Context["order_id"])
	assert.Equal(t, api.ConcurrencyKey(`orders-{"order_id":9007199254740993}`), stored.ConcurrencyKey)

	second := h.start(t, "orders", map[string]any{"order_id": int64(9007199254740992)})
	assert.NotEqual(t, first.ConcurrencyKey, second.ConcurrencyKey)

	_, err := h.runner.StartWorkflow(context.Background(), "orders", map[string]any{"order_id": int64(9007199254740993)})
	assert.ErrorIs(t, err, api.ErrConcurrency)
}

func TestPerformAction_RunsWrappedPerform(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "sync_registration", map[string]any{"email": "jane@example.com"})

	act, err := h.runner.PerformAction(context.Background(), "create_user", wf.ID, map[string]any{"password": "secret"})
	require.NoError(t, err)

	assert.Equal(t, api.ActionCompleted, act.State)
	assert.Equal(t, []any{map[string]any{"id": "id"}}, act.Output)
	assert.Equal(t, map[string]any{"password": "secret"}, act.Input)
	assert.Equal(t, []any{"around_perform1", "around_perform2", "perform"}, act.Context["tags"])
	assert.Equal(t, api.ConcurrencyKey(api.DefaultQueue), act.ConcurrencyKey)
	assert.NotNil(t, act.StartedAt)
	assert.NotNil(t, act.FinishedAt)

	stored := h.workflow(t, wf.ID)
	assert.Equal(t, api.WorkflowRunning, stored.State)
	assert.Equal(t, "jane@example.com", stored.Context["email"])
	assert.Equal(t, []any{"around_perform1", "around_perform2", "perform"}, stored.Context["tags"])

	snap := h.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.WorkflowsStarted)
	assert.EqualValues(t, 1, snap.ActionsCompleted)
}

func TestPerformAction_InvalidInputCreatesNothing(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "sync_registration", map[string]any{"email": "jane@example.com"})

	_, err := h.runner.PerformAction(context.Background(), "create_user", wf.ID, map[string]any{})
	require.ErrorIs(t, err, api.ErrInvalidInput)
	assert.EqualError(t, err, "The value did not contain a required field of 'password'")

	assert.Empty(t, h.actions(t, wf.ID))
	assert.Equal(t, api.WorkflowPending, h.workflow(t, wf.ID).State)
}

func TestPerformAction_WaitsForDependencies(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "sync_registration", map[string]any{"email": "jane@example.com"})

	_, err := h.runner.PerformAction(context.Background(), "confirm_email_address", wf.ID, nil)
	var werr *api.WaitingForDependencyError
	require.ErrorAs(t, err, &werr)
	assert.ErrorIs(t, err, api.ErrWaitingForDependency)
	assert.EqualError(t, err, "Waiting for actions: 'send_confirmation_email'")
	assert.Empty(t, h.actions(t, wf.ID))
}

func TestPerformAction_CompletesWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "sync_registration", map[string]any{"email": "jane@example.com", "remember_me": true})
	ctx := context.Background()

	_, err := h.runner.PerformAction(ctx, "create_user", wf.ID, map[string]any{"password": "secret"})
	require.NoError(t, err)
	_, err = h.runner.PerformAction(ctx, "send_confirmation_email", wf.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowRunning, h.workflow(t, wf.ID).State)

	_, err = h.runner.PerformAction(ctx, "confirm_email_address", wf.ID, nil)
	require.NoError(t, err)

	stored := h.workflow(t, wf.ID)
	assert.Equal(t, api.WorkflowCompleted, stored.State)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, true, stored.Context["confirmation_sent"])
	assert.Equal(t, true, stored.Context["remember_me"])
	assert.EqualValues(t, 1, h.metrics.Snapshot().WorkflowsCompleted)

	_, err = h.runner.PerformAction(ctx, "confirm_email_address", wf.ID, nil)
	assert.ErrorIs(t, err, api.ErrWorkflowFinished)
}

func TestPerformAction_AlreadyCompleted(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "sync_registration", map[string]any{"email": "jane@example.com"})

	_, err := h.runner.PerformAction(context.Background(), "create_user", wf.ID, map[string]any{"password": "secret"})
	require.NoError(t, err)
	_, err = h.runner.PerformAction(context.Background(), "create_user", wf.ID, map[string]any{"password": "secret"})
	assert.ErrorIs(t, err, api.ErrActionAlreadyCompleted)
	assert.Len(t, h.actions(t, wf.ID), 1)
}

func TestPerformAction_UndeclaredAction(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "sync_registration", map[string]any{"email": "jane@example.com"})

	_, err := h.runner.PerformAction(context.Background(), "send_welcome_email", wf.ID, nil)
	assert.ErrorIs(t, err, api.ErrActionNotFound)

	_, err = h.runner.PerformAction(context.Background(), "unregistered", wf.ID, nil)
	assert.ErrorIs(t, err, api.ErrActionNotFound)

	_, err = h.runner.PerformAction(context.Background(), "create_user", "missing", nil)
	assert.ErrorIs(t, err, api.ErrWorkflowInstanceNotFound)
}

func TestPerformAction_FailureRunsRollback(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "sync_registration", map[string]any{"email": invalidEmail})

	act, err := h.runner.PerformAction(context.Background(), "send_confirmation_email", wf.ID, nil)
	require.ErrorIs(t, err, api.ErrCustomFail)
	require.NotNil(t, act)

	assert.Equal(t, api.ActionFailed, act.State)
	assert.Equal(t, map[string]any{"email": "Invalid email: invalid"}, act.CustomErrors)
	assert.Equal(t, true, act.Context["rollbacked"])
	assert.Equal(t, true, act.Context["around_rollbacked"])
	require.Len(t, act.Logs, 1)
	assert.Contains(t, act.Logs[0], api.ErrCustomFail.Error())

	stored := h.workflow(t, wf.ID)
	assert.Equal(t, api.WorkflowFailed, stored.State)
	assert.Equal(t, true, stored.Context["rollbacked"])

	snap := h.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.ActionsFailed)
	assert.EqualValues(t, 1, snap.WorkflowsFailed)
}

type flakyAction struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyAction) Perform(context.Context, *api.Execution) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, errors.New("smtp unavailable")
	}
	return "sent", nil
}

func TestPerformAction_RetryCreatesSuccessor(t *testing.T) {
	flaky := &flakyAction{}
	h := newHarness(t,
		withAction(api.ActionSpec{Name: "notify", Action: flaky}),
		withWorkflow(api.WorkflowDefinition{
			Name: "notification",
			Actions: []api.ActionDefinition{
				{Name: "notify", Execution: api.ExecutionSync, OnError: api.OnError{Retry: 1}},
			},
		}))
	wf := h.start(t, "notification", nil)
	ctx := context.Background()

	first, err := h.runner.PerformAction(ctx, "notify", wf.ID, map[string]any{"to": "jane"})
	require.EqualError(t, err, "smtp unavailable")
	assert.Equal(t, api.ActionFailed, first.State)
	assert.Equal(t, api.WorkflowRunning, h.workflow(t, wf.ID).State)

	second, err := h.runner.PerformAction(ctx, "notify", wf.ID, map[string]any{"to": "jane"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.RetryCount)
	assert.Equal(t, "sent", second.Output)
	assert.Equal(t, first.ConcurrencyKey, second.ConcurrencyKey)

	acts := h.actions(t, wf.ID)
	require.Len(t, acts, 2)
	assert.Equal(t, second.ID, acts[0].RetrySuccessorID)
	assert.Equal(t, api.WorkflowCompleted, h.workflow(t, wf.ID).State)
}

func TestPerformAction_RetryUsesCallerInput(t *testing.T) {
	h := newHarness(t,
		withAction(api.ActionSpec{Name: "notify", Action: &flakyAction{}}),
		withWorkflow(api.WorkflowDefinition{
			Name: "notification",
			Actions: []api.ActionDefinition{
				{Name: "notify", Execution: api.ExecutionSync, OnError: api.OnError{Retry: 1}},
			},
		}))
	wf := h.start(t, "notification", nil)
	ctx := context.Background()

	first, err := h.runner.PerformAction(ctx, "notify", wf.ID, map[string]any{"to": "jane"})
	require.Error(t, err)

	second, err := h.runner.PerformAction(ctx, "notify", wf.ID, map[string]any{"to": "john"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"to": "john"}, second.Input)
	assert.Equal(t, api.ConcurrencyKey(`notify-{"to":"john"}`), second.ConcurrencyKey)
	assert.NotEqual(t, first.ConcurrencyKey, second.ConcurrencyKey)
}

type failingRollback struct{}

func (failingRollback) Perform(context.Context, *api.Execution) (any, error) {
	return nil, errors.New("charge declined")
}

func (failingRollback) Rollback(context.Context, *api.Execution) error {
	panic("refund service down")
}

func TestPerformAction_RollbackFailurePropagates(t *testing.T) {
	h := newHarness(t,
		withAction(api.ActionSpec{Name: "charge", Action: failingRollback{}}),
		withWorkflow(api.WorkflowDefinition{
			Name:    "payment",
			Actions: []api.ActionDefinition{{Name: "charge", Execution: api.ExecutionSync}},
		}))
	wf := h.start(t, "payment", nil)

	act, err := h.runner.PerformAction(context.Background(), "charge", wf.ID, nil)

	var rerr *api.RollbackError
	require.ErrorAs(t, err, &rerr)
	var perr *api.PanicError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, "refund service down", perr.Value)
	assert.EqualError(t, rerr.Cause, "charge declined")

	require.Len(t, act.Logs, 2)
	assert.Equal(t, "charge declined", act.Logs[0])
	assert.Contains(t, act.Logs[1], "panic: refund service down")
	assert.Equal(t, api.WorkflowFailed, h.workflow(t, wf.ID).State)
}

func TestPerformAction_PanicIsRecorded(t *testing.T) {
	h := newHarness(t,
		withAction(api.ActionSpec{Name: "explode", Action: api.ActionFunc(func(context.Context, *api.Execution) (any, error) {
			panic("boom")
		})}),
		withWorkflow(api.WorkflowDefinition{
			Name:    "volatile",
			Actions: []api.ActionDefinition{{Name: "explode", Execution: api.ExecutionSync}},
		}))
	wf := h.start(t, "volatile", nil)

	act, err := h.runner.PerformAction(context.Background(), "explode", wf.ID, nil)
	var perr *api.PanicError
	require.ErrorAs(t, err, &perr)
	require.Len(t, act.Logs, 1)
	assert.Contains(t, act.Logs[0], "panic: boom")
	assert.Contains(t, act.Logs[0], "goroutine")
}

func TestPerformAction_InvalidOutputFailsAttempt(t *testing.T) {
	h := newHarness(t,
		withAction(api.ActionSpec{
			Name:         "lookup",
			Action:       api.ActionFunc(func(context.Context, *api.Execution) (any, error) { return map[string]any{"id": 7}, nil }),
			OutputSchema: schema.Object(schema.Required("id", schema.String())),
		}),
		withWorkflow(api.WorkflowDefinition{
			Name:    "lookup_flow",
			Actions: []api.ActionDefinition{{Name: "lookup", Execution: api.ExecutionSync}},
		}))
	wf := h.start(t, "lookup_flow", nil)

	act, err := h.runner.PerformAction(context.Background(), "lookup", wf.ID, nil)
	require.ErrorIs(t, err, api.ErrInvalidOutput)
	assert.EqualError(t, err, "The field 'id' of type integer did not match the following type: string")
	assert.Equal(t, api.ActionFailed, act.State)
	assert.Nil(t, act.Output)
}

func TestPerformAction_InvalidCustomErrors(t *testing.T) {
	h := newHarness(t,
		withAction(api.ActionSpec{
			Name: "strict",
			Action: api.ActionFunc(func(_ context.Context, exec *api.Execution) (any, error) {
				exec.SetCustomError("code", 42)
				return nil, exec.Fail()
			}),
			CustomErrorsSchema: schema.Object(schema.Optional("message", schema.String())),
		}),
		withWorkflow(api.WorkflowDefinition{
			Name:    "strict_flow",
			Actions: []api.ActionDefinition{{Name: "strict", Execution: api.ExecutionSync}},
		}))
	wf := h.start(t, "strict_flow", nil)

	act, err := h.runner.PerformAction(context.Background(), "strict", wf.ID, nil)
	require.ErrorIs(t, err, api.ErrInvalidCustomErrors)
	assert.ErrorIs(t, err, api.ErrCustomFail)
	assert.EqualError(t, err, "The field 'code' is not supported")
	assert.Equal(t, api.ActionFailed, act.State)
}

func TestPerformAction_MissingRequiredCustomErrors(t *testing.T) {
	h := newHarness(t,
		withAction(api.ActionSpec{
			Name: "strict",
			Action: api.ActionFunc(func(_ context.Context, exec *api.Execution) (any, error) {
				return nil, exec.Fail()
			}),
			CustomErrorsSchema: schema.Object(schema.Required("code", schema.Integer())),
		}),
		withWorkflow(api.WorkflowDefinition{
			Name:    "strict_flow",
			Actions: []api.ActionDefinition{{Name: "strict", Execution: api.ExecutionSync}},
		}))
	wf := h.start(t, "strict_flow", nil)

	act, err := h.runner.PerformAction(context.Background(), "strict", wf.ID, nil)
	require.ErrorIs(t, err, api.ErrInvalidCustomErrors)
	assert.ErrorIs(t, err, api.ErrCustomFail)
	assert.EqualError(t, err, "The value did not contain a required field of 'code'")
	assert.Equal(t, api.ActionFailed, act.State)
}

type blockingAction struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingAction) Perform(ctx context.Context, _ *api.Execution) (any, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPerformAction_ActionConcurrency(t *testing.T) {
	for _, policy := range []api.OnConflict{api.OnConflictRaise, api.OnConflictReschedule} {
		t.Run(string(policy), func(t *testing.T) {
			blocker := &blockingAction{started: make(chan struct{}), release: make(chan struct{})}
			h := newHarness(t,
				withAction(api.ActionSpec{Name: "export", Action: blocker}),
				withWorkflow(api.WorkflowDefinition{
					Name: "export_flow",
					Actions: []api.ActionDefinition{{
						Name:        "export",
						Execution:   api.ExecutionSync,
						Concurrency: &api.ActionConcurrency{Limit: 1, OnConflict: policy},
					}},
				}))
			ctx := context.Background()
			wf1 := h.start(t, "export_flow", map[string]any{"n": 1})
			wf2 := h.start(t, "export_flow", map[string]any{"n": 2})

			done := make(chan error, 1)
			go func() {
				_, err := h.runner.PerformAction(ctx, "export", wf1.ID, map[string]any{"report": "q1"})
				done <- err
			}()
			<-blocker.started

			act, err := h.runner.PerformAction(ctx, "export", wf2.ID, map[string]any{"report": "q1"})
			if policy == api.OnConflictRaise {
				assert.EqualError(t, err, "Cannot run more than 1 'export' actions at a time")
			} else {
				assert.NoError(t, err)
			}
			assert.Nil(t, act)
			assert.Empty(t, h.actions(t, wf2.ID))

			close(blocker.release)
			require.NoError(t, <-done)
		})
	}
}

func TestPerformCreatedAction_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.start(t, "async_registration", map[string]any{"email": "jane@example.com"})
	h.tick(t)

	acts := h.actions(t, wf.ID)
	require.Len(t, acts, 1)

	act, err := h.runner.PerformCreatedAction(ctx, acts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, api.ActionCompleted, act.State)

	_, err = h.runner.PerformCreatedAction(ctx, acts[0].ID)
	assert.ErrorIs(t, err, api.ErrActionNotPending)

	_, err = h.runner.PerformCreatedAction(ctx, "missing")
	assert.ErrorIs(t, err, api.ErrActionInstanceNotFound)
}

func TestPerformCreatedAction_FinishedWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.start(t, "async_registration", map[string]any{"email": "jane@example.com"})
	h.tick(t)
	acts := h.actions(t, wf.ID)
	require.Len(t, acts, 1)

	require.NoError(t, h.store.FailWorkflow(ctx, wf.ID, h.clock.Now()))

	_, err := h.runner.PerformCreatedAction(ctx, acts[0].ID)
	assert.ErrorIs(t, err, api.ErrWorkflowFinished)

	act, err := h.store.FindActionInstance(ctx, acts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, api.ActionFailed, act.State)
	require.Len(t, act.Logs, 1)
	assert.Contains(t, act.Logs[0], "already failed")
}

func TestActionCanRetry(t *testing.T) {
	h := newHarness(t)
	def := api.ActionDefinition{Name: "a", OnError: api.OnError{Retry: 2}}

	assert.True(t, h.runner.ActionCanRetry(def, &api.ActionInstance{RetryCount: 0}))
	assert.True(t, h.runner.ActionCanRetry(def, &api.ActionInstance{RetryCount: 1}))
	assert.False(t, h.runner.ActionCanRetry(def, &api.ActionInstance{RetryCount: 2}))
	assert.False(t, h.runner.ActionCanRetry(api.ActionDefinition{}, &api.ActionInstance{}))
}

func TestActionNeedsToWaitFor(t *testing.T) {
	h := newHarness(t)
	wf := h.start(t, "async_registration", map[string]any{"email": "jane@example.com"})
	ctx := context.Background()

	waits, err := h.runner.ActionNeedsToWaitFor(ctx, wf, "send_welcome_email")
	require.NoError(t, err)
	assert.Equal(t, []string{"create_user"}, waits)

	waits, err = h.runner.ActionNeedsToWaitFor(ctx, wf, "create_user")
	require.NoError(t, err)
	assert.Empty(t, waits)

	_, err = h.runner.ActionNeedsToWaitFor(ctx, wf, "nope")
	assert.ErrorIs(t, err, api.ErrActionNotFound)
}
