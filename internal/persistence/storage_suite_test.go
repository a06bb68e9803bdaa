package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/internal/testutil"
	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/schema"
)

func testDefinition() *api.WorkflowDefinition {
	return &api.WorkflowDefinition{
		Name:          "async_registration",
		Concurrency:   &api.WorkflowConcurrency{Limit: 2, OnConflict: api.OnConflictRaise},
		ContextSchema: schema.Object(schema.Required("email", schema.String())),
		Actions: []api.ActionDefinition{
			{Name: "create_user", Execution: api.ExecutionAsync, Async: api.AsyncOptions{Queue: "default", Delay: time.Minute}},
			{Name: "send_welcome_email", Execution: api.ExecutionAsync, WaitFor: []string{"create_user"}, OnError: api.OnError{Retry: 1}},
		},
	}
}

func newWorkflow(key string) *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:             uuid.NewString(),
		Name:           "async_registration",
		Definition:     testDefinition(),
		State:          api.WorkflowPending,
		Context:        map[string]any{"email": "user@example.com"},
		ConcurrencyKey: key,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
}

func newAction(wfID, name string) *api.ActionInstance {
	return &api.ActionInstance{
		ID:             uuid.NewString(),
		Name:           name,
		State:          api.ActionPending,
		WorkflowID:     wfID,
		Input:          map[string]any{"password": "secret"},
		ConcurrencyKey: "key-" + name,
		CreatedAt:      time.Now().UTC(),
	}
}

// runStorageSuite exercises the Storage contract against one backend.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("definitions", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindWorkflowDefinition(ctx, "missing")
		require.ErrorIs(t, err, api.ErrWorkflowNotFound)

		def := testDefinition()
		require.NoError(t, s.UpsertWorkflowDefinitions(ctx, []*api.WorkflowDefinition{def}))
		got, err := s.FindWorkflowDefinition(ctx, def.Name)
		require.NoError(t, err)
		assert.Equal(t, def, got)

		changed := testDefinition()
		changed.Concurrency = nil
		require.NoError(t, s.UpsertWorkflowDefinitions(ctx, []*api.WorkflowDefinition{changed}))
		got, err = s.FindWorkflowDefinition(ctx, def.Name)
		require.NoError(t, err)
		assert.Nil(t, got.Concurrency)
	})

	t.Run("workflow lifecycle", func(t *testing.T) {
		s := newStore(t)
		wf := newWorkflow("k1")
		require.NoError(t, s.CreateWorkflowInstance(ctx, wf))

		got, err := s.FindWorkflowInstance(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.Definition, got.Definition)
		assert.Equal(t, wf.Context, got.Context)
		assert.Equal(t, api.WorkflowPending, got.State)
		assert.True(t, wf.CreatedAt.Equal(got.CreatedAt))

		n, err := s.CountNotFinishedWorkflows(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		started, err := s.StartWorkflow(ctx, wf.ID, time.Now())
		require.NoError(t, err)
		assert.True(t, started)
		started, err = s.StartWorkflow(ctx, wf.ID, time.Now())
		require.NoError(t, err)
		assert.False(t, started)

		require.NoError(t, s.UpdateWorkflowContext(ctx, wf.ID, map[string]any{"email": "x", "id": "1"}))
		require.NoError(t, s.CompleteWorkflow(ctx, wf.ID, time.Now()))
		require.ErrorIs(t, s.FailWorkflow(ctx, wf.ID, time.Now()), api.ErrWorkflowFinished)

		got, err = s.FindAndLockWorkflowInstance(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, api.WorkflowCompleted, got.State)
		assert.Equal(t, map[string]any{"email": "x", "id": "1"}, got.Context)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.FinishedAt)

		n, err = s.CountNotFinishedWorkflows(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, err = s.FindWorkflowInstance(ctx, "nope")
		assert.ErrorIs(t, err, api.ErrWorkflowInstanceNotFound)
		_, err = s.StartWorkflow(ctx, "nope", time.Now())
		assert.ErrorIs(t, err, api.ErrWorkflowInstanceNotFound)
	})

	t.Run("not finished ids", func(t *testing.T) {
		s := newStore(t)
		a, b := newWorkflow("k"), newWorkflow("k")
		require.NoError(t, s.CreateWorkflowInstance(ctx, a))
		require.NoError(t, s.CreateWorkflowInstance(ctx, b))
		require.NoError(t, s.FailWorkflow(ctx, b.ID, time.Now()))

		ids, err := s.ListNotFinishedWorkflowIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID}, ids)
	})

	t.Run("action lifecycle", func(t *testing.T) {
		s := newStore(t)
		wf := newWorkflow("k")
		require.NoError(t, s.CreateWorkflowInstance(ctx, wf))

		act := newAction(wf.ID, "create_user")
		require.NoError(t, s.CreateActionInstance(ctx, act))

		got, err := s.FindActionInstance(ctx, act.ID)
		require.NoError(t, err)
		assert.Equal(t, api.ActionPending, got.State)
		assert.Equal(t, map[string]any{"password": "secret"}, got.Input)
		assert.Nil(t, got.Output)
		assert.Nil(t, got.DispatchedAt)

		n, err := s.CountNotFinishedActions(ctx, "key-create_user")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.ErrorIs(t, s.CompleteAction(ctx, act.ID, nil, nil, time.Now()), ErrStateConflict)
		require.NoError(t, s.MarkActionDispatched(ctx, act.ID, time.Now()))
		require.NoError(t, s.StartAction(ctx, act.ID, time.Now()))
		require.ErrorIs(t, s.StartAction(ctx, act.ID, time.Now()), api.ErrActionNotPending)

		output := []any{map[string]any{"id": "id"}}
		require.NoError(t, s.CompleteAction(ctx, act.ID, output, map[string]any{"tags": []any{"perform"}}, time.Now()))

		got, err = s.FindActionInstance(ctx, act.ID)
		require.NoError(t, err)
		assert.Equal(t, api.ActionCompleted, got.State)
		assert.Equal(t, output, got.Output)
		assert.Equal(t, map[string]any{"tags": []any{"perform"}}, got.Context)
		assert.NotNil(t, got.DispatchedAt)
		assert.NotNil(t, got.FinishedAt)

		n, err = s.CountNotFinishedActions(ctx, "key-create_user")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		incomplete, err := s.IncompleteActionNames(ctx, []string{"send_welcome_email", "create_user"}, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"send_welcome_email"}, incomplete)

		_, err = s.FindActionInstance(ctx, "nope")
		assert.ErrorIs(t, err, api.ErrActionInstanceNotFound)
		assert.ErrorIs(t, s.StartAction(ctx, "nope", time.Now()), api.ErrActionInstanceNotFound)
		assert.ErrorIs(t, s.CreateActionInstance(ctx, newAction("nope", "x")), api.ErrWorkflowInstanceNotFound)
	})

	t.Run("retry chain", func(t *testing.T) {
		s := newStore(t)
		wf := newWorkflow("k")
		require.NoError(t, s.CreateWorkflowInstance(ctx, wf))

		first := newAction(wf.ID, "send_welcome_email")
		require.NoError(t, s.CreateActionInstance(ctx, first))
		require.NoError(t, s.StartAction(ctx, first.ID, time.Now()))
		logs := []string{"boom\ntrace"}
		require.NoError(t, s.FailAction(ctx, first.ID, map[string]any{"a": true}, map[string]any{"email": "bad"}, logs, time.Now()))
		require.ErrorIs(t, s.FailAction(ctx, first.ID, nil, nil, nil, time.Now()), ErrStateConflict)

		second := newAction(wf.ID, "send_welcome_email")
		second.RetryCount = 1
		second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
		require.NoError(t, s.CreateActionInstance(ctx, second))
		require.NoError(t, s.SetRetrySuccessor(ctx, first.ID, second.ID))

		list, err := s.ListActionInstances(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, first.ID, list[0].ID)
		assert.Equal(t, second.ID, list[0].RetrySuccessorID)
		assert.Equal(t, api.ActionFailed, list[0].State)
		assert.Equal(t, logs, list[0].Logs)
		assert.Equal(t, map[string]any{"email": "bad"}, list[0].CustomErrors)
		assert.Equal(t, uint(1), list[1].RetryCount)
		assert.Empty(t, list[1].RetrySuccessorID)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		s := newStore(t)
		wf := newWorkflow("k")
		boom := errors.New("boom")

		err := s.RunInTransaction(ctx, func(ctx context.Context) error {
			require.NoError(t, s.CreateWorkflowInstance(ctx, wf))
			// nested calls join the outer transaction
			return s.RunInTransaction(ctx, func(ctx context.Context) error {
				_, err := s.FindAndLockWorkflowInstance(ctx, wf.ID)
				require.NoError(t, err)
				require.NoError(t, s.LockConcurrencyKey(ctx, wf.ConcurrencyKey))
				return boom
			})
		})
		require.ErrorIs(t, err, boom)

		_, err = s.FindWorkflowInstance(ctx, wf.ID)
		assert.ErrorIs(t, err, api.ErrWorkflowInstanceNotFound)

		require.NoError(t, s.RunInTransaction(ctx, func(ctx context.Context) error {
			return s.CreateWorkflowInstance(ctx, wf)
		}))
		_, err = s.FindWorkflowInstance(ctx, wf.ID)
		assert.NoError(t, err)
	})
}

func TestInMemoryStore(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage { return NewInMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		s, err := NewSQLiteStore(testutil.OpenSQLite(t))
		require.NoError(t, err)
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)
	runStorageSuite(t, func(t *testing.T) Storage {
		db, err := sql.Open("pgx", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		s, err := NewPostgresStore(db)
		require.NoError(t, err)
		// Tables are shared between subtests; start from a clean slate.
		for _, table := range []string{"sagaflow_action_instances", "sagaflow_workflow_instances", "sagaflow_workflow_definitions"} {
			_, err := db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		return s
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	wf := newWorkflow("k")
	require.NoError(t, s.CreateWorkflowInstance(ctx, wf))

	wf.Context["email"] = "mutated"
	got, err := s.FindWorkflowInstance(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Context["email"])

	got.Context["email"] = "mutated again"
	again, err := s.FindWorkflowInstance(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", again.Context["email"])
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))
	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))

	_, err := NewSQLStore(context.Background(), nil, "oracle")
	assert.Error(t, err)
}
