package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/schema"
)

const invalidEmail = "invalid"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func tags(exec *api.Execution) []string {
	out, _ := exec.Context["tags"].([]string)
	return out
}

func tag(name string) api.Wrapper {
	return func(ctx context.Context, exec *api.Execution, next func(context.Context) error) error {
		exec.Set("tags", append(tags(exec), name))
		return next(ctx)
	}
}

func workflowEmail(exec *api.Execution) string {
	email, _ := exec.Workflow.Context["email"].(string)
	return email
}

type createUser struct{}

func (createUser) Perform(_ context.Context, exec *api.Execution) (any, error) {
	exec.Set("tags", append(tags(exec), "perform"))
	return []any{map[string]any{"id": "id"}}, nil
}

func (createUser) ConcurrencyKey(exec *api.Execution) string {
	return exec.Definition.Async.QueueName()
}

type sendConfirmationEmail struct{}

func (sendConfirmationEmail) Perform(_ context.Context, exec *api.Execution) (any, error) {
	email := workflowEmail(exec)
	if email == invalidEmail {
		exec.SetCustomError("email", "Invalid email: "+email)
		return nil, exec.Fail()
	}
	exec.Set("confirmation_sent", true)
	return nil, nil
}

func (sendConfirmationEmail) Rollback(_ context.Context, exec *api.Execution) error {
	exec.Set("rollbacked", true)
	return nil
}

func succeed(context.Context, *api.Execution) (any, error) { return nil, nil }

func registrationActions() []api.ActionSpec {
	return []api.ActionSpec{
		{
			Name:          "create_user",
			Action:        createUser{},
			InputSchema:   schema.Object(schema.Required("password", schema.String())),
			OutputSchema:  schema.ArrayOf(schema.Object(schema.Required("id", schema.String()))),
			AroundPerform: []api.Wrapper{tag("around_perform1"), tag("around_perform2")},
		},
		{
			Name:               "send_confirmation_email",
			Action:             sendConfirmationEmail{},
			CustomErrorsSchema: schema.Object(schema.Optional("email", schema.String())),
			AroundRollback: []api.Wrapper{func(ctx context.Context, exec *api.Execution, next func(context.Context) error) error {
				exec.Set("around_rollbacked", true)
				return next(ctx)
			}},
		},
		{Name: "confirm_email_address", Action: api.ActionFunc(succeed)},
		{Name: "send_welcome_email", Action: api.ActionFunc(succeed)},
		{Name: "run_background_check", Action: api.ActionFunc(succeed)},
	}
}

var registrationContext = schema.Object(
	schema.Required("email", schema.String()),
	schema.Optional("remember_me", schema.Boolean()),
)

func syncRegistration() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name:          "sync_registration",
		Concurrency:   &api.WorkflowConcurrency{Limit: 2, OnConflict: api.OnConflictRaise},
		ContextSchema: registrationContext,
		Actions: []api.ActionDefinition{
			{Name: "create_user", Execution: api.ExecutionSync},
			{Name: "send_confirmation_email", Execution: api.ExecutionSync},
			{Name: "confirm_email_address", Execution: api.ExecutionSync, WaitFor: []string{"send_confirmation_email"}},
		},
	}
}

func asyncRegistration() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name:          "async_registration",
		ContextSchema: registrationContext,
		Actions: []api.ActionDefinition{
			{Name: "create_user", Execution: api.ExecutionAsync},
			{Name: "send_welcome_email", Execution: api.ExecutionAsync, WaitFor: []string{"create_user"}},
			{
				Name:      "send_confirmation_email",
				Execution: api.ExecutionAsync,
				WaitFor:   []string{"create_user"},
				OnError:   api.OnError{Retry: 1},
			},
			{
				Name:      "run_background_check",
				Execution: api.ExecutionAsync,
				WaitFor:   []string{"create_user"},
				Async:     api.AsyncOptions{Queue: "kyc"},
			},
		},
	}
}

type harness struct {
	registry  *Registry
	store     *persistence.InMemoryStore
	queue     *taskqueue.InMemoryQueue
	clock     *testClock
	metrics   *api.BasicMetrics
	runner    *Runner
	scheduler *Scheduler
}

type harnessOption func(*harness)

func withWorkflow(def api.WorkflowDefinition) harnessOption {
	return func(h *harness) {
		if err := h.registry.AddWorkflow(def); err != nil {
			panic(err)
		}
	}
}

func withAction(spec api.ActionSpec) harnessOption {
	return func(h *harness) {
		if err := h.registry.AddAction(spec); err != nil {
			panic(err)
		}
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		registry: NewRegistry(),
		store:    persistence.NewInMemoryStore(),
		queue:    taskqueue.NewInMemoryQueue(),
		clock:    newTestClock(),
		metrics:  &api.BasicMetrics{},
	}
	for _, spec := range registrationActions() {
		require.NoError(t, h.registry.AddAction(spec))
	}
	require.NoError(t, h.registry.AddWorkflow(syncRegistration()))
	require.NoError(t, h.registry.AddWorkflow(asyncRegistration()))
	for _, opt := range opts {
		opt(h)
	}

	runner, err := NewRunner(RunnerConfig{
		Registry: h.registry,
		Storage:  h.store,
		Observer: h.metrics,
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)
	h.runner = runner
	h.scheduler = NewScheduler(runner, h.queue, SchedulerConfig{Shuffle: func([]string) {}})
	return h
}

func (h *harness) start(t *testing.T, name string, wctx map[string]any) *api.WorkflowInstance {
	t.Helper()
	wf, err := h.runner.StartWorkflow(context.Background(), name, wctx)
	require.NoError(t, err)
	require.NotNil(t, wf)
	return wf
}

func (h *harness) workflow(t *testing.T, id string) *api.WorkflowInstance {
	t.Helper()
	wf, err := h.store.FindWorkflowInstance(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func (h *harness) actions(t *testing.T, workflowID string) []*api.ActionInstance {
	t.Helper()
	acts, err := h.store.ListActionInstances(context.Background(), workflowID)
	require.NoError(t, err)
	return acts
}

func (h *harness) tick(t *testing.T) TickStats {
	t.Helper()
	stats, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	return stats
}

// drain performs every ready task and returns the attempts it ran.
func (h *harness) drain(t *testing.T) []*api.ActionInstance {
	t.Helper()
	var out []*api.ActionInstance
	for {
		task, ok := h.queue.TryDequeue()
		if !ok {
			return out
		}
		act, err := h.runner.PerformCreatedAction(context.Background(), task.ActionInstanceID)
		if err != nil && !errors.Is(err, api.ErrCustomFail) {
			require.NoError(t, err)
		}
		out = append(out, act)
	}
}

func byName(acts []*api.ActionInstance) map[string][]*api.ActionInstance {
	out := make(map[string][]*api.ActionInstance)
	for _, a := range acts {
		out[a.Name] = append(out[a.Name], a)
	}
	return out
}
