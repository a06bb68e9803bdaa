package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/internal/testutil"
)

func TestMongoBundle_RunsAsyncWorkflow(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := Connect(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	store, err := sagaflow.NewSQLiteStore(testutil.OpenSQLite(t))
	require.NoError(t, err)

	reg := sagaflow.NewRegistry()
	sagaflow.NewAction("run_background_check", sagaflow.ActionFunc(func(_ context.Context, exec *sagaflow.Execution) (any, error) {
		exec.Set("checked", true)
		return nil, nil
	})).MustRegister(reg)
	sagaflow.New("mongo_signup").
		Action("run_background_check", sagaflow.Async(sagaflow.AsyncOptions{Queue: "kyc"})).
		MustRegister(reg)

	bundle, err := NewBundle(ctx, store, client, "sagaflow_test", "tasks_"+uuid.NewString(), reg, sagaflow.BundleConfig{})
	require.NoError(t, err)

	wf, err := bundle.Runner.StartWorkflow(ctx, "mongo_signup", nil)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bundle.Run(runCtx, 20*time.Millisecond) }()

	require.Eventually(t, func() bool {
		got, err := bundle.Storage.FindWorkflowInstance(ctx, wf.ID)
		return err == nil && got.State == sagaflow.WorkflowCompleted
	}, 20*time.Second, 50*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}
