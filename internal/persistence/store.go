// Package persistence defines the Storage contract used by the runner and
// scheduler, and provides in-memory and SQL implementations of it.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// ErrStateConflict is returned when a state transition is requested for an
// instance that is not in an allowed source state.
var ErrStateConflict = errors.New("sagaflow: unexpected instance state")

// DefinitionStore persists workflow definitions keyed by name.
type DefinitionStore interface {
	// UpsertWorkflowDefinitions stores defs; a definition with an existing
	// name replaces the stored one.
	UpsertWorkflowDefinitions(ctx context.Context, defs []*api.WorkflowDefinition) error
	FindWorkflowDefinition(ctx context.Context, name string) (*api.WorkflowDefinition, error)
}

// WorkflowStore persists workflow instances.
type WorkflowStore interface {
	CreateWorkflowInstance(ctx context.Context, wf *api.WorkflowInstance) error
	FindWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	// FindAndLockWorkflowInstance loads the instance and holds a row lock on
	// it until the surrounding transaction ends.
	FindAndLockWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	// StartWorkflow moves a pending instance to running. It reports whether
	// the transition happened.
	StartWorkflow(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteWorkflow(ctx context.Context, id string, at time.Time) error
	FailWorkflow(ctx context.Context, id string, at time.Time) error
	UpdateWorkflowContext(ctx context.Context, id string, context map[string]any) error
	ListNotFinishedWorkflowIDs(ctx context.Context) ([]string, error)
	CountNotFinishedWorkflows(ctx context.Context, concurrencyKey string) (int, error)
}

// ActionStore persists action instances.
type ActionStore interface {
	CreateActionInstance(ctx context.Context, act *api.ActionInstance) error
	FindActionInstance(ctx context.Context, id string) (*api.ActionInstance, error)
	// StartAction moves a pending instance to running. Any other source state
	// yields api.ErrActionNotPending.
	StartAction(ctx context.Context, id string, at time.Time) error
	CompleteAction(ctx context.Context, id string, output any, context map[string]any, at time.Time) error
	FailAction(ctx context.Context, id string, context, customErrors map[string]any, logs []string, at time.Time) error
	SetRetrySuccessor(ctx context.Context, id, successorID string) error
	MarkActionDispatched(ctx context.Context, id string, at time.Time) error
	// ListActionInstances returns every attempt for the workflow ordered by
	// creation.
	ListActionInstances(ctx context.Context, workflowID string) ([]*api.ActionInstance, error)
	CountNotFinishedActions(ctx context.Context, concurrencyKey string) (int, error)
	// IncompleteActionNames returns the subset of names, in the given order,
	// that have no completed instance in the workflow.
	IncompleteActionNames(ctx context.Context, names []string, workflowID string) ([]string, error)
}

// Storage is the full persistence contract consumed by the engine.
type Storage interface {
	DefinitionStore
	WorkflowStore
	ActionStore

	// LockConcurrencyKey serialises admissions for key until the surrounding
	// transaction ends.
	LockConcurrencyKey(ctx context.Context, key string) error

	// RunInTransaction runs fn in a transaction carried by the context passed
	// to fn. Calls nested inside fn join the outer transaction. The
	// transaction is rolled back when fn returns an error.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
