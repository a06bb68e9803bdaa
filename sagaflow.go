package sagaflow

import (
	"database/sql"

	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api or the
// internal packages.

type (
	WorkflowDefinition   = api.WorkflowDefinition
	ActionDefinition     = api.ActionDefinition
	WorkflowConcurrency  = api.WorkflowConcurrency
	ActionConcurrency    = api.ActionConcurrency
	AsyncOptions         = api.AsyncOptions
	OnError              = api.OnError
	ExecutionMode        = api.ExecutionMode
	OnConflict           = api.OnConflict
	WorkflowInstance     = api.WorkflowInstance
	ActionInstance       = api.ActionInstance
	WorkflowState        = api.WorkflowState
	ActionState          = api.ActionState
	Action               = api.Action
	ActionFunc           = api.ActionFunc
	Rollbacker           = api.Rollbacker
	ConcurrencyKeyer     = api.ConcurrencyKeyer
	Execution            = api.Execution
	Wrapper              = api.Wrapper
	ActionSpec           = api.ActionSpec
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	DefinitionError           = api.DefinitionError
	ValidationError           = api.ValidationError
	WaitingForDependencyError = api.WaitingForDependencyError
	ConcurrencyError          = api.ConcurrencyError
	RollbackError             = api.RollbackError
	PanicError                = api.PanicError

	Registry        = engine.Registry
	Source          = engine.Source
	Runner          = engine.Runner
	RunnerConfig    = engine.RunnerConfig
	Scheduler       = engine.Scheduler
	SchedulerConfig = engine.SchedulerConfig
	TickStats       = engine.TickStats

	Storage        = persistence.Storage
	Dispatcher     = taskqueue.Dispatcher
	Queue          = taskqueue.Queue
	EnqueueOptions = taskqueue.EnqueueOptions
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export execution modes, policies and states for convenience.

const (
	ExecutionSync  = api.ExecutionSync
	ExecutionAsync = api.ExecutionAsync

	OnConflictRaise      = api.OnConflictRaise
	OnConflictReject     = api.OnConflictReject
	OnConflictReschedule = api.OnConflictReschedule

	WorkflowPending   = api.WorkflowPending
	WorkflowRunning   = api.WorkflowRunning
	WorkflowCompleted = api.WorkflowCompleted
	WorkflowFailed    = api.WorkflowFailed

	ActionPending   = api.ActionPending
	ActionRunning   = api.ActionRunning
	ActionCompleted = api.ActionCompleted
	ActionFailed    = api.ActionFailed
)

// Re-export the errors callers are expected to match with errors.Is.

var (
	ErrWorkflowNotFound         = api.ErrWorkflowNotFound
	ErrActionNotFound           = api.ErrActionNotFound
	ErrDuplicateName            = api.ErrDuplicateName
	ErrInvalidActionDefinition  = api.ErrInvalidActionDefinition
	ErrInvalidConcurrencyOption = api.ErrInvalidConcurrencyOption
	ErrInvalidInput             = api.ErrInvalidInput
	ErrInvalidContext           = api.ErrInvalidContext
	ErrInvalidOutput            = api.ErrInvalidOutput
	ErrInvalidCustomErrors      = api.ErrInvalidCustomErrors
	ErrWaitingForDependency     = api.ErrWaitingForDependency
	ErrConcurrency              = api.ErrConcurrency
	ErrCustomFail               = api.ErrCustomFail
	ErrActionNotPending         = api.ErrActionNotPending
	ErrWorkflowFinished         = api.ErrWorkflowFinished
)

// Constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return engine.NewRegistry()
}

// NewRunner returns a Runner for cfg. The registry is sealed.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	return engine.NewRunner(cfg)
}

// NewScheduler returns a Scheduler that dispatches through dispatcher.
func NewScheduler(runner *Runner, dispatcher Dispatcher, cfg SchedulerConfig) *Scheduler {
	return engine.NewScheduler(runner, dispatcher, cfg)
}

// NewInMemoryStore returns non-durable Storage, best for tests.
func NewInMemoryStore() Storage {
	return persistence.NewInMemoryStore()
}

// NewSQLiteStore returns Storage persisted in a SQLite database opened with
// the "sqlite" driver (modernc.org/sqlite).
func NewSQLiteStore(db *sql.DB) (Storage, error) {
	return persistence.NewSQLiteStore(db)
}

// NewInMemoryQueue returns a process-local Queue.
func NewInMemoryQueue() Queue {
	return taskqueue.NewInMemoryQueue()
}

// NewSQLiteQueue returns a durable Queue stored in the given SQLite database.
func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	return taskqueue.NewSQLiteQueue(db)
}
