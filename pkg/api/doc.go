// Package api contains the core building blocks used by the sagaflow
// orchestration runtime: the workflow and action data model, the contract
// implemented by action code, the error taxonomy, and the Observer hooks.
//
// Most users interact with the higher-level sagaflow package, which
// re-exports selected types from this package and provides fluent builders.
// The api package is intended for custom integrations, storage and queue
// backends, or contributors extending the runtime itself.
//
// # Definitions
//
// A WorkflowDefinition is an ordered list of ActionDefinitions plus an
// optional concurrency policy and context schema. Each action is either
// synchronous (performed by the caller) or asynchronous (dispatched by the
// scheduler), may wait for earlier actions, may be retried a bounded number of
// times and may be subject to its own concurrency limit.
//
// Definitions are immutable once registered. Every workflow instance keeps a
// frozen copy of the definition it was started with.
//
// # Instances
//
// WorkflowInstance and ActionInstance are the persisted execution records.
// Every attempt of an action is a new ActionInstance; failed attempts are
// linked to their retry successor, forming a retry chain.
//
// # Actions
//
// Action is the unit of work implemented by application code. Perform
// receives an Execution holding the validated input and a mutable context that
// is merged back into the workflow once the attempt finishes. Actions may
// optionally implement Rollbacker and ConcurrencyKeyer. Around-wrappers are
// folded around Perform and Rollback once, when the ActionSpec is compiled.
//
// # Observability
//
// Observer receives lifecycle callbacks from the runner and scheduler.
// LoggingObserver logs with log/slog, BasicMetrics keeps in-process counters,
// and CompositeObserver fans events out to several observers.
package api
