// Package worker provides the background worker that performs actions
// dispatched by the sagaflow scheduler.
//
// Workers consume tasks from a task queue and hand the referenced action
// instance to a Performer (normally the engine's Runner), which runs the
// attempt through the full perform/rollback protocol. They are designed to
// be lightweight and easy to embed in existing services, and they can be
// scaled horizontally for higher throughput.
//
// # Delivery semantics
//
// Queues deliver at least once. A task for an instance that is no longer
// pending (already started by another worker, or finished) is acknowledged
// and skipped; the Runner refuses to start it a second time.
//
// # Configuration
//
//   - Concurrency: number of parallel task handlers used by Run
//   - Queues: restrict the worker to named queues, e.g. "kyc"
//   - Logger: structured logger for failures and skipped deliveries
//
// Different backends (in-memory, SQLite, Postgres, Redis, MongoDB) can be
// plugged in through matching queue implementations.
package worker
