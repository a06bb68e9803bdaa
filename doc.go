// Package sagaflow provides an embeddable saga-style workflow engine for Go.
//
// A workflow is a named set of actions. Each action declares which other
// actions it waits for, whether it is performed by the caller (sync) or by a
// background worker (async), how many times it may be retried and which
// schemas its input, output, context and custom errors must satisfy. When an
// action fails, its rollback runs and the failure is recorded; the workflow
// fails once the action has no retries left.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Registry
//  2. Runner
//  3. Scheduler
//  4. Worker
//  5. FlowBuilder and ActionBuilder
//  6. LocalRunner and WorkerBundle
//
// # Registry
//
// The Registry holds workflow definitions and action implementations for the
// lifetime of a process. Definitions can be built in code with New or loaded
// from YAML files with YAMLSource, and stored with Registry.SyncWorkflows so
// that processes without the definitions in code (such as sagaflowd) can
// schedule them. The registry is sealed once a Runner is created.
//
// # Runner
//
// The Runner starts workflows and performs actions. It enforces:
//   - workflow and action concurrency limits, keyed by canonical JSON
//   - wait_for ordering between actions
//   - schema validation of workflow context, input, output and custom errors
//   - rollback and retry bookkeeping on failure
//
// Every state change happens in a storage transaction; observers are called
// after the transaction commits.
//
// Storage backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres (package postgres)
//
// # Scheduler
//
// The Scheduler walks unfinished workflows, creates the next attempt of every
// async action whose dependencies have completed, honours delay, cron and
// priority options, and enqueues a task for each new attempt. Attempts still
// pending a grace period after creation or after their last dispatch are
// re-dispatched.
//
// Task queues: in-memory, SQLite, Postgres, Redis (package redis) and
// MongoDB (package mongo).
//
// # Worker
//
// A Worker pulls tasks from a queue and performs the referenced action
// instance. Duplicate deliveries are ignored. Workers run as background
// goroutines and can be scaled horizontally.
//
// # FlowBuilder
//
// Example:
//
//	sagaflow.NewAction("create_user", createUser{}).MustRegister(registry)
//	sagaflow.NewAction("send_welcome_email", sendWelcomeEmail{}).MustRegister(registry)
//
//	sagaflow.New("registration").
//	    Concurrency(10, sagaflow.OnConflictReject).
//	    Action("create_user", sagaflow.Sync()).
//	    Action("send_welcome_email",
//	        sagaflow.Async(sagaflow.AsyncOptions{Queue: "mail", Delay: time.Minute}),
//	        sagaflow.WaitFor("create_user"),
//	        sagaflow.Retry(3),
//	    ).
//	    MustRegister(registry)
//
// # LocalRunner
//
// LocalRunner bundles in-memory storage, an in-memory queue, a Runner, a
// Scheduler and a Worker into a process-local helper for development and
// tests. Tick and Drain step through the scheduler deterministically.
//
// LocalRunner is not crash-durable. For durable single-process deployments
// use NewSQLiteBundle, or NewBundle with any storage and queue pair.
//
// For runnable programs, see the examples directory.
package sagaflow
