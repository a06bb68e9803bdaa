// Package taskqueue delivers action instance identifiers from the scheduler
// to workers. Delivery is at-least-once; consumers must tolerate duplicates.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue is used when EnqueueOptions.Queue is empty.
const DefaultQueue = "default"

// DefaultPriority is used when EnqueueOptions.Priority is nil. Lower values
// are dequeued first.
const DefaultPriority = 0

// EnqueueOptions control when and where a task becomes available.
type EnqueueOptions struct {
	Queue string
	// WaitDuration delays the task relative to the enqueue time.
	WaitDuration time.Duration
	// WaitUntil delays the task until an absolute time. It wins over
	// WaitDuration when both are set.
	WaitUntil time.Time
	Priority  *int
}

// QueueName returns the configured queue or DefaultQueue.
func (o EnqueueOptions) QueueName() string {
	if o.Queue == "" {
		return DefaultQueue
	}
	return o.Queue
}

// NotBefore returns the earliest time the task may be dequeued.
func (o EnqueueOptions) NotBefore(now time.Time) time.Time {
	switch {
	case !o.WaitUntil.IsZero():
		return o.WaitUntil
	case o.WaitDuration > 0:
		return now.Add(o.WaitDuration)
	default:
		return now
	}
}

// Task is a queued delivery of one action instance.
type Task struct {
	ID               string    `json:"id" bson:"_id"`
	ActionInstanceID string    `json:"action_instance_id" bson:"action_instance_id"`
	Queue            string    `json:"queue" bson:"queue"`
	Priority         int       `json:"priority" bson:"priority"`
	EnqueuedAt       time.Time `json:"enqueued_at" bson:"enqueued_at"`
	NotBefore        time.Time `json:"not_before" bson:"not_before"`
}

// NewTask builds the task for an Enqueue call made at now.
func NewTask(actionInstanceID string, opts EnqueueOptions, now time.Time) Task {
	prio := DefaultPriority
	if opts.Priority != nil {
		prio = *opts.Priority
	}
	return Task{
		ID:               uuid.NewString(),
		ActionInstanceID: actionInstanceID,
		Queue:            opts.QueueName(),
		Priority:         prio,
		EnqueuedAt:       now.UTC(),
		NotBefore:        opts.NotBefore(now).UTC(),
	}
}

// Ready reports whether t may be dequeued at now.
func (t *Task) Ready(now time.Time) bool { return !t.NotBefore.After(now) }

// before orders ready tasks: priority ascending, then not-before, then
// enqueue time.
func (t *Task) before(o *Task) bool {
	if t.Priority != o.Priority {
		return t.Priority < o.Priority
	}
	if !t.NotBefore.Equal(o.NotBefore) {
		return t.NotBefore.Before(o.NotBefore)
	}
	return t.EnqueuedAt.Before(o.EnqueuedAt)
}

// Dispatcher hands action instances to the queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, actionInstanceID string, opts EnqueueOptions) error
}

// Queue is a Dispatcher that can also be consumed.
type Queue interface {
	Dispatcher

	// Dequeue removes and returns the next ready task from one of queues
	// (any queue when none are given), blocking until one is available or
	// the context is cancelled.
	Dequeue(ctx context.Context, queues ...string) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

func matchesQueue(name string, queues []string) bool {
	if len(queues) == 0 {
		return true
	}
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}

// pollTimer is a reusable, initially stopped timer for polling backends.
func pollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}

// sleep waits for d using tmr, returning early with ctx.Err().
func sleep(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
