package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue that keeps tasks in process memory. It honours
// delays and priorities and is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []*Task
	// wake is closed and replaced whenever a task is added.
	wake chan struct{}
	now  func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{wake: make(chan struct{}), now: time.Now}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, actionInstanceID string, opts EnqueueOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := NewTask(actionInstanceID, opts, q.now())

	q.mu.Lock()
	q.tasks = append(q.tasks, &t)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
	return nil
}

// take removes the best ready task. When none is ready it returns the time
// the earliest matching delayed task becomes ready, if any.
func (q *InMemoryQueue) take(queues []string) (*Task, time.Time, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	best := -1
	var next time.Time
	for i, t := range q.tasks {
		if !matchesQueue(t.Queue, queues) {
			continue
		}
		if !t.Ready(now) {
			if next.IsZero() || t.NotBefore.Before(next) {
				next = t.NotBefore
			}
			continue
		}
		if best < 0 || t.before(q.tasks[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil, next, q.wake
	}
	t := q.tasks[best]
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return t, time.Time{}, nil
}

// TryDequeue returns the next ready task without blocking.
func (q *InMemoryQueue) TryDequeue(queues ...string) (*Task, bool) {
	t, _, _ := q.take(queues)
	return t, t != nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, queues ...string) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		t, next, wake := q.take(queues)
		if t != nil {
			return t, nil
		}
		var timeout <-chan time.Time
		if !next.IsZero() {
			tmr.Reset(time.Until(next))
			timeout = tmr.C
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-timeout:
		}
		tmr.Stop()
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
