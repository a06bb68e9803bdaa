package api

import (
	"slices"
	"time"
)

// WorkflowState is the lifecycle state of a workflow instance.
type WorkflowState string

const (
	WorkflowPending   WorkflowState = "pending"
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
	// WorkflowCanceled is reserved for external cancellation.
	WorkflowCanceled WorkflowState = "canceled"
)

// Finished reports whether s is terminal.
func (s WorkflowState) Finished() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCanceled:
		return true
	}
	return false
}

// ActionState is the lifecycle state of a single action attempt.
type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionRunning   ActionState = "running"
	ActionCompleted ActionState = "completed"
	ActionFailed    ActionState = "failed"
)

// Finished reports whether s is terminal.
func (s ActionState) Finished() bool {
	return s == ActionCompleted || s == ActionFailed
}

// WorkflowInstance is a persisted run of a workflow definition.
type WorkflowInstance struct {
	ID   string
	Name string
	// Definition is the frozen definition the instance was started with.
	Definition     *WorkflowDefinition
	State          WorkflowState
	Context        map[string]any
	ConcurrencyKey string
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Finished reports whether the instance reached a terminal state.
func (w *WorkflowInstance) Finished() bool { return w.State.Finished() }

// Clone returns a copy of w whose context map and definition are not shared.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	out := *w
	out.Definition = w.Definition.Clone()
	out.Context = CloneMap(w.Context)
	out.StartedAt = cloneTime(w.StartedAt)
	out.FinishedAt = cloneTime(w.FinishedAt)
	return &out
}

// ActionInstance is one attempt of an action within a workflow instance.
// Every retry is a new ActionInstance linked from its predecessor through
// RetrySuccessorID.
type ActionInstance struct {
	ID               string
	Name             string
	State            ActionState
	WorkflowID       string
	RetryCount       uint
	RetrySuccessorID string
	Input            any
	Output           any
	Context          map[string]any
	CustomErrors     map[string]any
	Logs             []string
	ConcurrencyKey   string
	RunAt            *time.Time
	DispatchedAt     *time.Time
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// Finished reports whether the attempt reached a terminal state.
func (a *ActionInstance) Finished() bool { return a.State.Finished() }

// Clone returns a deep copy of a.
func (a *ActionInstance) Clone() *ActionInstance {
	if a == nil {
		return nil
	}
	out := *a
	out.Input = CloneValue(a.Input)
	out.Output = CloneValue(a.Output)
	out.Context = CloneMap(a.Context)
	out.CustomErrors = CloneMap(a.CustomErrors)
	out.Logs = slices.Clone(a.Logs)
	out.RunAt = cloneTime(a.RunAt)
	out.DispatchedAt = cloneTime(a.DispatchedAt)
	out.StartedAt = cloneTime(a.StartedAt)
	out.FinishedAt = cloneTime(a.FinishedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
