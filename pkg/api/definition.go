package api

import (
	"slices"
	"time"

	"github.com/petrijr/sagaflow/pkg/schema"
)

// ExecutionMode selects who performs an action.
type ExecutionMode string

const (
	// ExecutionSync actions are performed directly by the caller.
	ExecutionSync ExecutionMode = "sync"
	// ExecutionAsync actions are discovered by the scheduler and delivered
	// through a queue.
	ExecutionAsync ExecutionMode = "async"
)

// OnConflict is the policy applied when a concurrency limit is reached.
type OnConflict string

const (
	// OnConflictRaise fails the operation with a ConcurrencyError.
	OnConflictRaise OnConflict = "raise"
	// OnConflictReject silently skips starting a workflow.
	OnConflictReject OnConflict = "reject"
	// OnConflictReschedule silently skips performing an action; the scheduler
	// tries again on the next tick.
	OnConflictReschedule OnConflict = "reschedule"
)

// DefaultQueue is used for async actions that do not name a queue.
const DefaultQueue = "default"

// WorkflowConcurrency limits the number of unfinished workflow instances
// sharing a concurrency key.
type WorkflowConcurrency struct {
	Limit      int        `json:"limit" yaml:"limit"`
	OnConflict OnConflict `json:"on_conflict" yaml:"on_conflict"`
}

// ActionConcurrency limits the number of unfinished action instances sharing
// a concurrency key.
type ActionConcurrency struct {
	Limit      int        `json:"limit" yaml:"limit"`
	OnConflict OnConflict `json:"on_conflict" yaml:"on_conflict"`
}

// AsyncOptions control how the scheduler dispatches an async action.
type AsyncOptions struct {
	Queue    string        `json:"queue,omitempty" yaml:"queue,omitempty"`
	Delay    time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	Cron     string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	Priority *int          `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// QueueName returns the configured queue or DefaultQueue.
func (o AsyncOptions) QueueName() string {
	if o.Queue == "" {
		return DefaultQueue
	}
	return o.Queue
}

// OnError configures failure handling for an action.
type OnError struct {
	// Retry is the number of additional attempts allowed after the first
	// failure.
	Retry uint `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// ActionDefinition describes one action inside a workflow.
type ActionDefinition struct {
	Name        string             `json:"name" yaml:"name"`
	Execution   ExecutionMode      `json:"execution" yaml:"execution"`
	WaitFor     []string           `json:"wait_for,omitempty" yaml:"wait_for,omitempty"`
	Async       AsyncOptions       `json:"async,omitempty" yaml:"async,omitempty"`
	OnError     OnError            `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Concurrency *ActionConcurrency `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	InputSchema        *schema.Schema `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	ContextSchema      *schema.Schema `json:"context_schema,omitempty" yaml:"context_schema,omitempty"`
	OutputSchema       *schema.Schema `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	CustomErrorsSchema *schema.Schema `json:"custom_errors_schema,omitempty" yaml:"custom_errors_schema,omitempty"`
}

// IsAsync reports whether the action is scheduler-driven.
func (d ActionDefinition) IsAsync() bool { return d.Execution == ExecutionAsync }

// Clone returns a deep copy of d.
func (d ActionDefinition) Clone() ActionDefinition {
	out := d
	out.WaitFor = slices.Clone(d.WaitFor)
	if d.Async.Priority != nil {
		p := *d.Async.Priority
		out.Async.Priority = &p
	}
	if d.Concurrency != nil {
		c := *d.Concurrency
		out.Concurrency = &c
	}
	out.InputSchema = d.InputSchema.Clone()
	out.ContextSchema = d.ContextSchema.Clone()
	out.OutputSchema = d.OutputSchema.Clone()
	out.CustomErrorsSchema = d.CustomErrorsSchema.Clone()
	return out
}

// WorkflowDefinition is the immutable declaration of a workflow: an ordered
// list of actions, an optional concurrency policy and an optional context
// schema.
type WorkflowDefinition struct {
	Name          string               `json:"name" yaml:"name"`
	Actions       []ActionDefinition   `json:"actions" yaml:"actions"`
	Concurrency   *WorkflowConcurrency `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	ContextSchema *schema.Schema       `json:"context_schema,omitempty" yaml:"context_schema,omitempty"`
}

// Action returns the action definition with the given name.
func (d *WorkflowDefinition) Action(name string) (ActionDefinition, bool) {
	if d == nil {
		return ActionDefinition{}, false
	}
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionDefinition{}, false
}

// ActionNames returns the declared action names in order.
func (d *WorkflowDefinition) ActionNames() []string {
	names := make([]string, 0, len(d.Actions))
	for _, a := range d.Actions {
		names = append(names, a.Name)
	}
	return names
}

// Clone returns a deep copy of d. Workflow instances keep a clone so later
// changes to a registered definition never leak into running instances.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	out := &WorkflowDefinition{
		Name:          d.Name,
		ContextSchema: d.ContextSchema.Clone(),
	}
	if d.Actions != nil {
		out.Actions = make([]ActionDefinition, len(d.Actions))
		for i, a := range d.Actions {
			out.Actions[i] = a.Clone()
		}
	}
	if d.Concurrency != nil {
		c := *d.Concurrency
		out.Concurrency = &c
	}
	return out
}
