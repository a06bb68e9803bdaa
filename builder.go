package sagaflow

import (
	"errors"

	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/schema"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := sagaflow.New("async_registration").
//	    Context(schema.Object(schema.Required("email", schema.String()))).
//	    Action("create_user", sagaflow.Async(sagaflow.AsyncOptions{})).
//	    Action("send_welcome_email", sagaflow.Async(sagaflow.AsyncOptions{}), sagaflow.WaitFor("create_user"))
//
//	if err := flow.Register(registry); err != nil {
//	    log.Fatal(err)
//	}
//
// Problems are collected while building; Build and Register return the
// first one.
type FlowBuilder struct {
	def api.WorkflowDefinition
	err error
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	b := &FlowBuilder{def: api.WorkflowDefinition{Name: name}}
	if name == "" {
		b.err = errors.New("sagaflow: workflow name must not be empty")
	}
	return b
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Concurrency limits unfinished instances that share a context.
func (b *FlowBuilder) Concurrency(limit int, onConflict OnConflict) *FlowBuilder {
	b.def.Concurrency = &api.WorkflowConcurrency{Limit: limit, OnConflict: onConflict}
	return b
}

// Context sets the schema the workflow context must satisfy.
func (b *FlowBuilder) Context(s *schema.Schema) *FlowBuilder {
	b.def.ContextSchema = s
	return b
}

// ActionOption configures an action declared with FlowBuilder.Action.
type ActionOption func(*api.ActionDefinition)

// Sync marks the action as performed by the caller.
func Sync() ActionOption {
	return func(d *api.ActionDefinition) { d.Execution = api.ExecutionSync }
}

// Async marks the action as scheduler-driven with the given options.
func Async(opts AsyncOptions) ActionOption {
	return func(d *api.ActionDefinition) {
		d.Execution = api.ExecutionAsync
		d.Async = opts
	}
}

// WaitFor makes the action depend on previously declared actions.
func WaitFor(names ...string) ActionOption {
	return func(d *api.ActionDefinition) { d.WaitFor = append(d.WaitFor, names...) }
}

// Retry allows n further attempts after a failure.
func Retry(n uint) ActionOption {
	return func(d *api.ActionDefinition) { d.OnError.Retry = n }
}

// Limit caps unfinished instances sharing the action's concurrency key.
func Limit(limit int, onConflict OnConflict) ActionOption {
	return func(d *api.ActionDefinition) {
		d.Concurrency = &api.ActionConcurrency{Limit: limit, OnConflict: onConflict}
	}
}

// InputSchema overrides the input schema of the registered action.
func InputSchema(s *schema.Schema) ActionOption {
	return func(d *api.ActionDefinition) { d.InputSchema = s }
}

// ContextSchema overrides the context schema of the registered action.
func ContextSchema(s *schema.Schema) ActionOption {
	return func(d *api.ActionDefinition) { d.ContextSchema = s }
}

// OutputSchema overrides the output schema of the registered action.
func OutputSchema(s *schema.Schema) ActionOption {
	return func(d *api.ActionDefinition) { d.OutputSchema = s }
}

// CustomErrorsSchema overrides the custom errors schema of the registered
// action.
func CustomErrorsSchema(s *schema.Schema) ActionOption {
	return func(d *api.ActionDefinition) { d.CustomErrorsSchema = s }
}

// Action appends an action declaration. Exactly one of Sync or Async must be
// given.
func (b *FlowBuilder) Action(name string, opts ...ActionOption) *FlowBuilder {
	def := api.ActionDefinition{Name: name}
	for _, opt := range opts {
		opt(&def)
	}
	b.def.Actions = append(b.def.Actions, def)
	return b
}

// Build validates and returns the definition.
func (b *FlowBuilder) Build() (WorkflowDefinition, error) {
	if b.err != nil {
		return WorkflowDefinition{}, b.err
	}
	def := b.def.Clone()
	if err := api.ValidateWorkflowDefinition(def); err != nil {
		return WorkflowDefinition{}, err
	}
	return *def, nil
}

// Register registers the built workflow with the given registry.
func (b *FlowBuilder) Register(r *Registry) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return r.AddWorkflow(def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(r *Registry) {
	if err := b.Register(r); err != nil {
		panic(err)
	}
}

// Source returns the builder as a registry Source, for SyncWorkflows.
func (b *FlowBuilder) Source() Source {
	return b.Register
}

// ActionBuilder assembles an ActionSpec:
//
//	sagaflow.NewAction("create_user", createUser{}).
//	    Input(schema.Object(schema.Required("password", schema.String()))).
//	    AroundPerform(audit).
//	    MustRegister(registry)
type ActionBuilder struct {
	spec api.ActionSpec
}

// NewAction starts an action spec for impl.
func NewAction(name string, impl Action) *ActionBuilder {
	return &ActionBuilder{spec: api.ActionSpec{Name: name, Action: impl}}
}

// Input sets the input schema.
func (b *ActionBuilder) Input(s *schema.Schema) *ActionBuilder {
	b.spec.InputSchema = s
	return b
}

// Context sets the context schema.
func (b *ActionBuilder) Context(s *schema.Schema) *ActionBuilder {
	b.spec.ContextSchema = s
	return b
}

// Output sets the output schema.
func (b *ActionBuilder) Output(s *schema.Schema) *ActionBuilder {
	b.spec.OutputSchema = s
	return b
}

// CustomErrors sets the custom errors schema.
func (b *ActionBuilder) CustomErrors(s *schema.Schema) *ActionBuilder {
	b.spec.CustomErrorsSchema = s
	return b
}

// AroundPerform appends wrappers around Perform. Earlier wrappers run
// outside later ones.
func (b *ActionBuilder) AroundPerform(w ...Wrapper) *ActionBuilder {
	b.spec.AroundPerform = append(b.spec.AroundPerform, w...)
	return b
}

// AroundRollback appends wrappers around Rollback.
func (b *ActionBuilder) AroundRollback(w ...Wrapper) *ActionBuilder {
	b.spec.AroundRollback = append(b.spec.AroundRollback, w...)
	return b
}

// Spec returns the assembled spec.
func (b *ActionBuilder) Spec() ActionSpec {
	return b.spec
}

// Register adds the action to the registry.
func (b *ActionBuilder) Register(r *Registry) error {
	return r.AddAction(b.spec)
}

// MustRegister is like Register but panics on error.
func (b *ActionBuilder) MustRegister(r *Registry) {
	if err := b.Register(r); err != nil {
		panic(err)
	}
}
