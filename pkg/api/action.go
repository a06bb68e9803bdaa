package api

import (
	"context"
	"errors"

	"github.com/petrijr/sagaflow/pkg/schema"
)

// Action is the unit of work implemented by application code.
//
// Perform returns the action output. Returning an error, including the one
// produced by Execution.Fail, triggers the rollback protocol.
type Action interface {
	Perform(ctx context.Context, exec *Execution) (any, error)
}

// Rollbacker is implemented by actions that can undo their side effects.
type Rollbacker interface {
	Rollback(ctx context.Context, exec *Execution) error
}

// ConcurrencyKeyer is implemented by actions that derive their concurrency
// key from something other than the action name and input.
type ConcurrencyKeyer interface {
	ConcurrencyKey(exec *Execution) string
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx context.Context, exec *Execution) (any, error)

func (f ActionFunc) Perform(ctx context.Context, exec *Execution) (any, error) {
	return f(ctx, exec)
}

// Wrapper wraps Perform or Rollback. It must call next to continue the chain
// and may run code before and after it.
type Wrapper func(ctx context.Context, exec *Execution, next func(context.Context) error) error

// Execution is the state handed to an action while one attempt runs.
type Execution struct {
	// Workflow is a snapshot of the parent workflow instance.
	Workflow *WorkflowInstance
	// Definition is the action declaration inside the workflow definition.
	Definition ActionDefinition
	// Instance is the attempt being executed.
	Instance *ActionInstance

	Input any
	// Context is merged into the workflow context when the attempt finishes,
	// whether it succeeds or fails.
	Context      map[string]any
	CustomErrors map[string]any
	Output       any
}

// Fail returns the business failure signal. Callers set CustomErrors before
// returning it from Perform.
func (e *Execution) Fail() error { return ErrCustomFail }

// InputMap returns the input as an object, or nil.
func (e *Execution) InputMap() map[string]any {
	m, _ := e.Input.(map[string]any)
	return m
}

// Set stores a context value.
func (e *Execution) Set(key string, value any) {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
}

// SetCustomError stores a custom error value.
func (e *Execution) SetCustomError(key string, value any) {
	if e.CustomErrors == nil {
		e.CustomErrors = map[string]any{}
	}
	e.CustomErrors[key] = value
}

type handler func(ctx context.Context, exec *Execution) error

// ActionSpec binds an action name to its implementation, schemas and
// wrappers. Compile must be called before RunPerform or RunRollback; the
// registry does this on AddAction.
type ActionSpec struct {
	Name   string
	Action Action

	InputSchema        *schema.Schema
	ContextSchema      *schema.Schema
	OutputSchema       *schema.Schema
	CustomErrorsSchema *schema.Schema

	// AroundPerform and AroundRollback are applied in declaration order: the
	// first wrapper is outermost, the last wraps the core call directly.
	AroundPerform  []Wrapper
	AroundRollback []Wrapper

	perform  handler
	rollback handler
}

// Compile folds the wrapper chains around the core calls.
func (s *ActionSpec) Compile() error {
	if s.Name == "" {
		return definitionError(ErrInvalidActionDefinition, "Action name must be present")
	}
	if s.Action == nil {
		return definitionError(ErrInvalidActionDefinition, "Action '%s' must have an implementation", s.Name)
	}

	core := func(ctx context.Context, exec *Execution) error {
		out, err := s.Action.Perform(ctx, exec)
		if err != nil {
			return err
		}
		exec.Output = out
		return nil
	}
	s.perform = fold(core, s.AroundPerform)

	rb := func(ctx context.Context, exec *Execution) error {
		if r, ok := s.Action.(Rollbacker); ok {
			return r.Rollback(ctx, exec)
		}
		return nil
	}
	s.rollback = fold(rb, s.AroundRollback)
	return nil
}

func fold(core handler, wrappers []Wrapper) handler {
	h := core
	for i := len(wrappers) - 1; i >= 0; i-- {
		w, next := wrappers[i], h
		h = func(ctx context.Context, exec *Execution) error {
			return w(ctx, exec, func(c context.Context) error { return next(c, exec) })
		}
	}
	return h
}

var errNotCompiled = errors.New("sagaflow: action spec is not compiled")

// RunPerform executes the wrapped Perform chain.
func (s *ActionSpec) RunPerform(ctx context.Context, exec *Execution) error {
	if s.perform == nil {
		return errNotCompiled
	}
	return s.perform(ctx, exec)
}

// RunRollback executes the wrapped Rollback chain. Actions without a
// Rollback method still run their around-rollback wrappers.
func (s *ActionSpec) RunRollback(ctx context.Context, exec *Execution) error {
	if s.rollback == nil {
		return errNotCompiled
	}
	return s.rollback(ctx, exec)
}

// ConcurrencyKeyString returns the raw (unhashed) concurrency string for exec.
func (s *ActionSpec) ConcurrencyKeyString(exec *Execution) (string, error) {
	if k, ok := s.Action.(ConcurrencyKeyer); ok {
		return k.ConcurrencyKey(exec), nil
	}
	return DefaultActionKey(s.Name, exec.Input)
}

// Schemas returns the effective schemas for def. A schema declared on the
// workflow's action definition takes precedence over the spec's own.
func (s *ActionSpec) Schemas(def ActionDefinition) (input, context, output, customErrors *schema.Schema) {
	pick := func(a, b *schema.Schema) *schema.Schema {
		if a != nil {
			return a
		}
		return b
	}
	return pick(def.InputSchema, s.InputSchema),
		pick(def.ContextSchema, s.ContextSchema),
		pick(def.OutputSchema, s.OutputSchema),
		pick(def.CustomErrorsSchema, s.CustomErrorsSchema)
}
