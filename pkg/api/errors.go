package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrWorkflowNotFound         = errors.New("sagaflow: workflow not found")
	ErrWorkflowInstanceNotFound = errors.New("sagaflow: workflow instance not found")
	ErrActionNotFound           = errors.New("sagaflow: action not found")
	ErrActionInstanceNotFound   = errors.New("sagaflow: action instance not found")

	ErrDuplicateName            = errors.New("sagaflow: duplicate name")
	ErrInvalidActionDefinition  = errors.New("sagaflow: invalid action definition")
	ErrInvalidConcurrencyOption = errors.New("sagaflow: invalid concurrency option")
	ErrRegistrySealed           = errors.New("sagaflow: registry is sealed")

	ErrInvalidInput        = errors.New("sagaflow: invalid input")
	ErrInvalidContext      = errors.New("sagaflow: invalid context")
	ErrInvalidOutput       = errors.New("sagaflow: invalid output")
	ErrInvalidCustomErrors = errors.New("sagaflow: invalid custom errors")

	ErrWaitingForDependency = errors.New("sagaflow: waiting for dependency")
	ErrConcurrency          = errors.New("sagaflow: concurrency limit reached")

	// ErrCustomFail is the business failure signal returned by Execution.Fail.
	// The structured payload travels in Execution.CustomErrors.
	ErrCustomFail = errors.New("sagaflow: action failed")

	// ErrActionNotPending is returned when an action instance is started
	// twice, for example after a duplicate queue delivery.
	ErrActionNotPending       = errors.New("sagaflow: action instance is not pending")
	ErrWorkflowFinished       = errors.New("sagaflow: workflow instance is finished")
	ErrActionAlreadyCompleted = errors.New("sagaflow: action already completed")
	ErrActionInProgress       = errors.New("sagaflow: action already in progress")
)

// DefinitionError reports a problem detected while registering workflows or
// actions. Kind is one of ErrDuplicateName, ErrInvalidActionDefinition or
// ErrInvalidConcurrencyOption.
type DefinitionError struct {
	Kind    error
	Message string
}

func (e *DefinitionError) Error() string { return e.Message }
func (e *DefinitionError) Unwrap() error { return e.Kind }

func definitionError(kind error, format string, args ...any) error {
	return &DefinitionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidationError carries schema validation messages for a payload. Error
// returns the first message verbatim.
type ValidationError struct {
	// Kind is one of ErrInvalidInput, ErrInvalidContext, ErrInvalidOutput or
	// ErrInvalidCustomErrors.
	Kind   error
	Errors []string
	// Cause is the failure that was being propagated when the payload was
	// validated, if any.
	Cause error
}

// NewValidationError returns nil when errs is empty.
func NewValidationError(kind error, errs []string, cause error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Kind: kind, Errors: errs, Cause: cause}
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return e.Kind.Error()
	}
	return e.Errors[0]
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// WaitingForDependencyError names the wait_for actions that have not
// completed yet.
type WaitingForDependencyError struct {
	Names []string
}

func (e *WaitingForDependencyError) Error() string {
	return "Waiting for actions: " + quoteList(e.Names)
}

func (e *WaitingForDependencyError) Unwrap() error { return ErrWaitingForDependency }

// ConcurrencyError is returned when a concurrency limit with the raise policy
// is exceeded.
type ConcurrencyError struct {
	// Kind is "workflows" or "actions".
	Kind  string
	Name  string
	Limit int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("Cannot run more than %d '%s' %s at a time", e.Limit, e.Name, e.Kind)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrency }

// RollbackError is returned when Rollback fails after Perform failed. Both
// errors remain reachable through errors.Is and errors.As.
type RollbackError struct {
	Err   error
	Cause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v (after: %v)", e.Err, e.Cause)
}

func (e *RollbackError) Unwrap() []error { return []error{e.Err, e.Cause} }

// PanicError wraps a value recovered from a panicking action.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Trace returns the message followed by the captured stack.
func (e *PanicError) Trace() string {
	return e.Error() + "\n" + string(e.Stack)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, ", ")
}
