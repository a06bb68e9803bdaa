package api

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/sagaflow/pkg/schema"
)

// CronParser parses the standard five-field cron expressions accepted by
// AsyncOptions.Cron, plus descriptors such as "@hourly".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextCronTime returns the first activation of expr strictly after from.
func NextCronTime(expr string, from time.Time) (time.Time, error) {
	sched, err := CronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

var (
	workflowConcurrencySchema = schema.Object(
		schema.Required("limit", schema.Integer(schema.Min(1))),
		schema.Required("on_conflict", schema.String(schema.OneOf(string(OnConflictRaise), string(OnConflictReject)))),
	)
	actionConcurrencySchema = schema.Object(
		schema.Required("limit", schema.Integer(schema.Min(1))),
		schema.Required("on_conflict", schema.String(schema.OneOf(string(OnConflictRaise), string(OnConflictReschedule)))),
	)
)

// ValidateWorkflowConcurrency checks a workflow concurrency policy.
func ValidateWorkflowConcurrency(c *WorkflowConcurrency) error {
	if c == nil {
		return nil
	}
	return validateConcurrency(c.Limit, c.OnConflict, workflowConcurrencySchema)
}

// ValidateActionConcurrency checks an action concurrency policy.
func ValidateActionConcurrency(c *ActionConcurrency) error {
	if c == nil {
		return nil
	}
	return validateConcurrency(c.Limit, c.OnConflict, actionConcurrencySchema)
}

func validateConcurrency(limit int, onConflict OnConflict, s *schema.Schema) error {
	errs := schema.Validate(map[string]any{"limit": limit, "on_conflict": string(onConflict)}, s)
	if len(errs) > 0 {
		return definitionError(ErrInvalidConcurrencyOption, "%s", errs[0])
	}
	return nil
}

// ValidateActionDefinition checks a single action against the names of the
// actions declared before it.
func ValidateActionDefinition(a ActionDefinition, declared map[string]bool) error {
	if a.Name == "" {
		return definitionError(ErrInvalidActionDefinition, "Action name must be present")
	}
	if declared[a.Name] {
		return definitionError(ErrInvalidActionDefinition, "Action '%s' is declared more than once", a.Name)
	}

	switch a.Execution {
	case ExecutionSync:
		if a.Async != (AsyncOptions{}) {
			return definitionError(ErrInvalidActionDefinition, "Action '%s' must be either 'sync' or 'async'", a.Name)
		}
	case ExecutionAsync:
	default:
		return definitionError(ErrInvalidActionDefinition, "Action '%s' must be either 'sync' or 'async'", a.Name)
	}

	var unknown []string
	for _, name := range a.WaitFor {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return definitionError(ErrInvalidActionDefinition, "Action '%s' waits for unknown action names: %s", a.Name, quoteList(unknown))
	}

	if a.Async.Priority != nil && *a.Async.Priority < 0 {
		return definitionError(ErrInvalidActionDefinition, "Action '%s' priority must not be negative", a.Name)
	}
	if a.Async.Delay < 0 {
		return definitionError(ErrInvalidActionDefinition, "Action '%s' delay must not be negative", a.Name)
	}
	if a.Async.Cron != "" {
		if a.Async.Delay > 0 {
			return definitionError(ErrInvalidActionDefinition, "Action '%s' cannot set both 'delay' and 'cron'", a.Name)
		}
		if _, err := CronParser.Parse(a.Async.Cron); err != nil {
			return definitionError(ErrInvalidActionDefinition, "Action '%s' has an invalid cron expression '%s': %v", a.Name, a.Async.Cron, err)
		}
	}

	return ValidateActionConcurrency(a.Concurrency)
}

// ValidateWorkflowDefinition checks the static invariants of d: action names
// are unique, every action is either sync or async, wait_for only references
// earlier actions and concurrency policies are well formed.
func ValidateWorkflowDefinition(d *WorkflowDefinition) error {
	if d == nil || d.Name == "" {
		return definitionError(ErrInvalidActionDefinition, "Workflow name must be present")
	}
	if err := ValidateWorkflowConcurrency(d.Concurrency); err != nil {
		return err
	}
	declared := make(map[string]bool, len(d.Actions))
	for _, a := range d.Actions {
		if err := ValidateActionDefinition(a, declared); err != nil {
			return err
		}
		declared[a.Name] = true
	}
	return nil
}
