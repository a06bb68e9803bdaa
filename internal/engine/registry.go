package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Registry maps workflow and action names to their definitions. It is
// append-only: entries are added during startup, then the registry is sealed
// and only read.
type Registry struct {
	mu        sync.RWMutex
	sealed    bool
	workflows map[string]*api.WorkflowDefinition
	order     []string
	actions   map[string]*api.ActionSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*api.WorkflowDefinition),
		actions:   make(map[string]*api.ActionSpec),
	}
}

// Source adds definitions to a registry, e.g. by loading files.
type Source func(r *Registry) error

// AddWorkflow validates def and registers it under its name.
func (r *Registry) AddWorkflow(def api.WorkflowDefinition) error {
	if err := api.ValidateWorkflowDefinition(&def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return api.ErrRegistrySealed
	}
	if _, exists := r.workflows[def.Name]; exists {
		return &api.DefinitionError{
			Kind:    api.ErrDuplicateName,
			Message: fmt.Sprintf("Workflow '%s' is already registered", def.Name),
		}
	}
	r.workflows[def.Name] = def.Clone()
	r.order = append(r.order, def.Name)
	return nil
}

// AddAction compiles spec and registers it under its name.
func (r *Registry) AddAction(spec api.ActionSpec) error {
	s := spec
	if err := s.Compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return api.ErrRegistrySealed
	}
	if _, exists := r.actions[s.Name]; exists {
		return &api.DefinitionError{
			Kind:    api.ErrDuplicateName,
			Message: fmt.Sprintf("Action '%s' is already registered", s.Name),
		}
	}
	r.actions[s.Name] = &s
	return nil
}

// Seal makes the registry read-only. It is idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// FindWorkflow returns a copy of the named definition.
func (r *Registry) FindWorkflow(name string) (*api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", api.ErrWorkflowNotFound, name)
	}
	return def.Clone(), nil
}

// FindAction returns the named action spec.
func (r *Registry) FindAction(name string) (*api.ActionSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", api.ErrActionNotFound, name)
	}
	return spec, nil
}

// Workflows returns copies of all definitions in registration order.
func (r *Registry) Workflows() []*api.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*api.WorkflowDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.workflows[name].Clone())
	}
	return out
}

// Apply runs sources against the registry in order.
func (r *Registry) Apply(sources ...Source) error {
	for _, src := range sources {
		if err := src(r); err != nil {
			return err
		}
	}
	return nil
}

// SyncWorkflows applies sources, then upserts every registered workflow
// definition into store. Stored definitions with the same name are replaced.
func (r *Registry) SyncWorkflows(ctx context.Context, store persistence.DefinitionStore, sources ...Source) ([]*api.WorkflowDefinition, error) {
	if err := r.Apply(sources...); err != nil {
		return nil, err
	}
	defs := r.Workflows()
	if len(defs) == 0 {
		return nil, nil
	}
	if err := store.UpsertWorkflowDefinitions(ctx, defs); err != nil {
		return nil, fmt.Errorf("sync workflows: %w", err)
	}
	return defs, nil
}
