package persistence

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// InMemoryStore is a goroutine-safe Storage backed by maps.
//
// Records are never mutated in place: every update stores a fresh copy, so a
// transaction can be rolled back by restoring the maps captured when it
// began. Transactions, and individual calls made outside one, are fully
// serialised.
type InMemoryStore struct {
	mu sync.Mutex

	definitions map[string]*api.WorkflowDefinition
	workflows   map[string]*api.WorkflowInstance
	actions     map[string]*api.ActionInstance
	// order of action ids per workflow, in creation order
	byWorkflow map[string][]string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]*api.WorkflowDefinition),
		workflows:   make(map[string]*api.WorkflowInstance),
		actions:     make(map[string]*api.ActionInstance),
		byWorkflow:  make(map[string][]string),
	}
}

var _ Storage = (*InMemoryStore)(nil)

type memTxKey struct{ s *InMemoryStore }

func (s *InMemoryStore) inTx(ctx context.Context) bool {
	return ctx.Value(memTxKey{s}) != nil
}

// lock acquires the store unless ctx already carries one of its transactions.
func (s *InMemoryStore) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type memSnapshot struct {
	definitions map[string]*api.WorkflowDefinition
	workflows   map[string]*api.WorkflowInstance
	actions     map[string]*api.ActionInstance
	byWorkflow  map[string][]string
}

func (s *InMemoryStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memSnapshot{
		definitions: maps.Clone(s.definitions),
		workflows:   maps.Clone(s.workflows),
		actions:     maps.Clone(s.actions),
		byWorkflow:  maps.Clone(s.byWorkflow),
	}
	restore := func() {
		s.definitions = snap.definitions
		s.workflows = snap.workflows
		s.actions = snap.actions
		s.byWorkflow = snap.byWorkflow
	}

	txCtx := context.WithValue(ctx, memTxKey{s}, true)
	done := false
	defer func() {
		if !done {
			restore()
		}
	}()
	if err := fn(txCtx); err != nil {
		return err
	}
	done = true
	return nil
}

func (s *InMemoryStore) LockConcurrencyKey(context.Context, string) error {
	return nil
}

func (s *InMemoryStore) UpsertWorkflowDefinitions(ctx context.Context, defs []*api.WorkflowDefinition) error {
	defer s.lock(ctx)()
	for _, d := range defs {
		s.definitions[d.Name] = d.Clone()
	}
	return nil
}

func (s *InMemoryStore) FindWorkflowDefinition(ctx context.Context, name string) (*api.WorkflowDefinition, error) {
	defer s.lock(ctx)()
	d, ok := s.definitions[name]
	if !ok {
		return nil, api.ErrWorkflowNotFound
	}
	return d.Clone(), nil
}

func (s *InMemoryStore) CreateWorkflowInstance(ctx context.Context, wf *api.WorkflowInstance) error {
	defer s.lock(ctx)()
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *InMemoryStore) FindWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	defer s.lock(ctx)()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, api.ErrWorkflowInstanceNotFound
	}
	return wf.Clone(), nil
}

func (s *InMemoryStore) FindAndLockWorkflowInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return s.FindWorkflowInstance(ctx, id)
}

// updateWorkflow applies fn to a copy of the instance and stores the copy.
func (s *InMemoryStore) updateWorkflow(ctx context.Context, id string, fn func(*api.WorkflowInstance) error) error {
	defer s.lock(ctx)()
	wf, ok := s.workflows[id]
	if !ok {
		return api.ErrWorkflowInstanceNotFound
	}
	c := wf.Clone()
	if err := fn(c); err != nil {
		return err
	}
	s.workflows[id] = c
	return nil
}

func (s *InMemoryStore) StartWorkflow(ctx context.Context, id string, at time.Time) (bool, error) {
	started := false
	err := s.updateWorkflow(ctx, id, func(wf *api.WorkflowInstance) error {
		if wf.State != api.WorkflowPending {
			return nil
		}
		wf.State = api.WorkflowRunning
		wf.StartedAt = &at
		started = true
		return nil
	})
	return started, err
}

func (s *InMemoryStore) finishWorkflow(ctx context.Context, id string, state api.WorkflowState, at time.Time) error {
	return s.updateWorkflow(ctx, id, func(wf *api.WorkflowInstance) error {
		if wf.Finished() {
			return api.ErrWorkflowFinished
		}
		wf.State = state
		wf.FinishedAt = &at
		return nil
	})
}

func (s *InMemoryStore) CompleteWorkflow(ctx context.Context, id string, at time.Time) error {
	return s.finishWorkflow(ctx, id, api.WorkflowCompleted, at)
}

func (s *InMemoryStore) FailWorkflow(ctx context.Context, id string, at time.Time) error {
	return s.finishWorkflow(ctx, id, api.WorkflowFailed, at)
}

func (s *InMemoryStore) UpdateWorkflowContext(ctx context.Context, id string, wctx map[string]any) error {
	return s.updateWorkflow(ctx, id, func(wf *api.WorkflowInstance) error {
		wf.Context = api.CloneMap(wctx)
		return nil
	})
}

func (s *InMemoryStore) ListNotFinishedWorkflowIDs(ctx context.Context) ([]string, error) {
	defer s.lock(ctx)()
	var ids []string
	for id, wf := range s.workflows {
		if !wf.Finished() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) CountNotFinishedWorkflows(ctx context.Context, key string) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for _, wf := range s.workflows {
		if wf.ConcurrencyKey == key && !wf.Finished() {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CreateActionInstance(ctx context.Context, act *api.ActionInstance) error {
	defer s.lock(ctx)()
	if _, ok := s.workflows[act.WorkflowID]; !ok {
		return api.ErrWorkflowInstanceNotFound
	}
	s.actions[act.ID] = act.Clone()
	s.byWorkflow[act.WorkflowID] = append(slices.Clone(s.byWorkflow[act.WorkflowID]), act.ID)
	return nil
}

func (s *InMemoryStore) FindActionInstance(ctx context.Context, id string) (*api.ActionInstance, error) {
	defer s.lock(ctx)()
	act, ok := s.actions[id]
	if !ok {
		return nil, api.ErrActionInstanceNotFound
	}
	return act.Clone(), nil
}

func (s *InMemoryStore) updateAction(ctx context.Context, id string, fn func(*api.ActionInstance) error) error {
	defer s.lock(ctx)()
	act, ok := s.actions[id]
	if !ok {
		return api.ErrActionInstanceNotFound
	}
	c := act.Clone()
	if err := fn(c); err != nil {
		return err
	}
	s.actions[id] = c
	return nil
}

func (s *InMemoryStore) StartAction(ctx context.Context, id string, at time.Time) error {
	return s.updateAction(ctx, id, func(act *api.ActionInstance) error {
		if act.State != api.ActionPending {
			return api.ErrActionNotPending
		}
		act.State = api.ActionRunning
		act.StartedAt = &at
		return nil
	})
}

func (s *InMemoryStore) CompleteAction(ctx context.Context, id string, output any, actx map[string]any, at time.Time) error {
	return s.updateAction(ctx, id, func(act *api.ActionInstance) error {
		if act.State != api.ActionRunning {
			return ErrStateConflict
		}
		act.State = api.ActionCompleted
		act.Output = api.CloneValue(output)
		act.Context = api.CloneMap(actx)
		act.FinishedAt = &at
		return nil
	})
}

func (s *InMemoryStore) FailAction(ctx context.Context, id string, actx, customErrors map[string]any, logs []string, at time.Time) error {
	return s.updateAction(ctx, id, func(act *api.ActionInstance) error {
		if act.Finished() {
			return ErrStateConflict
		}
		act.State = api.ActionFailed
		act.Context = api.CloneMap(actx)
		act.CustomErrors = api.CloneMap(customErrors)
		act.Logs = slices.Clone(logs)
		act.FinishedAt = &at
		return nil
	})
}

func (s *InMemoryStore) SetRetrySuccessor(ctx context.Context, id, successorID string) error {
	return s.updateAction(ctx, id, func(act *api.ActionInstance) error {
		act.RetrySuccessorID = successorID
		return nil
	})
}

func (s *InMemoryStore) MarkActionDispatched(ctx context.Context, id string, at time.Time) error {
	return s.updateAction(ctx, id, func(act *api.ActionInstance) error {
		act.DispatchedAt = &at
		return nil
	})
}

func (s *InMemoryStore) ListActionInstances(ctx context.Context, workflowID string) ([]*api.ActionInstance, error) {
	defer s.lock(ctx)()
	ids := s.byWorkflow[workflowID]
	out := make([]*api.ActionInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.actions[id].Clone())
	}
	return out, nil
}

func (s *InMemoryStore) CountNotFinishedActions(ctx context.Context, key string) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for _, act := range s.actions {
		if act.ConcurrencyKey == key && !act.Finished() {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) IncompleteActionNames(ctx context.Context, names []string, workflowID string) ([]string, error) {
	defer s.lock(ctx)()
	completed := make(map[string]bool)
	for _, id := range s.byWorkflow[workflowID] {
		if act := s.actions[id]; act.State == api.ActionCompleted {
			completed[act.Name] = true
		}
	}
	var out []string
	for _, n := range names {
		if !completed[n] {
			out = append(out, n)
		}
	}
	return out, nil
}
