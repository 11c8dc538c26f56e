package store

import (
	"context"
	"sort"
	"sync"

	"github.com/gxo-labs/runway/internal/util"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	rwstore "github.com/gxo-labs/runway/pkg/runway/v1/store"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// MemoryStore implements store.Store with maps guarded by a RWMutex. It is
// volatile and meant for single-process runs and tests. Every read returns a
// deep copy, so callers can never alter stored records through a reference.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*workflow.Workflow
	executions map[string]*workflow.Execution
	byWorkflow map[string][]string
	logs       map[string][]workflow.LogEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]*workflow.Execution),
		byWorkflow: make(map[string][]string),
		logs:       make(map[string][]workflow.LogEntry),
	}
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, rwerrors.NewWorkflowNotFoundError(id)
	}
	return cloneWorkflow(wf), nil
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if wf == nil || wf.ID == "" {
		return rwerrors.NewValidationError("workflow must have an id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *workflow.Execution) error {
	if exec == nil || exec.ID == "" {
		return rwerrors.NewValidationError("execution must have an id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return rwerrors.NewValidationError("execution already exists: "+exec.ID, nil)
	}
	s.executions[exec.ID] = cloneExecution(exec)
	s.byWorkflow[exec.WorkflowID] = append(s.byWorkflow[exec.WorkflowID], exec.ID)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, rwerrors.NewExecutionNotFoundError(id)
	}
	return cloneExecution(exec), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, mutate rwstore.MutateFunc) (*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[id]
	if !ok {
		return nil, rwerrors.NewExecutionNotFoundError(id)
	}
	working := cloneExecution(current)
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.executions[id] = working
	return cloneExecution(working), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, workflowID string, offset, limit int) ([]*workflow.Execution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byWorkflow[workflowID]
	all := make([]*workflow.Execution, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.executions[id])
	}
	sortNewestFirst(all)

	start, end := pageBounds(len(all), offset, limit)
	out := make([]*workflow.Execution, 0, end-start)
	for _, exec := range all[start:end] {
		out = append(out, cloneExecution(exec))
	}
	return out, len(all), nil
}

func (s *MemoryStore) AppendLog(_ context.Context, executionID string, entries ...workflow.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return rwerrors.NewExecutionNotFoundError(executionID)
	}
	for _, e := range entries {
		e.Data = util.CopyMap(e.Data)
		s.logs[executionID] = append(s.logs[executionID], e)
	}
	return nil
}

func (s *MemoryStore) ReadLog(_ context.Context, executionID string) ([]workflow.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.executions[executionID]; !ok {
		return nil, rwerrors.NewExecutionNotFoundError(executionID)
	}
	src := s.logs[executionID]
	out := make([]workflow.LogEntry, len(src))
	for i, e := range src {
		e.Data = util.CopyMap(e.Data)
		out[i] = e
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// sortNewestFirst orders by creation time descending, then by ID descending
// so executions created in the same instant still have a stable order.
func sortNewestFirst(execs []*workflow.Execution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if !execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].CreatedAt.After(execs[j].CreatedAt)
		}
		return execs[i].ID > execs[j].ID
	})
}

func cloneExecution(e *workflow.Execution) *workflow.Execution {
	cpy := *e
	cpy.InputData = util.DeepCopy(e.InputData)
	cpy.OutputData = util.DeepCopy(e.OutputData)
	if e.StartedAt != nil {
		t := *e.StartedAt
		cpy.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cpy.CompletedAt = &t
	}
	return &cpy
}

func cloneWorkflow(w *workflow.Workflow) *workflow.Workflow {
	cpy := *w
	if w.Nodes != nil {
		cpy.Nodes = make([]workflow.Node, len(w.Nodes))
	}
	for i, n := range w.Nodes {
		n.Config = util.CopyMap(n.Config)
		n.Credentials = append([]string(nil), n.Credentials...)
		if n.Retry != nil {
			r := *n.Retry
			n.Retry = &r
		}
		cpy.Nodes[i] = n
	}
	if w.Edges != nil {
		cpy.Edges = append(make([]workflow.Edge, 0, len(w.Edges)), w.Edges...)
	}
	cpy.Variables = util.CopyMap(w.Variables)
	return &cpy
}

var _ rwstore.Store = (*MemoryStore)(nil)
