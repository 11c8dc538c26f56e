package store

import (
	"context"

	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// MutateFunc modifies an execution inside an atomic update. Returning an
// error aborts the update and leaves the stored record unchanged.
type MutateFunc func(exec *workflow.Execution) error

// WorkflowStore holds workflow definitions. The engine only reads them; Save
// exists for loaders and tests.
type WorkflowStore interface {
	// GetWorkflow returns a WorkflowNotFoundError when id is unknown.
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error
	ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}

// ExecutionStore is the single source of truth for execution state.
// Implementations must be safe for concurrent use and must return copies, so
// callers can never mutate stored records in place.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *workflow.Execution) error
	// GetExecution returns an ExecutionNotFoundError when id is unknown.
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	// UpdateExecution loads the record, applies mutate and saves the result
	// atomically with respect to other updates of the same record.
	UpdateExecution(ctx context.Context, id string, mutate MutateFunc) (*workflow.Execution, error)
	// ListExecutions returns a workflow's executions newest first along with
	// the total count.
	ListExecutions(ctx context.Context, workflowID string, offset, limit int) ([]*workflow.Execution, int, error)

	// AppendLog appends entries to the execution's append-only log.
	AppendLog(ctx context.Context, executionID string, entries ...workflow.LogEntry) error
	// ReadLog returns the execution's log in append order.
	ReadLog(ctx context.Context, executionID string) ([]workflow.LogEntry, error)
}

// Store combines both contracts with resource cleanup.
type Store interface {
	WorkflowStore
	ExecutionStore
	Close() error
}
