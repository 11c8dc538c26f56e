package v1

import (
	"context"
	"runtime"
	"time"

	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/events"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/metrics"
	"github.com/gxo-labs/runway/pkg/runway/v1/queue"
	"github.com/gxo-labs/runway/pkg/runway/v1/secrets"
	"github.com/gxo-labs/runway/pkg/runway/v1/store"
	"github.com/gxo-labs/runway/pkg/runway/v1/tracing"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// Permissions checked by the coordinator.
const (
	PermissionExecute = "workflows:execute"
	PermissionRead    = "workflows:read"
)

// RoleAdmin marks an organization administrator.
const RoleAdmin = "admin"

// Principal is the authenticated caller, as supplied by the external auth
// collaborator.
type Principal struct {
	ID          string   `json:"id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasPermission reports whether the principal was granted perm.
func (p Principal) HasPermission(perm string) bool {
	for _, granted := range p.Permissions {
		if granted == perm || granted == "*" {
			return true
		}
	}
	return false
}

// IsOrgAdmin reports whether the principal administers orgID.
func (p Principal) IsOrgAdmin(orgID string) bool {
	if p.OrgID != orgID {
		return false
	}
	for _, r := range p.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// Authorizer decides whether a principal may perform perm on a workflow.
type Authorizer interface {
	Authorize(ctx context.Context, principal Principal, perm string, wf *workflow.Workflow) error
}

// StartRequest describes a new run.
type StartRequest struct {
	WorkflowID  string
	TriggeredBy Principal
	Input       interface{}
	TriggerType workflow.TriggerType
}

// Progress summarizes how far a run has advanced.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Percent   float64 `json:"percent"`
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	Execution      *workflow.Execution `json:"execution"`
	Progress       Progress            `json:"progress"`
	CurrentNode    string              `json:"current_node,omitempty"`
	CompletedNodes []string            `json:"completed_nodes"`
	FailedNodes    []string            `json:"failed_nodes"`
}

// HistoryPage is one page of a workflow's execution history.
type HistoryPage struct {
	Executions []*workflow.Execution `json:"executions"`
	Page       int                   `json:"page"`
	Limit      int                   `json:"limit"`
	Total      int                   `json:"total"`
}

// CoordinatorV1 is the public interface of the execution engine.
type CoordinatorV1 interface {
	// Start creates a pending execution and enqueues it. It never blocks on
	// the run itself.
	Start(ctx context.Context, req StartRequest) (string, error)
	// Cancel stops a pending or running execution.
	Cancel(ctx context.Context, caller Principal, executionID, reason string) error
	// Retry creates a new execution from a failed one, optionally resuming
	// at fromNodeID.
	Retry(ctx context.Context, caller Principal, executionID, fromNodeID string) (string, error)
	GetStatus(ctx context.Context, caller Principal, executionID string) (*StatusReport, error)
	GetHistory(ctx context.Context, caller Principal, workflowID string, page, limit int) (*HistoryPage, error)

	// Run consumes the task queue until ctx is cancelled.
	Run(ctx context.Context) error

	MetricsRegistryProvider() metrics.RegistryProvider
	TracerProvider() tracing.TracerProvider

	SetStore(s store.Store) error
	SetQueue(q queue.Queue) error
	SetEventBus(bus events.Bus) error
	SetHandlerRegistry(registry handler.Registry) error
	SetCredentialResolver(resolver secrets.CredentialResolver) error
	SetAuthorizer(authorizer Authorizer) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetNodeTimeout(timeout time.Duration) error
	SetExecutionTimeout(timeout time.Duration) error
	SetWorkerCount(n int) error
	SetRunConcurrency(n int) error
	SetNodeConcurrency(n int) error
	SetRedactedKeywords(keywords []string) error
	SetWorkspace(dir string) error
	SetCompensation(enabled bool) error
	SetDryRun(enabled bool) error
}

// EngineOption configures a coordinator at creation.
type EngineOption func(CoordinatorV1) error

// WithStore provides the persistence store.
func WithStore(s store.Store) EngineOption {
	return func(c CoordinatorV1) error {
		if s == nil {
			return rwerrors.NewConfigError("store cannot be nil", nil)
		}
		return c.SetStore(s)
	}
}

// WithQueue provides the task queue.
func WithQueue(q queue.Queue) EngineOption {
	return func(c CoordinatorV1) error {
		if q == nil {
			return rwerrors.NewConfigError("queue cannot be nil", nil)
		}
		return c.SetQueue(q)
	}
}

// WithEventBus provides the event broadcaster.
func WithEventBus(bus events.Bus) EngineOption {
	return func(c CoordinatorV1) error {
		if bus == nil {
			return rwerrors.NewConfigError("event bus cannot be nil", nil)
		}
		return c.SetEventBus(bus)
	}
}

// WithHandlerRegistry provides a custom handler registry.
func WithHandlerRegistry(registry handler.Registry) EngineOption {
	return func(c CoordinatorV1) error {
		if registry == nil {
			return rwerrors.NewConfigError("handler registry cannot be nil", nil)
		}
		return c.SetHandlerRegistry(registry)
	}
}

// WithCredentialResolver provides the credential resolver.
func WithCredentialResolver(resolver secrets.CredentialResolver) EngineOption {
	return func(c CoordinatorV1) error {
		if resolver == nil {
			return rwerrors.NewConfigError("credential resolver cannot be nil", nil)
		}
		return c.SetCredentialResolver(resolver)
	}
}

// WithAuthorizer provides the permission check delegate.
func WithAuthorizer(authorizer Authorizer) EngineOption {
	return func(c CoordinatorV1) error {
		if authorizer == nil {
			return rwerrors.NewConfigError("authorizer cannot be nil", nil)
		}
		return c.SetAuthorizer(authorizer)
	}
}

// WithMetricsRegistryProvider provides a custom metrics registry.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) EngineOption {
	return func(c CoordinatorV1) error {
		if provider == nil {
			return rwerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return c.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider provides a custom tracer provider.
func WithTracerProvider(provider tracing.TracerProvider) EngineOption {
	return func(c CoordinatorV1) error {
		if provider == nil {
			return rwerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return c.SetTracerProvider(provider)
	}
}

// WithNodeTimeout sets the default per-node timeout.
func WithNodeTimeout(timeout time.Duration) EngineOption {
	return func(c CoordinatorV1) error {
		if timeout <= 0 {
			return rwerrors.NewConfigError("node timeout must be positive", nil)
		}
		return c.SetNodeTimeout(timeout)
	}
}

// WithExecutionTimeout sets the default whole-run deadline. Zero disables it.
func WithExecutionTimeout(timeout time.Duration) EngineOption {
	return func(c CoordinatorV1) error {
		if timeout < 0 {
			return rwerrors.NewConfigError("execution timeout cannot be negative", nil)
		}
		return c.SetExecutionTimeout(timeout)
	}
}

// WithWorkerCount sets how many executions run concurrently.
func WithWorkerCount(n int) EngineOption {
	return func(c CoordinatorV1) error {
		effective := n
		if effective <= 0 {
			effective = runtime.NumCPU()
		}
		return c.SetWorkerCount(effective)
	}
}

// WithRunConcurrency caps simultaneous node dispatches inside one run.
func WithRunConcurrency(n int) EngineOption {
	return func(c CoordinatorV1) error {
		if n <= 0 {
			return rwerrors.NewConfigError("run concurrency must be positive", nil)
		}
		return c.SetRunConcurrency(n)
	}
}

// WithNodeConcurrency caps simultaneous node dispatches across all runs.
func WithNodeConcurrency(n int) EngineOption {
	return func(c CoordinatorV1) error {
		if n <= 0 {
			return rwerrors.NewConfigError("node concurrency must be positive", nil)
		}
		return c.SetNodeConcurrency(n)
	}
}

// WithRedactedKeywords configures keywords that mark sensitive values in
// logged errors.
func WithRedactedKeywords(keywords []string) EngineOption {
	return func(c CoordinatorV1) error {
		return c.SetRedactedKeywords(keywords)
	}
}

// WithWorkspace sets the directory file handlers are confined to.
func WithWorkspace(dir string) EngineOption {
	return func(c CoordinatorV1) error {
		if dir == "" {
			return rwerrors.NewConfigError("workspace directory cannot be empty", nil)
		}
		return c.SetWorkspace(dir)
	}
}

// WithCompensation toggles compensating actions on cancel and retry.
func WithCompensation(enabled bool) EngineOption {
	return func(c CoordinatorV1) error {
		return c.SetCompensation(enabled)
	}
}

// WithDryRun makes handlers simulate their external side effects.
func WithDryRun(enabled bool) EngineOption {
	return func(c CoordinatorV1) error {
		return c.SetDryRun(enabled)
	}
}
