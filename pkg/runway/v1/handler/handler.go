// Package handler defines the contract between the engine and the executable
// capability bound to each node type.
package handler

import (
	"context"

	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// DryRunKey is the context key used to signal dry-run mode to handlers.
// Handlers with external side effects must simulate them when it is set.
type DryRunKey struct{}

// IsDryRun reports whether ctx carries the dry-run flag.
func IsDryRun(ctx context.Context) bool {
	v, _ := ctx.Value(DryRunKey{}).(bool)
	return v
}

// Request is everything a handler may see while executing one node. Handlers
// get the prior output and their own configuration, never the whole run.
type Request struct {
	ExecutionID string
	WorkflowID  string
	OrgID       string
	// Node is the node being executed. Config string values have already
	// been rendered against the node input.
	Node workflow.Node
	// Input is the output of the node's predecessor(s), or the trigger input.
	Input interface{}
	// Credentials holds secret material resolved for this dispatch only.
	Credentials map[string]string
	// Logger is scoped to the node. Entries written here are also captured
	// into the node's result logs.
	Logger rwlog.Logger
	// Workspace is the directory file handlers are confined to.
	Workspace string
	// Registry lets composite handlers (loop) dispatch inner nodes.
	Registry Registry
}

// Handler executes one node. A nil error means success; the returned value
// becomes the node output. Handlers must honor ctx cancellation.
type Handler interface {
	Execute(ctx context.Context, req *Request) (interface{}, error)
}

// Compensator is implemented by handlers whose completed effects can be
// undone. Compensate receives the original request and the output the node
// produced.
type Compensator interface {
	Compensate(ctx context.Context, req *Request, output interface{}) error
}

// Factory creates new handler instances.
type Factory func() Handler

// Registry maps node types to handler factories.
type Registry interface {
	// Get returns the factory for nodeType, or a HandlerNotFoundError.
	Get(nodeType workflow.NodeType) (Factory, error)
	// Register associates nodeType with factory. Duplicate names are errors.
	Register(nodeType workflow.NodeType, factory Factory) error
	// List returns the registered node types in no particular order.
	List() []workflow.NodeType
}

// RawConfigKeyer is implemented by handlers that interpret some config keys
// themselves, such as a loop body or a custom expression. Those keys are
// passed through without template rendering.
type RawConfigKeyer interface {
	RawConfigKeys() []string
}
