package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// --- Configuration and validation ---

// ConfigError represents an error encountered while loading or validating
// a workflow definition or the engine configuration.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (definition structure, schema
// version, node configuration) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// --- Planning ---

// CyclicGraphError is returned by the plan builder when the node/edge set of
// a workflow does not form a DAG. NodeIDs lists the nodes left with a
// positive in-degree once no further node could be extracted.
type CyclicGraphError struct {
	WorkflowID string
	NodeIDs    []string
}

func NewCyclicGraphError(workflowID string, nodeIDs []string) *CyclicGraphError {
	return &CyclicGraphError{WorkflowID: workflowID, NodeIDs: nodeIDs}
}
func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("workflow '%s' contains a cycle involving nodes [%s]", e.WorkflowID, strings.Join(e.NodeIDs, ", "))
}

// NodeNotFoundError indicates an edge, retry point or lookup referenced a node
// that is not part of the workflow.
type NodeNotFoundError struct {
	WorkflowID string
	NodeID     string
}

func NewNodeNotFoundError(workflowID, nodeID string) *NodeNotFoundError {
	return &NodeNotFoundError{WorkflowID: workflowID, NodeID: nodeID}
}
func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node '%s' not found in workflow '%s'", e.NodeID, e.WorkflowID)
}

// --- Lookup and authorization ---

// WorkflowNotFoundError indicates no workflow exists with the given ID.
type WorkflowNotFoundError struct {
	WorkflowID string
}

func NewWorkflowNotFoundError(workflowID string) *WorkflowNotFoundError {
	return &WorkflowNotFoundError{WorkflowID: workflowID}
}
func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow not found: %s", e.WorkflowID)
}

// WorkflowNotActiveError indicates a start was requested for a workflow whose
// status is not active.
type WorkflowNotActiveError struct {
	WorkflowID string
	Status     string
}

func NewWorkflowNotActiveError(workflowID, status string) *WorkflowNotActiveError {
	return &WorkflowNotActiveError{WorkflowID: workflowID, Status: status}
}
func (e *WorkflowNotActiveError) Error() string {
	return fmt.Sprintf("workflow '%s' is not active (status: %s)", e.WorkflowID, e.Status)
}

// ExecutionNotFoundError indicates no execution exists with the given ID.
type ExecutionNotFoundError struct {
	ExecutionID string
}

func NewExecutionNotFoundError(executionID string) *ExecutionNotFoundError {
	return &ExecutionNotFoundError{ExecutionID: executionID}
}
func (e *ExecutionNotFoundError) Error() string {
	return fmt.Sprintf("execution not found: %s", e.ExecutionID)
}

// PermissionDeniedError indicates the caller principal lacks the permission
// required for an operation.
type PermissionDeniedError struct {
	Principal  string
	Permission string
	Reason     string
}

func NewPermissionDeniedError(principal, permission, reason string) *PermissionDeniedError {
	return &PermissionDeniedError{Principal: principal, Permission: permission, Reason: reason}
}
func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("permission denied for '%s'", e.Principal)
	if e.Permission != "" {
		msg = fmt.Sprintf("%s (requires %s)", msg, e.Permission)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	return msg
}

// --- Lifecycle ---

// InvalidTransitionError is returned when an operation would move an
// execution through an illegal state change, such as cancelling a run that is
// already terminal or retrying one that did not fail.
type InvalidTransitionError struct {
	ExecutionID string
	From        string
	To          string
}

func NewInvalidTransitionError(executionID, from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{ExecutionID: executionID, From: from, To: to}
}
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("execution '%s' cannot move from '%s' to '%s'", e.ExecutionID, e.From, e.To)
}

// InvalidRetryPointError indicates the node requested as a retry starting
// point is not in the plan or sits downstream of a failed chain.
type InvalidRetryPointError struct {
	ExecutionID string
	NodeID      string
	Reason      string
}

func NewInvalidRetryPointError(executionID, nodeID, reason string) *InvalidRetryPointError {
	return &InvalidRetryPointError{ExecutionID: executionID, NodeID: nodeID, Reason: reason}
}
func (e *InvalidRetryPointError) Error() string {
	return fmt.Sprintf("invalid retry point '%s' for execution '%s': %s", e.NodeID, e.ExecutionID, e.Reason)
}

// ExecutionTimeoutError marks a run that exceeded its execution deadline.
type ExecutionTimeoutError struct {
	ExecutionID string
	Timeout     time.Duration
}

func NewExecutionTimeoutError(executionID string, timeout time.Duration) *ExecutionTimeoutError {
	return &ExecutionTimeoutError{ExecutionID: executionID, Timeout: timeout}
}
func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution '%s' exceeded its deadline of %s", e.ExecutionID, e.Timeout)
}

// WorkerLostError marks a run found in the running state on redelivery with
// no live worker owning it.
type WorkerLostError struct {
	ExecutionID string
	WorkerID    string
}

func NewWorkerLostError(executionID, workerID string) *WorkerLostError {
	return &WorkerLostError{ExecutionID: executionID, WorkerID: workerID}
}
func (e *WorkerLostError) Error() string {
	if e.WorkerID == "" {
		return fmt.Sprintf("worker lost while running execution '%s'", e.ExecutionID)
	}
	return fmt.Sprintf("worker '%s' lost while running execution '%s'", e.WorkerID, e.ExecutionID)
}

// --- Node dispatch ---

// HandlerNotFoundError indicates no handler is registered for a node type.
type HandlerNotFoundError struct {
	NodeType string
}

func NewHandlerNotFoundError(nodeType string) *HandlerNotFoundError {
	return &HandlerNotFoundError{NodeType: nodeType}
}
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for node type: %s", e.NodeType)
}

// NodeTimeoutError indicates a handler did not return within the node timeout.
type NodeTimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func NewNodeTimeoutError(nodeID string, timeout time.Duration) *NodeTimeoutError {
	return &NodeTimeoutError{NodeID: nodeID, Timeout: timeout}
}
func (e *NodeTimeoutError) Error() string {
	return fmt.Sprintf("node '%s' timed out after %s", e.NodeID, e.Timeout)
}

// NodeExecutionError wraps a failure reported by, or recovered from, a node
// handler. The original error message is preserved in Cause.
type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Cause    error
}

func NewNodeExecutionError(nodeID, nodeType string, cause error) *NodeExecutionError {
	return &NodeExecutionError{NodeID: nodeID, NodeType: nodeType, Cause: cause}
}
func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node '%s' (%s) failed: %v", e.NodeID, e.NodeType, e.Cause)
}
func (e *NodeExecutionError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is one of the lookup errors.
func IsNotFound(err error) bool {
	var wf *WorkflowNotFoundError
	var ex *ExecutionNotFoundError
	var nd *NodeNotFoundError
	var hd *HandlerNotFoundError
	return errors.As(err, &wf) || errors.As(err, &ex) || errors.As(err, &nd) || errors.As(err, &hd)
}
