package workflow

import (
	"time"
)

// ExecutionStatus is the lifecycle state of one run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// TriggerType records what caused a run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerWebhook   TriggerType = "webhook"
	TriggerAPI       TriggerType = "api"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerWebhook, TriggerAPI:
		return true
	}
	return false
}

// ExecutionMetadata links retries back to the run they replace.
type ExecutionMetadata struct {
	IsRetry             bool   `json:"is_retry"`
	OriginalExecutionID string `json:"original_execution_id,omitempty"`
	RetryFromNodeID     string `json:"retry_from_node_id,omitempty"`
}

// Execution is one run of a workflow version.
type Execution struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	WorkflowVersion int               `json:"workflow_version"`
	OrgID           string            `json:"org_id"`
	TriggeredBy     string            `json:"triggered_by"`
	TriggerType     TriggerType       `json:"trigger_type"`
	Status          ExecutionStatus   `json:"status"`
	InputData       interface{}       `json:"input_data,omitempty"`
	OutputData      interface{}       `json:"output_data,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorNodeID     string            `json:"error_node_id,omitempty"`
	Metadata        ExecutionMetadata `json:"metadata"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	CancelReason    string            `json:"cancel_reason,omitempty"`
	CancelledBy     string            `json:"cancelled_by,omitempty"`
	WorkerID        string            `json:"worker_id,omitempty"`
}

// CanTransition reports whether moving from the current status to next is a
// legal lifecycle step. Terminal executions never transition.
func (e *Execution) CanTransition(next ExecutionStatus) bool {
	switch e.Status {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionCancelled || next == ExecutionCompleted || next == ExecutionFailed
	case ExecutionRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Finish stamps terminal bookkeeping on the execution.
func (e *Execution) Finish(status ExecutionStatus, at time.Time) {
	e.Status = status
	e.CompletedAt = &at
	if e.StartedAt != nil {
		e.DurationMs = at.Sub(*e.StartedAt).Milliseconds()
	}
}

// Log levels used in execution log entries.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// LogKind tags log entries that carry lifecycle state, so a run's context can
// be rebuilt from its persisted log alone.
type LogKind string

const (
	LogMessage           LogKind = ""
	LogExecutionStarted  LogKind = "execution_started"
	LogNodeStarted       LogKind = "node_started"
	LogNodeCompleted     LogKind = "node_completed"
	LogNodeFailed        LogKind = "node_failed"
	LogNodeSkipped       LogKind = "node_skipped"
	LogNodeSeeded        LogKind = "node_seeded"
	LogNodeInterrupted   LogKind = "node_interrupted"
	LogNodeCompensated   LogKind = "node_compensated"
	LogExecutionFinished LogKind = "execution_finished"
	LogCancelRequested   LogKind = "cancel_requested"
)

// LogEntry is one line of an execution's append-only log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	NodeID    string                 `json:"node_id,omitempty"`
	Kind      LogKind                `json:"kind,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NodeExecutionResult is the outcome of dispatching one node.
type NodeExecutionResult struct {
	NodeID   string        `json:"node_id"`
	Success  bool          `json:"success"`
	Output   interface{}   `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Logs     []LogEntry    `json:"logs,omitempty"`
	// Err keeps the typed error for callers in the same process.
	Err error `json:"-"`
}
