package events

import "time"

// EventType represents the type of an engine event.
type EventType string

// Execution lifecycle events.
const (
	ExecutionStarted   EventType = "execution_started"
	ExecutionCompleted EventType = "execution_completed"
	ExecutionFailed    EventType = "execution_failed"
	ExecutionStopped   EventType = "execution_stopped" // Cancelled before or during the run
	NodeStarted        EventType = "node_started"
	NodeCompleted      EventType = "node_completed"
	NodeFailed         EventType = "node_failed"
	NodeSkipped        EventType = "node_skipped" // Branch not taken
	NodeCompensated    EventType = "node_compensated"
)

// Event represents a significant occurrence within a run. Consumers must
// tolerate at-least-once delivery and reordering across executions.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// ExecutionID identifies the run.
	ExecutionID string `json:"execution_id"`
	// WorkflowID identifies the workflow the run belongs to.
	WorkflowID string `json:"workflow_id"`
	// NodeID is set on node events.
	NodeID string `json:"node_id,omitempty"`
	// Payload contains event-specific data. Resolved credentials MUST NOT be
	// included.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the contract for publishing engine events.
type Bus interface {
	// Emit publishes an event. Implementations must not block the engine.
	Emit(event Event)
}
