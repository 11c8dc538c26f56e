package engine

import (
	"sync"
	"time"

	"github.com/gxo-labs/runway/internal/util"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// Keys used in the Data of lifecycle log entries.
const (
	logDataOutput     = "output"
	logDataDurationMs = "duration_ms"
	logDataError      = "error"
	logDataReason     = "reason"
	logDataDeadline   = "deadline"
)

// ExecutionContext tracks the progress of one run: which node is current,
// which nodes completed, failed or were skipped, and the output of every
// completed node. It is safe for concurrent use by the nodes of a group.
//
// Each mutation returns the LogEntry describing it. Persisting those entries
// is enough to rebuild the context later with RebuildContext.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string

	mu          sync.RWMutex
	cursor      string
	running     map[string]struct{}
	completed   []string
	failed      []string
	skipped     []string
	interrupted []string
	seeded      map[string]struct{}
	outputs     map[string]interface{}
	variables   map[string]interface{}
	deadline    time.Time
	logs        []workflow.LogEntry
	now         func() time.Time
}

// NewExecutionContext creates an empty context for exec. A zero deadline
// means the run is unbounded.
func NewExecutionContext(exec *workflow.Execution, variables map[string]interface{}, deadline time.Time) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		running:     make(map[string]struct{}),
		seeded:      make(map[string]struct{}),
		outputs:     make(map[string]interface{}),
		variables:   util.CopyMap(variables),
		deadline:    deadline,
		now:         time.Now,
	}
}

func (c *ExecutionContext) entry(level string, kind workflow.LogKind, nodeID, msg string, data map[string]interface{}) workflow.LogEntry {
	e := workflow.LogEntry{
		Timestamp: c.now().UTC(),
		Level:     level,
		Message:   msg,
		NodeID:    nodeID,
		Kind:      kind,
		Data:      data,
	}
	c.logs = append(c.logs, e)
	return e
}

// Started records the start of the run.
func (c *ExecutionContext) Started() workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var data map[string]interface{}
	if !c.deadline.IsZero() {
		data = map[string]interface{}{logDataDeadline: c.deadline.UTC().Format(time.RFC3339Nano)}
	}
	return c.entry(workflow.LevelInfo, workflow.LogExecutionStarted, "", "execution started", data)
}

// NodeStarted moves the cursor to nodeID.
func (c *ExecutionContext) NodeStarted(nodeID string) workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = nodeID
	c.running[nodeID] = struct{}{}
	return c.entry(workflow.LevelInfo, workflow.LogNodeStarted, nodeID, "node started", nil)
}

func (c *ExecutionContext) finishLocked(nodeID string) {
	delete(c.running, nodeID)
	if c.cursor == nodeID {
		c.cursor = ""
		for id := range c.running {
			c.cursor = id
			break
		}
	}
}

// NodeCompleted stores the node's output and appends it to the completed
// list.
func (c *ExecutionContext) NodeCompleted(nodeID string, output interface{}, d time.Duration) workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(nodeID)
	c.completed = append(c.completed, nodeID)
	c.outputs[nodeID] = output
	return c.entry(workflow.LevelInfo, workflow.LogNodeCompleted, nodeID, "node completed", map[string]interface{}{
		logDataOutput:     output,
		logDataDurationMs: d.Milliseconds(),
	})
}

// NodeFailed records a node failure.
func (c *ExecutionContext) NodeFailed(nodeID, errMsg string, d time.Duration) workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(nodeID)
	c.failed = append(c.failed, nodeID)
	return c.entry(workflow.LevelError, workflow.LogNodeFailed, nodeID, "node failed: "+errMsg, map[string]interface{}{
		logDataError:      errMsg,
		logDataDurationMs: d.Milliseconds(),
	})
}

// NodeSkipped records a node that will not run because no incoming branch
// selected it.
func (c *ExecutionContext) NodeSkipped(nodeID, reason string) workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped = append(c.skipped, nodeID)
	return c.entry(workflow.LevelInfo, workflow.LogNodeSkipped, nodeID, "node skipped: "+reason, map[string]interface{}{
		logDataReason: reason,
	})
}

// NodeSeeded records a node whose output was carried over from an earlier
// execution instead of being produced by its handler.
func (c *ExecutionContext) NodeSeeded(nodeID string, output interface{}, from string) workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, nodeID)
	c.seeded[nodeID] = struct{}{}
	c.outputs[nodeID] = output
	return c.entry(workflow.LevelInfo, workflow.LogNodeSeeded, nodeID, "node output carried over from "+from, map[string]interface{}{
		logDataOutput: output,
		logDataReason: from,
	})
}

// NodeInterrupted records a node cut short by a sibling's failure or by
// cancellation. It is neither completed nor failed.
func (c *ExecutionContext) NodeInterrupted(nodeID, reason string) workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(nodeID)
	c.interrupted = append(c.interrupted, nodeID)
	return c.entry(workflow.LevelWarn, workflow.LogNodeInterrupted, nodeID, "node interrupted: "+reason, map[string]interface{}{
		logDataReason: reason,
	})
}

// NodeCompensated records the outcome of a compensating action.
func (c *ExecutionContext) NodeCompensated(nodeID string, err error) workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		return c.entry(workflow.LevelWarn, workflow.LogNodeCompensated, nodeID, "compensation failed: "+err.Error(), map[string]interface{}{
			logDataError: err.Error(),
		})
	}
	return c.entry(workflow.LevelInfo, workflow.LogNodeCompensated, nodeID, "node compensated", nil)
}

// Finished records the terminal status of the run.
func (c *ExecutionContext) Finished(status workflow.ExecutionStatus, errMsg string) workflow.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = ""
	level := workflow.LevelInfo
	var data map[string]interface{}
	if errMsg != "" {
		level = workflow.LevelError
		data = map[string]interface{}{logDataError: errMsg}
	}
	return c.entry(level, workflow.LogExecutionFinished, "", "execution "+string(status), data)
}

// Record keeps an arbitrary log entry, such as a handler log line.
func (c *ExecutionContext) Record(e workflow.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, e)
}

// Output returns the stored output of a completed node.
func (c *ExecutionContext) Output(nodeID string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[nodeID]
	return out, ok
}

// Outputs returns a copy of every completed node's output.
func (c *ExecutionContext) Outputs() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// IsCompleted reports whether nodeID completed or was seeded.
func (c *ExecutionContext) IsCompleted(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.outputs[nodeID]
	return ok
}

// IsSeeded reports whether nodeID's output was carried over.
func (c *ExecutionContext) IsSeeded(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seeded[nodeID]
	return ok
}

// IsSkipped reports whether nodeID was skipped.
func (c *ExecutionContext) IsSkipped(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return contains(c.skipped, nodeID)
}

// Completed returns completed node IDs in completion order, seeded included.
func (c *ExecutionContext) Completed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.completed...)
}

// Executed returns nodes this run actually executed, in completion order.
func (c *ExecutionContext) Executed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.completed))
	for _, id := range c.completed {
		if _, seeded := c.seeded[id]; !seeded {
			out = append(out, id)
		}
	}
	return out
}

// Failed returns failed node IDs.
func (c *ExecutionContext) Failed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.failed...)
}

// Skipped returns skipped node IDs.
func (c *ExecutionContext) Skipped() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.skipped...)
}

// Interrupted returns node IDs cut short without an outcome.
func (c *ExecutionContext) Interrupted() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.interrupted...)
}

// Cursor returns the node currently executing, if any.
func (c *ExecutionContext) Cursor() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

// Variables returns the workflow variables visible to templates.
func (c *ExecutionContext) Variables() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.variables
}

// Deadline returns the run deadline and whether one is set.
func (c *ExecutionContext) Deadline() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deadline, !c.deadline.IsZero()
}

// Expired reports whether the deadline has passed at now.
func (c *ExecutionContext) Expired(now time.Time) bool {
	d, ok := c.Deadline()
	return ok && !now.Before(d)
}

// Logs returns every entry recorded so far.
func (c *ExecutionContext) Logs() []workflow.LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]workflow.LogEntry(nil), c.logs...)
}

// RebuildContext reconstructs a context by replaying a persisted log. Only
// lifecycle entries matter. Outputs come back in JSON shape.
func RebuildContext(exec *workflow.Execution, entries []workflow.LogEntry) *ExecutionContext {
	c := NewExecutionContext(exec, nil, time.Time{})
	for _, e := range entries {
		c.logs = append(c.logs, e)
		switch e.Kind {
		case workflow.LogExecutionStarted:
			if raw, ok := e.Data[logDataDeadline].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					c.deadline = t
				}
			}
		case workflow.LogNodeStarted:
			c.cursor = e.NodeID
			c.running[e.NodeID] = struct{}{}
		case workflow.LogNodeCompleted:
			c.finishLocked(e.NodeID)
			c.completed = append(c.completed, e.NodeID)
			c.outputs[e.NodeID] = e.Data[logDataOutput]
		case workflow.LogNodeSeeded:
			c.completed = append(c.completed, e.NodeID)
			c.seeded[e.NodeID] = struct{}{}
			c.outputs[e.NodeID] = e.Data[logDataOutput]
		case workflow.LogNodeFailed:
			c.finishLocked(e.NodeID)
			c.failed = append(c.failed, e.NodeID)
		case workflow.LogNodeSkipped:
			c.skipped = append(c.skipped, e.NodeID)
		case workflow.LogNodeInterrupted:
			c.finishLocked(e.NodeID)
			c.interrupted = append(c.interrupted, e.NodeID)
		case workflow.LogExecutionFinished:
			c.cursor = ""
			c.running = make(map[string]struct{})
		}
	}
	return c
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
