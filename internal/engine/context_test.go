package engine_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/runway/internal/engine"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecution() *workflow.Execution {
	return &workflow.Execution{ID: "exec-1", WorkflowID: "wf-1", Status: workflow.ExecutionRunning}
}

func TestExecutionContext_Lifecycle(t *testing.T) {
	ectx := engine.NewExecutionContext(testExecution(), map[string]interface{}{"env": "test"}, time.Time{})

	start := ectx.Started()
	assert.Equal(t, workflow.LogExecutionStarted, start.Kind)
	assert.Nil(t, start.Data, "no deadline recorded for an unbounded run")

	ectx.NodeStarted("a")
	assert.Equal(t, "a", ectx.Cursor())
	ectx.NodeCompleted("a", map[string]interface{}{"v": 1.0}, 5*time.Millisecond)
	assert.Empty(t, ectx.Cursor())

	ectx.NodeStarted("b")
	failed := ectx.NodeFailed("b", "boom", time.Millisecond)
	assert.Equal(t, workflow.LevelError, failed.Level)
	assert.Equal(t, "b", failed.NodeID)

	ectx.NodeSkipped("c", "no incoming edge was taken")
	ectx.NodeStarted("d")
	ectx.NodeInterrupted("d", "context canceled")

	assert.True(t, ectx.IsCompleted("a"))
	assert.False(t, ectx.IsCompleted("b"))
	assert.True(t, ectx.IsSkipped("c"))
	assert.Equal(t, []string{"a"}, ectx.Completed())
	assert.Equal(t, []string{"b"}, ectx.Failed())
	assert.Equal(t, []string{"c"}, ectx.Skipped())
	assert.Equal(t, []string{"d"}, ectx.Interrupted())
	assert.Equal(t, "test", ectx.Variables()["env"])

	out, ok := ectx.Output("a")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"v": 1.0}, out)
	_, ok = ectx.Output("b")
	assert.False(t, ok)

	finished := ectx.Finished(workflow.ExecutionFailed, "boom")
	assert.Equal(t, workflow.LogExecutionFinished, finished.Kind)
	assert.Len(t, ectx.Logs(), 8)
}

func TestExecutionContext_SeededNodesAreNotExecuted(t *testing.T) {
	ectx := engine.NewExecutionContext(testExecution(), nil, time.Time{})
	ectx.NodeSeeded("a", "carried", "exec-0")
	ectx.NodeStarted("b")
	ectx.NodeCompleted("b", "fresh", 0)

	assert.True(t, ectx.IsSeeded("a"))
	assert.True(t, ectx.IsCompleted("a"))
	assert.Equal(t, []string{"a", "b"}, ectx.Completed())
	assert.Equal(t, []string{"b"}, ectx.Executed())
}

func TestExecutionContext_Deadline(t *testing.T) {
	deadline := time.Now().Add(time.Minute)
	ectx := engine.NewExecutionContext(testExecution(), nil, deadline)

	got, ok := ectx.Deadline()
	require.True(t, ok)
	assert.True(t, got.Equal(deadline))
	assert.False(t, ectx.Expired(time.Now()))
	assert.True(t, ectx.Expired(deadline))
	assert.True(t, ectx.Expired(deadline.Add(time.Second)))

	unbounded := engine.NewExecutionContext(testExecution(), nil, time.Time{})
	assert.False(t, unbounded.Expired(time.Now().Add(24*time.Hour)))
}

func TestExecutionContext_VariablesAreCopied(t *testing.T) {
	vars := map[string]interface{}{"k": "v"}
	ectx := engine.NewExecutionContext(testExecution(), vars, time.Time{})
	vars["k"] = "changed"
	assert.Equal(t, "v", ectx.Variables()["k"])
}

func TestRebuildContext_MatchesLiveContext(t *testing.T) {
	exec := testExecution()
	deadline := time.Now().Add(time.Hour).UTC()
	live := engine.NewExecutionContext(exec, nil, deadline)

	var entries []workflow.LogEntry
	entries = append(entries, live.Started())
	entries = append(entries, live.NodeSeeded("seed", map[string]interface{}{"x": "y"}, "exec-0"))
	entries = append(entries, live.NodeStarted("a"))
	entries = append(entries, live.NodeCompleted("a", []interface{}{1.0, 2.0}, time.Millisecond))
	entries = append(entries, workflow.LogEntry{Level: workflow.LevelInfo, Message: "handler says hi", NodeID: "a"})
	entries = append(entries, live.NodeSkipped("b", "branch"))
	entries = append(entries, live.NodeStarted("c"))
	entries = append(entries, live.NodeFailed("c", "bad", 0))
	entries = append(entries, live.NodeCompensated("a", errors.New("undo failed")))
	entries = append(entries, live.NodeStarted("d"))

	rebuilt := engine.RebuildContext(exec, entries)
	assert.Equal(t, live.Completed(), rebuilt.Completed())
	assert.Equal(t, live.Executed(), rebuilt.Executed())
	assert.Equal(t, live.Failed(), rebuilt.Failed())
	assert.Equal(t, live.Skipped(), rebuilt.Skipped())
	assert.Equal(t, live.Outputs(), rebuilt.Outputs())
	assert.True(t, rebuilt.IsSeeded("seed"))
	assert.Equal(t, "d", rebuilt.Cursor(), "the running node is the cursor")

	got, ok := rebuilt.Deadline()
	require.True(t, ok)
	assert.True(t, got.Equal(deadline))
	assert.Len(t, rebuilt.Logs(), len(entries))

	entries = append(entries, live.Finished(workflow.ExecutionFailed, "bad"))
	assert.Empty(t, engine.RebuildContext(exec, entries).Cursor())
}

func TestExecutionContext_ConcurrentGroupUpdates(t *testing.T) {
	ectx := engine.NewExecutionContext(testExecution(), nil, time.Time{})
	ids := []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ectx.NodeStarted(id)
			ectx.NodeCompleted(id, id, 0)
			_, _ = ectx.Output(id)
		}(id)
	}
	wg.Wait()

	assert.ElementsMatch(t, ids, ectx.Completed())
	assert.Empty(t, ectx.Cursor())
}
