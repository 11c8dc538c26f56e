package engine_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gxo-labs/runway/internal/engine"
	"github.com/gxo-labs/runway/internal/logger"
	intTracing "github.com/gxo-labs/runway/internal/tracing"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, rec *recorder) *engine.Dispatcher {
	t.Helper()
	log := logger.NewLogger("debug", "text", os.Stderr)
	d := engine.NewDispatcher(newMockRegistry(rec), log, intTracing.NewNoOpProvider().GetTracer(intTracing.TracerName))
	d.SetDefaultTimeout(2 * time.Second)
	return d
}

func dispatchInput(node workflow.Node, input interface{}) engine.DispatchInput {
	return engine.DispatchInput{
		Execution: &workflow.Execution{ID: "exec-1", WorkflowID: "wf-1", OrgID: "org-1", TriggeredBy: "user-1", TriggerType: workflow.TriggerManual},
		Node:      node,
		Input:     input,
		Variables: map[string]interface{}{"greeting": "hello"},
	}
}

func TestDispatch_Success(t *testing.T) {
	rec := newRecorder()
	req := &handler.Request{ExecutionID: "exec-1", Node: mockNode("a", map[string]interface{}{"output": "done"})}

	res := engine.Dispatch(context.Background(), newMockRegistry(rec), req, time.Second)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "a", res.NodeID)
	assert.Equal(t, "done", res.Output)
	assert.Empty(t, res.Error)
}

func TestDispatch_HandlerNotFound(t *testing.T) {
	req := &handler.Request{Node: workflow.Node{ID: "a", Type: "nonexistent"}}

	res := engine.Dispatch(context.Background(), newMockRegistry(newRecorder()), req, time.Second)
	require.False(t, res.Success)
	var hnf *rwerrors.HandlerNotFoundError
	require.ErrorAs(t, res.Err, &hnf)
	assert.Equal(t, "nonexistent", hnf.NodeType)
}

func TestDispatch_TimeoutYieldsNodeTimeoutError(t *testing.T) {
	req := &handler.Request{Node: mockNode("slow", map[string]interface{}{"delay": "5s"})}

	start := time.Now()
	res := engine.Dispatch(context.Background(), newMockRegistry(newRecorder()), req, 50*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second, "dispatch must return at the deadline")

	require.False(t, res.Success)
	var nte *rwerrors.NodeTimeoutError
	require.ErrorAs(t, res.Err, &nte)
	assert.Equal(t, "slow", nte.NodeID)
	assert.Equal(t, 50*time.Millisecond, nte.Timeout)
}

func TestDispatch_ParentCancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := &handler.Request{Node: mockNode("blocked", map[string]interface{}{"block": true})}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := engine.Dispatch(ctx, newMockRegistry(newRecorder()), req, time.Minute)
	require.False(t, res.Success)

	var nte *rwerrors.NodeTimeoutError
	assert.False(t, errors.As(res.Err, &nte))
	var nee *rwerrors.NodeExecutionError
	require.ErrorAs(t, res.Err, &nee)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestDispatch_PanicIsRecovered(t *testing.T) {
	req := &handler.Request{Node: mockNode("boom", map[string]interface{}{"panic": true})}

	res := engine.Dispatch(context.Background(), newMockRegistry(newRecorder()), req, time.Second)
	require.False(t, res.Success)
	var nee *rwerrors.NodeExecutionError
	require.ErrorAs(t, res.Err, &nee)
	assert.Equal(t, "boom", nee.NodeID)
	assert.Contains(t, res.Error, "mock handler exploded")
}

func TestDispatch_HandlerErrorIsWrapped(t *testing.T) {
	req := &handler.Request{Node: mockNode("bad", map[string]interface{}{"fail": "upstream returned 500"})}

	res := engine.Dispatch(context.Background(), newMockRegistry(newRecorder()), req, time.Second)
	require.False(t, res.Success)
	var nee *rwerrors.NodeExecutionError
	require.ErrorAs(t, res.Err, &nee)
	assert.Equal(t, string(mockType), nee.NodeType)
	assert.Equal(t, "upstream returned 500", nee.Cause.Error())
}

func TestDispatcher_RendersConfig(t *testing.T) {
	d := newTestDispatcher(t, newRecorder())
	node := mockNode("a", map[string]interface{}{
		"output": map[string]interface{}{
			"message": "{{ .vars.greeting }}, {{ .input.name }}",
			"raw":     "{{ .input.count }}",
			"node":    "{{ .node.id }}",
			"exec":    "{{ .execution.triggered_by }}",
		},
	})

	res := d.Execute(context.Background(), dispatchInput(node, map[string]interface{}{"name": "ada", "count": 3}))
	require.True(t, res.Success, res.Error)
	out := res.Output.(map[string]interface{})
	assert.Equal(t, "hello, ada", out["message"])
	assert.Equal(t, 3, out["raw"], "a lone reference keeps its type")
	assert.Equal(t, "a", out["node"])
	assert.Equal(t, "user-1", out["exec"])
}

func TestDispatcher_RawConfigKeysAreNotRendered(t *testing.T) {
	d := newTestDispatcher(t, newRecorder())
	node := workflow.Node{ID: "r", Type: "raw", Config: map[string]interface{}{
		"body":  "{{ .input.item }}",
		"title": "{{ .vars.greeting }}",
	}}

	res := d.Execute(context.Background(), dispatchInput(node, nil))
	require.True(t, res.Success, res.Error)
	out := res.Output.(map[string]interface{})
	assert.Equal(t, "{{ .input.item }}", out["body"])
	assert.Equal(t, "hello", out["title"])
}

func TestDispatcher_InvalidTemplateFailsNode(t *testing.T) {
	d := newTestDispatcher(t, newRecorder())
	node := mockNode("a", map[string]interface{}{"output": "{{ .input.missing | nosuchfunc }}"})

	res := d.Execute(context.Background(), dispatchInput(node, nil))
	require.False(t, res.Success)
	var nee *rwerrors.NodeExecutionError
	require.ErrorAs(t, res.Err, &nee)
	assert.Contains(t, res.Error, "config 'output'")
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	rec := newRecorder()
	d := newTestDispatcher(t, rec)
	node := mockNode("flaky", map[string]interface{}{"fail_times": 2, "output": "ok"})
	node.Retry = &workflow.RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	res := d.Execute(context.Background(), dispatchInput(node, nil))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 3, rec.Calls("flaky"))
}

func TestDispatcher_RetriesExhausted(t *testing.T) {
	rec := newRecorder()
	d := newTestDispatcher(t, rec)
	node := mockNode("flaky", map[string]interface{}{"fail_times": 5})
	node.Retry = &workflow.RetryPolicy{Attempts: 2, Delay: time.Millisecond}

	res := d.Execute(context.Background(), dispatchInput(node, nil))
	require.False(t, res.Success)
	assert.Equal(t, 2, rec.Calls("flaky"))
	assert.Contains(t, res.Error, "transient failure")
}

func TestDispatcher_PanicsAreNotRetried(t *testing.T) {
	rec := newRecorder()
	d := newTestDispatcher(t, rec)
	node := mockNode("boom", map[string]interface{}{"panic": true})
	node.Retry = &workflow.RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	res := d.Execute(context.Background(), dispatchInput(node, nil))
	require.False(t, res.Success)
	assert.Equal(t, 1, rec.Calls("boom"))
}

func TestDispatcher_NodeTimeoutOverridesDefault(t *testing.T) {
	d := newTestDispatcher(t, newRecorder())
	node := mockNode("slow", map[string]interface{}{"delay": "1s"})
	node.Timeout = 30 * time.Millisecond

	res := d.Execute(context.Background(), dispatchInput(node, nil))
	var nte *rwerrors.NodeTimeoutError
	require.ErrorAs(t, res.Err, &nte)
	assert.Equal(t, 30*time.Millisecond, nte.Timeout)
}

func TestDispatcher_RedactsCredentialsInOutput(t *testing.T) {
	d := newTestDispatcher(t, newRecorder())
	in := dispatchInput(mockNode("leaky", map[string]interface{}{"echo_credential": "api_key"}), nil)
	in.Credentials = map[string]string{"api_key": "sk-live-123456"}

	res := d.Execute(context.Background(), in)
	require.True(t, res.Success, res.Error)
	out := res.Output.(map[string]interface{})
	assert.NotEqual(t, "sk-live-123456", out["secret"])
	assert.Equal(t, "[REDACTED_SECRET]", out["secret"])
}

func TestDispatcher_RedactsCredentialsInErrorsAndLogs(t *testing.T) {
	d := newTestDispatcher(t, newRecorder())
	in := dispatchInput(mockNode("leaky", map[string]interface{}{
		"log":  "calling with token sk-live-123456",
		"fail": "auth rejected for sk-live-123456",
	}), nil)
	in.Credentials = map[string]string{"api_key": "sk-live-123456"}

	res := d.Execute(context.Background(), in)
	require.False(t, res.Success)
	assert.NotContains(t, res.Error, "sk-live-123456")
	assert.NotContains(t, res.Err.Error(), "sk-live-123456")
	var nee *rwerrors.NodeExecutionError
	assert.ErrorAs(t, res.Err, &nee, "the typed cause survives masking")

	require.NotEmpty(t, res.Logs)
	for _, entry := range res.Logs {
		assert.False(t, strings.Contains(entry.Message, "sk-live-123456"), "log leaked a credential: %s", entry.Message)
	}
}

func TestDispatcher_CapturesHandlerLogs(t *testing.T) {
	d := newTestDispatcher(t, newRecorder())
	res := d.Execute(context.Background(), dispatchInput(mockNode("chatty", map[string]interface{}{"log": "working on it"}), nil))
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "chatty", res.Logs[0].NodeID)
	assert.Equal(t, workflow.LevelInfo, res.Logs[0].Level)
	assert.Contains(t, res.Logs[0].Message, "working on it")
}

func TestDispatcher_Compensate(t *testing.T) {
	rec := newRecorder()
	d := newTestDispatcher(t, rec)

	supported, err := d.Compensate(context.Background(), dispatchInput(mockNode("a", nil), nil), "out")
	require.NoError(t, err)
	assert.True(t, supported)
	assert.Equal(t, []string{"a"}, rec.Compensated())

	supported, err = d.Compensate(context.Background(), dispatchInput(workflow.Node{ID: "r", Type: "raw"}, nil), nil)
	require.NoError(t, err)
	assert.False(t, supported, "handlers without a Compensate method have nothing to undo")

	in := dispatchInput(mockNode("b", map[string]interface{}{"compensate_fail": "rollback of sk-live-9 failed"}), nil)
	in.Credentials = map[string]string{"token": "sk-live-9"}
	supported, err = d.Compensate(context.Background(), in, nil)
	assert.True(t, supported)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sk-live-9")
}
