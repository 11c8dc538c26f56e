package engine_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gxo-labs/runway/internal/engine"
	intEvents "github.com/gxo-labs/runway/internal/events"
	"github.com/gxo-labs/runway/internal/logger"
	intMetrics "github.com/gxo-labs/runway/internal/metrics"
	intQueue "github.com/gxo-labs/runway/internal/queue"
	"github.com/gxo-labs/runway/internal/retry"
	intSecrets "github.com/gxo-labs/runway/internal/secrets"
	intStore "github.com/gxo-labs/runway/internal/store"
	intTracing "github.com/gxo-labs/runway/internal/tracing"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/events"
	rwqueue "github.com/gxo-labs/runway/pkg/runway/v1/queue"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 7 * time.Second
	testOrg     = "org-1"
)

var (
	alice = runway.Principal{ID: "alice", OrgID: testOrg, Permissions: []string{runway.PermissionExecute, runway.PermissionRead}}
	bob   = runway.Principal{ID: "bob", OrgID: testOrg, Permissions: []string{runway.PermissionExecute, runway.PermissionRead}}
	admin = runway.Principal{ID: "root", OrgID: testOrg, Roles: []string{runway.RoleAdmin}}
	eve   = runway.Principal{ID: "eve", OrgID: "org-2", Permissions: []string{"*"}}
)

type harness struct {
	coord *engine.Coordinator
	store *intStore.MemoryStore
	queue *intQueue.MemoryQueue
	bus   *intEvents.Broadcaster
	rec   *recorder
	stop  func()
}

// setupTestCoordinator builds a coordinator over in-memory collaborators.
// Workers are only started by h.start.
func setupTestCoordinator(t *testing.T, opts ...runway.EngineOption) *harness {
	t.Helper()
	log := logger.NewLogger("debug", "text", os.Stderr)
	rec := newRecorder()
	store := intStore.NewMemoryStore()
	queue := intQueue.NewMemoryQueue(intQueue.Options{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       3,
		PollInterval:      5 * time.Millisecond,
		Backoff:           retry.Config{Delay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 1},
	})
	bus := intEvents.NewBroadcaster(1024, log)
	creds := intSecrets.StaticProvider{testOrg + ".api_key": "sk-test-abcdef"}

	base := []runway.EngineOption{
		runway.WithStore(store),
		runway.WithQueue(queue),
		runway.WithEventBus(bus),
		runway.WithHandlerRegistry(newMockRegistry(rec)),
		runway.WithCredentialResolver(intSecrets.NewProviderResolver(creds)),
		runway.WithMetricsRegistryProvider(intMetrics.NewPrometheusRegistryProvider()),
		runway.WithTracerProvider(intTracing.NewNoOpProvider()),
		runway.WithWorkerCount(2),
		runway.WithNodeTimeout(2 * time.Second),
	}
	coord, err := engine.NewCoordinator(log, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, coord.SetHeartbeatInterval(20*time.Millisecond))

	h := &harness{coord: coord, store: store, queue: queue, bus: bus, rec: rec, stop: func() {}}
	t.Cleanup(func() {
		h.stop()
		_ = queue.Close()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.coord.Run(ctx)
	}()
	h.stop = func() {
		cancel()
		<-done
	}
}

func (h *harness) saveWorkflow(t *testing.T, wf *workflow.Workflow) *workflow.Workflow {
	t.Helper()
	if wf.OrgID == "" {
		wf.OrgID = testOrg
	}
	if wf.Status == "" {
		wf.Status = workflow.StatusActive
	}
	if wf.OwnerID == "" {
		wf.OwnerID = "owner"
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	require.NoError(t, h.store.SaveWorkflow(context.Background(), wf))
	return wf
}

func (h *harness) startRun(t *testing.T, workflowID string, input interface{}) string {
	t.Helper()
	id, err := h.coord.Start(context.Background(), runway.StartRequest{WorkflowID: workflowID, TriggeredBy: alice, Input: input})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

// waitTerminal polls the store until the execution reaches a terminal status.
func (h *harness) waitTerminal(t *testing.T, executionID string) *workflow.Execution {
	t.Helper()
	var exec *workflow.Execution
	require.Eventually(t, func() bool {
		got, err := h.store.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		exec = got
		return got.Status.IsTerminal()
	}, testTimeout, 5*time.Millisecond, "execution %s never finished", executionID)
	return exec
}

func (h *harness) logKinds(t *testing.T, executionID string) []workflow.LogKind {
	t.Helper()
	entries, err := h.store.ReadLog(context.Background(), executionID)
	require.NoError(t, err)
	var kinds []workflow.LogKind
	for _, e := range entries {
		if e.Kind != workflow.LogMessage {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

func pipeline() *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "wf-pipeline",
		Name: "pipeline",
		Nodes: []workflow.Node{
			mockNode("a", map[string]interface{}{"output": map[string]interface{}{"value": 1}}),
			mockNode("b", nil),
			mockNode("c", map[string]interface{}{"output": "{{ .input.node }}-done"}),
		},
		Edges: []workflow.Edge{edge("a", "b"), edge("b", "c")},
	}
}

// --- Start ---

func TestCoordinator_SequentialPipeline(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	h.saveWorkflow(t, pipeline())

	id := h.startRun(t, "wf-pipeline", map[string]interface{}{"order": 42})
	exec := h.waitTerminal(t, id)

	require.Equal(t, workflow.ExecutionCompleted, exec.Status, exec.ErrorMessage)
	assert.Equal(t, "b-done", exec.OutputData)
	assert.Equal(t, "alice", exec.TriggeredBy)
	assert.Equal(t, workflow.TriggerManual, exec.TriggerType)
	assert.Equal(t, 1, exec.WorkflowVersion)
	assert.Equal(t, h.coord.WorkerID(), exec.WorkerID)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)
	assert.False(t, exec.CompletedAt.Before(*exec.StartedAt))

	assert.Equal(t, map[string]interface{}{"order": 42.0}, h.rec.LastInput("a"), "the root gets the trigger input")
	assert.Equal(t, map[string]interface{}{"value": 1.0}, h.rec.LastInput("b"), "a single predecessor passes its output")

	kinds := h.logKinds(t, id)
	assert.Equal(t, workflow.LogExecutionStarted, kinds[0])
	assert.Equal(t, workflow.LogExecutionFinished, kinds[len(kinds)-1])
	assert.Contains(t, kinds, workflow.LogNodeCompleted)
}

func TestCoordinator_MultiplePredecessorsReceiveMap(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	h.saveWorkflow(t, &workflow.Workflow{
		ID: "wf-join",
		Nodes: []workflow.Node{
			mockNode("left", map[string]interface{}{"output": "L"}),
			mockNode("right", map[string]interface{}{"output": "R"}),
			mockNode("join", map[string]interface{}{"output": "joined"}),
		},
		Edges: []workflow.Edge{edge("left", "join"), edge("right", "join")},
	})

	exec := h.waitTerminal(t, h.startRun(t, "wf-join", nil))
	require.Equal(t, workflow.ExecutionCompleted, exec.Status, exec.ErrorMessage)
	assert.Equal(t, map[string]interface{}{"left": "L", "right": "R"}, h.rec.LastInput("join"))
	assert.Equal(t, "joined", exec.OutputData)
}

func TestCoordinator_EmptyWorkflowCompletesImmediately(t *testing.T) {
	h := setupTestCoordinator(t)
	h.saveWorkflow(t, &workflow.Workflow{ID: "wf-empty"})

	id := h.startRun(t, "wf-empty", map[string]interface{}{"x": "y"})
	exec, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, exec.Status)
	assert.Equal(t, map[string]interface{}{"x": "y"}, exec.OutputData)
	assert.Equal(t, 0, h.queue.Len(), "nothing is queued for an empty plan")
}

func TestCoordinator_StartValidation(t *testing.T) {
	h := setupTestCoordinator(t)
	h.saveWorkflow(t, pipeline())
	draft := pipeline()
	draft.ID = "wf-draft"
	draft.Status = workflow.StatusDraft
	h.saveWorkflow(t, draft)
	h.saveWorkflow(t, &workflow.Workflow{
		ID:    "wf-cycle",
		Nodes: []workflow.Node{mockNode("x", nil), mockNode("y", nil)},
		Edges: []workflow.Edge{edge("x", "y"), edge("y", "x")},
	})
	ctx := context.Background()

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := h.coord.Start(ctx, runway.StartRequest{WorkflowID: "nope", TriggeredBy: alice})
		var nf *rwerrors.WorkflowNotFoundError
		assert.ErrorAs(t, err, &nf)
	})
	t.Run("inactive workflow", func(t *testing.T) {
		_, err := h.coord.Start(ctx, runway.StartRequest{WorkflowID: "wf-draft", TriggeredBy: alice})
		var na *rwerrors.WorkflowNotActiveError
		assert.ErrorAs(t, err, &na)
	})
	t.Run("cyclic workflow", func(t *testing.T) {
		_, err := h.coord.Start(ctx, runway.StartRequest{WorkflowID: "wf-cycle", TriggeredBy: alice})
		var ce *rwerrors.CyclicGraphError
		assert.ErrorAs(t, err, &ce)
	})
	t.Run("other organization", func(t *testing.T) {
		_, err := h.coord.Start(ctx, runway.StartRequest{WorkflowID: "wf-pipeline", TriggeredBy: eve})
		var pd *rwerrors.PermissionDeniedError
		assert.ErrorAs(t, err, &pd)
	})
	t.Run("anonymous caller", func(t *testing.T) {
		_, err := h.coord.Start(ctx, runway.StartRequest{WorkflowID: "wf-pipeline"})
		var pd *rwerrors.PermissionDeniedError
		assert.ErrorAs(t, err, &pd)
	})
	t.Run("unknown trigger type", func(t *testing.T) {
		_, err := h.coord.Start(ctx, runway.StartRequest{WorkflowID: "wf-pipeline", TriggeredBy: alice, TriggerType: "carrier-pigeon"})
		var ve *rwerrors.ValidationError
		assert.ErrorAs(t, err, &ve)
	})
	t.Run("input not encodable", func(t *testing.T) {
		_, err := h.coord.Start(ctx, runway.StartRequest{WorkflowID: "wf-pipeline", TriggeredBy: alice, Input: map[string]interface{}{"ch": make(chan int)}})
		var ve *rwerrors.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	for _, id := range []string{"wf-pipeline", "wf-cycle", "wf-draft"} {
		execs, total, err := h.store.ListExecutions(ctx, id, 0, 10)
		require.NoError(t, err)
		assert.Zero(t, total, "rejected starts of %s persist nothing", id)
		assert.Empty(t, execs)
	}
}

func TestCoordinator_AdminMayStartWithoutExplicitPermission(t *testing.T) {
	h := setupTestCoordinator(t)
	h.saveWorkflow(t, pipeline())
	_, err := h.coord.Start(context.Background(), runway.StartRequest{WorkflowID: "wf-pipeline", TriggeredBy: admin, TriggerType: workflow.TriggerAPI})
	assert.NoError(t, err)
}

// --- Failure handling ---

func TestCoordinator_NodeFailureFailsRun(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	wf := pipeline()
	wf.Nodes[1].Config = map[string]interface{}{"fail": "database unreachable"}
	h.saveWorkflow(t, wf)

	exec := h.waitTerminal(t, h.startRun(t, "wf-pipeline", nil))
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Equal(t, "b", exec.ErrorNodeID)
	assert.Contains(t, exec.ErrorMessage, "database unreachable")
	assert.Nil(t, exec.OutputData)
	assert.Zero(t, h.rec.Calls("c"), "no later node runs after a failure")
}

func TestCoordinator_DefaultDispatchIsSequential(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	h.saveWorkflow(t, &workflow.Workflow{
		ID: "wf-roots",
		Nodes: []workflow.Node{
			mockNode("a", map[string]interface{}{"delay": "50ms", "output": "slow but fine"}),
			mockNode("b", map[string]interface{}{"fail": "b broke"}),
			mockNode("c", nil),
		},
	})

	id := h.startRun(t, "wf-roots", nil)
	exec := h.waitTerminal(t, id)
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Equal(t, "b", exec.ErrorNodeID)
	assert.Equal(t, 1, h.rec.Calls("a"))
	assert.Zero(t, h.rec.Calls("c"), "no node after the failure is dispatched")

	report, err := h.coord.GetStatus(context.Background(), alice, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.CompletedNodes)
	assert.Equal(t, []string{"b"}, report.FailedNodes)
	assert.NotContains(t, h.logKinds(t, id), workflow.LogNodeInterrupted)
}

func TestCoordinator_NodeTimeoutFailsRun(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	wf := pipeline()
	wf.Nodes[2].Config = map[string]interface{}{"delay": "5s"}
	wf.Nodes[2].Timeout = 50 * time.Millisecond
	h.saveWorkflow(t, wf)

	id := h.startRun(t, "wf-pipeline", nil)
	exec := h.waitTerminal(t, id)
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Equal(t, "c", exec.ErrorNodeID)
	assert.Contains(t, exec.ErrorMessage, "node 'c'")
	assert.Contains(t, exec.ErrorMessage, "timed out")

	report, err := h.coord.GetStatus(context.Background(), alice, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.CompletedNodes)
	assert.Equal(t, []string{"c"}, report.FailedNodes)
}

func TestCoordinator_GroupFailureCancelsSiblings(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	h.saveWorkflow(t, &workflow.Workflow{
		ID: "wf-parallel",
		Nodes: []workflow.Node{
			mockNode("root", nil),
			mockNode("fails", map[string]interface{}{"delay": "20ms", "fail": "nope"}),
			mockNode("slow", map[string]interface{}{"delay": "5s"}),
			mockNode("after", nil),
		},
		Edges:    []workflow.Edge{edge("root", "fails"), edge("root", "slow"), edge("fails", "after"), edge("slow", "after")},
		Settings: workflow.Settings{Concurrency: 2},
	})

	started := time.Now()
	id := h.startRun(t, "wf-parallel", nil)
	exec := h.waitTerminal(t, id)

	assert.Less(t, time.Since(started), 4*time.Second, "the slow sibling must be interrupted")
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Equal(t, "fails", exec.ErrorNodeID)
	assert.Zero(t, h.rec.Calls("after"))
	assert.Contains(t, h.logKinds(t, id), workflow.LogNodeInterrupted)
}

func TestCoordinator_MissingCredentialFailsNode(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	n := mockNode("needs-secret", nil)
	n.Credentials = []string{"not_configured"}
	h.saveWorkflow(t, &workflow.Workflow{ID: "wf-creds", Nodes: []workflow.Node{n}})

	exec := h.waitTerminal(t, h.startRun(t, "wf-creds", nil))
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Equal(t, "needs-secret", exec.ErrorNodeID)
	assert.Contains(t, exec.ErrorMessage, "not_configured")
	assert.Zero(t, h.rec.Calls("needs-secret"), "the handler never runs without its credentials")
}

func TestCoordinator_ResolvedCredentialsNeverPersist(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	n := mockNode("leaky", map[string]interface{}{"echo_credential": "api_key", "log": "using sk-test-abcdef"})
	n.Credentials = []string{"api_key"}
	h.saveWorkflow(t, &workflow.Workflow{ID: "wf-leak", Nodes: []workflow.Node{n}})

	id := h.startRun(t, "wf-leak", nil)
	exec := h.waitTerminal(t, id)
	require.Equal(t, workflow.ExecutionCompleted, exec.Status, exec.ErrorMessage)
	assert.Equal(t, map[string]interface{}{"secret": "[REDACTED_SECRET]"}, exec.OutputData)

	entries, err := h.store.ReadLog(context.Background(), id)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Message, "sk-test-abcdef")
	}
}

func TestCoordinator_ExecutionTimeout(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	wf := &workflow.Workflow{
		ID:       "wf-timeout",
		Nodes:    []workflow.Node{mockNode("slow", map[string]interface{}{"delay": "5s"}), mockNode("next", nil)},
		Edges:    []workflow.Edge{edge("slow", "next")},
		Settings: workflow.Settings{Timeout: 100 * time.Millisecond},
	}
	h.saveWorkflow(t, wf)

	exec := h.waitTerminal(t, h.startRun(t, "wf-timeout", nil))
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "exceeded its deadline")
	assert.Zero(t, h.rec.Calls("next"))
}

func TestCoordinator_EngineExecutionTimeoutApplies(t *testing.T) {
	h := setupTestCoordinator(t, runway.WithExecutionTimeout(80*time.Millisecond))
	h.start(t)
	h.saveWorkflow(t, &workflow.Workflow{ID: "wf-slow", Nodes: []workflow.Node{mockNode("slow", map[string]interface{}{"block": true})}})

	exec := h.waitTerminal(t, h.startRun(t, "wf-slow", nil))
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "exceeded its deadline")
}

// --- Branches ---

func branching() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf-branch",
		Nodes: []workflow.Node{
			mockNode("check", map[string]interface{}{"output": map[string]interface{}{"branch": "{{ .input.route }}"}}),
			mockNode("yes", map[string]interface{}{"output": "took yes"}),
			mockNode("no", map[string]interface{}{"output": "took no"}),
			mockNode("no-followup", nil),
		},
		Edges: []workflow.Edge{
			branchEdge("check", "yes", "true"),
			branchEdge("check", "no", "false"),
			edge("no", "no-followup"),
		},
	}
}

func TestCoordinator_BranchSkipsUntakenPath(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	h.saveWorkflow(t, branching())
	sub, unsubscribe := h.bus.Subscribe(func(e events.Event) bool { return e.Type == events.NodeSkipped })
	defer unsubscribe()

	id := h.startRun(t, "wf-branch", map[string]interface{}{"route": true})
	exec := h.waitTerminal(t, id)
	require.Equal(t, workflow.ExecutionCompleted, exec.Status, exec.ErrorMessage)
	assert.Equal(t, "took yes", exec.OutputData)
	assert.Equal(t, 1, h.rec.Calls("yes"))
	assert.Zero(t, h.rec.Calls("no"))
	assert.Zero(t, h.rec.Calls("no-followup"), "skipping propagates downstream")

	status, err := h.coord.GetStatus(context.Background(), alice, id)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Progress.Skipped)
	assert.Equal(t, 2, status.Progress.Completed)
	assert.Equal(t, 100.0, status.Progress.Percent)

	var skipped []string
	for len(skipped) < 2 {
		select {
		case e := <-sub:
			skipped = append(skipped, e.NodeID)
		case <-time.After(testTimeout):
			t.Fatal("missing node_skipped events")
		}
	}
	assert.ElementsMatch(t, []string{"no", "no-followup"}, skipped)
}

// --- Cancel ---

func TestCoordinator_CancelPending(t *testing.T) {
	h := setupTestCoordinator(t)
	h.saveWorkflow(t, pipeline())
	id := h.startRun(t, "wf-pipeline", nil)

	require.NoError(t, h.coord.Cancel(context.Background(), alice, id, "changed my mind"))

	exec, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCancelled, exec.Status)
	assert.True(t, exec.CancelRequested)
	assert.Equal(t, "changed my mind", exec.CancelReason)
	assert.Equal(t, "alice", exec.CancelledBy)
	assert.Equal(t, []workflow.LogKind{workflow.LogCancelRequested, workflow.LogExecutionFinished}, h.logKinds(t, id))

	h.start(t)
	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, testTimeout, 5*time.Millisecond)
	assert.Zero(t, h.rec.Calls("a"), "a cancelled execution is never started")

	var ite *rwerrors.InvalidTransitionError
	assert.ErrorAs(t, h.coord.Cancel(context.Background(), alice, id, "again"), &ite)
}

func TestCoordinator_CancelRunningCompensatesCompletedNodes(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	h.saveWorkflow(t, &workflow.Workflow{
		ID: "wf-long",
		Nodes: []workflow.Node{
			mockNode("first", nil),
			mockNode("second", nil),
			mockNode("wait", map[string]interface{}{"block": true}),
			mockNode("never", nil),
		},
		Edges: []workflow.Edge{edge("first", "second"), edge("second", "wait"), edge("wait", "never")},
	})
	id := h.startRun(t, "wf-long", nil)
	require.Eventually(t, func() bool { return h.rec.Calls("wait") == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, h.coord.Cancel(context.Background(), admin, id, "stop"))
	exec := h.waitTerminal(t, id)

	assert.Equal(t, workflow.ExecutionCancelled, exec.Status)
	assert.Equal(t, "stop", exec.CancelReason)
	assert.Zero(t, h.rec.Calls("never"))
	assert.Equal(t, []string{"second", "first"}, h.rec.Compensated(), "completed nodes are undone in reverse order")
	assert.Contains(t, h.logKinds(t, id), workflow.LogNodeCompensated)
}

func TestCoordinator_CancelWithoutCompensation(t *testing.T) {
	h := setupTestCoordinator(t, runway.WithCompensation(false))
	h.start(t)
	h.saveWorkflow(t, &workflow.Workflow{
		ID:    "wf-long",
		Nodes: []workflow.Node{mockNode("first", nil), mockNode("wait", map[string]interface{}{"block": true})},
		Edges: []workflow.Edge{edge("first", "wait")},
	})
	id := h.startRun(t, "wf-long", nil)
	require.Eventually(t, func() bool { return h.rec.Calls("wait") == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, h.coord.Cancel(context.Background(), alice, id, ""))
	exec := h.waitTerminal(t, id)
	assert.Equal(t, workflow.ExecutionCancelled, exec.Status)
	assert.Empty(t, h.rec.Compensated())
}

func TestCoordinator_NodeConcurrencyChangeDuringRun(t *testing.T) {
	h := setupTestCoordinator(t, runway.WithCompensation(false))
	h.start(t)
	h.saveWorkflow(t, &workflow.Workflow{
		ID:    "wf-resize",
		Nodes: []workflow.Node{mockNode("wait", map[string]interface{}{"block": true})},
	})
	id := h.startRun(t, "wf-resize", nil)
	require.Eventually(t, func() bool { return h.rec.Calls("wait") == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, h.coord.SetNodeConcurrency(2))
	require.NoError(t, h.coord.Cancel(context.Background(), alice, id, ""))
	exec := h.waitTerminal(t, id)
	assert.Equal(t, workflow.ExecutionCancelled, exec.Status, "the in-flight node releases the slot it acquired")
}

func TestCoordinator_CancelPermissions(t *testing.T) {
	h := setupTestCoordinator(t)
	wf := pipeline()
	h.saveWorkflow(t, wf)
	id := h.startRun(t, "wf-pipeline", nil)
	ctx := context.Background()

	var pd *rwerrors.PermissionDeniedError
	assert.ErrorAs(t, h.coord.Cancel(ctx, bob, id, ""), &pd, "another member may not cancel")
	assert.ErrorAs(t, h.coord.Cancel(ctx, eve, id, ""), &pd)

	owner := runway.Principal{ID: wf.OwnerID, OrgID: testOrg}
	assert.NoError(t, h.coord.Cancel(ctx, owner, id, "owner stop"))

	id2 := h.startRun(t, "wf-pipeline", nil)
	assert.NoError(t, h.coord.Cancel(ctx, admin, id2, "admin stop"))

	var nf *rwerrors.ExecutionNotFoundError
	assert.ErrorAs(t, h.coord.Cancel(ctx, alice, "missing", ""), &nf)
}

// --- Retry ---

func TestCoordinator_RetryFromNodeSeedsUpstream(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	wf := pipeline()
	wf.Nodes[1].Config = map[string]interface{}{"fail_times": 1}
	h.saveWorkflow(t, wf)

	origID := h.startRun(t, "wf-pipeline", map[string]interface{}{"n": 1})
	orig := h.waitTerminal(t, origID)
	require.Equal(t, workflow.ExecutionFailed, orig.Status)
	require.Equal(t, "b", orig.ErrorNodeID)

	retryID, err := h.coord.Retry(context.Background(), bob, origID, "b")
	require.NoError(t, err)
	assert.NotEqual(t, origID, retryID)

	retried := h.waitTerminal(t, retryID)
	require.Equal(t, workflow.ExecutionCompleted, retried.Status, retried.ErrorMessage)
	assert.True(t, retried.Metadata.IsRetry)
	assert.Equal(t, origID, retried.Metadata.OriginalExecutionID)
	assert.Equal(t, "b", retried.Metadata.RetryFromNodeID)
	assert.Equal(t, "bob", retried.TriggeredBy)
	assert.Equal(t, orig.InputData, retried.InputData)
	assert.Equal(t, "b-done", retried.OutputData)

	assert.Equal(t, 1, h.rec.Calls("a"), "upstream output is carried over, not recomputed")
	assert.Equal(t, 2, h.rec.Calls("b"))
	assert.Equal(t, 1, h.rec.Calls("c"))
	assert.Contains(t, h.logKinds(t, retryID), workflow.LogNodeSeeded)
}

func TestCoordinator_RetryWholeRun(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	wf := pipeline()
	wf.Nodes[2].Config = map[string]interface{}{"fail_times": 1, "output": "ok"}
	h.saveWorkflow(t, wf)

	origID := h.startRun(t, "wf-pipeline", nil)
	require.Equal(t, workflow.ExecutionFailed, h.waitTerminal(t, origID).Status)

	retryID, err := h.coord.Retry(context.Background(), alice, origID, "")
	require.NoError(t, err)
	retried := h.waitTerminal(t, retryID)
	require.Equal(t, workflow.ExecutionCompleted, retried.Status, retried.ErrorMessage)

	assert.Equal(t, 2, h.rec.Calls("a"))
	assert.Equal(t, 2, h.rec.Calls("b"))
	assert.Equal(t, []string{"b", "a"}, h.rec.Compensated(), "nodes about to re-run are compensated first")
	assert.Contains(t, h.logKinds(t, retryID), workflow.LogNodeCompensated)
}

func TestCoordinator_RetryValidation(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	wf := pipeline()
	wf.Nodes[0].Config = map[string]interface{}{"fail": "root broke"}
	h.saveWorkflow(t, wf)
	ok := pipeline()
	ok.ID = "wf-ok"
	h.saveWorkflow(t, ok)
	ctx := context.Background()

	failedID := h.startRun(t, "wf-pipeline", nil)
	require.Equal(t, workflow.ExecutionFailed, h.waitTerminal(t, failedID).Status)
	completedID := h.startRun(t, "wf-ok", nil)
	require.Equal(t, workflow.ExecutionCompleted, h.waitTerminal(t, completedID).Status)

	var irp *rwerrors.InvalidRetryPointError
	_, err := h.coord.Retry(ctx, alice, failedID, "c")
	assert.ErrorAs(t, err, &irp, "upstream of c never completed")

	_, err = h.coord.Retry(ctx, alice, failedID, "ghost")
	assert.ErrorAs(t, err, &irp)

	var ite *rwerrors.InvalidTransitionError
	_, err = h.coord.Retry(ctx, alice, completedID, "")
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "retried", ite.To)

	var pd *rwerrors.PermissionDeniedError
	_, err = h.coord.Retry(ctx, eve, failedID, "")
	assert.ErrorAs(t, err, &pd)

	_, err = h.coord.Retry(ctx, alice, failedID, "a")
	assert.NoError(t, err, "retrying from a root needs no upstream")
}

// --- Status and history ---

func TestCoordinator_GetStatus(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	wf := pipeline()
	wf.Nodes[2].Config = map[string]interface{}{"fail": "last step broke"}
	h.saveWorkflow(t, wf)

	id := h.startRun(t, "wf-pipeline", nil)
	h.waitTerminal(t, id)

	report, err := h.coord.GetStatus(context.Background(), alice, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, report.Execution.Status)
	assert.Equal(t, 3, report.Progress.Total)
	assert.Equal(t, 2, report.Progress.Completed)
	assert.Equal(t, 1, report.Progress.Failed)
	assert.InDelta(t, 100.0, report.Progress.Percent, 0.001)
	assert.Equal(t, []string{"a", "b"}, report.CompletedNodes)
	assert.Equal(t, []string{"c"}, report.FailedNodes)
	assert.Empty(t, report.CurrentNode)

	again, err := h.coord.GetStatus(context.Background(), alice, id)
	require.NoError(t, err)
	assert.Equal(t, report, again, "a terminal execution reports the same status every time")

	var pd *rwerrors.PermissionDeniedError
	_, err = h.coord.GetStatus(context.Background(), eve, id)
	assert.ErrorAs(t, err, &pd)

	var nf *rwerrors.ExecutionNotFoundError
	_, err = h.coord.GetStatus(context.Background(), alice, "missing")
	assert.ErrorAs(t, err, &nf)
}

func TestCoordinator_GetStatusWhileRunning(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	h.saveWorkflow(t, &workflow.Workflow{
		ID:    "wf-running",
		Nodes: []workflow.Node{mockNode("done", nil), mockNode("busy", map[string]interface{}{"block": true})},
		Edges: []workflow.Edge{edge("done", "busy")},
	})
	id := h.startRun(t, "wf-running", nil)
	require.Eventually(t, func() bool { return h.rec.Calls("busy") == 1 }, testTimeout, 5*time.Millisecond)

	var report *runway.StatusReport
	require.Eventually(t, func() bool {
		r, err := h.coord.GetStatus(context.Background(), alice, id)
		if err != nil {
			return false
		}
		report = r
		return r.CurrentNode == "busy"
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, workflow.ExecutionRunning, report.Execution.Status)
	assert.InDelta(t, 50.0, report.Progress.Percent, 0.001)

	require.NoError(t, h.coord.Cancel(context.Background(), alice, id, "done looking"))
	h.waitTerminal(t, id)
}

func TestCoordinator_GetHistoryPaging(t *testing.T) {
	h := setupTestCoordinator(t)
	h.saveWorkflow(t, pipeline())
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.startRun(t, "wf-pipeline", nil))
		time.Sleep(2 * time.Millisecond)
	}

	page, err := h.coord.GetHistory(ctx, alice, "wf-pipeline", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Executions, 2)
	assert.Equal(t, ids[4], page.Executions[0].ID, "newest first")

	page, err = h.coord.GetHistory(ctx, alice, "wf-pipeline", 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Executions, 1)
	assert.Equal(t, ids[0], page.Executions[0].ID)

	page, err = h.coord.GetHistory(ctx, alice, "wf-pipeline", 9, 2)
	require.NoError(t, err)
	assert.NotNil(t, page.Executions)
	assert.Empty(t, page.Executions)

	page, err = h.coord.GetHistory(ctx, alice, "wf-pipeline", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, engine.DefaultHistoryLimit, page.Limit)

	page, err = h.coord.GetHistory(ctx, alice, "wf-pipeline", 1, 10_000)
	require.NoError(t, err)
	assert.Equal(t, engine.MaxHistoryLimit, page.Limit)

	var pd *rwerrors.PermissionDeniedError
	_, err = h.coord.GetHistory(ctx, eve, "wf-pipeline", 1, 10)
	assert.ErrorAs(t, err, &pd)
}

// --- Redelivery ---

func (h *harness) seedExecution(t *testing.T, exec *workflow.Execution) {
	t.Helper()
	require.NoError(t, h.store.CreateExecution(context.Background(), exec))
	require.NoError(t, h.queue.Enqueue(context.Background(), rwqueue.Job{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID}))
}

func TestCoordinator_RedeliveryOfLostRunFailsIt(t *testing.T) {
	h := setupTestCoordinator(t)
	h.saveWorkflow(t, pipeline())
	started := time.Now().Add(-time.Minute).UTC()
	h.seedExecution(t, &workflow.Execution{
		ID: "exec-lost", WorkflowID: "wf-pipeline", OrgID: testOrg, TriggeredBy: "alice",
		Status: workflow.ExecutionRunning, StartedAt: &started, WorkerID: "worker-gone", CreatedAt: started,
	})
	h.start(t)

	exec := h.waitTerminal(t, "exec-lost")
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "worker-gone")
	assert.Zero(t, h.rec.Calls("a"), "a lost run is never restarted")
}

func TestCoordinator_RedeliveryHonorsCancelRequest(t *testing.T) {
	h := setupTestCoordinator(t)
	h.saveWorkflow(t, pipeline())
	started := time.Now().Add(-time.Minute).UTC()
	h.seedExecution(t, &workflow.Execution{
		ID: "exec-cancel", WorkflowID: "wf-pipeline", OrgID: testOrg, TriggeredBy: "alice",
		Status: workflow.ExecutionRunning, StartedAt: &started, WorkerID: "worker-gone", CreatedAt: started,
		CancelRequested: true, CancelReason: "stop", CancelledBy: "alice",
	})
	h.start(t)

	exec := h.waitTerminal(t, "exec-cancel")
	assert.Equal(t, workflow.ExecutionCancelled, exec.Status)
}

func TestCoordinator_RedeliveryOfTerminalRunIsAcked(t *testing.T) {
	h := setupTestCoordinator(t)
	h.saveWorkflow(t, pipeline())
	done := time.Now().UTC()
	h.seedExecution(t, &workflow.Execution{
		ID: "exec-done", WorkflowID: "wf-pipeline", OrgID: testOrg,
		Status: workflow.ExecutionCompleted, CreatedAt: done, CompletedAt: &done, OutputData: "kept",
	})
	h.start(t)

	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, testTimeout, 5*time.Millisecond)
	exec, err := h.store.GetExecution(context.Background(), "exec-done")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, exec.Status)
	assert.Equal(t, "kept", exec.OutputData)
	assert.Zero(t, h.rec.Calls("a"))
}

func TestCoordinator_PendingRunOfDeletedWorkflowFails(t *testing.T) {
	h := setupTestCoordinator(t)
	h.seedExecution(t, &workflow.Execution{
		ID: "exec-orphan", WorkflowID: "wf-deleted", OrgID: testOrg,
		Status: workflow.ExecutionPending, CreatedAt: time.Now().UTC(),
	})
	h.start(t)

	exec := h.waitTerminal(t, "exec-orphan")
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "wf-deleted")
}

// --- Options and events ---

func TestCoordinator_DryRunReachesHandlers(t *testing.T) {
	h := setupTestCoordinator(t, runway.WithDryRun(true))
	h.start(t)
	h.saveWorkflow(t, pipeline())

	exec := h.waitTerminal(t, h.startRun(t, "wf-pipeline", nil))
	require.Equal(t, workflow.ExecutionCompleted, exec.Status, exec.ErrorMessage)
	assert.Equal(t, 3, h.rec.DryRunCalls())
}

func TestCoordinator_EmitsLifecycleEvents(t *testing.T) {
	h := setupTestCoordinator(t)
	h.start(t)
	h.saveWorkflow(t, pipeline())
	sub, unsubscribe := h.bus.Subscribe(nil)
	defer unsubscribe()

	id := h.startRun(t, "wf-pipeline", nil)
	var got []events.EventType
	timeout := time.After(testTimeout)
	for done := false; !done; {
		select {
		case e := <-sub:
			assert.Equal(t, id, e.ExecutionID)
			got = append(got, e.Type)
			done = e.Type == events.ExecutionCompleted
		case <-timeout:
			t.Fatalf("events so far: %v", got)
		}
	}

	assert.Equal(t, events.ExecutionStarted, got[0])
	assert.Equal(t, []events.EventType{
		events.ExecutionStarted,
		events.NodeStarted, events.NodeCompleted,
		events.NodeStarted, events.NodeCompleted,
		events.NodeStarted, events.NodeCompleted,
		events.ExecutionCompleted,
	}, got)
}

func TestNewCoordinator_Defaults(t *testing.T) {
	_, err := engine.NewCoordinator(nil)
	var ce *rwerrors.ConfigError
	require.ErrorAs(t, err, &ce)

	coord, err := engine.NewCoordinator(logger.NewNopLogger())
	require.NoError(t, err)
	assert.NotNil(t, coord.Store())
	assert.NotNil(t, coord.Queue())
	assert.NotNil(t, coord.MetricsRegistryProvider().Registry())
	assert.NotEmpty(t, coord.WorkerID())
	assert.Equal(t, 1, coord.RunConcurrency(), "nodes of a run dispatch one at a time by default")

	_, err = engine.NewCoordinator(logger.NewNopLogger(), runway.WithRunConcurrency(0))
	assert.ErrorAs(t, err, &ce)
}
