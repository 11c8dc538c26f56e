package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	intEvents "github.com/gxo-labs/runway/internal/events"
	intHandler "github.com/gxo-labs/runway/internal/handler"
	intMetrics "github.com/gxo-labs/runway/internal/metrics"
	intQueue "github.com/gxo-labs/runway/internal/queue"
	intSecrets "github.com/gxo-labs/runway/internal/secrets"
	intStore "github.com/gxo-labs/runway/internal/store"
	intTracing "github.com/gxo-labs/runway/internal/tracing"
	"github.com/gxo-labs/runway/internal/util"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/events"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/gxo-labs/runway/pkg/runway/v1/metrics"
	rwqueue "github.com/gxo-labs/runway/pkg/runway/v1/queue"
	rwsecrets "github.com/gxo-labs/runway/pkg/runway/v1/secrets"
	rwstore "github.com/gxo-labs/runway/pkg/runway/v1/store"
	rwtracing "github.com/gxo-labs/runway/pkg/runway/v1/tracing"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// History paging bounds.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Nodes of one run dispatch one at a time unless the workflow's settings
// or WithRunConcurrency allow more.
const (
	defaultRunConcurrency  = 1
	defaultNodeConcurrency = 64
	defaultHeartbeat       = 10 * time.Second
)

// Coordinator is the execution engine. Start, Cancel and Retry only touch
// the store and the queue; workers started by Run claim queued runs and
// drive them to a terminal state.
type Coordinator struct {
	// Core services
	store           rwstore.Store
	queue           rwqueue.Queue
	eventBus        events.Bus
	registry        handler.Registry
	resolver        rwsecrets.CredentialResolver
	authorizer      runway.Authorizer
	metricsProvider metrics.RegistryProvider
	tracerProvider  rwtracing.TracerProvider
	log             rwlog.Logger
	dispatcher      *Dispatcher

	// Configuration
	workerCount           int
	runConcurrency        int
	nodeConcurrency       int
	nodeTimeout           time.Duration
	executionTimeout      time.Duration
	redactedKeywords      map[string]struct{}
	redactedKeywordsSlice []string
	workspace             string
	compensation          bool
	dryRun                bool
	heartbeat             time.Duration

	// Runtime state
	workerID string
	nodeSem  *semaphore.Weighted
	activeMu sync.Mutex
	active   map[string]context.CancelCauseFunc
	now      func() time.Time
	newID    func() string

	// Metrics collectors
	executionCounter    *prometheus.CounterVec
	executionDuration   prometheus.Histogram
	nodeCounter         *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec
	activeRunsGauge     prometheus.Gauge
	compensationCounter *prometheus.CounterVec
	secretsRedacted     prometheus.Counter
}

var _ runway.CoordinatorV1 = (*Coordinator)(nil)

// errCancelRequested is the cause attached to a run context interrupted by
// Cancel.
var errCancelRequested = errors.New("cancellation requested")

// NewID returns a new lexically sortable identifier.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewCoordinator creates a coordinator. Collaborators that are not provided
// fall back to in-process defaults.
func NewCoordinator(log rwlog.Logger, opts ...runway.EngineOption) (*Coordinator, error) {
	if log == nil {
		return nil, rwerrors.NewConfigError("logger cannot be nil", nil)
	}

	c := &Coordinator{
		log:              log,
		workerCount:      runtime.NumCPU(),
		runConcurrency:   defaultRunConcurrency,
		nodeConcurrency:  defaultNodeConcurrency,
		nodeTimeout:      DefaultNodeTimeout,
		redactedKeywords: make(map[string]struct{}),
		compensation:     true,
		heartbeat:        defaultHeartbeat,
		active:           make(map[string]context.CancelCauseFunc),
		now:              time.Now,
		newID:            NewID,
	}
	c.workerID = "worker-" + c.newID()

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, rwerrors.NewConfigError(fmt.Sprintf("failed to apply engine option: %v", err), err)
		}
	}

	if c.store == nil {
		c.log.Warnf("No store provided, using default in-memory store.")
		c.store = intStore.NewMemoryStore()
	}
	if c.queue == nil {
		c.log.Warnf("No queue provided, using default in-memory queue.")
		c.queue = intQueue.NewMemoryQueue(intQueue.DefaultOptions())
	}
	if c.eventBus == nil {
		c.log.Warnf("No event bus provided, using default NoOp bus.")
		c.eventBus = intEvents.NewNoOpEventBus()
	}
	if c.registry == nil {
		c.log.Debugf("No handler registry provided, using the global registry.")
		c.registry = intHandler.Default()
	}
	if c.resolver == nil {
		c.log.Debugf("No credential resolver provided, using environment variables.")
		c.resolver = intSecrets.NewProviderResolver(intSecrets.NewEnvProvider(intSecrets.DefaultEnvPrefix))
	}
	if c.authorizer == nil {
		c.authorizer = PermissionAuthorizer{}
	}
	if c.metricsProvider == nil {
		c.log.Debugf("No metrics provider provided, using default Prometheus provider.")
		c.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if c.tracerProvider == nil {
		c.log.Debugf("No tracer provider provided, using default NoOp provider.")
		c.tracerProvider = intTracing.NewNoOpProvider()
	}

	c.nodeSem = semaphore.NewWeighted(int64(c.nodeConcurrency))
	c.initMetrics()
	c.rebuildDispatcher()
	return c, nil
}

func (c *Coordinator) rebuildDispatcher() {
	d := NewDispatcher(c.registry, c.log, c.tracerProvider.GetTracer(intTracing.TracerName))
	d.SetDefaultTimeout(c.nodeTimeout)
	d.SetWorkspace(c.workspace)
	d.SetRedactedKeywords(c.redactedKeywords)
	d.SetSecretsRedactedCounter(c.secretsRedacted)
	c.dispatcher = d
}

func (c *Coordinator) initMetrics() {
	reg := c.metricsProvider.Registry()
	if reg == nil {
		c.log.Errorf("Metrics provider returned a nil registry, cannot initialize metrics.")
		return
	}
	register := func(col prometheus.Collector) prometheus.Collector {
		got, err := intMetrics.RegisterOrExisting(reg, col)
		if err != nil {
			c.log.Warnf("Failed to register metric collector: %v", err)
		}
		return got
	}

	c.executionCounter = register(prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "runway_executions_total", Help: "Total number of executions that reached a terminal status."},
		[]string{"status"},
	)).(*prometheus.CounterVec)
	c.executionDuration = register(prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "runway_execution_duration_seconds", Help: "Duration of executions in seconds.", Buckets: prometheus.DefBuckets},
	)).(prometheus.Histogram)
	c.nodeCounter = register(prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "runway_node_runs_total", Help: "Total number of node dispatches by final status."},
		[]string{"node_type", "status"},
	)).(*prometheus.CounterVec)
	c.nodeDuration = register(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "runway_node_duration_seconds", Help: "Duration of node dispatches in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"node_type"},
	)).(*prometheus.HistogramVec)
	c.activeRunsGauge = register(prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "runway_active_executions", Help: "Number of executions currently running on this worker."},
	)).(prometheus.Gauge)
	c.compensationCounter = register(prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "runway_compensations_total", Help: "Total number of compensating actions by outcome."},
		[]string{"status"},
	)).(*prometheus.CounterVec)
	c.secretsRedacted = register(prometheus.NewCounter(
		prometheus.CounterOpts{Name: "runway_secrets_redacted_total", Help: "Total number of node outputs that had resolved credentials redacted."},
	)).(prometheus.Counter)

	c.log.Debugf("Prometheus metrics initialized and registered.")
}

// --- Public operations ---

// Start validates the request, persists a pending execution and enqueues it.
func (c *Coordinator) Start(ctx context.Context, req runway.StartRequest) (string, error) {
	wf, err := c.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return "", err
	}
	if err := c.authorizer.Authorize(ctx, req.TriggeredBy, runway.PermissionExecute, wf); err != nil {
		return "", err
	}
	if wf.Status != workflow.StatusActive {
		return "", rwerrors.NewWorkflowNotActiveError(wf.ID, string(wf.Status))
	}
	plan, err := BuildPlan(wf, c.nodeTimeout)
	if err != nil {
		return "", err
	}

	trigger := req.TriggerType
	if trigger == "" {
		trigger = workflow.TriggerManual
	}
	if !trigger.Valid() {
		return "", rwerrors.NewValidationError(fmt.Sprintf("unknown trigger type '%s'", trigger), nil)
	}
	input, err := util.Normalize(req.Input)
	if err != nil {
		return "", rwerrors.NewValidationError("input is not JSON encodable", err)
	}

	exec := &workflow.Execution{
		ID:              c.newID(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		OrgID:           wf.OrgID,
		TriggeredBy:     req.TriggeredBy.ID,
		TriggerType:     trigger,
		Status:          workflow.ExecutionPending,
		InputData:       input,
		CreatedAt:       c.now().UTC(),
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	if len(plan.Order) == 0 {
		if err := c.completeEmpty(ctx, exec); err != nil {
			return "", err
		}
		return exec.ID, nil
	}

	if err := c.enqueue(ctx, exec); err != nil {
		return "", err
	}
	c.log.Infof("Execution %s of workflow '%s' queued (trigger: %s, nodes: %d)", exec.ID, wf.ID, trigger, plan.Estimate.NodeCount)
	return exec.ID, nil
}

// enqueue submits exec for a worker. When the queue refuses the job the
// execution is failed so it never lingers as pending.
func (c *Coordinator) enqueue(ctx context.Context, exec *workflow.Execution) error {
	job := rwqueue.Job{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, EnqueuedAt: c.now().UTC()}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		c.log.Errorf("Failed to enqueue execution %s: %v", exec.ID, err)
		msg := fmt.Sprintf("failed to enqueue execution: %v", err)
		_, _ = c.store.UpdateExecution(context.WithoutCancel(ctx), exec.ID, func(e *workflow.Execution) error {
			if !e.CanTransition(workflow.ExecutionFailed) {
				return rwerrors.NewInvalidTransitionError(e.ID, string(e.Status), string(workflow.ExecutionFailed))
			}
			e.ErrorMessage = msg
			e.Finish(workflow.ExecutionFailed, c.now().UTC())
			return nil
		})
		return fmt.Errorf("failed to enqueue execution %s: %w", exec.ID, err)
	}
	return nil
}

// completeEmpty finishes a run whose plan has no nodes.
func (c *Coordinator) completeEmpty(ctx context.Context, exec *workflow.Execution) error {
	ectx := NewExecutionContext(exec, nil, time.Time{})
	started := ectx.Started()
	updated, err := c.store.UpdateExecution(ctx, exec.ID, func(e *workflow.Execution) error {
		now := c.now().UTC()
		e.Status = workflow.ExecutionRunning
		e.StartedAt = &now
		e.OutputData = e.InputData
		e.Finish(workflow.ExecutionCompleted, now)
		return nil
	})
	if err != nil {
		return err
	}
	c.appendLog(ctx, exec.ID, started, ectx.Finished(workflow.ExecutionCompleted, ""))
	c.emit(events.ExecutionStarted, updated, "", nil)
	c.emit(events.ExecutionCompleted, updated, "", map[string]interface{}{"duration_ms": updated.DurationMs})
	c.observeExecution(updated)
	c.log.Infof("Execution %s completed immediately: workflow '%s' has no nodes", exec.ID, exec.WorkflowID)
	return nil
}

// Cancel stops a pending execution outright, or flags a running one so its
// worker stops at the next group boundary.
func (c *Coordinator) Cancel(ctx context.Context, caller runway.Principal, executionID, reason string) error {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	wf, err := c.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil && !rwerrors.IsNotFound(err) {
		return err
	}
	if !mayCancel(caller, exec, wf) {
		return rwerrors.NewPermissionDeniedError(caller.ID, "", "only the triggering user, an org admin or the workflow owner may cancel")
	}
	if exec.Status.IsTerminal() {
		return rwerrors.NewInvalidTransitionError(exec.ID, string(exec.Status), string(workflow.ExecutionCancelled))
	}

	updated, err := c.store.UpdateExecution(ctx, executionID, func(e *workflow.Execution) error {
		switch e.Status {
		case workflow.ExecutionPending:
			e.CancelRequested = true
			e.CancelReason = reason
			e.CancelledBy = caller.ID
			e.Finish(workflow.ExecutionCancelled, c.now().UTC())
		case workflow.ExecutionRunning:
			e.CancelRequested = true
			e.CancelReason = reason
			e.CancelledBy = caller.ID
		default:
			return rwerrors.NewInvalidTransitionError(e.ID, string(e.Status), string(workflow.ExecutionCancelled))
		}
		return nil
	})
	if err != nil {
		return err
	}

	note := workflow.LogEntry{
		Timestamp: c.now().UTC(),
		Level:     workflow.LevelWarn,
		Message:   "cancellation requested by " + caller.ID,
		Kind:      workflow.LogCancelRequested,
		Data:      map[string]interface{}{logDataReason: reason},
	}
	if updated.Status == workflow.ExecutionCancelled {
		ectx := NewExecutionContext(updated, nil, time.Time{})
		c.appendLog(ctx, executionID, note, ectx.Finished(workflow.ExecutionCancelled, ""))
		c.emit(events.ExecutionStopped, updated, "", map[string]interface{}{"reason": reason, "cancelled_by": caller.ID})
		c.observeExecution(updated)
		c.log.Infof("Pending execution %s cancelled by %s", executionID, caller.ID)
		return nil
	}

	c.appendLog(ctx, executionID, note)
	if c.interruptLocal(executionID) {
		c.log.Infof("Running execution %s interrupted locally after cancel by %s", executionID, caller.ID)
	} else {
		c.log.Infof("Cancel flag set on running execution %s; its worker stops at the next group boundary", executionID)
	}
	return nil
}

// Retry creates a new execution from a failed one. Nodes outside fromNodeID
// and its downstream set keep their original outputs.
func (c *Coordinator) Retry(ctx context.Context, caller runway.Principal, executionID, fromNodeID string) (string, error) {
	orig, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	wf, err := c.store.GetWorkflow(ctx, orig.WorkflowID)
	if err != nil {
		return "", err
	}
	if err := c.authorizer.Authorize(ctx, caller, runway.PermissionExecute, wf); err != nil {
		return "", err
	}
	if orig.Status != workflow.ExecutionFailed {
		return "", rwerrors.NewInvalidTransitionError(orig.ID, string(orig.Status), "retried")
	}
	plan, err := BuildPlan(wf, c.nodeTimeout)
	if err != nil {
		return "", err
	}
	entries, err := c.store.ReadLog(ctx, orig.ID)
	if err != nil {
		return "", err
	}
	prior := RebuildContext(orig, entries)

	rerun := make(map[string]struct{}, len(plan.Order))
	if fromNodeID == "" {
		for _, id := range plan.Order {
			rerun[id] = struct{}{}
		}
	} else {
		if !plan.Contains(fromNodeID) {
			return "", rwerrors.NewInvalidRetryPointError(orig.ID, fromNodeID, "node is not part of the workflow")
		}
		upstream := plan.Upstream(fromNodeID)
		for _, id := range plan.Order {
			if _, up := upstream[id]; !up {
				continue
			}
			if !prior.IsCompleted(id) && !prior.IsSkipped(id) {
				return "", rwerrors.NewInvalidRetryPointError(orig.ID, fromNodeID,
					fmt.Sprintf("upstream node '%s' did not complete", id))
			}
		}
		rerun = plan.Downstream(fromNodeID)
	}

	exec := &workflow.Execution{
		ID:              c.newID(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		OrgID:           wf.OrgID,
		TriggeredBy:     caller.ID,
		TriggerType:     orig.TriggerType,
		Status:          workflow.ExecutionPending,
		InputData:       orig.InputData,
		CreatedAt:       c.now().UTC(),
		Metadata: workflow.ExecutionMetadata{
			IsRetry:             true,
			OriginalExecutionID: orig.ID,
			RetryFromNodeID:     fromNodeID,
		},
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	if c.compensation {
		var undo []string
		for _, id := range prior.Executed() {
			if _, again := rerun[id]; again {
				undo = append(undo, id)
			}
		}
		if len(undo) > 0 {
			c.log.Infof("Compensating %d node(s) of execution %s before retry %s", len(undo), orig.ID, exec.ID)
			logs := c.compensate(ctx, orig, wf, plan, prior, undo)
			c.appendLog(ctx, exec.ID, logs...)
		}
	}

	if err := c.enqueue(ctx, exec); err != nil {
		return "", err
	}
	c.log.Infof("Execution %s queued as retry of %s (from node: %q)", exec.ID, orig.ID, fromNodeID)
	return exec.ID, nil
}

// GetStatus reports an execution's record and progress, rebuilt from the
// store alone.
func (c *Coordinator) GetStatus(ctx context.Context, caller runway.Principal, executionID string) (*runway.StatusReport, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	wf, err := c.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		if !rwerrors.IsNotFound(err) {
			return nil, err
		}
		wf = nil
	}
	authTarget := wf
	if authTarget == nil {
		authTarget = &workflow.Workflow{ID: exec.WorkflowID, OrgID: exec.OrgID}
	}
	if err := c.authorizer.Authorize(ctx, caller, runway.PermissionRead, authTarget); err != nil {
		return nil, err
	}
	entries, err := c.store.ReadLog(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ectx := RebuildContext(exec, entries)

	total := 0
	if wf != nil {
		total = len(wf.Nodes)
	}
	completed, failed, skipped := ectx.Completed(), ectx.Failed(), ectx.Skipped()
	progress := runway.Progress{
		Total:     total,
		Completed: len(completed),
		Failed:    len(failed),
		Skipped:   len(skipped),
	}
	switch {
	case total > 0:
		progress.Percent = float64(len(completed)+len(failed)+len(skipped)) / float64(total) * 100
		if progress.Percent > 100 {
			progress.Percent = 100
		}
	case exec.Status.IsTerminal():
		progress.Percent = 100
	}

	report := &runway.StatusReport{
		Execution:      exec,
		Progress:       progress,
		CompletedNodes: completed,
		FailedNodes:    failed,
	}
	if exec.Status == workflow.ExecutionRunning {
		report.CurrentNode = ectx.Cursor()
	}
	return report, nil
}

// GetHistory returns one page of a workflow's executions, newest first.
func (c *Coordinator) GetHistory(ctx context.Context, caller runway.Principal, workflowID string, page, limit int) (*runway.HistoryPage, error) {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := c.authorizer.Authorize(ctx, caller, runway.PermissionRead, wf); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	execs, total, err := c.store.ListExecutions(ctx, workflowID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	if execs == nil {
		execs = []*workflow.Execution{}
	}
	return &runway.HistoryPage{Executions: execs, Page: page, Limit: limit, Total: total}, nil
}

// --- Helpers shared with the worker side ---

func (c *Coordinator) appendLog(ctx context.Context, executionID string, entries ...workflow.LogEntry) {
	if len(entries) == 0 {
		return
	}
	if err := c.store.AppendLog(context.WithoutCancel(ctx), executionID, entries...); err != nil {
		c.log.Errorf("Failed to append %d log entries to execution %s: %v", len(entries), executionID, err)
	}
}

func (c *Coordinator) emit(t events.EventType, exec *workflow.Execution, nodeID string, payload map[string]interface{}) {
	c.eventBus.Emit(events.Event{
		Type:        t,
		Timestamp:   c.now().UTC(),
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		NodeID:      nodeID,
		Payload:     payload,
	})
}

func (c *Coordinator) observeExecution(exec *workflow.Execution) {
	if c.executionCounter != nil {
		c.executionCounter.WithLabelValues(string(exec.Status)).Inc()
	}
	if c.executionDuration != nil && exec.StartedAt != nil {
		c.executionDuration.Observe(time.Duration(exec.DurationMs * int64(time.Millisecond)).Seconds())
	}
}

// trackRun registers the cancel function of a run owned by this process.
func (c *Coordinator) trackRun(executionID string, cancel context.CancelCauseFunc) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	c.active[executionID] = cancel
	if c.activeRunsGauge != nil {
		c.activeRunsGauge.Set(float64(len(c.active)))
	}
}

func (c *Coordinator) untrackRun(executionID string) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	delete(c.active, executionID)
	if c.activeRunsGauge != nil {
		c.activeRunsGauge.Set(float64(len(c.active)))
	}
}

func (c *Coordinator) ownsRun(executionID string) bool {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	_, ok := c.active[executionID]
	return ok
}

func (c *Coordinator) interruptLocal(executionID string) bool {
	c.activeMu.Lock()
	cancel, ok := c.active[executionID]
	c.activeMu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

// --- Accessors and setters ---

func (c *Coordinator) MetricsRegistryProvider() metrics.RegistryProvider { return c.metricsProvider }
func (c *Coordinator) TracerProvider() rwtracing.TracerProvider         { return c.tracerProvider }

// RunConcurrency is the per-run dispatch limit used when a workflow sets none.
func (c *Coordinator) RunConcurrency() int { return c.runConcurrency }

// WorkerID identifies this process in execution records.
func (c *Coordinator) WorkerID() string { return c.workerID }

// Store returns the persistence store.
func (c *Coordinator) Store() rwstore.Store { return c.store }

// Queue returns the task queue.
func (c *Coordinator) Queue() rwqueue.Queue { return c.queue }

func (c *Coordinator) SetStore(s rwstore.Store) error {
	if s == nil {
		return rwerrors.NewConfigError("store cannot be nil", nil)
	}
	c.store = s
	return nil
}

func (c *Coordinator) SetQueue(q rwqueue.Queue) error {
	if q == nil {
		return rwerrors.NewConfigError("queue cannot be nil", nil)
	}
	c.queue = q
	return nil
}

func (c *Coordinator) SetEventBus(bus events.Bus) error {
	if bus == nil {
		return rwerrors.NewConfigError("event bus cannot be nil", nil)
	}
	c.eventBus = bus
	return nil
}

func (c *Coordinator) SetHandlerRegistry(registry handler.Registry) error {
	if registry == nil {
		return rwerrors.NewConfigError("handler registry cannot be nil", nil)
	}
	c.registry = registry
	if c.dispatcher != nil {
		c.rebuildDispatcher()
	}
	return nil
}

func (c *Coordinator) SetCredentialResolver(resolver rwsecrets.CredentialResolver) error {
	if resolver == nil {
		return rwerrors.NewConfigError("credential resolver cannot be nil", nil)
	}
	c.resolver = resolver
	return nil
}

func (c *Coordinator) SetAuthorizer(authorizer runway.Authorizer) error {
	if authorizer == nil {
		return rwerrors.NewConfigError("authorizer cannot be nil", nil)
	}
	c.authorizer = authorizer
	return nil
}

func (c *Coordinator) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	if provider == nil {
		return rwerrors.NewConfigError("metrics registry provider cannot be nil", nil)
	}
	c.metricsProvider = provider
	if c.dispatcher != nil {
		c.initMetrics()
		c.dispatcher.SetSecretsRedactedCounter(c.secretsRedacted)
	}
	return nil
}

func (c *Coordinator) SetTracerProvider(provider rwtracing.TracerProvider) error {
	if provider == nil {
		return rwerrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	c.tracerProvider = provider
	if c.dispatcher != nil {
		c.rebuildDispatcher()
	}
	return nil
}

func (c *Coordinator) SetNodeTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return rwerrors.NewConfigError("node timeout must be positive", nil)
	}
	c.nodeTimeout = timeout
	if c.dispatcher != nil {
		c.dispatcher.SetDefaultTimeout(timeout)
	}
	return nil
}

func (c *Coordinator) SetExecutionTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return rwerrors.NewConfigError("execution timeout cannot be negative", nil)
	}
	c.executionTimeout = timeout
	return nil
}

func (c *Coordinator) SetWorkerCount(n int) error {
	if n <= 0 {
		return rwerrors.NewConfigError("worker count must be positive", nil)
	}
	c.workerCount = n
	return nil
}

func (c *Coordinator) SetRunConcurrency(n int) error {
	if n <= 0 {
		return rwerrors.NewConfigError("run concurrency must be positive", nil)
	}
	c.runConcurrency = n
	return nil
}

func (c *Coordinator) SetNodeConcurrency(n int) error {
	if n <= 0 {
		return rwerrors.NewConfigError("node concurrency must be positive", nil)
	}
	c.nodeConcurrency = n
	c.nodeSem = semaphore.NewWeighted(int64(n))
	return nil
}

func (c *Coordinator) SetRedactedKeywords(keywords []string) error {
	c.redactedKeywordsSlice = keywords
	newMap := make(map[string]struct{})
	for _, k := range keywords {
		keyLower := strings.ToLower(strings.TrimSpace(k))
		if keyLower != "" {
			newMap[keyLower] = struct{}{}
		}
	}
	c.redactedKeywords = newMap
	if c.dispatcher != nil {
		c.dispatcher.SetRedactedKeywords(newMap)
	}
	return nil
}

func (c *Coordinator) SetWorkspace(dir string) error {
	if dir == "" {
		return rwerrors.NewConfigError("workspace directory cannot be empty", nil)
	}
	c.workspace = dir
	if c.dispatcher != nil {
		c.dispatcher.SetWorkspace(dir)
	}
	return nil
}

func (c *Coordinator) SetCompensation(enabled bool) error {
	c.compensation = enabled
	return nil
}

func (c *Coordinator) SetDryRun(enabled bool) error {
	c.dryRun = enabled
	return nil
}

// SetHeartbeatInterval sets how often a worker extends the claim of the run
// it is executing. It must stay well below the queue's visibility timeout.
func (c *Coordinator) SetHeartbeatInterval(d time.Duration) error {
	if d <= 0 {
		return rwerrors.NewConfigError("heartbeat interval must be positive", nil)
	}
	c.heartbeat = d
	return nil
}
