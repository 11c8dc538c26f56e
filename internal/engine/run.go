package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	intTracing "github.com/gxo-labs/runway/internal/tracing"
	"github.com/gxo-labs/runway/internal/util"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/events"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	rwqueue "github.com/gxo-labs/runway/pkg/runway/v1/queue"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// outcome is the terminal decision for a run.
type outcome struct {
	status workflow.ExecutionStatus
	err    error
	nodeID string
}

// nodeFailure is returned into the group's errgroup by the first failing
// node, which cancels its siblings.
type nodeFailure struct {
	nodeID string
	err    error
}

func (f *nodeFailure) Error() string { return f.err.Error() }
func (f *nodeFailure) Unwrap() error { return f.err }

// Run starts the configured number of workers and blocks until ctx is
// cancelled and every in-flight run has settled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Infof("Starting %d execution workers (worker id: %s)", c.workerCount, c.workerID)
	p := pool.New().WithMaxGoroutines(c.workerCount)
	for i := 0; i < c.workerCount; i++ {
		n := i
		p.Go(func() { c.worker(ctx, n) })
	}
	p.Wait()
	c.log.Infof("Execution workers stopped.")
	return nil
}

func (c *Coordinator) worker(ctx context.Context, n int) {
	log := c.log.With("worker", n)
	for {
		d, err := c.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rwqueue.ErrClosed) {
				return
			}
			log.Errorf("Failed to claim job: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		c.handleDelivery(ctx, log, d)
	}
}

// handleDelivery settles a claim: infrastructure errors nack it for a later
// redelivery, every other outcome acks it.
func (c *Coordinator) handleDelivery(ctx context.Context, log rwlog.Logger, d *rwqueue.Delivery) {
	settle := context.WithoutCancel(ctx)
	if err := c.processJob(ctx, d); err != nil {
		log.Errorf("Job for execution %s failed on delivery %d: %v", d.Job.ExecutionID, d.Job.Attempt, err)
		if nackErr := c.queue.Nack(settle, d.ClaimID, err); nackErr != nil {
			log.Warnf("Failed to nack job for execution %s: %v", d.Job.ExecutionID, nackErr)
		}
		return
	}
	if err := c.queue.Ack(settle, d.ClaimID); err != nil {
		log.Warnf("Failed to ack job for execution %s: %v", d.Job.ExecutionID, err)
	}
}

// processJob applies the redelivery policy and runs the execution when this
// worker wins the pending to running transition.
func (c *Coordinator) processJob(ctx context.Context, d *rwqueue.Delivery) error {
	exec, err := c.store.GetExecution(ctx, d.Job.ExecutionID)
	if err != nil {
		if rwerrors.IsNotFound(err) {
			c.log.Warnf("Dropping job for unknown execution %s", d.Job.ExecutionID)
			return nil
		}
		return err
	}

	switch exec.Status {
	case workflow.ExecutionCompleted, workflow.ExecutionFailed, workflow.ExecutionCancelled:
		c.log.Debugf("Execution %s is already %s, skipping delivery", exec.ID, exec.Status)
		return nil
	case workflow.ExecutionRunning:
		if c.ownsRun(exec.ID) {
			c.log.Debugf("Execution %s is running on this worker, acking duplicate delivery", exec.ID)
			return nil
		}
		return c.failLostRun(ctx, exec)
	}

	wf, err := c.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		if rwerrors.IsNotFound(err) {
			return c.failPending(ctx, exec, err)
		}
		return err
	}
	plan, err := BuildPlan(wf, c.nodeTimeout)
	if err != nil {
		return c.failPending(ctx, exec, err)
	}

	claimed, err := c.store.UpdateExecution(ctx, exec.ID, func(e *workflow.Execution) error {
		if e.Status != workflow.ExecutionPending {
			return rwerrors.NewInvalidTransitionError(e.ID, string(e.Status), string(workflow.ExecutionRunning))
		}
		now := c.now().UTC()
		e.Status = workflow.ExecutionRunning
		e.StartedAt = &now
		e.WorkerID = c.workerID
		return nil
	})
	if err != nil {
		var ite *rwerrors.InvalidTransitionError
		if errors.As(err, &ite) {
			c.log.Debugf("Execution %s was claimed elsewhere: %v", exec.ID, err)
			return nil
		}
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.trackRun(claimed.ID, cancel)
	defer c.untrackRun(claimed.ID)
	stop := c.startHeartbeat(ctx, d)
	defer stop()

	return c.processRun(runCtx, claimed, wf, plan)
}

// failPending fails an execution that cannot be run at all.
func (c *Coordinator) failPending(ctx context.Context, exec *workflow.Execution, cause error) error {
	msg := cause.Error()
	updated, err := c.store.UpdateExecution(ctx, exec.ID, func(e *workflow.Execution) error {
		if e.Status != workflow.ExecutionPending {
			return rwerrors.NewInvalidTransitionError(e.ID, string(e.Status), string(workflow.ExecutionFailed))
		}
		e.ErrorMessage = msg
		e.Finish(workflow.ExecutionFailed, c.now().UTC())
		return nil
	})
	if err != nil {
		var ite *rwerrors.InvalidTransitionError
		if errors.As(err, &ite) {
			return nil
		}
		return err
	}
	c.log.Errorf("Execution %s failed before start: %v", exec.ID, cause)
	c.appendLog(ctx, exec.ID, NewExecutionContext(updated, nil, time.Time{}).Finished(workflow.ExecutionFailed, msg))
	c.emit(events.ExecutionFailed, updated, "", map[string]interface{}{"error": msg})
	c.observeExecution(updated)
	return nil
}

// failLostRun terminates an execution found running with no live owner. The
// run is never restarted: its nodes may already have had side effects.
func (c *Coordinator) failLostRun(ctx context.Context, exec *workflow.Execution) error {
	var msg string
	updated, err := c.store.UpdateExecution(ctx, exec.ID, func(e *workflow.Execution) error {
		if e.Status != workflow.ExecutionRunning {
			return rwerrors.NewInvalidTransitionError(e.ID, string(e.Status), string(workflow.ExecutionFailed))
		}
		if e.CancelRequested {
			e.Finish(workflow.ExecutionCancelled, c.now().UTC())
			return nil
		}
		msg = rwerrors.NewWorkerLostError(e.ID, e.WorkerID).Error()
		e.ErrorMessage = msg
		e.Finish(workflow.ExecutionFailed, c.now().UTC())
		return nil
	})
	if err != nil {
		var ite *rwerrors.InvalidTransitionError
		if errors.As(err, &ite) {
			return nil
		}
		return err
	}

	c.appendLog(ctx, exec.ID, NewExecutionContext(updated, nil, time.Time{}).Finished(updated.Status, msg))
	if updated.Status == workflow.ExecutionCancelled {
		c.log.Warnf("Execution %s lost its worker after a cancel request; marked cancelled", exec.ID)
		c.emit(events.ExecutionStopped, updated, "", map[string]interface{}{"reason": updated.CancelReason, "cancelled_by": updated.CancelledBy})
	} else {
		c.log.Errorf("Execution %s redelivered while running: %s", exec.ID, msg)
		c.emit(events.ExecutionFailed, updated, "", map[string]interface{}{"error": msg})
	}
	c.observeExecution(updated)
	return nil
}

// startHeartbeat extends the claim periodically until the returned function
// is called.
func (c *Coordinator) startHeartbeat(ctx context.Context, d *rwqueue.Delivery) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.queue.Extend(hbCtx, d.ClaimID); err != nil && hbCtx.Err() == nil {
					c.log.Warnf("Failed to extend claim for execution %s: %v", d.Job.ExecutionID, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// processRun drives a claimed execution through its plan and records the
// terminal status. ctx is cancelled by Cancel and by worker shutdown.
func (c *Coordinator) processRun(ctx context.Context, exec *workflow.Execution, wf *workflow.Workflow, plan *ExecutionPlan) error {
	tracer := c.tracerProvider.GetTracer(intTracing.TracerName)
	ctx, span := tracer.Start(ctx, "runway.execution.run", oteltrace.WithAttributes(
		intTracing.AttrExecutionID.String(exec.ID),
		intTracing.AttrWorkflowID.String(exec.WorkflowID),
		attribute.Int("runway.workflow.version", exec.WorkflowVersion),
		attribute.Int("runway.plan.nodes", plan.Estimate.NodeCount),
		attribute.Int("runway.plan.groups", plan.Estimate.GroupCount),
	))
	defer span.End()

	timeout := wf.Settings.Timeout
	if timeout <= 0 {
		timeout = c.executionTimeout
	}
	var deadline time.Time
	if timeout > 0 && exec.StartedAt != nil {
		deadline = exec.StartedAt.Add(timeout)
	}
	ectx := NewExecutionContext(exec, wf.Variables, deadline)
	ectx.now = c.now

	runCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if c.dryRun {
		runCtx = context.WithValue(runCtx, handler.DryRunKey{}, true)
	}

	c.appendLog(ctx, exec.ID, ectx.Started())
	c.emit(events.ExecutionStarted, exec, "", map[string]interface{}{
		"workflow_version": exec.WorkflowVersion,
		"trigger_type":     string(exec.TriggerType),
		"node_count":       plan.Estimate.NodeCount,
	})
	c.log.Infof("Execution %s of workflow '%s' started: %d node(s) in %d group(s)", exec.ID, exec.WorkflowID, plan.Estimate.NodeCount, plan.Estimate.GroupCount)

	if exec.Metadata.IsRetry {
		if err := c.seedFromOriginal(ctx, exec, plan, ectx); err != nil {
			return c.finish(ctx, span, exec, wf, plan, ectx, outcome{status: workflow.ExecutionFailed, err: err})
		}
	}

	limit := wf.Settings.Concurrency
	if limit <= 0 {
		limit = c.runConcurrency
	}

	var out outcome
	for gi, group := range plan.Groups {
		if o, stop := c.checkBoundary(ctx, runCtx, exec.ID, ectx, timeout); stop {
			out = o
			break
		}
		ids := c.prepareGroup(ctx, exec, plan, ectx, group)
		if len(ids) == 0 {
			continue
		}
		c.log.Debugf("Execution %s: dispatching group %d/%d [%s]", exec.ID, gi+1, len(plan.Groups), strings.Join(ids, ", "))
		if failure := c.runGroup(runCtx, exec, plan, ectx, ids, limit); failure != nil {
			out = outcome{status: workflow.ExecutionFailed, err: failure.err, nodeID: failure.nodeID}
			break
		}
	}
	if out.status == "" && (runCtx.Err() != nil || len(ectx.Interrupted()) > 0) {
		if o, stop := c.checkBoundary(ctx, runCtx, exec.ID, ectx, timeout); stop {
			out = o
		}
	}
	if out.status == "" {
		out.status = workflow.ExecutionCompleted
	}
	return c.finish(ctx, span, exec, wf, plan, ectx, out)
}

// checkBoundary decides, between groups, whether the run must stop because
// cancellation was requested, the deadline passed or the worker is shutting
// down.
func (c *Coordinator) checkBoundary(ctx, runCtx context.Context, executionID string, ectx *ExecutionContext, timeout time.Duration) (outcome, bool) {
	cur, err := c.store.GetExecution(context.WithoutCancel(ctx), executionID)
	if err != nil {
		c.log.Warnf("Failed to re-read execution %s at group boundary: %v", executionID, err)
	} else if cur.CancelRequested {
		return outcome{status: workflow.ExecutionCancelled}, true
	}
	if ectx.Expired(c.now()) {
		return outcome{status: workflow.ExecutionFailed, err: rwerrors.NewExecutionTimeoutError(executionID, timeout)}, true
	}
	if runCtx.Err() == nil {
		return outcome{}, false
	}
	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, errCancelRequested):
		return outcome{status: workflow.ExecutionCancelled}, true
	case errors.Is(cause, context.DeadlineExceeded):
		return outcome{status: workflow.ExecutionFailed, err: rwerrors.NewExecutionTimeoutError(executionID, timeout)}, true
	default:
		return outcome{status: workflow.ExecutionFailed, err: rwerrors.NewWorkerLostError(executionID, c.workerID)}, true
	}
}

// prepareGroup filters a group down to the nodes that must be dispatched.
// Seeded nodes are left out; nodes with no taken incoming edge are skipped.
func (c *Coordinator) prepareGroup(ctx context.Context, exec *workflow.Execution, plan *ExecutionPlan, ectx *ExecutionContext, group []string) []string {
	ids := make([]string, 0, len(group))
	for _, id := range group {
		if ectx.IsCompleted(id) || ectx.IsSkipped(id) {
			continue
		}
		if reason, skip := branchSkipReason(plan, ectx, id); skip {
			node, _ := plan.Node(id)
			c.appendLog(ctx, exec.ID, ectx.NodeSkipped(id, reason))
			c.emit(events.NodeSkipped, exec, id, map[string]interface{}{"reason": reason})
			if c.nodeCounter != nil {
				c.nodeCounter.WithLabelValues(string(node.Type), "skipped").Inc()
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// runGroup dispatches ids in order, up to limit at once. The first failure
// cancels the remaining siblings and is returned; with a limit of 1 no
// sibling after it is dispatched.
func (c *Coordinator) runGroup(ctx context.Context, exec *workflow.Execution, plan *ExecutionPlan, ectx *ExecutionContext, ids []string, limit int) *nodeFailure {
	sem := c.nodeSem
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			return c.runNode(gctx, exec, plan, ectx, id)
		})
	}
	var failure *nodeFailure
	if errors.As(g.Wait(), &failure) {
		return failure
	}
	return nil
}

// runNode dispatches one node and records its outcome.
func (c *Coordinator) runNode(ctx context.Context, exec *workflow.Execution, plan *ExecutionPlan, ectx *ExecutionContext, id string) error {
	node, _ := plan.Node(id)
	input := nodeInput(plan, ectx, exec, id)

	c.appendLog(ctx, exec.ID, ectx.NodeStarted(id))
	c.emit(events.NodeStarted, exec, id, map[string]interface{}{"node_type": string(node.Type)})

	var res workflow.NodeExecutionResult
	creds, err := c.resolver.ResolveCredentials(ctx, exec.OrgID, node)
	if err != nil {
		res = failedResult(id, rwerrors.NewNodeExecutionError(id, string(node.Type), err), 0, nil)
	} else {
		res = c.dispatcher.Execute(ctx, DispatchInput{
			Execution:   exec,
			Node:        node,
			Input:       input,
			Variables:   ectx.Variables(),
			Credentials: creds,
		})
	}
	if res.Success {
		normalized, nerr := util.Normalize(res.Output)
		if nerr != nil {
			cause := fmt.Errorf("output is not JSON encodable: %w", nerr)
			res = failedResult(id, rwerrors.NewNodeExecutionError(id, string(node.Type), cause), res.Duration, res.Logs)
		} else {
			res.Output = normalized
		}
	}
	for _, entry := range res.Logs {
		ectx.Record(entry)
	}
	c.appendLog(ctx, exec.ID, res.Logs...)
	if c.nodeDuration != nil {
		c.nodeDuration.WithLabelValues(string(node.Type)).Observe(res.Duration.Seconds())
	}

	status := "completed"
	defer func() {
		if c.nodeCounter != nil {
			c.nodeCounter.WithLabelValues(string(node.Type), status).Inc()
		}
	}()

	switch {
	case res.Success:
		c.appendLog(ctx, exec.ID, ectx.NodeCompleted(id, res.Output, res.Duration))
		c.emit(events.NodeCompleted, exec, id, map[string]interface{}{"duration_ms": res.Duration.Milliseconds()})
		return nil
	case ctx.Err() != nil:
		status = "interrupted"
		reason := context.Cause(ctx).Error()
		c.appendLog(ctx, exec.ID, ectx.NodeInterrupted(id, reason))
		c.log.Debugf("Execution %s: node '%s' interrupted: %s", exec.ID, id, reason)
		return nil
	default:
		status = "failed"
		c.appendLog(ctx, exec.ID, ectx.NodeFailed(id, res.Error, res.Duration))
		c.emit(events.NodeFailed, exec, id, map[string]interface{}{"error": res.Error, "duration_ms": res.Duration.Milliseconds()})
		c.log.Warnf("Execution %s: %s", exec.ID, res.Error)
		err := res.Err
		if err == nil {
			err = errors.New(res.Error)
		}
		return &nodeFailure{nodeID: id, err: err}
	}
}

// seedFromOriginal carries over the outputs of every node a retry does not
// re-run.
func (c *Coordinator) seedFromOriginal(ctx context.Context, exec *workflow.Execution, plan *ExecutionPlan, ectx *ExecutionContext) error {
	from := exec.Metadata.RetryFromNodeID
	if from == "" {
		return nil
	}
	orig, err := c.store.GetExecution(ctx, exec.Metadata.OriginalExecutionID)
	if err != nil {
		return err
	}
	entries, err := c.store.ReadLog(ctx, orig.ID)
	if err != nil {
		return err
	}
	if !plan.Contains(from) {
		return rwerrors.NewInvalidRetryPointError(orig.ID, from, "node is no longer part of the workflow")
	}
	prior := RebuildContext(orig, entries)
	rerun := plan.Downstream(from)

	var logs []workflow.LogEntry
	for _, id := range plan.Order {
		if _, again := rerun[id]; again {
			continue
		}
		if out, ok := prior.Output(id); ok {
			logs = append(logs, ectx.NodeSeeded(id, out, orig.ID))
		}
	}
	c.appendLog(ctx, exec.ID, logs...)
	c.log.Infof("Execution %s: carried over %d node output(s) from %s", exec.ID, len(logs), orig.ID)
	return nil
}

// finish compensates a cancelled run when enabled, then records the terminal
// status.
func (c *Coordinator) finish(ctx context.Context, span oteltrace.Span, exec *workflow.Execution, wf *workflow.Workflow, plan *ExecutionPlan, ectx *ExecutionContext, out outcome) error {
	settle := context.WithoutCancel(ctx)
	errMsg := ""
	if out.err != nil {
		errMsg = out.err.Error()
	}

	if out.status == workflow.ExecutionCancelled && c.compensation {
		if done := ectx.Executed(); len(done) > 0 {
			c.log.Infof("Execution %s cancelled: compensating %d completed node(s)", exec.ID, len(done))
			c.appendLog(settle, exec.ID, c.compensate(settle, exec, wf, plan, ectx, done)...)
		}
	}

	output := finalOutput(plan, ectx, exec)
	updated, err := c.store.UpdateExecution(settle, exec.ID, func(e *workflow.Execution) error {
		if e.Status != workflow.ExecutionRunning {
			return rwerrors.NewInvalidTransitionError(e.ID, string(e.Status), string(out.status))
		}
		if out.status == workflow.ExecutionCompleted {
			e.OutputData = output
		}
		e.ErrorMessage = errMsg
		e.ErrorNodeID = out.nodeID
		e.Finish(out.status, c.now().UTC())
		return nil
	})
	if err != nil {
		var ite *rwerrors.InvalidTransitionError
		if errors.As(err, &ite) {
			c.log.Warnf("Execution %s was finalized elsewhere: %v", exec.ID, err)
			return nil
		}
		intTracing.RecordErrorWithContext(span, err, c.redactedKeywords)
		return fmt.Errorf("failed to record terminal status of execution %s: %w", exec.ID, err)
	}
	c.appendLog(settle, exec.ID, ectx.Finished(out.status, errMsg))

	span.SetAttributes(
		intTracing.AttrStatus.String(string(updated.Status)),
		attribute.Int64("runway.execution.duration_ms", updated.DurationMs),
		attribute.Int("runway.execution.completed_nodes", len(ectx.Completed())),
		attribute.Int("runway.execution.skipped_nodes", len(ectx.Skipped())),
	)
	switch updated.Status {
	case workflow.ExecutionCompleted:
		span.SetStatus(codes.Ok, "")
		c.emit(events.ExecutionCompleted, updated, "", map[string]interface{}{"duration_ms": updated.DurationMs})
		c.log.Infof("Execution %s completed in %dms", exec.ID, updated.DurationMs)
	case workflow.ExecutionCancelled:
		c.emit(events.ExecutionStopped, updated, "", map[string]interface{}{
			"reason":       updated.CancelReason,
			"cancelled_by": updated.CancelledBy,
		})
		c.log.Infof("Execution %s cancelled by %s", exec.ID, updated.CancelledBy)
	default:
		intTracing.RecordErrorWithContext(span, out.err, c.redactedKeywords)
		c.emit(events.ExecutionFailed, updated, out.nodeID, map[string]interface{}{
			"error":         errMsg,
			"error_node_id": out.nodeID,
		})
		c.log.Errorf("Execution %s failed: %s", exec.ID, errMsg)
	}
	c.observeExecution(updated)
	return nil
}

// compensate undoes completed nodes in reverse of the given completion
// order. Failures are logged and never change the run's status.
func (c *Coordinator) compensate(ctx context.Context, exec *workflow.Execution, wf *workflow.Workflow, plan *ExecutionPlan, ectx *ExecutionContext, completed []string) []workflow.LogEntry {
	if c.dryRun {
		ctx = context.WithValue(ctx, handler.DryRunKey{}, true)
	}
	var logs []workflow.LogEntry
	for i := len(completed) - 1; i >= 0; i-- {
		id := completed[i]
		node, ok := plan.Node(id)
		if !ok {
			continue
		}
		output, _ := ectx.Output(id)
		creds, err := c.resolver.ResolveCredentials(ctx, exec.OrgID, node)
		if err == nil {
			var supported bool
			supported, err = c.dispatcher.Compensate(ctx, DispatchInput{
				Execution:   exec,
				Node:        node,
				Input:       nodeInput(plan, ectx, exec, id),
				Variables:   wf.Variables,
				Credentials: creds,
			}, output)
			if !supported && err == nil {
				continue
			}
		}
		status := "completed"
		if err != nil {
			status = "failed"
			c.log.Warnf("Compensation of node '%s' in execution %s failed: %v", id, exec.ID, err)
		}
		if c.compensationCounter != nil {
			c.compensationCounter.WithLabelValues(status).Inc()
		}
		logs = append(logs, ectx.NodeCompensated(id, err))
		c.emit(events.NodeCompensated, exec, id, map[string]interface{}{"success": err == nil})
	}
	return logs
}

// nodeInput is the trigger input for a root node, the predecessor's output
// for a single predecessor, and a map of predecessor ID to output otherwise.
// Values are copied so a handler cannot alter another node's stored output.
func nodeInput(plan *ExecutionPlan, ectx *ExecutionContext, exec *workflow.Execution, id string) interface{} {
	preds := plan.Dependencies[id]
	switch len(preds) {
	case 0:
		return util.DeepCopy(exec.InputData)
	case 1:
		out, _ := ectx.Output(preds[0])
		return util.DeepCopy(out)
	}
	in := make(map[string]interface{}, len(preds))
	for _, p := range preds {
		if out, ok := ectx.Output(p); ok {
			in[p] = util.DeepCopy(out)
		}
	}
	return in
}

// branchSkipReason reports whether id must be skipped because none of its
// incoming edges was taken.
func branchSkipReason(plan *ExecutionPlan, ectx *ExecutionContext, id string) (string, bool) {
	incoming := plan.Incoming[id]
	if len(incoming) == 0 {
		return "", false
	}
	for _, e := range incoming {
		out, ok := ectx.Output(e.Source)
		if ok && edgeTaken(e, out) {
			return "", false
		}
	}
	return "no incoming edge was taken", true
}

// edgeTaken reports whether the source output selects e. Unlabelled edges
// are always taken; labelled ones need a matching "branch" field.
func edgeTaken(e workflow.Edge, output interface{}) bool {
	if e.Branch == "" {
		return true
	}
	m, ok := output.(map[string]interface{})
	if !ok {
		return false
	}
	branch, ok := m["branch"]
	if !ok || branch == nil {
		return false
	}
	return fmt.Sprint(branch) == e.Branch
}

// finalOutput is the output of the last node in plan order that produced
// one, or the run input when none did.
func finalOutput(plan *ExecutionPlan, ectx *ExecutionContext, exec *workflow.Execution) interface{} {
	for i := len(plan.Order) - 1; i >= 0; i-- {
		if out, ok := ectx.Output(plan.Order[i]); ok {
			return out
		}
	}
	return exec.InputData
}
