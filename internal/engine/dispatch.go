package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gxo-labs/runway/internal/logger"
	"github.com/gxo-labs/runway/internal/retry"
	"github.com/gxo-labs/runway/internal/secrets"
	"github.com/gxo-labs/runway/internal/template"
	intTracing "github.com/gxo-labs/runway/internal/tracing"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// panicError carries a recovered handler panic out of its goroutine.
type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}

// Dispatch runs the handler registered for req.Node.Type inside a timeout
// envelope. It never panics and never returns an error: every outcome is
// described by the result. Exceeding the timeout yields a NodeTimeoutError,
// a panic or handler error yields a NodeExecutionError, and an unknown type
// yields a HandlerNotFoundError.
func Dispatch(ctx context.Context, registry handler.Registry, req *handler.Request, timeout time.Duration) workflow.NodeExecutionResult {
	start := time.Now()
	factory, err := registry.Get(req.Node.Type)
	if err != nil {
		return failedResult(req.Node.ID, err, time.Since(start), nil)
	}
	out, err := invokeWithTimeout(ctx, factory(), req, timeout, nil, retry.Config{})
	if err != nil {
		return failedResult(req.Node.ID, err, time.Since(start), nil)
	}
	return workflow.NodeExecutionResult{NodeID: req.Node.ID, Success: true, Output: out, Duration: time.Since(start)}
}

func failedResult(nodeID string, err error, d time.Duration, logs []workflow.LogEntry) workflow.NodeExecutionResult {
	return workflow.NodeExecutionResult{
		NodeID:   nodeID,
		Success:  false,
		Error:    err.Error(),
		Err:      err,
		Duration: d,
		Logs:     logs,
	}
}

// invokeWithTimeout runs h under a deadline of timeout, retrying failed
// attempts per cfg when helper is set. The deadline covers every attempt.
func invokeWithTimeout(ctx context.Context, h handler.Handler, req *handler.Request, timeout time.Duration, helper *retry.Helper, cfg retry.Config) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out interface{}
	attempt := func(opCtx context.Context) error {
		result, err := runHandler(opCtx, h, req)
		if err == nil {
			out = result
		}
		return err
	}

	var err error
	if helper != nil && cfg.Attempts > 1 {
		cfg.Retryable = isRetryable
		err = helper.Do(timeoutCtx, cfg, attempt)
	} else {
		err = attempt(timeoutCtx)
	}
	if err == nil {
		return out, nil
	}
	return nil, classifyError(ctx, timeoutCtx, req.Node, timeout, err)
}

// runHandler executes one attempt in its own goroutine so a handler that
// ignores its context cannot hold the dispatcher past the deadline.
func runHandler(ctx context.Context, h handler.Handler, req *handler.Request) (interface{}, error) {
	type outcome struct {
		out interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		out, err := h.Execute(ctx, req)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		select {
		case o := <-done:
			return o.out, o.err
		default:
		}
		return nil, ctx.Err()
	}
}

func isRetryable(err error) bool {
	var p *panicError
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func classifyError(parent, timeoutCtx context.Context, node workflow.Node, timeout time.Duration, err error) error {
	var nte *rwerrors.NodeTimeoutError
	var nee *rwerrors.NodeExecutionError
	var p *panicError
	switch {
	case errors.As(err, &nte), errors.As(err, &nee):
		return err
	case errors.As(err, &p):
		return rwerrors.NewNodeExecutionError(node.ID, string(node.Type), p)
	case parent.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		return rwerrors.NewNodeTimeoutError(node.ID, timeout)
	default:
		return rwerrors.NewNodeExecutionError(node.ID, string(node.Type), err)
	}
}

// DispatchInput describes one node dispatch within a run.
type DispatchInput struct {
	Execution   *workflow.Execution
	Node        workflow.Node
	Input       interface{}
	Variables   map[string]interface{}
	Credentials map[string]string
	Timeout     time.Duration
}

// Dispatcher adds the run-level concerns around Dispatch: config rendering,
// per-node retry, credential redaction, log capture and tracing.
type Dispatcher struct {
	registry         handler.Registry
	renderer         *template.GoRenderer
	retryHelper      *retry.Helper
	log              rwlog.Logger
	tracer           oteltrace.Tracer
	redactedKeywords map[string]struct{}
	defaultTimeout   time.Duration
	workspace        string
	secretsRedacted  prometheus.Counter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(registry handler.Registry, log rwlog.Logger, tracer oteltrace.Tracer) *Dispatcher {
	return &Dispatcher{
		registry:         registry,
		renderer:         template.NewGoRenderer(),
		retryHelper:      retry.NewHelper(log),
		log:              log,
		tracer:           tracer,
		redactedKeywords: map[string]struct{}{},
		defaultTimeout:   DefaultNodeTimeout,
	}
}

// SetWorkspace sets the directory handed to file handlers.
func (d *Dispatcher) SetWorkspace(dir string) { d.workspace = dir }

// SetDefaultTimeout sets the timeout for nodes that declare none.
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.defaultTimeout = timeout
	}
}

// SetRedactedKeywords sets keywords whose values are masked in logs and spans.
func (d *Dispatcher) SetRedactedKeywords(keywords map[string]struct{}) {
	d.redactedKeywords = keywords
	d.retryHelper.SetRedactedKeywords(keywords)
}

// SetSecretsRedactedCounter sets the counter bumped whenever node output had
// to be redacted.
func (d *Dispatcher) SetSecretsRedactedCounter(c prometheus.Counter) { d.secretsRedacted = c }

// TemplateData is the data node config templates are rendered against.
func TemplateData(in DispatchInput) map[string]interface{} {
	data := map[string]interface{}{
		template.KeyInput: in.Input,
		template.KeyVars:  in.Variables,
		template.KeyNode: map[string]interface{}{
			"id":   in.Node.ID,
			"name": in.Node.DisplayName(),
			"type": string(in.Node.Type),
		},
	}
	if in.Execution != nil {
		data[template.KeyExecution] = map[string]interface{}{
			"id":           in.Execution.ID,
			"workflow_id":  in.Execution.WorkflowID,
			"org_id":       in.Execution.OrgID,
			"triggered_by": in.Execution.TriggeredBy,
			"trigger_type": string(in.Execution.TriggerType),
		}
	}
	return data
}

func (d *Dispatcher) renderConfig(h handler.Handler, in DispatchInput) (map[string]interface{}, error) {
	if len(in.Node.Config) == 0 {
		return in.Node.Config, nil
	}
	raw := map[string]struct{}{}
	if rk, ok := h.(handler.RawConfigKeyer); ok {
		for _, k := range rk.RawConfigKeys() {
			raw[k] = struct{}{}
		}
	}
	data := TemplateData(in)
	out := make(map[string]interface{}, len(in.Node.Config))
	for k, v := range in.Node.Config {
		if _, skip := raw[k]; skip {
			out[k] = v
			continue
		}
		rendered, err := d.renderer.RenderValue(v, data)
		if err != nil {
			return nil, fmt.Errorf("config '%s': %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// Execute dispatches one node and returns its redacted result. Resolved
// credentials are masked in the output, the error text and captured logs.
func (d *Dispatcher) Execute(ctx context.Context, in DispatchInput) workflow.NodeExecutionResult {
	start := time.Now()
	node := in.Node

	spanCtx := ctx
	var span oteltrace.Span
	if d.tracer != nil {
		spanCtx, span = d.tracer.Start(ctx, "runway.node.dispatch", oteltrace.WithAttributes(
			intTracing.AttrExecutionID.String(in.Execution.ID),
			intTracing.AttrNodeID.String(node.ID),
			intTracing.AttrNodeType.String(string(node.Type)),
		))
		defer span.End()
	}

	tracker := secrets.NewSecretTracker()
	tracker.AddAll(in.Credentials)
	capture := logger.NewCaptureLogger(d.log.With("execution_id", in.Execution.ID, "node_id", node.ID), node.ID).
		WithMask(func(s string) string {
			masked, _ := tracker.Mask(s, template.RedactedSecretValue)
			return template.RedactSecretsInString(masked, d.redactedKeywords)
		})

	finish := func(res workflow.NodeExecutionResult) workflow.NodeExecutionResult {
		res.Logs = d.redactLogs(capture.Entries(), tracker)
		if res.Success {
			redacted, wasRedacted := template.RedactTrackedSecrets(res.Output, tracker)
			if wasRedacted {
				d.log.Warnf("SECURITY WARNING: output of node '%s' contained resolved credentials; they were redacted", node.ID)
				if d.secretsRedacted != nil {
					d.secretsRedacted.Inc()
				}
			}
			res.Output = redacted
		} else if masked, changed := tracker.Mask(res.Error, template.RedactedSecretValue); changed {
			res.Error = masked
			res.Err = &redactedError{msg: masked, cause: res.Err}
		}
		if span != nil {
			span.SetAttributes(attribute.Bool("runway.node.success", res.Success))
			if res.Success {
				span.SetStatus(codes.Ok, "")
			} else {
				intTracing.RecordErrorWithContext(span, errors.New(res.Error), d.redactedKeywords)
			}
		}
		return res
	}

	factory, err := d.registry.Get(node.Type)
	if err != nil {
		return finish(failedResult(node.ID, err, time.Since(start), nil))
	}
	h := factory()

	config, err := d.renderConfig(h, in)
	if err != nil {
		wrapped := rwerrors.NewNodeExecutionError(node.ID, string(node.Type), err)
		return finish(failedResult(node.ID, wrapped, time.Since(start), nil))
	}
	rendered := node
	rendered.Config = config

	req := &handler.Request{
		ExecutionID: in.Execution.ID,
		WorkflowID:  in.Execution.WorkflowID,
		OrgID:       in.Execution.OrgID,
		Node:        rendered,
		Input:       in.Input,
		Credentials: in.Credentials,
		Logger:      capture,
		Workspace:   d.workspace,
		Registry:    d.registry,
	}

	timeout := in.Timeout
	if node.Timeout > 0 {
		timeout = node.Timeout
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	var cfg retry.Config
	if rp := node.Retry; rp != nil {
		cfg = retry.Config{
			Attempts:      rp.Attempts,
			Delay:         rp.Delay,
			MaxDelay:      rp.MaxDelay,
			BackoffFactor: rp.Backoff,
			Name:          node.ID,
		}
	}

	out, err := invokeWithTimeout(spanCtx, h, req, timeout, d.retryHelper, cfg)
	if err != nil {
		var p *panicError
		if errors.As(err, &p) {
			d.log.Errorf("handler for node '%s' panicked: %v\n%s", node.ID, p.value, p.stack)
		}
		return finish(failedResult(node.ID, err, time.Since(start), nil))
	}
	return finish(workflow.NodeExecutionResult{NodeID: node.ID, Success: true, Output: out, Duration: time.Since(start)})
}

// Compensate runs the handler's compensating action for a completed node,
// when the handler supports one. It reports false when there is nothing to
// compensate.
func (d *Dispatcher) Compensate(ctx context.Context, in DispatchInput, output interface{}) (bool, error) {
	factory, err := d.registry.Get(in.Node.Type)
	if err != nil {
		return false, err
	}
	h := factory()
	comp, ok := h.(handler.Compensator)
	if !ok {
		return false, nil
	}
	config, err := d.renderConfig(h, in)
	if err != nil {
		return true, err
	}
	node := in.Node
	node.Config = config

	timeout := d.defaultTimeout
	if node.Timeout > 0 {
		timeout = node.Timeout
	}
	compCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &handler.Request{
		ExecutionID: in.Execution.ID,
		WorkflowID:  in.Execution.WorkflowID,
		OrgID:       in.Execution.OrgID,
		Node:        node,
		Input:       in.Input,
		Credentials: in.Credentials,
		Logger:      d.log.With("execution_id", in.Execution.ID, "node_id", node.ID, "phase", "compensate"),
		Workspace:   d.workspace,
		Registry:    d.registry,
	}

	var compErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				compErr = fmt.Errorf("compensation panicked: %v", r)
			}
		}()
		compErr = comp.Compensate(compCtx, req, output)
	}()
	if compErr == nil {
		return true, nil
	}
	tracker := secrets.NewSecretTracker()
	tracker.AddAll(in.Credentials)
	if masked, changed := tracker.Mask(compErr.Error(), template.RedactedSecretValue); changed {
		compErr = &redactedError{msg: masked, cause: compErr}
	}
	return true, template.RedactSecretsInError(compErr, d.redactedKeywords)
}

func (d *Dispatcher) redactLogs(entries []workflow.LogEntry, tracker *secrets.SecretTracker) []workflow.LogEntry {
	if tracker.Len() == 0 && len(d.redactedKeywords) == 0 {
		return entries
	}
	for i := range entries {
		msg, _ := tracker.Mask(entries[i].Message, template.RedactedSecretValue)
		entries[i].Message = template.RedactSecretsInString(msg, d.redactedKeywords)
		if entries[i].Data != nil {
			if redacted, ok := template.RedactTrackedSecrets(entries[i].Data, tracker); ok {
				if m, isMap := redacted.(map[string]interface{}); isMap {
					entries[i].Data = m
				}
			}
		}
	}
	return entries
}

// redactedError keeps the type of a masked error reachable through Unwrap
// while its message no longer contains secret material.
type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }
