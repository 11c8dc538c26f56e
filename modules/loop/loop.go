// Package loop implements the loop node type: an inner node run once per
// item of a list.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/gxo-labs/runway/internal/engine"
	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/paramutil"
	"github.com/gxo-labs/runway/internal/template"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

const (
	// MaxItems bounds a single loop.
	MaxItems       = 10000
	maxConcurrency = 64
)

func init() {
	intHandler.Register(workflow.NodeLoop, New)
}

// Handler runs body once per item.
//
// Config:
//
//	items              list to iterate; defaults to the node input
//	body               {type, config, timeout} of the inner node
//	concurrency        parallel iterations, default 1
//	continue_on_error  keep going after a failed iteration
//
// body.config is rendered per iteration against {item, index, input}. The
// inner node sees the loop's credentials and nothing else.
type Handler struct {
	renderer *template.GoRenderer
}

// New is the handler factory.
func New() handler.Handler {
	return &Handler{renderer: template.NewGoRenderer()}
}

// RawConfigKeys keeps the engine from rendering body, whose templates refer
// to per-iteration data.
func (h *Handler) RawConfigKeys() []string {
	return []string{"body"}
}

type bodySpec struct {
	nodeType workflow.NodeType
	config   map[string]interface{}
	timeout  time.Duration
	raw      map[string]struct{}
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config
	if req.Registry == nil {
		return nil, rwerrors.NewConfigError("loop needs a handler registry to dispatch its body", nil)
	}

	items, err := h.items(cfg, req.Input)
	if err != nil {
		return nil, err
	}
	body, err := parseBody(cfg, req.Registry)
	if err != nil {
		return nil, err
	}
	concurrency, err := paramutil.GetIntDefault(cfg, "concurrency", 1)
	if err != nil {
		return nil, err
	}
	if concurrency < 1 || concurrency > maxConcurrency {
		return nil, rwerrors.NewValidationError(fmt.Sprintf("config 'concurrency' must be between 1 and %d", maxConcurrency), nil)
	}
	continueOnError, _, err := paramutil.GetOptionalBool(cfg, "continue_on_error")
	if err != nil {
		return nil, err
	}

	results := make([]interface{}, len(items))
	errs := make([]error, len(items))
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx)
	if !continueOnError {
		p = p.WithCancelOnError()
	}
	for i, item := range items {
		p.Go(func(ctx context.Context) error {
			out, err := h.iterate(ctx, req, body, i, item)
			mu.Lock()
			results[i], errs[i] = out, err
			mu.Unlock()
			return err
		})
	}
	_ = p.Wait()

	var failures []interface{}
	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		failures = append(failures, map[string]interface{}{"index": i, "error": err.Error()})
		if firstErr == nil || (errors.Is(firstErr, context.Canceled) && !errors.Is(err, context.Canceled)) {
			firstErr = fmt.Errorf("iteration %d failed: %w", i, err)
		}
	}
	if firstErr != nil && !continueOnError {
		return nil, firstErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	req.Logger.Debugf("loop finished %d iterations, %d failed", len(items), len(failures))
	out := map[string]interface{}{
		"results":   results,
		"count":     len(items),
		"succeeded": len(items) - len(failures),
		"failed":    len(failures),
	}
	if len(failures) > 0 {
		out["errors"] = failures
	}
	return out, nil
}

func (h *Handler) items(cfg map[string]interface{}, input interface{}) ([]interface{}, error) {
	source := input
	if v, ok := cfg["items"]; ok {
		source = v
	}
	var items []interface{}
	switch s := source.(type) {
	case []interface{}:
		items = s
	case []string:
		items = make([]interface{}, len(s))
		for i, v := range s {
			items[i] = v
		}
	case nil:
		return nil, nil
	default:
		return nil, rwerrors.NewValidationError(fmt.Sprintf("loop items must be a list, got %T", source), nil)
	}
	if len(items) > MaxItems {
		return nil, rwerrors.NewValidationError(fmt.Sprintf("loop has %d items, the limit is %d", len(items), MaxItems), nil)
	}
	return items, nil
}

func parseBody(cfg map[string]interface{}, registry handler.Registry) (*bodySpec, error) {
	raw, err := paramutil.GetRequiredMap(cfg, "body")
	if err != nil {
		return nil, err
	}
	typ, err := paramutil.GetRequiredString(raw, "type")
	if err != nil {
		return nil, rwerrors.NewValidationError("body: "+err.Error(), err)
	}
	factory, err := registry.Get(workflow.NodeType(typ))
	if err != nil {
		return nil, err
	}
	config, _, err := paramutil.GetOptionalMap(raw, "config")
	if err != nil {
		return nil, rwerrors.NewValidationError("body: "+err.Error(), err)
	}
	timeout, _, err := paramutil.GetOptionalDuration(raw, "timeout")
	if err != nil {
		return nil, rwerrors.NewValidationError("body: "+err.Error(), err)
	}

	spec := &bodySpec{nodeType: workflow.NodeType(typ), config: config, timeout: timeout, raw: map[string]struct{}{}}
	if keyer, ok := factory().(handler.RawConfigKeyer); ok {
		for _, k := range keyer.RawConfigKeys() {
			spec.raw[k] = struct{}{}
		}
	}
	return spec, nil
}

func (h *Handler) iterate(ctx context.Context, parent *handler.Request, body *bodySpec, index int, item interface{}) (interface{}, error) {
	data := map[string]interface{}{"item": item, "index": index, "input": parent.Input}

	config := make(map[string]interface{}, len(body.config))
	for k, v := range body.config {
		if _, skip := body.raw[k]; skip {
			config[k] = v
			continue
		}
		rendered, err := h.renderer.RenderValue(v, data)
		if err != nil {
			return nil, rwerrors.NewValidationError(fmt.Sprintf("body config '%s': %v", k, err), err)
		}
		config[k] = rendered
	}

	inner := &handler.Request{
		ExecutionID: parent.ExecutionID,
		WorkflowID:  parent.WorkflowID,
		OrgID:       parent.OrgID,
		Node: workflow.Node{
			ID:     fmt.Sprintf("%s[%d]", parent.Node.ID, index),
			Type:   body.nodeType,
			Config: config,
		},
		Input:       item,
		Credentials: parent.Credentials,
		Logger:      parent.Logger.With("iteration", index),
		Workspace:   parent.Workspace,
		Registry:    parent.Registry,
	}
	res := engine.Dispatch(ctx, parent.Registry, inner, body.timeout)
	if !res.Success {
		return nil, res.Err
	}
	return res.Output, nil
}

var (
	_ handler.Handler        = (*Handler)(nil)
	_ handler.RawConfigKeyer = (*Handler)(nil)
)
