// Package custom implements the custom node type: a sandboxed template
// expression evaluated over the node input.
package custom

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/paramutil"
	"github.com/gxo-labs/runway/internal/template"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// DefaultMaxOutput caps the rendered expression.
const DefaultMaxOutput = 1 << 20

func init() {
	intHandler.Register(workflow.NodeCustom, New)
}

// Handler renders expression against {input} only. The function map is the
// sandbox set: no environment, secrets, filesystem or network.
//
// Config:
//
//	expression  text/template source, kept unrendered by the engine
//	output      "text" (default) or "json" to parse the result
//	max_output  byte cap on the result, default 1 MiB
type Handler struct{}

// New is the handler factory.
func New() handler.Handler {
	return &Handler{}
}

// RawConfigKeys hands expression to the handler untouched.
func (h *Handler) RawConfigKeys() []string {
	return []string{"expression"}
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config
	expr, err := paramutil.GetRequiredString(cfg, "expression")
	if err != nil {
		return nil, err
	}
	format, err := paramutil.GetStringDefault(cfg, "output", "text")
	if err != nil {
		return nil, err
	}
	if format != "text" && format != "json" {
		return nil, rwerrors.NewValidationError(fmt.Sprintf("config 'output' must be text or json, got '%s'", format), nil)
	}
	maxOutput, err := paramutil.GetIntDefault(cfg, "max_output", DefaultMaxOutput)
	if err != nil {
		return nil, err
	}
	if maxOutput <= 0 || maxOutput > DefaultMaxOutput*16 {
		return nil, rwerrors.NewValidationError("config 'max_output' is out of range", nil)
	}

	renderer := template.NewGoRenderer()
	renderer.MaxOutput = maxOutput
	if err := renderer.Validate(expr); err != nil {
		return nil, rwerrors.NewValidationError("config 'expression': "+err.Error(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rendered, err := renderer.Render(expr, map[string]interface{}{template.KeyInput: req.Input})
	if err != nil {
		if errors.Is(err, template.ErrOutputTooLarge) {
			return nil, fmt.Errorf("expression output exceeds %d bytes: %w", maxOutput, err)
		}
		return nil, fmt.Errorf("expression failed: %w", err)
	}

	if format == "json" {
		var v interface{}
		if err := json.Unmarshal([]byte(strings.TrimSpace(rendered)), &v); err != nil {
			return nil, fmt.Errorf("expression output is not valid JSON: %w", err)
		}
		return v, nil
	}
	return rendered, nil
}

var (
	_ handler.Handler        = (*Handler)(nil)
	_ handler.RawConfigKeyer = (*Handler)(nil)
)
