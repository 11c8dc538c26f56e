// Package transform implements the data-transform node type.
package transform

import (
	"context"
	"fmt"
	"strings"

	"dario.cat/mergo"

	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/paramutil"
	"github.com/gxo-labs/runway/internal/util"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

func init() {
	intHandler.Register(workflow.NodeDataTransform, New)
}

// Handler applies an ordered list of operations to a map. The map is the
// node input unless config sets source. Supported operations:
//
//	{op: set,    path: a.b, value: X}
//	{op: pick,   fields: [a, b.c]}
//	{op: omit,   fields: [a]}
//	{op: rename, from: a, to: b.c}
//	{op: merge,  value: {...}, override: true}
type Handler struct{}

// New is the handler factory.
func New() handler.Handler {
	return &Handler{}
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config

	ops, err := paramutil.GetRequiredSlice(cfg, "operations")
	if err != nil {
		return nil, err
	}

	source := req.Input
	if v, ok := cfg["source"]; ok {
		source = v
	}
	var data map[string]interface{}
	switch s := util.DeepCopy(source).(type) {
	case nil:
		data = make(map[string]interface{})
	case map[string]interface{}:
		data = s
		if data == nil {
			data = make(map[string]interface{})
		}
	default:
		return nil, rwerrors.NewValidationError(fmt.Sprintf("data-transform works on objects, got %T", source), nil)
	}

	for i, raw := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op, err := paramutil.ToStringMap(raw)
		if err != nil {
			return nil, rwerrors.NewValidationError(fmt.Sprintf("operations[%d]: %v", i, err), nil)
		}
		data, err = apply(data, op)
		if err != nil {
			return nil, rwerrors.NewValidationError(fmt.Sprintf("operations[%d]: %v", i, err), err)
		}
	}
	return data, nil
}

func apply(data, op map[string]interface{}) (map[string]interface{}, error) {
	kind, err := paramutil.GetRequiredString(op, "op")
	if err != nil {
		return nil, err
	}
	switch kind {
	case "set":
		path, err := paramutil.GetRequiredString(op, "path")
		if err != nil {
			return nil, err
		}
		return data, setPath(data, path, util.DeepCopy(op["value"]))

	case "pick":
		fields, _, err := paramutil.GetOptionalStringSlice(op, "fields")
		if err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			if v, ok := getPath(data, f); ok {
				if err := setPath(out, f, v); err != nil {
					return nil, err
				}
			}
		}
		return out, nil

	case "omit":
		fields, _, err := paramutil.GetOptionalStringSlice(op, "fields")
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			deletePath(data, f)
		}
		return data, nil

	case "rename":
		from, err := paramutil.GetRequiredString(op, "from")
		if err != nil {
			return nil, err
		}
		to, err := paramutil.GetRequiredString(op, "to")
		if err != nil {
			return nil, err
		}
		v, ok := getPath(data, from)
		if !ok {
			return data, nil
		}
		deletePath(data, from)
		return data, setPath(data, to, v)

	case "merge":
		value, err := paramutil.GetRequiredMap(op, "value")
		if err != nil {
			return nil, err
		}
		override, _, err := paramutil.GetOptionalBool(op, "override")
		if err != nil {
			return nil, err
		}
		src, _ := util.DeepCopy(value).(map[string]interface{})
		var opts []func(*mergo.Config)
		if override {
			opts = append(opts, mergo.WithOverride)
		}
		if err := mergo.Merge(&data, src, opts...); err != nil {
			return nil, fmt.Errorf("merge failed: %w", err)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("unknown op '%s'", kind)
	}
}

func getPath(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	current := data
	for i, part := range parts {
		v, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

func setPath(data map[string]interface{}, path string, value interface{}) error {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, exists := current[part]
		if !exists {
			m := make(map[string]interface{})
			current[part] = m
			current = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("cannot set '%s': '%s' is not an object", path, part)
		}
		current = m
	}
	current[parts[len(parts)-1]] = value
	return nil
}

func deletePath(data map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

var _ handler.Handler = (*Handler)(nil)
