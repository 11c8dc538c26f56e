// Package condition implements the condition node type, which picks a branch
// label that the engine matches against outgoing edge conditions.
package condition

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/paramutil"
	"github.com/gxo-labs/runway/internal/template"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

func init() {
	intHandler.Register(workflow.NodeCondition, New)
}

// Handler evaluates either an expression or a list of rules.
//
// expression is rendered by the engine before the handler sees it, so it
// arrives as text such as "true" or "false". rules compare fields of the
// input:
//
//	rules:
//	  - {field: order.total, operator: gt, value: 100}
//	  - {field: order.country, operator: in, value: [DE, FR]}
//	combine: and            # or "or"
//
// The output is {branch, result, data}. branch is true_branch or
// false_branch, "true" and "false" by default. data is the unchanged input.
type Handler struct{}

// New is the handler factory.
func New() handler.Handler {
	return &Handler{}
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config
	if err := paramutil.CheckExclusive(cfg, []string{"expression", "rules"}); err != nil {
		return nil, err
	}

	var result bool
	switch {
	case cfg["expression"] != nil:
		r, err := Truthy(cfg["expression"])
		if err != nil {
			return nil, rwerrors.NewValidationError("config 'expression': "+err.Error(), err)
		}
		result = r
	case cfg["rules"] != nil:
		rules, err := paramutil.GetRequiredSlice(cfg, "rules")
		if err != nil {
			return nil, err
		}
		combine, err := paramutil.GetStringDefault(cfg, "combine", "and")
		if err != nil {
			return nil, err
		}
		result, err = EvaluateRules(rules, combine, req.Input)
		if err != nil {
			return nil, err
		}
	default:
		return nil, rwerrors.NewValidationError("condition needs 'expression' or 'rules'", nil)
	}

	trueBranch, err := paramutil.GetStringDefault(cfg, "true_branch", "true")
	if err != nil {
		return nil, err
	}
	falseBranch, err := paramutil.GetStringDefault(cfg, "false_branch", "false")
	if err != nil {
		return nil, err
	}
	branch := falseBranch
	if result {
		branch = trueBranch
	}
	req.Logger.Debugf("condition evaluated to %t, taking branch '%s'", result, branch)

	return map[string]interface{}{
		"branch": branch,
		"result": result,
		"data":   req.Input,
	}, nil
}

// Truthy interprets a rendered expression value.
func Truthy(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case nil:
		return false, nil
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		switch s {
		case "", "false", "0", "no", "<no value>":
			return false, nil
		case "true", "1", "yes":
			return true, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f != 0, nil
		}
		return false, fmt.Errorf("cannot interpret '%s' as a boolean", t)
	default:
		if f, err := template.ToFloat(t); err == nil {
			return f != 0, nil
		}
		return false, fmt.Errorf("cannot interpret %T as a boolean", v)
	}
}

// EvaluateRules applies every rule to input and combines the results with
// "and" or "or". Rules short-circuit.
func EvaluateRules(rules []interface{}, combine string, input interface{}) (bool, error) {
	combine = strings.ToLower(combine)
	if combine != "and" && combine != "or" {
		return false, rwerrors.NewValidationError(fmt.Sprintf("config 'combine' must be 'and' or 'or', got '%s'", combine), nil)
	}
	if len(rules) == 0 {
		return false, rwerrors.NewValidationError("config 'rules' cannot be empty", nil)
	}

	data, _ := input.(map[string]interface{})
	for i, raw := range rules {
		rule, err := paramutil.ToStringMap(raw)
		if err != nil {
			return false, rwerrors.NewValidationError(fmt.Sprintf("rules[%d]: %v", i, err), nil)
		}
		ok, err := evalRule(rule, data, input)
		if err != nil {
			return false, rwerrors.NewValidationError(fmt.Sprintf("rules[%d]: %v", i, err), err)
		}
		if combine == "and" && !ok {
			return false, nil
		}
		if combine == "or" && ok {
			return true, nil
		}
	}
	return combine == "and", nil
}

func evalRule(rule map[string]interface{}, data map[string]interface{}, input interface{}) (bool, error) {
	op, err := paramutil.GetRequiredString(rule, "operator")
	if err != nil {
		return false, err
	}
	field, _, err := paramutil.GetOptionalString(rule, "field")
	if err != nil {
		return false, err
	}

	var actual interface{}
	var found bool
	if field == "" {
		actual, found = input, input != nil
	} else {
		actual, found = template.Lookup(data, field)
	}
	expected := rule["value"]

	switch op {
	case "exists":
		return found, nil
	case "not_exists":
		return !found, nil
	case "eq":
		return equal(actual, expected), nil
	case "ne":
		return !equal(actual, expected), nil
	case "gt", "gte", "lt", "lte":
		a, err := template.ToFloat(actual)
		if err != nil {
			return false, fmt.Errorf("field '%s': %w", field, err)
		}
		b, err := template.ToFloat(expected)
		if err != nil {
			return false, fmt.Errorf("value: %w", err)
		}
		switch op {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	case "contains":
		switch a := actual.(type) {
		case string:
			return strings.Contains(a, fmt.Sprint(expected)), nil
		case []interface{}:
			return containsValue(a, expected), nil
		case map[string]interface{}:
			_, ok := a[fmt.Sprint(expected)]
			return ok, nil
		default:
			return false, nil
		}
	case "in":
		list, ok := expected.([]interface{})
		if !ok {
			return false, fmt.Errorf("operator 'in' needs a list value, got %T", expected)
		}
		return containsValue(list, actual), nil
	case "matches":
		pattern, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("operator 'matches' needs a string pattern, got %T", expected)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return found && re.MatchString(fmt.Sprint(actual)), nil
	case "empty":
		return isEmpty(actual), nil
	case "not_empty":
		return !isEmpty(actual), nil
	default:
		return false, fmt.Errorf("unknown operator '%s'", op)
	}
}

// equal compares numbers numerically so that YAML ints match JSON floats.
func equal(a, b interface{}) bool {
	if isNumeric(a) && isNumeric(b) {
		fa, _ := template.ToFloat(a)
		fb, _ := template.ToFloat(b)
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if equal(item, v) {
			return true
		}
	}
	return false
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

var _ handler.Handler = (*Handler)(nil)
