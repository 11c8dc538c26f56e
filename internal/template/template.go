package template

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"

	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
)

// Top-level keys of the data handed to templates.
const (
	KeyInput     = "input"
	KeyVars      = "vars"
	KeyExecution = "execution"
	KeyNode      = "node"
)

var simpleVarRegex = regexp.MustCompile(`^\s*\{\{\s*\.([a-zA-Z0-9_.]+)\s*\}\}\s*$`)

// Renderer evaluates expressions embedded in node configuration.
type Renderer interface {
	Render(templateString string, data interface{}) (string, error)
	Resolve(templateString string, data interface{}) (interface{}, error)
	RenderValue(value interface{}, data interface{}) (interface{}, error)
	ExtractVariables(templateString string) ([]string, error)
}

// GoRenderer implements Renderer on text/template with a sandboxed function
// map: templates can only see the data they are given, never the process
// environment or secret providers. Parsed templates are cached, so a single
// renderer may be shared across goroutines.
type GoRenderer struct {
	funcMap       template.FuncMap
	templateCache map[string]*template.Template
	varCache      map[string][]string
	mu            sync.Mutex
	// MaxOutput caps the size of a rendered result. Zero means unlimited.
	MaxOutput int
}

// NewGoRenderer creates a renderer with the sandbox function map.
func NewGoRenderer() *GoRenderer {
	return &GoRenderer{
		funcMap:       SandboxFuncMap(),
		templateCache: make(map[string]*template.Template),
		varCache:      make(map[string][]string),
	}
}

// IsTemplate reports whether s contains template actions.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Render executes templateString against data.
func (r *GoRenderer) Render(templateString string, data interface{}) (string, error) {
	t, err := r.getOrParseTemplate(templateString)
	if err != nil {
		return "", rwerrors.NewValidationError(fmt.Sprintf("template parse error: %s", err.Error()), err)
	}

	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: r.MaxOutput}
	if execErr := t.Execute(w, data); execErr != nil {
		return "", rwerrors.NewValidationError(fmt.Sprintf("template execution error: %s", execErr.Error()), execErr)
	}
	return buf.String(), nil
}

// Resolve returns the referenced value itself, with its type, when the
// template is a single field reference such as "{{ .input.items }}".
// Anything else is rendered to a string.
func (r *GoRenderer) Resolve(templateString string, data interface{}) (interface{}, error) {
	if matches := simpleVarRegex.FindStringSubmatch(templateString); len(matches) == 2 {
		if mapData, ok := data.(map[string]interface{}); ok {
			if value, found := Lookup(mapData, matches[1]); found {
				return value, nil
			}
		}
	}
	return r.Render(templateString, data)
}

// RenderValue walks maps and slices, resolving every string that contains a
// template. Other values are returned as-is. The input is never modified.
func (r *GoRenderer) RenderValue(value interface{}, data interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !IsTemplate(v) {
			return v, nil
		}
		return r.Resolve(v, data)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			rendered, err := r.RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := r.RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// ExtractVariables returns the field paths a template references, such as
// "input.user.id". Unparsable templates yield nil without error; callers
// that need to report syntax errors should use Validate.
func (r *GoRenderer) ExtractVariables(templateString string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cachedVars, exists := r.varCache[templateString]; exists {
		return cachedVars, nil
	}

	t, parseErr := template.New("extract").Funcs(r.funcMap).Parse(templateString)
	if parseErr != nil {
		return nil, nil
	}

	variablesMap := make(map[string]struct{})
	if t.Root != nil {
		extractNodeVariablesRecursive(t.Root, variablesMap, r.funcMap)
	}

	variables := make([]string, 0, len(variablesMap))
	for v := range variablesMap {
		variables = append(variables, v)
	}
	r.varCache[templateString] = variables
	return variables, nil
}

// Validate parses templateString and reports syntax errors.
func (r *GoRenderer) Validate(templateString string) error {
	_, err := r.getOrParseTemplate(templateString)
	return err
}

func (r *GoRenderer) getOrParseTemplate(templateString string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, exists := r.templateCache[templateString]; exists {
		return cached, nil
	}
	t, parseErr := template.New("expr").Option("missingkey=error").Funcs(r.funcMap).Parse(templateString)
	if parseErr != nil {
		return nil, fmt.Errorf("template parse error: %w", parseErr)
	}
	r.templateCache[templateString] = t
	return t, nil
}

// Lookup follows a dotted path through nested maps.
func Lookup(data map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = currentMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ErrOutputTooLarge is returned when a render exceeds MaxOutput.
var ErrOutputTooLarge = fmt.Errorf("template output exceeds size limit")

type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.limit > 0 && w.buf.Len()+len(p) > w.limit {
		return 0, ErrOutputTooLarge
	}
	return w.buf.Write(p)
}

func getFullVarPath(node parse.Node, funcMap template.FuncMap) string {
	switch n := node.(type) {
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			if _, isFunc := funcMap[n.Ident[0]]; !isFunc {
				return strings.Join(n.Ident, ".")
			}
		}
	case *parse.ChainNode:
		if fieldNode, isField := n.Node.(*parse.FieldNode); isField {
			return getFullVarPath(fieldNode, funcMap)
		}
	case *parse.IdentifierNode:
		if _, isFunc := funcMap[n.Ident]; !isFunc {
			return n.Ident
		}
	}
	return ""
}

func extractNodeVariablesRecursive(node parse.Node, vars map[string]struct{}, funcMap template.FuncMap) {
	if node == nil {
		return
	}
	if fullPath := getFullVarPath(node, funcMap); fullPath != "" {
		vars[fullPath] = struct{}{}
	}

	switch n := node.(type) {
	case *parse.ListNode:
		if n != nil {
			for _, subNode := range n.Nodes {
				extractNodeVariablesRecursive(subNode, vars, funcMap)
			}
		}
	case *parse.ActionNode:
		if n.Pipe != nil {
			extractNodeVariablesRecursive(n.Pipe, vars, funcMap)
		}
	case *parse.IfNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.RangeNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.WithNode:
		extractBranch(&n.BranchNode, vars, funcMap)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				extractNodeVariablesRecursive(arg, vars, funcMap)
			}
		}
	}
}

func extractBranch(n *parse.BranchNode, vars map[string]struct{}, funcMap template.FuncMap) {
	if n.Pipe != nil {
		extractNodeVariablesRecursive(n.Pipe, vars, funcMap)
	}
	if n.List != nil {
		extractNodeVariablesRecursive(n.List, vars, funcMap)
	}
	if n.ElseList != nil {
		extractNodeVariablesRecursive(n.ElseList, vars, funcMap)
	}
}
