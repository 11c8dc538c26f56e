package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gxo-labs/runway/internal/template"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
	"github.com/robfig/cron/v3"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ScheduleParser parses workflow schedules: standard five-field cron
// expressions, an optional leading seconds field, and descriptors such as
// @hourly or @every 5m.
var ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateWorkflowStructure checks the rules the JSON schema cannot express:
// unique IDs, edge references, durations, retry bounds, templates and the
// schedule. It returns every failure found rather than stopping at the first.
// Cycles are detected when the execution plan is built.
func ValidateWorkflowStructure(wf *workflow.Workflow) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, rwerrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	if wf.ID == "" {
		add("workflow 'id' is required")
	} else if !identifierRegex.MatchString(wf.ID) {
		add("workflow id '%s' contains invalid characters", wf.ID)
	}
	switch wf.Status {
	case "", workflow.StatusDraft, workflow.StatusActive, workflow.StatusArchived:
	default:
		add("workflow status '%s' is not one of draft, active, archived", wf.Status)
	}
	if wf.Version < 0 {
		add("workflow version cannot be negative")
	}
	if wf.Settings.Timeout < 0 {
		add("settings.timeout cannot be negative")
	}
	if wf.Settings.Concurrency < 0 {
		add("settings.concurrency cannot be negative")
	}
	if wf.Schedule != "" {
		if _, err := ScheduleParser.Parse(wf.Schedule); err != nil {
			errs = append(errs, rwerrors.NewValidationError(fmt.Sprintf("invalid schedule '%s'", wf.Schedule), err))
		}
	}

	renderer := template.NewGoRenderer()
	nodeIDs := make(map[string]struct{}, len(wf.Nodes))
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		label := fmt.Sprintf("node %d", i)
		if node.ID != "" {
			label = fmt.Sprintf("node %d ('%s')", i, node.ID)
		}

		if node.ID == "" {
			add("%s: 'id' is required", label)
		} else {
			if !identifierRegex.MatchString(node.ID) {
				add("%s: id contains invalid characters (allowed: alphanumeric, '_', '-', '.')", label)
			}
			if _, dup := nodeIDs[node.ID]; dup {
				add("%s: duplicate node id", label)
			}
			nodeIDs[node.ID] = struct{}{}
		}
		if node.Type == "" {
			add("%s: 'type' is required", label)
		}
		if node.Timeout < 0 {
			add("%s: 'timeout' cannot be negative", label)
		}

		creds := make(map[string]struct{}, len(node.Credentials))
		for _, c := range node.Credentials {
			if !identifierRegex.MatchString(c) {
				add("%s: credential name '%s' contains invalid characters", label, c)
			}
			if _, dup := creds[c]; dup {
				add("%s: credential '%s' is listed twice", label, c)
			}
			creds[c] = struct{}{}
		}

		if r := node.Retry; r != nil {
			if r.Attempts < 1 {
				add("%s: 'retry.attempts' must be at least 1", label)
			}
			if r.Delay < 0 {
				add("%s: 'retry.delay' cannot be negative", label)
			}
			if r.MaxDelay > 0 && r.MaxDelay < r.Delay {
				add("%s: 'retry.max_delay' (%v) cannot be less than 'retry.delay' (%v)", label, r.MaxDelay, r.Delay)
			}
			if r.Backoff != 0 && r.Backoff < 1 {
				add("%s: 'retry.backoff' must be at least 1", label)
			}
		}

		for _, path := range sortedKeys(node.Config) {
			walkTemplates(node.Config[path], path, func(at, tmpl string) {
				if err := renderer.Validate(tmpl); err != nil {
					errs = append(errs, rwerrors.NewValidationError(fmt.Sprintf("%s: config '%s' has an invalid template", label, at), err))
				}
			})
		}
	}

	type edgeKey struct{ source, target, branch string }
	seenEdges := make(map[edgeKey]struct{}, len(wf.Edges))
	for i, e := range wf.Edges {
		label := fmt.Sprintf("edge %d (%s -> %s)", i, e.Source, e.Target)
		if _, ok := nodeIDs[e.Source]; !ok {
			add("%s: source node '%s' does not exist", label, e.Source)
		}
		if _, ok := nodeIDs[e.Target]; !ok {
			add("%s: target node '%s' does not exist", label, e.Target)
		}
		if e.Source != "" && e.Source == e.Target {
			add("%s: a node cannot depend on itself", label)
		}
		key := edgeKey{e.Source, e.Target, e.Branch}
		if _, dup := seenEdges[key]; dup {
			add("%s: duplicate edge", label)
		}
		seenEdges[key] = struct{}{}
	}

	return errs
}

// ValidateNodeTypes reports nodes whose type has no handler in registry.
func ValidateNodeTypes(wf *workflow.Workflow, registry handler.Registry) []error {
	var errs []error
	for _, node := range wf.Nodes {
		if node.Type == "" {
			continue
		}
		if _, err := registry.Get(node.Type); err != nil {
			errs = append(errs, rwerrors.NewValidationError(fmt.Sprintf("node '%s': no handler registered for type '%s'", node.ID, node.Type), err))
		}
	}
	return errs
}

// walkTemplates calls fn for every string under value that contains a
// template action, with its dotted config path.
func walkTemplates(value interface{}, path string, fn func(path, tmpl string)) {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, "{{") {
			fn(path, v)
		}
	case map[string]interface{}:
		for _, k := range sortedKeys(v) {
			walkTemplates(v[k], path+"."+k, fn)
		}
	case []interface{}:
		for i, item := range v {
			walkTemplates(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
