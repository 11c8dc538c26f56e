package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/gxo-labs/runway/internal/util"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint is the schemaVersion major this engine
// accepts.
const SupportedSchemaVersionConstraint = "v1"

// Document is the on-disk form of a workflow: the definition itself plus
// the schema version it was written against.
type Document struct {
	SchemaVersion     string `yaml:"schemaVersion"`
	workflow.Workflow `yaml:",inline"`
}

// LoadWorkflow parses a YAML workflow document. It validates against the
// embedded JSON schema, decodes strictly, checks schema version
// compatibility, runs structural validation and fills defaults.
func LoadWorkflow(workflowYAML []byte, filePathHint string) (*workflow.Workflow, error) {
	if len(bytes.TrimSpace(workflowYAML)) == 0 {
		return nil, rwerrors.NewConfigError("workflow content cannot be empty", nil)
	}

	if err := ValidateWithSchema(workflowYAML); err != nil {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("workflow '%s' failed schema validation", filePathHint), err)
	}

	var doc Document
	if err := yamlUnmarshalStrict(workflowYAML, &doc); err != nil {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("failed to parse workflow YAML '%s'", filePathHint), err)
	}

	if err := checkSchemaVersion(doc.SchemaVersion, filePathHint); err != nil {
		return nil, err
	}

	wf := doc.Workflow
	applyDefaults(&wf)

	if errs := ValidateWorkflowStructure(&wf); len(errs) > 0 {
		return nil, combineErrors(fmt.Sprintf("workflow '%s'", filePathHint), errs)
	}
	return &wf, nil
}

// LoadWorkflowFromFile reads and loads one workflow file.
func LoadWorkflowFromFile(filePath string) (*workflow.Workflow, error) {
	if filePath == "" {
		return nil, rwerrors.NewConfigError("workflow file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("failed to read workflow file '%s'", absPath), err)
	}
	return LoadWorkflow(data, absPath)
}

// LoadWorkflowsFromDir loads every *.yaml and *.yml file in dir, in name
// order. Two files declaring the same workflow ID are rejected.
func LoadWorkflowsFromDir(dir string) ([]*workflow.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("failed to read workflow directory '%s'", dir), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	workflows := make([]*workflow.Workflow, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		wf, err := LoadWorkflowFromFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[wf.ID]; dup {
			return nil, rwerrors.NewValidationError(fmt.Sprintf("workflow ID '%s' is declared by both '%s' and '%s'", wf.ID, prev, name), nil)
		}
		seen[wf.ID] = name
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// MergeVariables fills variables the workflow does not declare from
// globals. Keys the workflow sets always win.
func MergeVariables(wf *workflow.Workflow, globals map[string]interface{}) error {
	if len(globals) == 0 {
		return nil
	}
	if wf.Variables == nil {
		wf.Variables = make(map[string]interface{}, len(globals))
	}
	defaults := util.CopyMap(globals)
	if err := mergo.Merge(&wf.Variables, defaults); err != nil {
		return rwerrors.NewConfigError(fmt.Sprintf("failed to merge global variables into workflow '%s'", wf.ID), err)
	}
	return nil
}

func checkSchemaVersion(version, filePathHint string) error {
	if version == "" {
		return rwerrors.NewValidationError(fmt.Sprintf("workflow '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return rwerrors.NewValidationError(fmt.Sprintf("workflow '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, version), nil)
	}
	if semver.Major(v) != SupportedSchemaVersionConstraint {
		return rwerrors.NewValidationError(
			fmt.Sprintf("workflow '%s' schemaVersion '%s' is not compatible with engine requirement '%s'",
				filePathHint, version, SupportedSchemaVersionConstraint),
			nil,
		)
	}
	return nil
}

func applyDefaults(wf *workflow.Workflow) {
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.Status == "" {
		wf.Status = workflow.StatusActive
	}
}

// combineErrors folds a list of validation failures into one error whose
// cause is the first failure.
func combineErrors(subject string, errs []error) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return rwerrors.NewValidationError(
		fmt.Sprintf("%s has %d validation error(s):\n- %s", subject, len(msgs), strings.Join(msgs, "\n- ")),
		errs[0],
	)
}

// yamlUnmarshalStrict rejects fields that have no destination in out.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
