package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetWorkflow = `
schemaVersion: "1.0.0"
id: greet
org_id: acme
name: Greet
nodes:
  - id: hello
    type: custom
    config:
      expression: "{{ .input.name }}"
`

const cyclicWorkflow = `
schemaVersion: "1.0.0"
id: loop-back
name: Loop back
nodes:
  - id: a
    type: custom
    config:
      expression: "a"
  - id: b
    type: custom
    config:
      expression: "b"
edges:
  - source: a
    target: b
  - source: b
    target: a
`

const brokenJSONWorkflow = `
schemaVersion: "1.0.0"
id: broken
name: Broken
nodes:
  - id: parse
    type: custom
    config:
      expression: "not json"
      output: json
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// engineConfig keeps the workspace out of the package directory.
func engineConfig(t *testing.T) string {
	t.Helper()
	ws := filepath.Join(t.TempDir(), "ws")
	return writeFile(t, "runway.yaml", "log:\n  level: warn\nworkspace_dir: "+ws+"\n")
}

func TestDispatch_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := dispatch([]string{"-version"}, &stdout, &stderr)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "runway version dev")
}

func TestDispatch_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, ExitUsageError, dispatch([]string{"launch"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "launch"`)

	assert.Equal(t, ExitUsageError, dispatch(nil, &stdout, &stderr))
}

func TestValidate_Valid(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := dispatch([]string{"validate", "-f", writeFile(t, "greet.yaml", greetWorkflow)}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())
	assert.Contains(t, stdout.String(), "Workflow 'greet' is valid: 1 node(s) in 1 group(s)")
}

func TestValidate_MissingFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, ExitUsageError, dispatch([]string{"validate"}, &stdout, &stderr))
}

func TestValidate_Cycle(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := dispatch([]string{"validate", "-f", writeFile(t, "cycle.yaml", cyclicWorkflow)}, &stdout, &stderr)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr.String(), "Workflow graph is invalid")
	assert.Empty(t, stdout.String())
}

func TestValidate_SchemaFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	path := writeFile(t, "bad.yaml", "schemaVersion: \"1.0.0\"\nid: x\nnodes: []\n")
	assert.Equal(t, ExitFailure, dispatch([]string{"validate", "-f", path}, &stdout, &stderr))
}

func TestRun_EndToEnd(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := dispatch([]string{
		"run",
		"-f", writeFile(t, "greet.yaml", greetWorkflow),
		"-config", engineConfig(t),
		"-input", `{"name":"ada"}`,
		"-timeout", "30s",
	}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())

	var summary runSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, "greet", summary.WorkflowID)
	assert.Equal(t, "ada", summary.Output)
	assert.NotEmpty(t, summary.ExecutionID)
	assert.Empty(t, summary.Error)
}

func TestRun_FailedNode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := dispatch([]string{
		"run",
		"-f", writeFile(t, "broken.yaml", brokenJSONWorkflow),
		"-config", engineConfig(t),
	}, &stdout, &stderr)
	require.Equal(t, ExitFailure, code, stderr.String())

	var summary runSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, "failed", summary.Status)
	assert.Equal(t, "parse", summary.ErrorNodeID)
	assert.Contains(t, summary.Error, "not valid JSON")
}

func TestRun_UsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, ExitUsageError, dispatch([]string{"run"}, &stdout, &stderr))

	path := writeFile(t, "greet.yaml", greetWorkflow)
	assert.Equal(t, ExitUsageError, dispatch([]string{"run", "-f", path, "-input", "{broken"}, &stdout, &stderr))
	assert.Equal(t, ExitUsageError, dispatch([]string{"run", "-f", path, "-var", "novalue"}, &stdout, &stderr))
	assert.Equal(t, ExitUsageError, dispatch([]string{"run", "-f", path, "-timeout", "-1s"}, &stdout, &stderr))
}

func TestVarFlags(t *testing.T) {
	v := varFlags{}
	require.NoError(t, v.Set("region=eu=west"))
	assert.Equal(t, "eu=west", v["region"])
	assert.Error(t, v.Set("=x"))
}

func TestReadInput(t *testing.T) {
	in, err := readInput("", "")
	require.NoError(t, err)
	assert.Nil(t, in)

	in, err = readInput(`[1, "two"]`, "")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, "two"}, in)

	path := writeFile(t, "input.json", `{"n": 1}`)
	in, err = readInput("", path)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"n": 1.0}, in)
}
