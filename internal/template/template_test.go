package template_test

import (
	"testing"

	"github.com/gxo-labs/runway/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData() map[string]interface{} {
	return map[string]interface{}{
		"input": map[string]interface{}{
			"user":  map[string]interface{}{"name": "ada", "age": 36},
			"items": []interface{}{"a", "b"},
		},
		"vars": map[string]interface{}{"env": "prod"},
	}
}

func TestResolveKeepsTypeForSimpleReference(t *testing.T) {
	r := template.NewGoRenderer()

	v, err := r.Resolve("{{ .input.items }}", testData())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, v)

	v, err = r.Resolve("hello {{ .input.user.name }}", testData())
	require.NoError(t, err)
	assert.Equal(t, "hello ada", v)
}

func TestRenderMissingKeyFails(t *testing.T) {
	r := template.NewGoRenderer()
	_, err := r.Render("{{ .input.nope.deeper }}", testData())
	require.Error(t, err)
}

func TestRenderValueWalksNestedConfig(t *testing.T) {
	r := template.NewGoRenderer()
	cfg := map[string]interface{}{
		"url":     "https://api/{{ .vars.env }}/users",
		"headers": map[string]interface{}{"X-User": "{{ .input.user.name }}"},
		"list":    []interface{}{"{{ .input.user.age }}", 7},
		"plain":   "no template",
	}

	out, err := r.RenderValue(cfg, testData())
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "https://api/prod/users", m["url"])
	assert.Equal(t, "ada", m["headers"].(map[string]interface{})["X-User"])
	assert.Equal(t, []interface{}{36, 7}, m["list"])
	assert.Equal(t, "no template", m["plain"])
	assert.Equal(t, "https://api/{{ .vars.env }}/users", cfg["url"], "input map is not modified")
}

func TestSandboxHasNoAmbientAccess(t *testing.T) {
	r := template.NewGoRenderer()
	for _, expr := range []string{`{{ env "HOME" }}`, `{{ secret "x" }}`} {
		err := r.Validate(expr)
		assert.Error(t, err, "%s must not parse in the sandbox", expr)
	}
}

func TestSandboxFunctions(t *testing.T) {
	r := template.NewGoRenderer()
	cases := map[string]string{
		`{{ if gt .input.user.age 30 }}old{{ else }}young{{ end }}`: "old",
		`{{ eq .input.user.age 36.0 }}`:                             "true",
		`{{ toJSON .input.items }}`:                                 `["a","b"]`,
		`{{ default "none" (get .input "missing") }}`:               "none",
		`{{ join "," .input.items | upper }}`:                       "A,B",
		`{{ add 1 2 }}`:                                             "3",
	}
	for expr, want := range cases {
		got, err := r.Render(expr, testData())
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestMaxOutput(t *testing.T) {
	r := template.NewGoRenderer()
	r.MaxOutput = 4
	_, err := r.Render("{{ .input.user.name }}{{ .input.user.name }}", testData())
	require.Error(t, err)
}

func TestExtractVariables(t *testing.T) {
	r := template.NewGoRenderer()
	vars, err := r.ExtractVariables("{{ .input.user.name }} {{ if .vars.env }}{{ .execution.id }}{{ end }}")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"input.user.name", "vars.env", "execution.id"}, vars)
}
