package paramutil_test

import (
	"testing"
	"time"

	"github.com/gxo-labs/runway/internal/paramutil"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrings(t *testing.T) {
	cfg := map[string]interface{}{"name": "ada", "empty": "", "num": 3}

	s, err := paramutil.GetRequiredString(cfg, "name")
	require.NoError(t, err)
	assert.Equal(t, "ada", s)

	var ve *rwerrors.ValidationError
	_, err = paramutil.GetRequiredString(cfg, "missing")
	assert.ErrorAs(t, err, &ve)
	_, err = paramutil.GetRequiredString(cfg, "empty")
	assert.ErrorAs(t, err, &ve)
	_, err = paramutil.GetRequiredString(cfg, "num")
	assert.ErrorContains(t, err, "must be a string")

	_, ok, err := paramutil.GetOptionalString(cfg, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	s, err = paramutil.GetStringDefault(cfg, "empty", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)
}

func TestSlicesAndMaps(t *testing.T) {
	cfg := map[string]interface{}{
		"list":    []interface{}{"a", "b"},
		"mixed":   []interface{}{"a", 1},
		"typed":   []string{"x"},
		"yamlmap": map[interface{}]interface{}{"k": "v"},
		"badmap":  map[interface{}]interface{}{1: "v"},
		"headers": map[string]interface{}{"X-Id": 42, "Flag": true},
		"nested":  map[string]interface{}{"inner": map[string]interface{}{}},
	}

	ss, ok, err := paramutil.GetOptionalStringSlice(cfg, "list")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, ss)

	ss, _, err = paramutil.GetOptionalStringSlice(cfg, "typed")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ss)

	_, _, err = paramutil.GetOptionalStringSlice(cfg, "mixed")
	assert.ErrorContains(t, err, "element 1")

	m, err := paramutil.GetRequiredMap(cfg, "yamlmap")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, m)

	_, _, err = paramutil.GetOptionalMap(cfg, "badmap")
	assert.Error(t, err)

	sm, _, err := paramutil.GetOptionalStringMap(cfg, "headers")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Id": "42", "Flag": "true"}, sm)

	_, _, err = paramutil.GetOptionalStringMap(cfg, "nested")
	assert.ErrorContains(t, err, "nested.inner")

	_, err = paramutil.GetRequiredSlice(cfg, "yamlmap")
	assert.ErrorContains(t, err, "must be a list")
}

func TestNumbersBoolsDurations(t *testing.T) {
	cfg := map[string]interface{}{
		"int": 3, "float": 4.0, "frac": 4.5, "str": "5",
		"bool": true, "dur": "1m30s", "secs": 2, "fsecs": 0.5, "baddur": "soon",
	}

	n, ok, err := paramutil.GetOptionalInt(cfg, "int")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	n, err = paramutil.GetIntDefault(cfg, "float", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, _, err = paramutil.GetOptionalInt(cfg, "frac")
	assert.ErrorContains(t, err, "whole number")
	_, _, err = paramutil.GetOptionalInt(cfg, "str")
	assert.Error(t, err)

	n, err = paramutil.GetIntDefault(cfg, "missing", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	b, ok, err := paramutil.GetOptionalBool(cfg, "bool")
	require.NoError(t, err)
	assert.True(t, ok && b)
	_, _, err = paramutil.GetOptionalBool(cfg, "str")
	assert.Error(t, err)

	d, _, err := paramutil.GetOptionalDuration(cfg, "dur")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	d, _, err = paramutil.GetOptionalDuration(cfg, "secs")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	d, _, err = paramutil.GetOptionalDuration(cfg, "fsecs")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)
	_, _, err = paramutil.GetOptionalDuration(cfg, "baddur")
	assert.Error(t, err)
}

func TestChecks(t *testing.T) {
	cfg := map[string]interface{}{"a": 1, "b": 2}

	assert.NoError(t, paramutil.CheckRequired(cfg, []string{"a", "b"}))
	assert.ErrorContains(t, paramutil.CheckRequired(cfg, []string{"c"}), "'c'")

	assert.NoError(t, paramutil.CheckAllowed(cfg, nil))
	assert.NoError(t, paramutil.CheckAllowed(cfg, []string{"a", "b", "c"}))
	assert.ErrorContains(t, paramutil.CheckAllowed(cfg, []string{"a"}), "unknown config 'b'")

	assert.NoError(t, paramutil.CheckExclusive(cfg, []string{"a", "c"}))
	assert.ErrorContains(t, paramutil.CheckExclusive(cfg, []string{"a", "b"}), "mutually exclusive")
}

func TestCoalesce(t *testing.T) {
	var nilMap map[string]interface{}
	var nilPtr *int
	assert.Equal(t, "x", paramutil.Coalesce(nil, nilMap, nilPtr, "x", "y"))
	assert.Nil(t, paramutil.Coalesce(nil, nilMap))
}
