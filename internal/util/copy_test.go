package util_test

import (
	"testing"

	"github.com/gxo-labs/runway/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepCopyIsIndependent(t *testing.T) {
	src := map[string]interface{}{
		"list":   []interface{}{1, map[string]interface{}{"k": "v"}},
		"nested": map[string]interface{}{"n": 1.5},
	}
	cpy := util.DeepCopy(src).(map[string]interface{})
	require.Equal(t, src, cpy)

	cpy["nested"].(map[string]interface{})["n"] = 2.0
	cpy["list"].([]interface{})[1].(map[string]interface{})["k"] = "changed"

	assert.Equal(t, 1.5, src["nested"].(map[string]interface{})["n"])
	assert.Equal(t, "v", src["list"].([]interface{})[1].(map[string]interface{})["k"])
}

func TestDeepCopyNormalizesStructs(t *testing.T) {
	type point struct {
		X int `json:"x"`
	}
	out := util.DeepCopy(point{X: 3})
	assert.Equal(t, map[string]interface{}{"x": float64(3)}, out)
}

func TestNormalize(t *testing.T) {
	out, err := util.Normalize(map[string]interface{}{"n": 1, "s": []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"n": float64(1), "s": []interface{}{"a"}}, out)

	out, err = util.Normalize(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
