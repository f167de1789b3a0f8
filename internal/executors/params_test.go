package executors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stepflow/pkg/models"
)

func TestParamAccessors(t *testing.T) {
	params := map[string]any{
		"name":    "build",
		"json_n":  float64(3),
		"yaml_n":  7,
		"str_n":   "11",
		"flag":    true,
		"timeout": "1m30s",
		"env":     map[string]any{"A": "x", "B": 2},
		"args":    []any{"-v", 1},
		"bad":     []int{1},
	}

	s, err := String(params, "name")
	require.NoError(t, err)
	assert.Equal(t, "build", s)

	s, err = String(params, "missing")
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = String(params, "flag")
	assert.Error(t, err)

	for key, want := range map[string]int{"json_n": 3, "yaml_n": 7, "str_n": 11, "missing": 5} {
		n, err := Int(params, key, 5)
		require.NoError(t, err, key)
		assert.Equal(t, want, n, key)
	}
	_, err = Int(params, "bad", 0)
	assert.Error(t, err)

	f, ok, err := Float(params, "yaml_n")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7.0, f)

	b, err := Bool(params, "flag")
	require.NoError(t, err)
	assert.True(t, b)

	d, err := Duration(params, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	_, err = Duration(map[string]any{"t": "soon"}, "t")
	assert.Error(t, err)

	env, err := StringMap(params, "env")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "x", "B": "2"}, env)

	args, err := Strings(params, "args")
	require.NoError(t, err)
	assert.Equal(t, []string{"-v", "1"}, args)
}

func TestRender(t *testing.T) {
	execCtx := models.NewContext()
	execCtx.Set("fetch", map[string]any{"url": "https://example.com"})
	execCtx.Set("count", 2)
	step := models.Step{Key: "report", Params: map[string]any{"who": "ops"}}

	out, err := Render("command", `{{.Step.Key}} {{.Params.who}} {{.Context.fetch.url}} {{json .Context.count}}`, step, execCtx)
	require.NoError(t, err)
	assert.Equal(t, "report ops https://example.com 2", out)

	_, err = Render("command", `{{.Context.nope}}`, step, execCtx)
	assert.Error(t, err)

	_, err = Render("command", `{{.Context`, step, execCtx)
	assert.ErrorContains(t, err, "parse command template")

	out, err = Render("command", "plain", step, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}
