package shell

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stepflow/internal/exec"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

type fakeRunner struct {
	got exec.Command
	res *exec.Result
	err error
}

func (f *fakeRunner) Run(ctx context.Context, cmd exec.Command) (*exec.Result, error) {
	f.got = cmd
	if f.res == nil {
		f.res = &exec.Result{}
	}
	return f.res, f.err
}

func TestExecute_RendersCommand(t *testing.T) {
	runner := &fakeRunner{res: &exec.Result{Stdout: []byte("done\n"), Duration: 1500 * time.Millisecond}}
	ex := New(runner, nil)

	execCtx := models.NewContext()
	execCtx.Set("fetch", map[string]any{"path": "/tmp/data"})
	step := models.Step{Key: "count", Action: Name, Params: map[string]any{
		"command": "wc -l {{.Context.fetch.path}}",
		"dir":     "/srv",
		"env":     map[string]any{"B": "{{.Step.Key}}", "A": "1"},
	}}

	out, err := ex.Execute(context.Background(), step, execCtx)
	require.NoError(t, err)
	assert.Equal(t, "wc -l /tmp/data", runner.got.Script)
	assert.Equal(t, "/srv", runner.got.Dir)
	assert.Equal(t, []string{"A=1", "B=count", "STEPFLOW_STEP=count"}, runner.got.Env)
	assert.Equal(t, "done", out["stdout"])
	assert.Equal(t, 0, out["exit_code"])
	assert.Equal(t, int64(1500), out["duration_ms"])
}

func TestExecute_Argv(t *testing.T) {
	runner := &fakeRunner{}
	step := models.Step{Key: "s", Params: map[string]any{"argv": []any{"echo", "{{.Params.word}}"}, "word": "hi"}}
	_, err := New(runner, nil).Execute(context.Background(), step, models.NewContext())
	require.NoError(t, err)
	assert.Equal(t, "echo", runner.got.Name)
	assert.Equal(t, []string{"hi"}, runner.got.Args)
	assert.Empty(t, runner.got.Script)
}

func TestExecute_ParseJSON(t *testing.T) {
	runner := &fakeRunner{res: &exec.Result{Stdout: []byte(`{"rows": 3}`)}}
	step := models.Step{Key: "s", Params: map[string]any{"command": "x", "parse_json": true}}
	out, err := New(runner, nil).Execute(context.Background(), step, models.NewContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows": float64(3)}, out["output"])

	runner.res = &exec.Result{Stdout: []byte(`not json`)}
	_, err = New(runner, nil).Execute(context.Background(), step, models.NewContext())
	assert.ErrorContains(t, err, "decode stdout as json")
}

func TestExecute_BadParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{name: "nothing to run", params: map[string]any{}},
		{name: "both forms", params: map[string]any{"command": "a", "argv": []any{"b"}}},
		{name: "missing context key", params: map[string]any{"command": "{{.Context.ghost}}"}},
		{name: "bad timeout", params: map[string]any{"command": "a", "timeout": "soon"}},
		{name: "command not a string", params: map[string]any{"command": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&fakeRunner{}, nil).Execute(context.Background(), models.Step{Key: "s", Params: tt.params}, models.NewContext())
			assert.Error(t, err)
		})
	}
}

func TestExecute_PropagatesExitError(t *testing.T) {
	runner := &fakeRunner{err: &exec.ExitError{Code: 2, Stderr: "nope"}}
	_, err := New(runner, nil).Execute(context.Background(), models.Step{Key: "s", Params: map[string]any{"command": "false"}}, models.NewContext())
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
}

func TestExecute_RealCommand(t *testing.T) {
	step := models.Step{Key: "s", Params: map[string]any{"command": "printf '%s' \"$STEPFLOW_STEP\""}}
	out, err := New(nil, nil).Execute(context.Background(), step, models.NewContext())
	require.NoError(t, err)
	assert.Equal(t, "s", out["stdout"])
}

func TestExecute_Timeout(t *testing.T) {
	step := models.Step{Key: "s", Params: map[string]any{"command": "sleep 5", "timeout": "50ms"}}
	_, err := New(nil, nil).Execute(context.Background(), step, models.NewContext())
	assert.ErrorContains(t, err, "timed out after 50ms")
}
