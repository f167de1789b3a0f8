// Package shell runs workflow steps as external commands.
//
// Step params:
//
//	command      shell script run through "sh -c", expanded as a template
//	argv         program and arguments run directly, each expanded as a template
//	dir          working directory
//	env          extra environment variables
//	timeout      per-attempt limit, e.g. "30s"
//	parse_json   decode stdout as JSON into the "output" result key
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/stepflow/internal/exec"
	"github.com/ShayCichocki/stepflow/internal/executors"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// Name is the action and executor name shell steps use.
const Name = "shell"

// Executor runs shell steps.
type Executor struct {
	runner exec.CommandRunner
	logger *zap.SugaredLogger
}

// New creates a shell executor. A nil runner uses os/exec.
func New(runner exec.CommandRunner, logger *zap.SugaredLogger) *Executor {
	if runner == nil {
		runner = exec.NewRunner()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{runner: runner, logger: logger}
}

// Execute runs the step's command. Non-zero exit fails the attempt.
func (e *Executor) Execute(ctx context.Context, step models.Step, execCtx *models.Context) (map[string]any, error) {
	cmd, err := e.command(step, execCtx)
	if err != nil {
		return nil, err
	}

	timeout, err := executors.Duration(step.Params, "timeout")
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.logger.Debugw("running command", "step", step.Key, "script", cmd.Script, "name", cmd.Name, "dir", cmd.Dir)
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		return nil, err
	}

	out := map[string]any{
		"stdout":      strings.TrimRight(string(res.Stdout), "\n"),
		"stderr":      strings.TrimRight(string(res.Stderr), "\n"),
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	}

	parse, err := executors.Bool(step.Params, "parse_json")
	if err != nil {
		return nil, err
	}
	if parse {
		var v any
		if err := json.Unmarshal(res.Stdout, &v); err != nil {
			return nil, fmt.Errorf("decode stdout as json: %w", err)
		}
		out["output"] = v
	}
	return out, nil
}

func (e *Executor) command(step models.Step, execCtx *models.Context) (exec.Command, error) {
	var cmd exec.Command

	script, err := executors.String(step.Params, "command")
	if err != nil {
		return cmd, err
	}
	argv, err := executors.Strings(step.Params, "argv")
	if err != nil {
		return cmd, err
	}
	switch {
	case script != "" && len(argv) > 0:
		return cmd, fmt.Errorf("step %s: set either command or argv, not both", step.Key)
	case script != "":
		if cmd.Script, err = executors.Render("command", script, step, execCtx); err != nil {
			return cmd, err
		}
	case len(argv) > 0:
		for i, arg := range argv {
			rendered, err := executors.Render(fmt.Sprintf("argv[%d]", i), arg, step, execCtx)
			if err != nil {
				return cmd, err
			}
			if i == 0 {
				cmd.Name = rendered
			} else {
				cmd.Args = append(cmd.Args, rendered)
			}
		}
	default:
		return cmd, fmt.Errorf("step %s: shell step needs a command or argv param", step.Key)
	}

	if cmd.Dir, err = executors.String(step.Params, "dir"); err != nil {
		return cmd, err
	}
	env, err := executors.StringMap(step.Params, "env")
	if err != nil {
		return cmd, err
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := executors.Render("env."+k, env[k], step, execCtx)
		if err != nil {
			return cmd, err
		}
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "STEPFLOW_STEP="+step.Key)
	return cmd, nil
}
