package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_Script(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Command{Script: "echo out; echo err >&2", Env: []string{"X=1"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Errorf("Stdout = %q, want out", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Errorf("Stderr = %q, want err", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestExecRunner_Env(t *testing.T) {
	res, err := NewRunner().Run(context.Background(), Command{Script: "printf %s \"$STEP_VALUE\"", Env: []string{"STEP_VALUE=42"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(res.Stdout) != "42" {
		t.Errorf("Stdout = %q, want 42", res.Stdout)
	}
}

func TestExecRunner_Dir(t *testing.T) {
	dir := t.TempDir()
	res, err := NewRunner().Run(context.Background(), Command{Name: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(string(res.Stdout)), dir[strings.LastIndex(dir, "/"):]) {
		t.Errorf("Stdout = %q, want suffix of %q", res.Stdout, dir)
	}
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	res, err := NewRunner().Run(context.Background(), Command{Script: "echo broken >&2; exit 3"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 3 || res.ExitCode != 3 {
		t.Errorf("exit code = %d/%d, want 3", exitErr.Code, res.ExitCode)
	}
	if exitErr.Error() != "exit status 3: broken" {
		t.Errorf("Error() = %q", exitErr.Error())
	}
}

func TestExecRunner_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewRunner().Run(ctx, Command{Script: "sleep 5"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestExecRunner_EmptyCommand(t *testing.T) {
	if _, err := NewRunner().Run(context.Background(), Command{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short \n", 10); got != "short" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("abcdefghij", 3); got != "...hij" {
		t.Errorf("tail = %q", got)
	}
}
