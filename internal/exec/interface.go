// Package exec provides an interface for command execution.
package exec

import (
	"context"
	"time"
)

// Command describes one process to run.
type Command struct {
	// Name is the program to run. Ignored when Script is set.
	Name string
	// Args are the program arguments.
	Args []string
	// Script is run through "sh -c" when non-empty.
	Script string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is appended to the parent environment.
	Env []string
}

// Result is the outcome of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes cmd and waits for it. A non-zero exit is reported in
	// Result.ExitCode together with an *ExitError.
	Run(ctx context.Context, cmd Command) (*Result, error)
}
