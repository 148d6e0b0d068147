// Package execenv runs commands inside a task's execution environment,
// either on the host or inside the task's container.
package execenv

import (
	"context"
	"time"
)

// Result holds the outcome of a finished command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Succeeded reports a zero exit code.
func (r Result) Succeeded() bool { return r.ExitCode == 0 && !r.TimedOut }

// Executor runs an argv to completion in workdir. A command that runs and
// exits nonzero is reported through Result.ExitCode; the error return is
// reserved for commands that could not be run at all.
type Executor interface {
	Exec(ctx context.Context, command []string, workdir string) (*Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, command []string, workdir string) (*Result, error)

// Exec calls f.
func (f Func) Exec(ctx context.Context, command []string, workdir string) (*Result, error) {
	return f(ctx, command, workdir)
}
