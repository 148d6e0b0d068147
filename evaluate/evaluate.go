// Package evaluate decides whether an iteration met its goal: verification
// commands run in the task environment, and an optional judge engine gives
// a second opinion.
package evaluate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/martinemde/harness/execenv"
)

// Status is the verdict of a gate.
type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// Result is the outcome of the verification commands.
type Result struct {
	Status   Status
	Notes    string
	ExitCode int
	Log      string
}

// Evaluator runs verification commands through a shell in order, stopping
// at the first failure.
type Evaluator struct {
	// Enabled mirrors evaluation.require_tests.
	Enabled  bool
	Commands []string
	// Shell prefixes every command; defaults to bash -lc.
	Shell []string
}

func (e *Evaluator) shell() []string {
	if len(e.Shell) > 0 {
		return e.Shell
	}
	return []string{"bash", "-lc"}
}

// Run executes the commands in workdir and writes the combined log to
// logPath when it is not empty. The result passes only if every command
// exited 0; it is skipped, with exit code 0, when verification is disabled
// or there is nothing to run.
func (e *Evaluator) Run(ctx context.Context, ex execenv.Executor, workdir, logPath string) (Result, error) {
	if !e.Enabled {
		return Result{Status: Skipped, Notes: "Tests skipped"}, nil
	}
	if len(e.Commands) == 0 {
		return Result{Status: Skipped, Notes: "No test commands configured"}, nil
	}

	var log []string
	lastCode := 0
	for _, command := range e.Commands {
		log = append(log, "$ "+command)
		argv := append(append([]string(nil), e.shell()...), command)
		res, err := ex.Exec(ctx, argv, workdir)
		if err != nil {
			return Result{}, fmt.Errorf("run verification %q: %w", command, err)
		}
		log = append(log, res.Stdout)
		if res.Stderr != "" {
			log = append(log, res.Stderr)
		}
		lastCode = res.ExitCode
		if res.TimedOut && lastCode == 0 {
			lastCode = -1
		}
		if lastCode != 0 {
			log = append(log, fmt.Sprintf("Command failed with exit code %d.", lastCode))
			break
		}
	}

	out := Result{Status: Passed, Notes: "Tests executed.", ExitCode: lastCode, Log: strings.Join(log, "\n")}
	if lastCode != 0 {
		out.Status = Failed
	}
	if logPath != "" {
		if err := os.WriteFile(logPath, []byte(out.Log), 0o644); err != nil {
			return Result{}, fmt.Errorf("write verification log: %w", err)
		}
	}
	return out, nil
}
