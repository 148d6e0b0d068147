package evaluate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/execenv"
)

// shellStub treats the last argv element as a command name: "true" exits 0,
// "false" exits 1, anything else echoes itself.
func shellStub(calls *[][]string) execenv.Executor {
	return execenv.Func(func(ctx context.Context, command []string, workdir string) (*execenv.Result, error) {
		*calls = append(*calls, command)
		switch command[len(command)-1] {
		case "true":
			return &execenv.Result{}, nil
		case "false":
			return &execenv.Result{Stderr: "nope", ExitCode: 1}, nil
		default:
			return &execenv.Result{Stdout: command[len(command)-1]}, nil
		}
	})
}

func TestEvaluatorStopsAtFirstFailure(t *testing.T) {
	var calls [][]string
	logPath := filepath.Join(t.TempDir(), "test_output.log")
	ev := &Evaluator{Enabled: true, Commands: []string{"true", "false", "true"}}

	res, err := ev.Run(context.Background(), shellStub(&calls), "/workspace", logPath)
	require.NoError(t, err)

	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"bash", "-lc", "true"}, calls[0])
	assert.Equal(t, []string{"bash", "-lc", "false"}, calls[1])

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "$ true\n\n$ false\n\nnope\nCommand failed with exit code 1.", string(data))
}

func TestEvaluatorPasses(t *testing.T) {
	var calls [][]string
	ev := &Evaluator{Enabled: true, Commands: []string{"go test ./...", "true"}, Shell: []string{"sh", "-c"}}

	res, err := ev.Run(context.Background(), shellStub(&calls), "", "")
	require.NoError(t, err)
	assert.Equal(t, Passed, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"sh", "-c", "go test ./..."}, calls[0])
	assert.Contains(t, res.Log, "$ go test ./...\ngo test ./...")
}

func TestEvaluatorSkipped(t *testing.T) {
	var calls [][]string

	res, err := (&Evaluator{Enabled: false, Commands: []string{"false"}}).Run(context.Background(), shellStub(&calls), "", "")
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Status)
	assert.Equal(t, 0, res.ExitCode)

	res, err = (&Evaluator{Enabled: true}).Run(context.Background(), shellStub(&calls), "", "")
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "No test commands configured", res.Notes)

	assert.Empty(t, calls)
}

func TestEvaluatorTimeoutFails(t *testing.T) {
	ex := execenv.Func(func(context.Context, []string, string) (*execenv.Result, error) {
		return &execenv.Result{TimedOut: true}, nil
	})
	res, err := (&Evaluator{Enabled: true, Commands: []string{"sleep 999"}}).Run(context.Background(), ex, "", "")
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, -1, res.ExitCode)
}

func TestEvaluatorExecutorError(t *testing.T) {
	boom := errors.New("no container")
	ex := execenv.Func(func(context.Context, []string, string) (*execenv.Result, error) { return nil, boom })
	_, err := (&Evaluator{Enabled: true, Commands: []string{"true"}}).Run(context.Background(), ex, "", "")
	assert.ErrorIs(t, err, boom)
}

func TestJudgeExitCodeIsAuthoritative(t *testing.T) {
	var got []string
	out := filepath.Join(t.TempDir(), "judge_output.txt")
	ex := execenv.Func(func(ctx context.Context, command []string, workdir string) (*execenv.Result, error) {
		got = command
		// The text says FAIL but the engine exited 0.
		return &execenv.Result{Stdout: "Verdict: FAIL\n"}, nil
	})
	j := &Judge{Enabled: true, Command: []string{"codex", "exec", "--json"}}

	res, err := j.Run(context.Background(), ex, "You are a judge.", "/workspace", out)
	require.NoError(t, err)
	assert.Equal(t, Passed, res.Status)
	assert.Equal(t, "FAIL", res.Declared)
	assert.Equal(t, []string{"codex", "exec", "--json", "You are a judge."}, got)
	assert.Len(t, j.Command, 3, "command template must not be mutated")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Verdict: FAIL\n", string(data))
}

func TestJudgeFailureAndSkip(t *testing.T) {
	ex := execenv.Func(func(context.Context, []string, string) (*execenv.Result, error) {
		return &execenv.Result{Stdout: "PASS", ExitCode: 3}, nil
	})

	res, err := (&Judge{Enabled: true, Command: []string{"claude"}}).Run(context.Background(), ex, "p", "", "")
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, "PASS", res.Declared)

	res, err = (&Judge{Enabled: false}).Run(context.Background(), ex, "p", "", "")
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Status)
}
