package evaluate

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/martinemde/harness/execenv"
)

// JudgeResult is the judge's verdict.
type JudgeResult struct {
	Status Status
	Notes  string
	Output string
	// Declared is the last PASS or FAIL token found in the output. It is
	// informational: Status follows the exit code alone.
	Declared string
}

// Judge asks an engine whether the goal is complete.
type Judge struct {
	// Enabled mirrors evaluation.require_judge.
	Enabled bool
	// Command is the judge argv without the prompt.
	Command []string
}

var verdictToken = regexp.MustCompile(`\b(PASS|FAIL)\b`)

// Run sends prompt as the last argument of the judge command and writes its
// stdout to outputPath when it is not empty.
func (j *Judge) Run(ctx context.Context, ex execenv.Executor, prompt, workdir, outputPath string) (JudgeResult, error) {
	if !j.Enabled {
		return JudgeResult{Status: Skipped, Notes: "Judge skipped"}, nil
	}
	argv := append(append([]string(nil), j.Command...), prompt)
	res, err := ex.Exec(ctx, argv, workdir)
	if err != nil {
		return JudgeResult{}, fmt.Errorf("run judge: %w", err)
	}

	out := JudgeResult{Status: Passed, Notes: "Judge executed.", Output: res.Stdout}
	if !res.Succeeded() {
		out.Status = Failed
		out.Notes = fmt.Sprintf("Judge exited with code %d", res.ExitCode)
	}
	if m := verdictToken.FindAllString(out.Output, -1); len(m) > 0 {
		out.Declared = m[len(m)-1]
	}
	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(out.Output), 0o644); err != nil {
			return JudgeResult{}, fmt.Errorf("write judge output: %w", err)
		}
	}
	return out, nil
}
