// Package session records what happened during one engine invocation: the
// raw and normalized event streams, logs, a markdown summary, and the files
// later stages add (diffs, verification log, judge output).
package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// Artifact file names inside a session directory.
const (
	EventsRawFile        = "engine_events.jsonl"
	EventsNormalizedFile = "normalized_events.jsonl"
	StdoutFile           = "stdout.log"
	StderrFile           = "stderr.log"
	SummaryFile          = "summary.md"
	DiffStatFile         = "git_diff_stat.txt"
	DiffPatchFile        = "git_diff.patch"
	TestLogFile          = "test_output.log"
	JudgeOutputFile      = "judge_output.txt"
)

// planDir holds the planner's artifacts so the worker does not overwrite
// the plan the supervisor is asked about.
const planDir = "plan"

// Artifacts locates the files of one session.
type Artifacts struct {
	Dir string
}

// Dir returns the artifacts directory for a session under runsDir.
func Dir(runsDir, taskID, sessionID string) string {
	return filepath.Join(runsDir, taskID, "sessions", sessionID)
}

// New returns the artifacts for a session under runsDir.
func New(runsDir, taskID, sessionID string) Artifacts {
	return Artifacts{Dir: Dir(runsDir, taskID, sessionID)}
}

// Plan returns the artifacts of the session's planner run.
func (a Artifacts) Plan() Artifacts { return Artifacts{Dir: filepath.Join(a.Dir, planDir)} }

// Ensure creates the directory.
func (a Artifacts) Ensure() error {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

func (a Artifacts) path(name string) string { return filepath.Join(a.Dir, name) }

func (a Artifacts) EventsRaw() string        { return a.path(EventsRawFile) }
func (a Artifacts) EventsNormalized() string { return a.path(EventsNormalizedFile) }
func (a Artifacts) Stdout() string           { return a.path(StdoutFile) }
func (a Artifacts) Stderr() string           { return a.path(StderrFile) }
func (a Artifacts) Summary() string          { return a.path(SummaryFile) }
func (a Artifacts) DiffStat() string         { return a.path(DiffStatFile) }
func (a Artifacts) DiffPatch() string        { return a.path(DiffPatchFile) }
func (a Artifacts) TestLog() string          { return a.path(TestLogFile) }
func (a Artifacts) JudgeOutput() string      { return a.path(JudgeOutputFile) }

// ReadOptional returns the file's contents, or "" if it does not exist.
func ReadOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteDiff stores the diff stat and patch.
func (a Artifacts) WriteDiff(stat, patch string) error {
	if err := os.WriteFile(a.DiffStat(), []byte(stat), 0o644); err != nil {
		return fmt.Errorf("write diff stat: %w", err)
	}
	if err := os.WriteFile(a.DiffPatch(), []byte(patch), 0o644); err != nil {
		return fmt.Errorf("write diff patch: %w", err)
	}
	return nil
}
