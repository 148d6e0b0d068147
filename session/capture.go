package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/martinemde/harness/engine"
	"github.com/martinemde/harness/execenv"
)

// Status is the outcome of an engine run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// maxTriedLen bounds the command line echoed into the summary.
const maxTriedLen = 240

// Request describes one engine run to capture.
type Request struct {
	Command []string
	Workdir string
	// Note explains why the run happened ("Root iteration 3").
	Note string
	Meta Meta
	// Spawned lists child tasks started on behalf of this task.
	Spawned []string
	// Now stamps normalized events; defaults to time.Now.
	Now func() time.Time
}

// Outcome is what Capture observed.
type Outcome struct {
	Status      Status
	ExitCode    int
	TimedOut    bool
	SummaryPath string
	Events      int
	Duration    time.Duration
}

// Capture runs req.Command through ex and writes the session artifacts. A
// nonzero exit is a failed Outcome, not an error; errors mean the command
// could not run or the artifacts could not be written.
func Capture(ctx context.Context, ex execenv.Executor, art Artifacts, req Request) (*Outcome, error) {
	if err := art.Ensure(); err != nil {
		return nil, err
	}
	res, err := ex.Exec(ctx, req.Command, req.Workdir)
	if err != nil {
		return nil, fmt.Errorf("run engine: %w", err)
	}

	for path, body := range map[string]string{
		art.Stdout():    res.Stdout,
		art.Stderr():    res.Stderr,
		art.EventsRaw(): res.Stdout,
	} {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("write session log: %w", err)
		}
	}
	events, err := NormalizeFile(art.EventsNormalized(), res.Stdout, req.Meta, req.Now)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Status:      StatusSuccess,
		ExitCode:    res.ExitCode,
		TimedOut:    res.TimedOut,
		SummaryPath: art.Summary(),
		Events:      events,
		Duration:    res.Duration,
	}
	var failures []string
	switch {
	case res.TimedOut:
		out.Status = StatusFailed
		failures = append(failures, fmt.Sprintf("Engine command timed out after %s.", res.Duration.Round(time.Second)))
	case res.ExitCode != 0:
		out.Status = StatusFailed
		failures = append(failures, fmt.Sprintf("Engine command failed with exit code %d.", res.ExitCode))
	}

	summary := Summary{
		Changed:  []string{"Engine run completed."},
		Why:      req.Note,
		Tried:    []string{commandLine(req.Command)},
		Failures: failures,
		Spawned:  req.Spawned,
	}
	if err := summary.Write(art.Summary()); err != nil {
		return nil, err
	}
	return out, nil
}

// commandLine renders argv on one line for the summary.
func commandLine(argv []string) string {
	line := strings.Join(strings.Fields(strings.Join(argv, " ")), " ")
	return strings.ReplaceAll(engine.Truncate(line, maxTriedLen, engine.HeadTail), "\n", " ")
}
