package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/execenv"
)

var fixedNow = time.Date(2026, 3, 1, 9, 30, 15, 500, time.UTC)

func TestNormalize(t *testing.T) {
	meta := Meta{TaskID: "T1", SessionID: "S1", Engine: "codex"}

	ev, ok := Normalize("not-json-text", meta, fixedNow)
	require.True(t, ok)
	assert.Equal(t, "text", ev.Type)
	assert.Equal(t, map[string]any{"message": "not-json-text"}, ev.Payload)
	assert.Equal(t, "2026-03-01T09:30:15Z", ev.TS)
	assert.Equal(t, "T1", ev.TaskID)
	assert.Equal(t, "S1", ev.SessionID)
	assert.Equal(t, "codex", ev.Engine)

	ev, ok = Normalize(`{"type":"message"}`, meta, fixedNow)
	require.True(t, ok)
	assert.Equal(t, "message", ev.Type)
	assert.Equal(t, map[string]any{"type": "message"}, ev.Payload)

	ev, ok = Normalize(`{"item":{"id":1}}`, meta, fixedNow)
	require.True(t, ok)
	assert.Equal(t, "unknown", ev.Type)

	ev, ok = Normalize(`[1,2,3]`, meta, fixedNow)
	require.True(t, ok)
	assert.Equal(t, "unknown", ev.Type)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, ev.Payload)

	_, ok = Normalize("   \t", meta, fixedNow)
	assert.False(t, ok)
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestSummaryMarkdown(t *testing.T) {
	md := Summary{Changed: []string{"Engine run completed."}, Why: "Root iteration 1"}.Markdown()

	for _, heading := range []string{
		"# Session Summary",
		"## What I changed\n- Engine run completed.",
		"## Why\n- Root iteration 1",
		"## What I tried\n- _None_",
		"## Current failures\n- _None_",
		"## Next steps\n- Review session artifacts",
		"## Subagents spawned\n- _None_",
	} {
		assert.Contains(t, md, heading)
	}
	assert.Less(t, strings.Index(md, "## What I changed"), strings.Index(md, "## Subagents spawned"))
}

func TestCaptureSuccess(t *testing.T) {
	art := New(t.TempDir(), "T1", "S1")
	stdout := "{\"type\":\"thread.started\"}\n\nplain progress line\n{\"type\":\"turn.completed\"}\n"
	var gotCmd []string
	var gotDir string
	ex := execenv.Func(func(ctx context.Context, command []string, workdir string) (*execenv.Result, error) {
		gotCmd, gotDir = command, workdir
		return &execenv.Result{Stdout: stdout, Stderr: "warn\n"}, nil
	})

	out, err := Capture(context.Background(), ex, art, Request{
		Command: []string{"codex", "exec", "Goal: x\nMode: closed"},
		Workdir: "/workspace",
		Note:    "Root iteration 1",
		Meta:    Meta{TaskID: "T1", SessionID: "S1", Engine: "codex"},
		Spawned: []string{"Tchild01"},
		Now:     func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"codex", "exec", "Goal: x\nMode: closed"}, gotCmd)
	assert.Equal(t, "/workspace", gotDir)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 3, out.Events)
	assert.Equal(t, art.Summary(), out.SummaryPath)

	raw, err := os.ReadFile(art.EventsRaw())
	require.NoError(t, err)
	assert.Equal(t, stdout, string(raw))
	stderr, err := os.ReadFile(art.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "warn\n", string(stderr))

	events := readEvents(t, art.EventsNormalized())
	require.Len(t, events, 3)
	assert.Equal(t, []string{"thread.started", "text", "turn.completed"}, []string{events[0].Type, events[1].Type, events[2].Type})

	summary, err := os.ReadFile(art.Summary())
	require.NoError(t, err)
	assert.Contains(t, string(summary), "- Root iteration 1")
	assert.Contains(t, string(summary), "- codex exec Goal: x Mode: closed")
	assert.Contains(t, string(summary), "## Current failures\n- _None_")
	assert.Contains(t, string(summary), "## Subagents spawned\n- Tchild01")
}

func TestCaptureFailedRun(t *testing.T) {
	art := New(t.TempDir(), "T1", "S2")
	ex := execenv.Func(func(context.Context, []string, string) (*execenv.Result, error) {
		return &execenv.Result{Stderr: "boom", ExitCode: 2}, nil
	})

	out, err := Capture(context.Background(), ex, art, Request{Command: []string{"claude", "p"}, Note: "Root iteration 2"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 2, out.ExitCode)
	assert.Equal(t, 0, out.Events)

	summary, err := os.ReadFile(out.SummaryPath)
	require.NoError(t, err)
	assert.Contains(t, string(summary), "- Engine command failed with exit code 2.")
}

func TestCaptureTimeoutIsFailure(t *testing.T) {
	art := New(t.TempDir(), "T1", "S3")
	ex := execenv.Func(func(context.Context, []string, string) (*execenv.Result, error) {
		return &execenv.Result{ExitCode: -1, TimedOut: true, Duration: 20 * time.Minute}, nil
	})

	out, err := Capture(context.Background(), ex, art, Request{Command: []string{"codex", "p"}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, out.TimedOut)
}

func TestCaptureExecutorError(t *testing.T) {
	art := New(t.TempDir(), "T1", "S4")
	boom := errors.New("cannot start")
	ex := execenv.Func(func(context.Context, []string, string) (*execenv.Result, error) { return nil, boom })

	_, err := Capture(context.Background(), ex, art, Request{Command: []string{"codex"}})
	assert.ErrorIs(t, err, boom)
}

func TestArtifactsLayout(t *testing.T) {
	art := New("/h/.harness/runs", "T1", "S1")
	assert.Equal(t, "/h/.harness/runs/T1/sessions/S1", art.Dir)
	assert.Equal(t, "/h/.harness/runs/T1/sessions/S1/plan/summary.md", art.Plan().Summary())
	assert.Equal(t, filepath.Join(art.Dir, "judge_output.txt"), art.JudgeOutput())
	assert.Equal(t, filepath.Join(art.Dir, "test_output.log"), art.TestLog())
	assert.Equal(t, filepath.Join(art.Dir, "git_diff.patch"), art.DiffPatch())
}
