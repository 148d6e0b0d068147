package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/bus"
	"github.com/martinemde/harness/config"
	"github.com/martinemde/harness/engine"
	"github.com/martinemde/harness/execenv"
	"github.com/martinemde/harness/ledger"
	"github.com/martinemde/harness/session"
)

// execFunc is a scripted environment. taskID tells which task's workspace
// the command runs in.
type execFunc func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error)

// Command shapes produced by the test engine profile.
func isWorker(argv []string) bool  { return argv[0] == "worker" && argv[1] == "run" }
func isPlanner(argv []string) bool { return argv[0] == "worker" && argv[1] == "plan" }
func isJudge(argv []string) bool   { return argv[0] == "worker" && argv[1] == "judge" }
func isTest(argv []string) bool    { return argv[0] == "bash" }
func prompt(argv []string) string  { return argv[len(argv)-1] }

func ok(stdout string) (*execenv.Result, error) {
	return &execenv.Result{Stdout: stdout}, nil
}

func exit(code int, stdout string) (*execenv.Result, error) {
	return &execenv.Result{Stdout: stdout, ExitCode: code}, nil
}

// passing succeeds at everything.
func passing(_ context.Context, _ string, argv []string) (*execenv.Result, error) {
	switch {
	case isJudge(argv):
		return ok("PASS\n")
	case isTest(argv):
		return ok("ok\n")
	default:
		return ok(`{"type":"message","text":"done"}` + "\n")
	}
}

type fakeDiffer struct{ stat, patch string }

func (d fakeDiffer) Diff(context.Context, string) (string, string, error) { return d.stat, d.patch, nil }

func seqIDs() bus.IDFunc {
	var n atomic.Int64
	return func(prefix string, width int) string {
		return fmt.Sprintf("%s%0*d", prefix, width, n.Add(1))
	}
}

type fixture struct {
	runner  *Runner
	store   *ledger.Store
	bus     *bus.MemoryBus
	metrics *Metrics
	root    string

	mu          sync.Mutex
	provisioned []string
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.EngineDefault = "fake"
	cfg.Engines = engine.Registry{
		"fake": {
			Kind:        engine.KindCLI,
			Cmd:         "worker",
			ExecArgs:    []string{"run"},
			PlannerArgs: []string{"plan"},
			JudgeArgs:   []string{"judge"},
		},
	}
	cfg.Evaluation.JudgeEngine = "fake"
	cfg.Goals.Closed.TestCommands = []string{"make test"}
	cfg.Bus.PollIntervalMs = 10
	cfg.Loop.MainIterationTimeoutS = 0
	return cfg
}

func newFixture(t *testing.T, run execFunc, mutate func(*config.Config), opts ...Option) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := ledger.Open(filepath.Join(root, "state.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		bus:     bus.NewMemory(),
		metrics: MustNewMetrics(prometheus.NewRegistry()),
		root:    root,
	}
	provision := ProvisionerFunc(func(_ context.Context, taskID string) (Workspace, error) {
		dir := filepath.Join(root, "workspaces", taskID, "repo")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Workspace{}, err
		}
		f.mu.Lock()
		f.provisioned = append(f.provisioned, taskID)
		f.mu.Unlock()
		return Workspace{
			HostDir: dir,
			Workdir: "/workspace",
			Executor: execenv.Func(func(ctx context.Context, argv []string, _ string) (*execenv.Result, error) {
				return run(ctx, taskID, argv)
			}),
		}, nil
	})

	base := []Option{
		WithIDs(seqIDs()),
		WithMetrics(f.metrics),
		WithDiffer(fakeDiffer{stat: " a.go | 1 +", patch: "+package a"}),
	}
	f.runner = New(cfg, filepath.Join(root, "runs"), store, f.bus, provision, append(base, opts...)...)
	return f
}

func (f *fixture) sessions(t *testing.T, taskID string) []ledger.Session {
	t.Helper()
	s, err := f.store.ListSessions(context.Background(), taskID)
	require.NoError(t, err)
	return s
}

func TestClosedModeFinishesAfterOnePassingIteration(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isWorker(argv) {
			mu.Lock()
			prompts = append(prompts, prompt(argv))
			mu.Unlock()
		}
		return passing(ctx, taskID, argv)
	}, nil)

	task, err := f.runner.RunRoot(context.Background(), "add a README", ModeClosed, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskDone, task.Status)
	assert.Equal(t, "fake", task.Engine)
	assert.Equal(t, 0, task.Depth)
	assert.True(t, task.IsRoot())

	require.Len(t, prompts, 1)
	assert.Equal(t, "Goal: add a README\nMode: closed\nProvide progress toward the goal.", prompts[0])

	sessions := f.sessions(t, task.ID)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, ledger.SessionDone, s.Status)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, session.Dir(filepath.Join(f.root, "runs"), task.ID, s.ID), s.ArtifactsDir)

	art := session.Artifacts{Dir: s.ArtifactsDir}
	assert.Equal(t, art.Summary(), s.SummaryPath)
	summary, err := os.ReadFile(art.Summary())
	require.NoError(t, err)
	assert.Contains(t, string(summary), "- Root iteration 1")

	for path, want := range map[string]string{
		art.DiffStat():    " a.go | 1 +",
		art.DiffPatch():   "+package a",
		art.TestLog():     "$ make test\nok\n",
		art.JudgeOutput(): "PASS\n",
	} {
		got, err := os.ReadFile(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(got), path)
	}

	events, err := os.ReadFile(art.EventsNormalized())
	require.NoError(t, err)
	assert.Contains(t, string(events), `"type":"message"`)
	assert.Contains(t, string(events), `"session_id":"`+s.ID+`"`)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.iterations.WithLabelValues("closed", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.gates.WithLabelValues("tests", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.gates.WithLabelValues("judge", "passed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.tasksActive))
}

func TestClosedModeWithFailingTestsHasNoIterationCap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers, tests atomic.Int32
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		switch {
		case isWorker(argv):
			if workers.Add(1) == 6 {
				cancel()
				return nil, ctx.Err()
			}
		case isTest(argv):
			tests.Add(1)
			return exit(1, "FAIL: TestParser\n")
		}
		return passing(ctx, taskID, argv)
	}, nil)

	task, err := f.runner.RunRoot(ctx, "fix the parser", ModeClosed, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ledger.TaskRunning, task.Status)
	assert.Equal(t, int32(5), tests.Load())

	sessions := f.sessions(t, task.ID)
	require.Len(t, sessions, 6)
	for _, s := range sessions[:5] {
		assert.Equal(t, ledger.SessionDone, s.Status)
	}
	assert.Equal(t, ledger.SessionFailed, sessions[5].Status, "interrupted session is closed out")

	log, err := os.ReadFile(session.Artifacts{Dir: sessions[0].ArtifactsDir}.TestLog())
	require.NoError(t, err)
	assert.Equal(t, "$ make test\nFAIL: TestParser\n\nCommand failed with exit code 1.", string(log))
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.iterations.WithLabelValues("closed", "continue")))
}

func TestSkippedTestsNeverFinishClosedTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers atomic.Int32
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isWorker(argv) && workers.Add(1) == 3 {
			cancel()
			return nil, ctx.Err()
		}
		return passing(ctx, taskID, argv)
	}, func(c *config.Config) { c.Goals.Closed.TestCommands = nil })

	task, err := f.runner.RunRoot(ctx, "goal", ModeClosed, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ledger.TaskRunning, task.Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.gates.WithLabelValues("tests", "skipped")))
}

func TestOpenModeLoopsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers atomic.Int32
	var lastPrompt atomic.Value
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isWorker(argv) {
			lastPrompt.Store(prompt(argv))
			if workers.Add(1) == 4 {
				cancel()
				return nil, ctx.Err()
			}
		}
		return passing(ctx, taskID, argv)
	}, nil)

	task, err := f.runner.RunRoot(ctx, "", ModeOpen, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ledger.TaskRunning, task.Status, "open mode never finishes on its own")
	assert.Equal(t, "Mode: open\nContinue work on the repository.", lastPrompt.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.iterations.WithLabelValues("open", "continue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.stalls), "three identical iterations are one stall")
}

func TestFailedWorkerMarksSessionFailed(t *testing.T) {
	var workers atomic.Int32
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isWorker(argv) && workers.Add(1) == 1 {
			return &execenv.Result{Stdout: "not-json-text\n", Stderr: "boom", ExitCode: 2}, nil
		}
		return passing(ctx, taskID, argv)
	}, nil)

	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.NoError(t, err)
	// Completion depends on verification and the judge only.
	assert.Equal(t, ledger.TaskDone, task.Status)

	sessions := f.sessions(t, task.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, ledger.SessionFailed, sessions[0].Status)

	summary, err := os.ReadFile(sessions[0].SummaryPath)
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Engine command failed with exit code 2.")
	stderr, err := os.ReadFile(session.Artifacts{Dir: sessions[0].ArtifactsDir}.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "boom", string(stderr))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.sessions.WithLabelValues("FAILED")))
}

func TestJudgeFailureTriggersAnotherIteration(t *testing.T) {
	var judges atomic.Int32
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isJudge(argv) {
			if judges.Add(1) == 1 {
				return exit(1, "FAIL: README is missing usage\n")
			}
		}
		return passing(ctx, taskID, argv)
	}, nil)

	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskDone, task.Status)
	require.Len(t, f.sessions(t, task.ID), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.gates.WithLabelValues("judge", "failed")))
}

func TestJudgeExitCodeIsAuthoritative(t *testing.T) {
	var judgePrompt string
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isJudge(argv) {
			judgePrompt = prompt(argv)
			return ok("Verdict: FAIL\n")
		}
		return passing(ctx, taskID, argv)
	}, nil)

	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskDone, task.Status, "a judge that exits 0 passes whatever it prints")
	assert.Len(t, f.sessions(t, task.ID), 1)

	assert.Contains(t, judgePrompt, "Summary:\n# Session Summary")
	assert.Contains(t, judgePrompt, "Diffstat:\n a.go | 1 +")
	assert.Contains(t, judgePrompt, "Tests:\n$ make test\nok\n")
	assert.Contains(t, judgePrompt, "Test status: passed\n")
}

func TestJudgeDisabledIsSkipped(t *testing.T) {
	var judged atomic.Bool
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isJudge(argv) {
			judged.Store(true)
		}
		return passing(ctx, taskID, argv)
	}, func(c *config.Config) { c.Evaluation.RequireJudge = false })

	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskDone, task.Status)
	assert.False(t, judged.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.gates.WithLabelValues("judge", "skipped")))
}

func TestAPIJudgeUsesAPIExecutor(t *testing.T) {
	var built engine.Profile
	api := execenv.Func(func(_ context.Context, argv []string, _ string) (*execenv.Result, error) {
		return ok("PASS")
	})
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		require.False(t, isJudge(argv), "judge must not run in the workspace")
		return passing(ctx, taskID, argv)
	}, func(c *config.Config) {
		c.Engines["reviewer"] = engine.Profile{Kind: engine.KindAPI, Provider: "anthropic", Model: "base"}
		c.Evaluation.JudgeEngine = "reviewer"
		c.Evaluation.JudgeModel = "override"
	}, WithAPIExecutor(func(p engine.Profile) (execenv.Executor, error) {
		built = p
		return api, nil
	}))

	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskDone, task.Status)
	assert.Equal(t, "anthropic", built.Provider)
	assert.Equal(t, "override", built.Model)
}

func TestSteeringReachesWorkerPrompt(t *testing.T) {
	var got string
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isWorker(argv) {
			got = prompt(argv)
		}
		return passing(ctx, taskID, argv)
	}, nil)
	// seqIDs makes the root task the first id handed out.
	require.NoError(t, f.bus.Publish(context.Background(), bus.Steering, "T00000001", []byte("Prefer small commits.\n")))

	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.NoError(t, err)
	assert.Equal(t, "T00000001", task.ID)
	assert.Equal(t, "Goal: goal\nMode: closed\nProvide progress toward the goal.\n\nSteering notes from the supervisor:\nPrefer small commits.", got)

	_, present, err := f.bus.Read(context.Background(), bus.Steering, task.ID)
	require.NoError(t, err)
	assert.True(t, present, "steering is read, not consumed")
}

func TestPlanGateBlocksUntilAnswered(t *testing.T) {
	var workers atomic.Int32
	var workerPrompt atomic.Value
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		switch {
		case isPlanner(argv):
			return ok(`{"type":"plan","text":"1. write README"}` + "\n")
		case isWorker(argv):
			workers.Add(1)
			workerPrompt.Store(prompt(argv))
		}
		return passing(ctx, taskID, argv)
	}, func(c *config.Config) { c.IndependenceLevel = 2 })

	ctx := context.Background()
	type result struct {
		task ledger.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := f.runner.RunRoot(ctx, "add a README", ModeClosed, "")
		done <- result{task, err}
	}()

	var qid string
	require.Eventually(t, func() bool {
		ids, _ := f.bus.List(ctx, bus.Questions)
		if len(ids) == 0 {
			return false
		}
		qid = ids[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)

	msg, present, err := f.bus.Read(ctx, bus.Questions, qid)
	require.NoError(t, err)
	require.True(t, present)
	var q bus.Question
	require.NoError(t, msg.Decode(&q))
	assert.Equal(t, "Approve plan for next iteration?", q.Text)
	assert.Equal(t, "T00000001", q.TaskID)
	assert.True(t, strings.HasSuffix(q.PlanPath, filepath.Join("plan", session.SummaryFile)), q.PlanPath)
	assert.FileExists(t, q.PlanPath)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), workers.Load(), "worker waits for the plan answer")
	select {
	case <-done:
		t.Fatal("run finished before the plan was answered")
	default:
	}

	require.NoError(t, bus.PublishJSON(ctx, f.bus, bus.Answers, qid, bus.Answer{ID: qid, Answer: "Approved, keep it short."}))

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resume after the answer")
	}
	require.NoError(t, res.err)
	assert.Equal(t, ledger.TaskDone, res.task.Status)
	assert.Equal(t, int32(1), workers.Load())
	assert.True(t, strings.HasSuffix(workerPrompt.Load().(string), "Supervisor response to the plan: Approved, keep it short."))

	questions, err := f.store.ListQuestions(ctx, ledger.QuestionAnswered)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, qid, questions[0].ID)
	assert.Equal(t, "Approved, keep it short.", questions[0].Answer)

	// The plan lives beside the worker's artifacts, not in place of them.
	sessions := f.sessions(t, res.task.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, filepath.Join(sessions[0].ArtifactsDir, "plan", session.SummaryFile), q.PlanPath)
	assert.NotEqual(t, q.PlanPath, sessions[0].SummaryPath)
}

func TestPlanGateTimeoutProceeds(t *testing.T) {
	f := newFixture(t, passing, func(c *config.Config) {
		c.IndependenceLevel = 2
		c.Loop.PlanGateTimeoutS = 1
	})

	start := time.Now()
	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskDone, task.Status)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.gates.WithLabelValues("plan", "timeout")))
}

func TestIterationTimeoutFailsSession(t *testing.T) {
	var workers atomic.Int32
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isWorker(argv) && workers.Add(1) == 1 {
			<-ctx.Done()
			return &execenv.Result{ExitCode: -1, TimedOut: true, Duration: time.Second}, nil
		}
		return passing(ctx, taskID, argv)
	}, func(c *config.Config) { c.Loop.MainIterationTimeoutS = 1 })

	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.NoError(t, err)
	sessions := f.sessions(t, task.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, ledger.SessionFailed, sessions[0].Status)
	summary, err := os.ReadFile(sessions[0].SummaryPath)
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Engine command timed out")
}

func TestExecutorErrorIsFatal(t *testing.T) {
	unreachable := errors.New("docker: daemon not running")
	f := newFixture(t, func(ctx context.Context, taskID string, argv []string) (*execenv.Result, error) {
		if isWorker(argv) {
			return nil, unreachable
		}
		return passing(ctx, taskID, argv)
	}, nil)

	task, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.ErrorIs(t, err, unreachable)
	assert.Equal(t, ledger.TaskRunning, task.Status)
	sessions := f.sessions(t, task.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, ledger.SessionFailed, sessions[0].Status)
}

func TestProvisionFailureCreatesNoTask(t *testing.T) {
	f := newFixture(t, passing, nil)
	f.runner.sandbox = ProvisionerFunc(func(context.Context, string) (Workspace, error) {
		return Workspace{}, errors.New("clone failed")
	})

	_, err := f.runner.RunRoot(context.Background(), "goal", ModeClosed, "")
	require.Error(t, err)
	for _, err := range f.store.ListTasks(context.Background()) {
		require.NoError(t, err)
		t.Fatal("no task expected")
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Closed ")
	require.NoError(t, err)
	assert.Equal(t, ModeClosed, m)
	m, err = ParseMode("open")
	require.NoError(t, err)
	assert.Equal(t, ModeOpen, m)
	_, err = ParseMode("forever")
	assert.Error(t, err)
}

func TestStallDetector(t *testing.T) {
	d := newStallDetector(3)
	a := iterationSignature("patch", "log", "DONE")
	b := iterationSignature("patch2", "log", "DONE")
	assert.False(t, d.observe(a))
	assert.False(t, d.observe(a))
	assert.True(t, d.observe(a))
	assert.False(t, d.observe(b))
	assert.False(t, d.observe(b))
	assert.True(t, d.observe(b))
	assert.NotEqual(t, iterationSignature("ab", "c"), iterationSignature("a", "bc"))
}

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1 := MustNewMetrics(reg)
	m2 := MustNewMetrics(reg)
	m1.incStall()
	assert.Equal(t, 1.0, testutil.ToFloat64(m2.stalls))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.incGate("tests", "passed")
		nilMetrics.taskStarted()
	})
}
