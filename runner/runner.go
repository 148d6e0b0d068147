// Package runner drives tasks through repeated worker sessions. Each
// iteration optionally gates on plan approval, runs the worker, records its
// artifacts and diff, verifies with tests and a judge, persists the outcome
// and decides whether the task is finished.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/harness/bus"
	"github.com/martinemde/harness/config"
	"github.com/martinemde/harness/engine"
	"github.com/martinemde/harness/evaluate"
	"github.com/martinemde/harness/execenv"
	"github.com/martinemde/harness/ledger"
	"github.com/martinemde/harness/llm"
	"github.com/martinemde/harness/session"
	"github.com/martinemde/harness/spawn"
	"github.com/martinemde/harness/vcs"
)

// Mode decides whether a task can finish on its own.
type Mode string

const (
	// ModeClosed finishes once verification passes and the judge does not fail.
	ModeClosed Mode = "closed"
	// ModeOpen iterates until the caller stops it.
	ModeOpen Mode = "open"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeClosed, ModeOpen:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want closed or open)", s)
	}
}

// Workspace is where a task's sessions run.
type Workspace struct {
	// HostDir is the task repository on the host. Diffs and spawn
	// contracts are read from here.
	HostDir string
	// Workdir is the repository path as Executor sees it.
	Workdir  string
	Executor execenv.Executor
}

// Provisioner prepares the workspace for a new task.
type Provisioner interface {
	Provision(ctx context.Context, taskID string) (Workspace, error)
}

// ProvisionerFunc adapts a function to Provisioner.
type ProvisionerFunc func(ctx context.Context, taskID string) (Workspace, error)

// Provision calls f.
func (f ProvisionerFunc) Provision(ctx context.Context, taskID string) (Workspace, error) {
	return f(ctx, taskID)
}

// APIExecutorFunc builds the executor for an api engine profile.
type APIExecutorFunc func(p engine.Profile) (execenv.Executor, error)

// Runner runs task loops against one ledger and bus.
type Runner struct {
	cfg         config.Config
	runsDir     string
	ledger      *ledger.Store
	bus         bus.Bus
	sandbox     Provisioner
	differ      vcs.Differ
	apiExec     APIExecutorFunc
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
	newID       bus.IDFunc
	stallWindow int

	mu         sync.Mutex
	workspaces map[string]Workspace
	spawned    map[string][]string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the collectors. Nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock sets the time source for artifacts and events.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithIDs sets the identifier generator.
func WithIDs(f bus.IDFunc) Option {
	return func(r *Runner) { r.newID = f }
}

// WithDiffer replaces the git differ.
func WithDiffer(d vcs.Differ) Option {
	return func(r *Runner) { r.differ = d }
}

// WithAPIExecutor replaces how api engine profiles are executed.
func WithAPIExecutor(f APIExecutorFunc) Option {
	return func(r *Runner) { r.apiExec = f }
}

// WithStallWindow sets how many identical iterations are reported as a stall.
func WithStallWindow(n int) Option {
	return func(r *Runner) { r.stallWindow = n }
}

// New returns a Runner. Session artifacts are written below runsDir.
func New(cfg config.Config, runsDir string, store *ledger.Store, b bus.Bus, sandbox Provisioner, opts ...Option) *Runner {
	r := &Runner{
		cfg:         cfg,
		runsDir:     runsDir,
		ledger:      store,
		bus:         b,
		sandbox:     sandbox,
		differ:      vcs.NewGit(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
		newID:       bus.NewID,
		stallWindow: defaultStallWindow,
		workspaces:  map[string]Workspace{},
		spawned:     map[string][]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.apiExec == nil {
		r.apiExec = r.gollmExecutor
	}
	return r
}

// gollmExecutor calls the profile's provider through gollm. The API key is
// read from <PROVIDER>_API_KEY.
func (r *Runner) gollmExecutor(p engine.Profile) (execenv.Executor, error) {
	opts := []llm.GollmOption{llm.WithModel(p.Model)}
	if key := os.Getenv(strings.ToUpper(p.Provider) + "_API_KEY"); key != "" {
		opts = append(opts, llm.WithAPIKey(key))
	}
	gen, err := llm.NewGollm(p.Provider, opts...)
	if err != nil {
		return nil, err
	}
	return llm.NewExecutor(gen, llm.WithLogger(r.logger)), nil
}

// RunRoot creates a root task for goal and runs it until it finishes, ctx
// is done or a fatal error occurs. Spawn requests and worker questions on
// the bus are served while it runs. The task's final ledger record is
// returned along with the loop's error.
func (r *Runner) RunRoot(ctx context.Context, goal string, mode Mode, engineName string) (ledger.Task, error) {
	if engineName == "" {
		engineName = r.cfg.EngineDefault
	}
	id := r.newID(bus.TaskPrefix, 8)
	ws, err := r.sandbox.Provision(ctx, id)
	if err != nil {
		return ledger.Task{}, fmt.Errorf("provision %s: %w", id, err)
	}
	task := ledger.Task{ID: id, Engine: engineName, Status: ledger.TaskRunning, Goal: goal}
	if err := r.ledger.InsertTask(ctx, task); err != nil {
		return ledger.Task{}, err
	}
	r.register(id, ws)

	dctx, stop := context.WithCancel(ctx)
	d := newDispatcher(r, id)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.run(dctx)
	}()

	runErr := r.Run(ctx, task, ws, mode)
	stop()
	<-stopped

	final, err := r.ledger.GetTask(context.WithoutCancel(ctx), id)
	if err != nil {
		return task, fmt.Errorf("reload task %s: %w", id, err)
	}
	return final, runErr
}

// Run iterates task in ws. Closed-mode tasks return nil once they are
// DONE; open-mode tasks only return when ctx is done or on a fatal error.
// Failed workers, tests or judges are recorded and retried, never
// returned as errors. There is no iteration cap.
func (r *Runner) Run(ctx context.Context, task ledger.Task, ws Workspace, mode Mode) error {
	r.metrics.taskStarted()
	defer r.metrics.taskFinished()

	log := r.logger.With("component", "runner", "task_id", task.ID, "engine", task.Engine, "mode", mode, "depth", task.Depth)
	log.Info("task loop started", "goal", task.Goal)
	stalls := newStallDetector(r.stallWindow)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			log.Info("task loop stopped", "iterations", n-1, "reason", err)
			return err
		}
		done, err := r.iterate(ctx, task, ws, mode, n, stalls, log)
		if err != nil {
			return fmt.Errorf("task %s iteration %d: %w", task.ID, n, err)
		}
		if done {
			log.Info("task done", "iterations", n)
			return nil
		}
	}
}

// iterate runs one full iteration and reports whether the task is done.
func (r *Runner) iterate(ctx context.Context, task ledger.Task, ws Workspace, mode Mode, n int, stalls *stallDetector, log *slog.Logger) (bool, error) {
	start := time.Now()
	sessionID := r.newID(bus.SessionPrefix, 8)
	art := session.New(r.runsDir, task.ID, sessionID)
	meta := session.Meta{TaskID: task.ID, SessionID: sessionID, Engine: task.Engine}
	log = log.With("session_id", sessionID, "iteration", n)

	profile := r.cfg.Engines.Resolve(task.Engine)
	worker, err := r.executorFor(profile, ws)
	if err != nil {
		return false, err
	}

	var answer string
	if r.cfg.IndependenceLevel == 2 {
		answer, err = r.planGate(ctx, task, ws, worker, profile, art, meta, log)
		if err != nil {
			return false, err
		}
	}

	err = r.ledger.InsertSession(ctx, ledger.Session{
		ID:           sessionID,
		TaskID:       task.ID,
		Engine:       task.Engine,
		Status:       ledger.SessionRunning,
		ArtifactsDir: art.Dir,
	})
	if err != nil {
		return false, err
	}

	steering, err := spawn.NewClient(r.bus).Steering(task.ID).Get(ctx)
	if err != nil {
		log.Warn("steering unavailable", "error", err)
	}
	prompt := engine.WorkerPrompt(engine.WorkerInput{
		Goal:     task.Goal,
		Mode:     string(mode),
		Steering: steering,
		Answer:   answer,
	})

	wctx, cancel := ctx, context.CancelFunc(func() {})
	if d := r.cfg.Loop.IterationTimeout(); d > 0 {
		wctx, cancel = context.WithTimeout(ctx, d)
	}
	outcome, err := session.Capture(wctx, worker, art, session.Request{
		Command: profile.Command(engine.RoleWorker, prompt),
		Workdir: ws.Workdir,
		Note:    iterationNote(task, n),
		Meta:    meta,
		Spawned: r.drainSpawned(task.ID),
		Now:     r.now,
	})
	cancel()
	if err != nil {
		r.abandonSession(ctx, sessionID, log)
		return false, err
	}
	log.Info("worker finished",
		"status", outcome.Status,
		"exit_code", outcome.ExitCode,
		"timed_out", outcome.TimedOut,
		"events", outcome.Events,
		"duration", outcome.Duration)

	stat, patch, err := r.differ.Diff(ctx, ws.HostDir)
	if err != nil {
		r.abandonSession(ctx, sessionID, log)
		return false, fmt.Errorf("diff: %w", err)
	}
	if err := art.WriteDiff(stat, patch); err != nil {
		r.abandonSession(ctx, sessionID, log)
		return false, err
	}

	evaluator := evaluate.Evaluator{
		Enabled:  r.cfg.Evaluation.RequireTests,
		Commands: r.cfg.Goals.Closed.TestCommands,
	}
	tests, err := evaluator.Run(ctx, ws.Executor, ws.Workdir, art.TestLog())
	if err != nil {
		r.abandonSession(ctx, sessionID, log)
		return false, err
	}
	r.metrics.incGate("tests", string(tests.Status))

	verdict, err := r.judge(ctx, task, ws, art, stat, tests)
	if err != nil {
		r.abandonSession(ctx, sessionID, log)
		return false, err
	}
	r.metrics.incGate("judge", string(verdict.Status))

	status := ledger.SessionDone
	if outcome.Status != session.StatusSuccess {
		status = ledger.SessionFailed
	}
	err = r.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if err := tx.UpdateSessionStatus(sessionID, status, r.now(), outcome.SummaryPath); err != nil {
			return err
		}
		return tx.UpdateTaskStatus(task.ID, ledger.TaskRunning)
	})
	if err != nil {
		return false, err
	}
	r.metrics.incSession(string(status))
	log.Info("iteration finished",
		"session_status", status,
		"tests", tests.Status,
		"judge", verdict.Status,
		"judge_declared", verdict.Declared)

	sig := iterationSignature(patch, tests.Log, string(status), string(tests.Status), string(verdict.Status))
	if stalls.observe(sig) {
		r.metrics.incStall()
		log.Warn("no progress across recent iterations", "window", stalls.window)
	}

	if mode == ModeClosed && tests.Status == evaluate.Passed && verdict.Status != evaluate.Failed {
		if err := r.ledger.UpdateTaskStatus(ctx, task.ID, ledger.TaskDone); err != nil {
			return false, err
		}
		r.metrics.observeIteration(mode, "done", time.Since(start))
		return true, nil
	}
	r.metrics.observeIteration(mode, "continue", time.Since(start))
	return false, nil
}

// judge runs the judge gate against this iteration's artifacts.
func (r *Runner) judge(ctx context.Context, task ledger.Task, ws Workspace, art session.Artifacts, diffStat string, tests evaluate.Result) (evaluate.JudgeResult, error) {
	j := evaluate.Judge{Enabled: r.cfg.Evaluation.RequireJudge}
	if !j.Enabled {
		return j.Run(ctx, nil, "", "", "")
	}
	p := r.judgeProfile(task.Engine)
	ex, err := r.executorFor(p, ws)
	if err != nil {
		return evaluate.JudgeResult{}, err
	}
	summary, err := session.ReadOptional(art.Summary())
	if err != nil {
		return evaluate.JudgeResult{}, err
	}
	prompt := engine.JudgePrompt(engine.JudgeInput{
		Goal:       task.Goal,
		Summary:    summary,
		DiffStat:   diffStat,
		TestLog:    tests.Log,
		TestStatus: string(tests.Status),
	})
	j.Command = append([]string{p.Cmd}, p.Args(engine.RoleJudge)...)
	return j.Run(ctx, ex, prompt, ws.Workdir, art.JudgeOutput())
}

func (r *Runner) judgeProfile(taskEngine string) engine.Profile {
	p := r.cfg.Engines.Resolve(r.cfg.JudgeEngine(taskEngine))
	if m := r.cfg.Evaluation.JudgeModel; m != "" && p.IsAPI() {
		p.Model = m
	}
	return p
}

func (r *Runner) executorFor(p engine.Profile, ws Workspace) (execenv.Executor, error) {
	if !p.IsAPI() {
		return ws.Executor, nil
	}
	ex, err := r.apiExec(p)
	if err != nil {
		return nil, fmt.Errorf("engine %s/%s: %w", p.Provider, p.Model, err)
	}
	return ex, nil
}

// abandonSession marks a session FAILED after a fatal error cut the
// iteration short.
func (r *Runner) abandonSession(ctx context.Context, sessionID string, log *slog.Logger) {
	err := r.ledger.UpdateSessionStatus(context.WithoutCancel(ctx), sessionID, ledger.SessionFailed, r.now(), "")
	if err != nil {
		log.Error("mark session failed", "error", err)
	}
	r.metrics.incSession(string(ledger.SessionFailed))
}

func iterationNote(task ledger.Task, n int) string {
	if task.IsRoot() {
		return fmt.Sprintf("Root iteration %d", n)
	}
	return fmt.Sprintf("Child iteration %d", n)
}

func (r *Runner) register(taskID string, ws Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workspaces[taskID] = ws
}

func (r *Runner) workspace(taskID string) (Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[taskID]
	return ws, ok
}

func (r *Runner) recordSpawn(parentID, childID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawned[parentID] = append(r.spawned[parentID], childID)
}

// drainSpawned returns and forgets the children started for taskID since
// the last call.
func (r *Runner) drainSpawned(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.spawned[taskID]
	delete(r.spawned, taskID)
	return ids
}
