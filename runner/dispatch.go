package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/harness/bus"
	"github.com/martinemde/harness/ledger"
)

// autoAnswer is the reply given to worker questions when nobody reviews
// them.
const autoAnswer = "Proceed using your best judgement."

// dispatcher serves the bus while a root task runs: it starts child tasks
// for spawn requests and records (and at independence level 1 answers)
// worker questions. Child task loops run in one pool per depth, each
// bounded by loop.max_parallel_tasks: a parent waiting on its children
// holds a slot in its own level only, so the deepest level always drains.
type dispatcher struct {
	r      *Runner
	rootID string
	log    *slog.Logger
	limit  int

	// Only the run goroutine touches these.
	pools     map[int]*errgroup.Group
	requests  map[string]bool
	questions map[string]bool
}

func newDispatcher(r *Runner, rootID string) *dispatcher {
	return &dispatcher{
		r:         r,
		rootID:    rootID,
		log:       r.logger.With("component", "dispatcher", "root_task_id", rootID),
		limit:     max(1, r.cfg.Loop.MaxParallelTasks),
		pools:     map[int]*errgroup.Group{},
		requests:  map[string]bool{},
		questions: map[string]bool{},
	}
}

// pool returns the pool for child tasks at depth.
func (d *dispatcher) pool(depth int) *errgroup.Group {
	g, ok := d.pools[depth]
	if !ok {
		g = new(errgroup.Group)
		g.SetLimit(d.limit)
		d.pools[depth] = g
	}
	return g
}

// wait blocks until every started child loop has returned.
func (d *dispatcher) wait() {
	for _, g := range d.pools {
		_ = g.Wait()
	}
}

// run scans the bus every poll interval until ctx is done, then waits for
// running children to stop.
func (d *dispatcher) run(ctx context.Context) {
	interval := d.r.cfg.Bus.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.scan(ctx)
		select {
		case <-ctx.Done():
			d.wait()
			return
		case <-ticker.C:
		}
	}
}

func (d *dispatcher) scan(ctx context.Context) {
	d.scanRequests(ctx)
	d.scanQuestions(ctx)
}

func (d *dispatcher) scanRequests(ctx context.Context) {
	ids, err := d.r.bus.List(ctx, bus.Requests)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("list spawn requests", "error", err)
		}
		return
	}
	for _, id := range ids {
		if d.requests[id] || ctx.Err() != nil {
			continue
		}
		if _, answered, _ := d.r.bus.Read(ctx, bus.Responses, id); answered {
			d.requests[id] = true
			continue
		}
		msg, ok, err := d.r.bus.Read(ctx, bus.Requests, id)
		if err != nil || !ok {
			continue
		}

		var req bus.SpawnRequest
		if err := msg.Decode(&req); err != nil || req.Type != bus.SpawnRequestType {
			d.requests[id] = true
			d.respond(ctx, bus.SpawnResponse{ReqID: id, Status: bus.SpawnRejected, Error: "malformed spawn request"})
			continue
		}
		req.ReqID = id

		child, reason := d.admit(ctx, req)
		if reason != "" {
			d.requests[id] = true
			d.log.Info("spawn rejected", "req_id", id, "parent_task_id", req.ParentTaskID, "reason", reason)
			d.respond(ctx, bus.SpawnResponse{ReqID: id, Status: bus.SpawnRejected, Error: reason})
			continue
		}
		if !d.pool(child.Depth).TryGo(func() error {
			d.runChild(ctx, req, child)
			return nil
		}) {
			d.log.Debug("task pool full, deferring spawn", "req_id", id, "depth", child.Depth)
			continue
		}
		d.requests[id] = true
	}
}

// admit validates a request and builds the child task, or returns why the
// request is rejected.
func (d *dispatcher) admit(ctx context.Context, req bus.SpawnRequest) (ledger.Task, string) {
	parent, err := d.r.ledger.GetTask(ctx, req.ParentTaskID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return ledger.Task{}, fmt.Sprintf("unknown parent task %q", req.ParentTaskID)
	case err != nil:
		return ledger.Task{}, err.Error()
	}
	if depth, limit := parent.Depth+1, d.r.cfg.Loop.MaxDepth; depth > limit {
		return ledger.Task{}, fmt.Sprintf("depth %d exceeds max_depth %d", depth, limit)
	}
	ws, ok := d.r.workspace(parent.ID)
	if !ok {
		return ledger.Task{}, fmt.Sprintf("no workspace for parent task %s", parent.ID)
	}
	if !filepath.IsLocal(req.ContractRelpath) {
		return ledger.Task{}, fmt.Sprintf("contract path %q must be relative to the parent workspace", req.ContractRelpath)
	}
	data, err := os.ReadFile(filepath.Join(ws.HostDir, req.ContractRelpath))
	if err != nil {
		return ledger.Task{}, fmt.Sprintf("read contract: %v", err)
	}
	goal := strings.TrimSpace(string(data))
	if goal == "" {
		return ledger.Task{}, fmt.Sprintf("contract %s is empty", req.ContractRelpath)
	}

	eng := req.EnginePreference
	if eng == "" {
		eng = parent.Engine
	}
	return ledger.Task{
		ID:       d.r.newID(bus.TaskPrefix, 8),
		ParentID: parent.ID,
		Depth:    parent.Depth + 1,
		Engine:   eng,
		Status:   ledger.TaskRunning,
		Goal:     goal,
	}, ""
}

// runChild provisions and runs child in closed mode, then publishes the
// response for req.
func (d *dispatcher) runChild(ctx context.Context, req bus.SpawnRequest, child ledger.Task) {
	log := d.log.With("req_id", req.ReqID, "task_id", child.ID, "parent_task_id", child.ParentID)
	log.Info("spawning child task", "depth", child.Depth, "engine", child.Engine)

	resp := bus.SpawnResponse{ReqID: req.ReqID, TaskID: child.ID, Status: bus.SpawnDone}
	if err := d.startChild(ctx, child); err != nil {
		resp.Status = bus.SpawnFailed
		resp.Error = err.Error()
		log.Warn("child task failed", "error", err)
	}
	resp.SummaryPath = d.lastSummary(context.WithoutCancel(ctx), child.ID)
	d.respond(ctx, resp)
}

func (d *dispatcher) startChild(ctx context.Context, child ledger.Task) error {
	ws, err := d.r.sandbox.Provision(ctx, child.ID)
	if err != nil {
		return fmt.Errorf("provision %s: %w", child.ID, err)
	}
	if err := d.r.ledger.InsertTask(ctx, child); err != nil {
		return err
	}
	d.r.register(child.ID, ws)
	d.r.recordSpawn(child.ParentID, child.ID)
	return d.r.Run(ctx, child, ws, ModeClosed)
}

func (d *dispatcher) lastSummary(ctx context.Context, taskID string) string {
	sessions, err := d.r.ledger.ListSessions(ctx, taskID)
	if err != nil || len(sessions) == 0 {
		return ""
	}
	return sessions[len(sessions)-1].SummaryPath
}

// respond publishes resp even when ctx is already cancelled so a waiting
// worker is never left without an answer.
func (d *dispatcher) respond(ctx context.Context, resp bus.SpawnResponse) {
	resp.Timestamp = bus.Timestamp(d.r.now())
	if err := bus.PublishJSON(context.WithoutCancel(ctx), d.r.bus, bus.Responses, resp.ReqID, resp); err != nil {
		d.log.Error("publish spawn response", "req_id", resp.ReqID, "error", err)
		return
	}
	d.r.metrics.incSpawn(resp.Status)
}

func (d *dispatcher) scanQuestions(ctx context.Context) {
	ids, err := d.r.bus.List(ctx, bus.Questions)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("list questions", "error", err)
		}
		return
	}
	for _, id := range ids {
		if d.questions[id] || ctx.Err() != nil {
			continue
		}
		msg, ok, err := d.r.bus.Read(ctx, bus.Questions, id)
		if err != nil || !ok {
			continue
		}
		d.questions[id] = true

		var q bus.Question
		if err := msg.Decode(&q); err != nil {
			d.log.Warn("malformed question", "question_id", id, "error", err)
			continue
		}
		taskID := q.TaskID
		if taskID == "" {
			taskID = d.rootID
		}

		recorded := true
		err = d.r.ledger.InsertQuestion(ctx, ledger.Question{ID: id, TaskID: taskID, Text: q.Text, Status: ledger.QuestionOpen})
		switch {
		case errors.Is(err, ledger.ErrDuplicateKey):
		case err != nil:
			recorded = false
			d.log.Warn("record question", "question_id", id, "task_id", taskID, "error", err)
		default:
			d.log.Info("question received", "question_id", id, "task_id", taskID, "text", q.Text)
		}

		if d.r.cfg.IndependenceLevel != 1 {
			continue
		}
		if _, answered, _ := d.r.bus.Read(ctx, bus.Answers, id); answered {
			continue
		}
		answer := autoAnswer
		if len(q.Choices) > 0 {
			answer = q.Choices[0]
		}
		a := bus.Answer{ID: id, Answer: answer, Timestamp: bus.Timestamp(d.r.now())}
		if err := bus.PublishJSON(ctx, d.r.bus, bus.Answers, id, a); err != nil {
			d.log.Warn("publish answer", "question_id", id, "error", err)
			continue
		}
		if recorded {
			if err := d.r.ledger.AnswerQuestion(context.WithoutCancel(ctx), id, answer); err != nil {
				d.log.Warn("record answer", "question_id", id, "error", err)
			}
		}
	}
}
