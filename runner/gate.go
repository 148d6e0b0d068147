package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/martinemde/harness/bus"
	"github.com/martinemde/harness/engine"
	"github.com/martinemde/harness/execenv"
	"github.com/martinemde/harness/ledger"
	"github.com/martinemde/harness/session"
)

const planQuestion = "Approve plan for next iteration?"

// planGate runs a read-only planner session, asks the supervisor to approve
// its plan and waits for the answer. With no plan gate timeout configured
// the wait is unbounded. A timeout is logged and the iteration proceeds.
// The answer text is returned so the worker prompt can include it.
func (r *Runner) planGate(ctx context.Context, task ledger.Task, ws Workspace, ex execenv.Executor, profile engine.Profile, art session.Artifacts, meta session.Meta, log *slog.Logger) (string, error) {
	plan, err := session.Capture(ctx, ex, art.Plan(), session.Request{
		Command: profile.Command(engine.RolePlanner, engine.PlannerPrompt(task.Goal)),
		Workdir: ws.Workdir,
		Note:    "Planner session",
		Meta:    meta,
		Now:     r.now,
	})
	if err != nil {
		return "", fmt.Errorf("plan gate: %w", err)
	}

	qid := r.newID(bus.QuestionPrefix, 6)
	err = r.ledger.InsertQuestion(ctx, ledger.Question{
		ID:     qid,
		TaskID: task.ID,
		Text:   planQuestion,
		Status: ledger.QuestionOpen,
	})
	if err != nil {
		return "", err
	}
	q := bus.Question{
		ID:        qid,
		TaskID:    task.ID,
		Text:      planQuestion,
		PlanPath:  plan.SummaryPath,
		Timestamp: bus.Timestamp(r.now()),
	}
	if err := bus.PublishJSON(ctx, r.bus, bus.Questions, qid, q); err != nil {
		return "", fmt.Errorf("plan gate: %w", err)
	}
	log.Info("waiting for plan approval", "question_id", qid, "plan_path", plan.SummaryPath)

	msg, ok, err := r.bus.Await(ctx, bus.Answers, qid, r.cfg.Loop.PlanGateTimeout())
	if err != nil {
		return "", fmt.Errorf("plan gate: %w", err)
	}
	if !ok {
		r.metrics.incGate("plan", "timeout")
		log.Warn("plan approval timed out, continuing", "question_id", qid)
		return "", nil
	}

	answer := answerText(msg)
	if err := r.ledger.AnswerQuestion(ctx, qid, answer); err != nil {
		return "", err
	}
	r.metrics.incGate("plan", "answered")
	log.Info("plan answered", "question_id", qid, "answer", answer)
	return answer, nil
}

// answerText accepts either an Answer document or a bare text body.
func answerText(msg bus.Message) string {
	var a bus.Answer
	if err := msg.Decode(&a); err == nil && a.Answer != "" {
		return a.Answer
	}
	return strings.TrimSpace(msg.Text())
}
