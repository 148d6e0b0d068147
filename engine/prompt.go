package engine

import (
	"fmt"
	"strings"
)

// Limits applied to artifacts embedded in the judge prompt.
const (
	judgeSummaryLimit  = 20000
	judgeDiffStatLimit = 10000
	judgeTestLogLimit  = 30000
)

// WorkerInput carries what the worker prompt is built from.
type WorkerInput struct {
	Goal string
	Mode string
	// Steering is the task's current steering note, if any.
	Steering string
	// Answer is the supervisor's reply to this iteration's plan question.
	Answer string
}

// WorkerPrompt builds the prompt for a worker session.
func WorkerPrompt(in WorkerInput) string {
	var sb strings.Builder
	if in.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\nMode: %s\nProvide progress toward the goal.", in.Goal, in.Mode)
	} else {
		fmt.Fprintf(&sb, "Mode: %s\nContinue work on the repository.", in.Mode)
	}
	if s := strings.TrimSpace(in.Steering); s != "" {
		sb.WriteString("\n\nSteering notes from the supervisor:\n")
		sb.WriteString(s)
	}
	if a := strings.TrimSpace(in.Answer); a != "" {
		sb.WriteString("\n\nSupervisor response to the plan: ")
		sb.WriteString(a)
	}
	return sb.String()
}

// PlannerPrompt builds the prompt for the plan-gate planner session.
func PlannerPrompt(goal string) string {
	if goal == "" {
		return "Provide a brief plan for the next iteration."
	}
	return "Goal: " + goal + "\nProvide a brief plan for the next iteration."
}

// JudgeInput carries the artifacts a judge decides from.
type JudgeInput struct {
	Goal       string
	Summary    string
	DiffStat   string
	TestLog    string
	TestStatus string
}

// JudgePrompt builds the prompt for a judge session. Long artifacts are cut
// in the middle so both the start and the end survive.
func JudgePrompt(in JudgeInput) string {
	var sb strings.Builder
	sb.WriteString("You are a judge. Decide PASS if the goal is complete; otherwise FAIL.\n\n")
	if in.Goal != "" {
		fmt.Fprintf(&sb, "Goal:\n%s\n\n", in.Goal)
	}
	fmt.Fprintf(&sb, "Summary:\n%s\n\n", Truncate(in.Summary, judgeSummaryLimit, HeadTail))
	fmt.Fprintf(&sb, "Diffstat:\n%s\n\n", Truncate(in.DiffStat, judgeDiffStatLimit, HeadTail))
	fmt.Fprintf(&sb, "Tests:\n%s\n\n", Truncate(in.TestLog, judgeTestLogLimit, Tail))
	fmt.Fprintf(&sb, "Test status: %s\n", in.TestStatus)
	return sb.String()
}
