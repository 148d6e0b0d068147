package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/martinemde/harness/execenv"
)

// Executor runs a model call through the execenv contract. The last argv
// element is the prompt; everything before it is ignored. A completed call
// exits 0 with the text on stdout. A failed call exits 1 with the error on
// stderr.
type Executor struct {
	gen    Generator
	system string
	policy RetryPolicy
	logger *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSystemPrompt sets the system prompt sent with every call.
func WithSystemPrompt(s string) ExecutorOption {
	return func(e *Executor) { e.system = s }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor wraps gen as an execenv.Executor.
func NewExecutor(gen Generator, opts ...ExecutorOption) *Executor {
	e := &Executor{gen: gen, policy: DefaultRetryPolicy(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ execenv.Executor = (*Executor)(nil)

// Exec sends the prompt. workdir is unused.
func (e *Executor) Exec(ctx context.Context, command []string, _ string) (*execenv.Result, error) {
	if len(command) == 0 {
		return nil, errors.New("llm: empty command")
	}
	prompt := command[len(command)-1]

	policy := e.policy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		e.logger.Warn("llm call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	start := time.Now()
	text, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return e.gen.Generate(ctx, e.system, prompt)
	})
	res := &execenv.Result{Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res.TimedOut = true
				res.ExitCode = -1
				return res, nil
			}
			return nil, ctx.Err()
		}
		res.ExitCode = 1
		res.Stderr = err.Error() + "\n"
		return res, nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	res.Stdout = text
	return res, nil
}
