package main

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/harness/bus"
	"github.com/martinemde/harness/config"
	"github.com/martinemde/harness/ledger"
	"github.com/martinemde/harness/spawn"
)

const noState = "No harness state found. Run `harness init` first."

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .harness/ with a default config, ledger and bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.paths()
			if err != nil {
				return err
			}
			if err := initProject(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", p.HarnessDir())
			return nil
		},
	}
}

// initProject creates the directory layout, config, ledger schema and bus
// channels. It is safe to repeat.
func initProject(p config.Paths) error {
	if _, err := config.Init(p); err != nil {
		return err
	}
	store, err := ledger.Open(p.StateDB())
	if err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}
	_, err = bus.OpenFile(p.BusDir())
	return err
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List tasks and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.paths()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !exists(p.StateDB()) {
				fmt.Fprintln(out, noState)
				return nil
			}
			store, err := ledger.Open(p.StateDB())
			if err != nil {
				return err
			}
			defer store.Close()

			n := 0
			for t, err := range store.ListTasks(cmd.Context()) {
				if err != nil {
					return err
				}
				n++
				fmt.Fprintf(out, "%s %s engine=%s depth=%d\n", t.ID, colorStatus(string(t.Status)), t.Engine, t.Depth)
			}
			if n == 0 {
				fmt.Fprintln(out, "No tasks recorded.")
			}
			return nil
		},
	}
}

func (a *app) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the project layout and required tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.paths()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			state := func(path string) string {
				if exists(path) {
					return green("exists")
				}
				return red("missing")
			}
			fmt.Fprintf(out, "Repo: %s\n", p.Root)
			fmt.Fprintf(out, "Harness dir: %s (%s)\n", p.HarnessDir(), state(p.HarnessDir()))
			fmt.Fprintf(out, "Config: %s (%s)\n", p.ConfigFile(), state(p.ConfigFile()))
			fmt.Fprintf(out, "State DB: %s (%s)\n", p.StateDB(), state(p.StateDB()))
			fmt.Fprintf(out, "Bus: %s (%s)\n", p.BusDir(), state(p.BusDir()))

			cfg, err := config.Load(p.ConfigFile())
			if err != nil {
				fmt.Fprintf(out, "Config check: %s\n", red(err.Error()))
				return nil
			}
			fmt.Fprintf(out, "Config check: %s\n", green("ok"))

			tools := []string{"git", "docker"}
			for _, name := range []string{cfg.EngineDefault, cfg.JudgeEngine(cfg.EngineDefault)} {
				if prof := cfg.Engines.Resolve(name); !prof.IsAPI() {
					tools = append(tools, prof.Cmd)
				}
			}
			seen := map[string]bool{}
			for _, tool := range tools {
				if seen[tool] {
					continue
				}
				seen[tool] = true
				if path, err := exec.LookPath(tool); err == nil {
					fmt.Fprintf(out, "Tool %s: %s\n", tool, gray(path))
				} else {
					fmt.Fprintf(out, "Tool %s: %s\n", tool, yellow("not found"))
				}
			}
			return nil
		},
	}
}

func (a *app) questionsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "List questions waiting for an answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.paths()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !exists(p.StateDB()) {
				fmt.Fprintln(out, noState)
				return nil
			}
			store, err := ledger.Open(p.StateDB())
			if err != nil {
				return err
			}
			defer store.Close()

			status := ledger.QuestionOpen
			if all {
				status = ""
			}
			questions, err := store.ListQuestions(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(questions) == 0 {
				fmt.Fprintln(out, "No open questions.")
				return nil
			}
			for _, q := range questions {
				line := fmt.Sprintf("%s %s task=%s %s", bold(q.ID), colorStatus(string(q.Status)), q.TaskID, q.Text)
				if q.Answer != "" {
					line += gray(" -> " + q.Answer)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include answered questions")
	return cmd
}

func (a *app) answerCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "answer <question-id>",
		Short: "Answer a question on the bus and record it in the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text = strings.TrimSpace(text)
			if text == "" {
				return errors.New("--text is required")
			}
			p, cfg, logger, err := a.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, b, err := openState(p, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			qid := args[0]
			ans := bus.Answer{ID: qid, Answer: text, Timestamp: bus.Timestamp(nowFunc())}
			if err := bus.PublishJSON(cmd.Context(), b, bus.Answers, qid, ans); err != nil {
				return err
			}
			switch err := store.AnswerQuestion(cmd.Context(), qid, text); {
			case errors.Is(err, ledger.ErrNotFound):
				logger.Warn("question not in ledger; answer published only", "question_id", qid)
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Answered %s\n", qid)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "answer text")
	return cmd
}

func (a *app) steerCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "steer <task-id>",
		Short: "Set the steering note injected into a task's next prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cfg, logger, err := a.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, b, err := openState(p, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := spawn.NewClient(b).Steering(args[0]).Set(cmd.Context(), text); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Steering updated for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "steering text; empty clears it")
	return cmd
}
