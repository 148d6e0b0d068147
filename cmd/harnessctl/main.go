// Command harnessctl is the worker-side client of the harness bus. Agents
// run it inside their task environment to spawn child tasks, ask the
// supervisor questions and read or set steering notes.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/harness/bus"
	"github.com/martinemde/harness/spawn"
)

const defaultBusRoot = "/harness-bus"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "harnessctl: "+err.Error())
		os.Exit(1)
	}
}

type ctl struct {
	busRoot string
}

func newRootCmd() *cobra.Command {
	c := &ctl{}
	cmd := &cobra.Command{
		Use:           "harnessctl",
		Short:         "Talk to the harness from inside a task environment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&c.busRoot, "bus", envOr("HARNESS_BUS", defaultBusRoot), "bus directory")
	cmd.AddCommand(c.spawnCmd(), c.waitCmd(), c.askCmd(), c.steeringCmd())
	return cmd
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// client opens the bus. The directory must already exist: it is mounted by
// the harness, and creating it here would hide a missing mount.
func (c *ctl) client() (*spawn.Client, error) {
	info, err := os.Stat(c.busRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s not mounted; harnessctl must run in a task environment", c.busRoot)
	}
	b, err := bus.OpenFile(c.busRoot)
	if err != nil {
		return nil, err
	}
	return spawn.NewClient(b), nil
}

func (c *ctl) spawnCmd() *cobra.Command {
	var req spawn.Request
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Request a child task for a contract file; prints the request id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			id, err := client.Spawn(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ContractRelpath, "contract", "", "contract path relative to the workspace")
	cmd.Flags().StringVar(&req.ParentTaskID, "parent-task-id", os.Getenv("HARNESS_TASK_ID"), "task requesting the child")
	cmd.Flags().StringVar(&req.Engine, "engine", "", "engine for the child task (default: the parent's engine)")
	cmd.Flags().StringVar(&req.ReqID, "req-id", "", "request id (generated when empty)")
	_ = cmd.MarkFlagRequired("contract")
	return cmd
}

func (c *ctl) waitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <req-id>",
		Short: "Block until a spawn response arrives and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			msg, err := client.Wait(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.Text())
			return nil
		},
	}
}

func (c *ctl) askCmd() *cobra.Command {
	var (
		text    string
		choices []string
		taskID  string
	)
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Post a question for the supervisor; prints the question id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			id, err := client.Ask(cmd.Context(), text, choices, taskID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "question text")
	cmd.Flags().StringSliceVar(&choices, "choices", nil, "suggested answers")
	cmd.Flags().StringVar(&taskID, "task-id", os.Getenv("HARNESS_TASK_ID"), "task asking the question")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func (c *ctl) steeringCmd() *cobra.Command {
	var (
		taskID string
		text   string
	)
	cmd := &cobra.Command{
		Use:       "steering get|set",
		Short:     "Read or replace a task's steering note",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"get", "set"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--task-id is required")
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			steering := client.Steering(taskID)
			if args[0] == "set" {
				return steering.Set(cmd.Context(), text)
			}
			note, err := steering.Get(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), note)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", os.Getenv("HARNESS_TASK_ID"), "task the note belongs to")
	cmd.Flags().StringVar(&text, "text", "", "new note for set")
	return cmd
}
