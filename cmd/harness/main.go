// Command harness drives coding-agent tasks toward a goal and reports on
// their progress.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/martinemde/harness/bus"
	"github.com/martinemde/harness/config"
	"github.com/martinemde/harness/ledger"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: "+err.Error()))
		os.Exit(1)
	}
}

// app carries the global flags shared by every subcommand.
type app struct {
	root     string
	logLevel string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "harness",
		Short:         "Drive coding agents toward a goal in isolated workspaces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&a.root, "root", ".", "project repository root")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug|info|warn|error); overrides config")

	cmd.AddCommand(
		a.initCmd(),
		a.runCmd(),
		a.statusCmd(),
		a.doctorCmd(),
		a.questionsCmd(),
		a.answerCmd(),
		a.steerCmd(),
		a.serveCmd(),
	)
	return cmd
}

func (a *app) paths() (config.Paths, error) {
	root, err := filepath.Abs(a.root)
	if err != nil {
		return config.Paths{}, fmt.Errorf("resolve root: %w", err)
	}
	return config.NewPaths(root), nil
}

// load reads the project config and builds the logger it asks for.
func (a *app) load(stderr io.Writer) (config.Paths, config.Config, *slog.Logger, error) {
	p, err := a.paths()
	if err != nil {
		return p, config.Config{}, nil, err
	}
	cfg, err := config.Load(p.ConfigFile())
	if err != nil {
		return p, config.Config{}, nil, err
	}
	level := cfg.Log.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	if _, err := config.ParseLevel(level); err != nil {
		return p, config.Config{}, nil, err
	}
	return p, cfg, config.NewLogger(stderr, level), nil
}

// openState opens the ledger and bus of an initialised project.
func openState(p config.Paths, cfg config.Config, logger *slog.Logger) (*ledger.Store, *bus.FileBus, error) {
	store, err := ledger.Open(p.StateDB())
	if err != nil {
		return nil, nil, err
	}
	b, err := bus.OpenFile(p.BusDir(), bus.WithPollInterval(cfg.Bus.PollInterval()), bus.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, b, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func colorStatus(s string) string {
	switch s {
	case string(ledger.TaskDone), string(ledger.QuestionAnswered):
		return green(s)
	case string(ledger.TaskRunning), string(ledger.QuestionOpen):
		return yellow(s)
	default:
		return red(s)
	}
}
