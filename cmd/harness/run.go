package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/martinemde/harness/config"
	"github.com/martinemde/harness/ledger"
	"github.com/martinemde/harness/runner"
	"github.com/martinemde/harness/sandbox"
	"github.com/martinemde/harness/server"
	"github.com/martinemde/harness/vcs"
)

var nowFunc = time.Now

const shutdownGrace = 5 * time.Second

func (a *app) runCmd() *cobra.Command {
	var (
		goal        string
		mode        string
		engineName  string
		sandboxKind string
		statusAddr  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the root task until it is done (closed) or interrupted (open)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := runner.ParseMode(mode)
			if err != nil {
				return err
			}
			p, err := a.paths()
			if err != nil {
				return err
			}
			if err := initProject(p); err != nil {
				return err
			}
			p, cfg, logger, err := a.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			prov, err := newProvisioner(sandboxKind, p, cfg, logger)
			if err != nil {
				return err
			}
			store, b, err := openState(p, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if statusAddr != "" {
				srv := newStatusServer(statusAddr, store, logger)
				go serveUntil(ctx, srv, logger)
			}

			r := runner.New(cfg, p.RunsDir(), store, b, prov,
				runner.WithLogger(logger),
				runner.WithMetrics(runner.DefaultMetrics()),
			)
			task, err := r.RunRoot(ctx, goal, m, engineName)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			out := cmd.OutOrStdout()
			if task.ID == "" {
				fmt.Fprintln(out, "Interrupted before the root task started.")
				return nil
			}
			fmt.Fprintf(out, "%s %s engine=%s depth=%d\n", task.ID, colorStatus(string(task.Status)), task.Engine, task.Depth)
			if task.Status != ledger.TaskDone {
				fmt.Fprintln(out, gray("Interrupted; task left RUNNING. Artifacts under "+p.RunsDir()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "goal for the root task")
	cmd.Flags().StringVar(&mode, "mode", string(runner.ModeClosed), "closed stops when tests and judge pass; open loops until interrupted")
	cmd.Flags().StringVar(&engineName, "engine", "", "engine for the root task (default: engine_default from config)")
	cmd.Flags().StringVar(&sandboxKind, "sandbox", "local", "where task sessions run: local or docker")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "also serve the status API on this address while running")
	return cmd
}

// newProvisioner builds the workspace provisioner named by kind. Task
// clones are taken from the project root.
func newProvisioner(kind string, p config.Paths, cfg config.Config, logger *slog.Logger) (runner.Provisioner, error) {
	switch kind {
	case "local":
		return &sandbox.Local{Source: p.Root, Paths: p, Git: vcs.NewGit(), Passthrough: cfg.EnvPassthrough}, nil
	case "docker":
		return &sandbox.Docker{
			Source: p.Root,
			Paths:  p,
			Config: cfg.Docker,
			Git:    vcs.NewGit(),
			Logger: logger.With("component", "sandbox"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox %q (want local or docker)", kind)
	}
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, logger, err := a.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !exists(p.StateDB()) {
				return errors.New(noState)
			}
			store, err := ledger.Open(p.StateDB())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveUntil(ctx, newStatusServer(addr, store, logger), logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	return cmd
}

func newStatusServer(addr string, store *ledger.Store, logger *slog.Logger) *http.Server {
	logger = logger.With("component", "server")
	return &http.Server{
		Addr:              addr,
		Handler:           server.NewRouter(store, server.Options{Logger: logger, Gatherer: prometheus.DefaultGatherer}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveUntil runs srv until ctx is done, then shuts it down gracefully.
func serveUntil(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("status server failed", "error", err)
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
