// Package sandbox prepares per-task workspaces: a clone of the project
// repository plus the executor that task's sessions run through.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/martinemde/harness/config"
	"github.com/martinemde/harness/execenv"
	"github.com/martinemde/harness/runner"
	"github.com/martinemde/harness/vcs"
)

// Container mount points.
const (
	ContainerWorkspace = "/workspace"
	ContainerBus       = "/harness-bus"
)

// Local runs every task directly on the host, each in its own clone.
type Local struct {
	// Source is the repository tasks are cloned from.
	Source string
	Paths  config.Paths
	Git    *vcs.Git
	// Env is added to every command; HARNESS_TASK_ID and HARNESS_BUS are
	// always set.
	Env map[string]string
	// Passthrough names host credentials the engine CLIs need. Nil means
	// config.DefaultEnvPassthrough.
	Passthrough []string
}

var _ runner.Provisioner = (*Local)(nil)

// Provision clones the task repository and returns a host executor rooted
// in it.
func (l *Local) Provision(ctx context.Context, taskID string) (runner.Workspace, error) {
	repo := l.Paths.TaskRepo(taskID)
	if err := gitOrDefault(l.Git).EnsureClone(ctx, l.Source, repo); err != nil {
		return runner.Workspace{}, err
	}
	env := map[string]string{
		"HARNESS_TASK_ID": taskID,
		"HARNESS_BUS":     l.Paths.BusDir(),
	}
	for k, v := range l.Env {
		env[k] = v
	}
	return runner.Workspace{
		HostDir:  repo,
		Workdir:  repo,
		Executor: execenv.NewLocal(repo, execenv.WithEnv(env), execenv.WithPassthrough(l.passthrough()...)),
	}, nil
}

func (l *Local) passthrough() []string {
	if l.Passthrough == nil {
		return config.DefaultEnvPassthrough
	}
	return l.Passthrough
}

// Docker runs each task in a long-lived container named after the task,
// with the task clone mounted at /workspace and the bus at /harness-bus.
type Docker struct {
	Source string
	Paths  config.Paths
	Config config.Docker
	Git    *vcs.Git
	// Host runs the docker CLI; defaults to a Local executor.
	Host execenv.Executor
	// Binary is the docker CLI; defaults to "docker".
	Binary string
	// Env is passed to the container at creation and to every exec.
	Env    map[string]string
	Logger *slog.Logger
}

var _ runner.Provisioner = (*Docker)(nil)

// Provision clones the task repository, makes sure the task container
// exists and is running, and returns an executor that runs inside it.
func (d *Docker) Provision(ctx context.Context, taskID string) (runner.Workspace, error) {
	repo := d.Paths.TaskRepo(taskID)
	if err := gitOrDefault(d.Git).EnsureClone(ctx, d.Source, repo); err != nil {
		return runner.Workspace{}, err
	}
	host := d.host()
	name := execenv.ContainerName(taskID)
	if err := d.ensureContainer(ctx, host, taskID, name, repo); err != nil {
		return runner.Workspace{}, err
	}
	return runner.Workspace{
		HostDir: repo,
		Workdir: d.workdir(),
		Executor: &execenv.Docker{
			Container: name,
			Binary:    d.Binary,
			Env:       d.env(taskID),
			Host:      host,
		},
	}, nil
}

func (d *Docker) ensureContainer(ctx context.Context, host execenv.Executor, taskID, name, repo string) error {
	log := d.logger().With("task_id", taskID, "container", name)
	res, err := d.docker(ctx, host, "ps", "-a", "--filter", "name=^"+name+"$", "--format", "{{.ID}}")
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) == "" {
		log.Info("creating task container", "image", d.Config.Image)
		if _, err := d.docker(ctx, host, d.createArgs(taskID, name, repo)...); err != nil {
			return err
		}
	}
	_, err = d.docker(ctx, host, "start", name)
	return err
}

// createArgs builds `docker create` for the task container.
func (d *Docker) createArgs(taskID, name, repo string) []string {
	args := []string{
		"create",
		"--name", name,
		"--label", "harness.task_id=" + taskID,
		"--workdir", d.workdir(),
	}
	if d.Config.NetworkMode != "" {
		args = append(args, "--network", d.Config.NetworkMode)
	}
	if d.Config.CPUs != "" {
		args = append(args, "--cpus", d.Config.CPUs)
	}
	if d.Config.Memory != "" {
		args = append(args, "--memory", d.Config.Memory)
	}
	args = append(args,
		"-v", repo+":"+ContainerWorkspace,
		"-v", d.Paths.BusDir()+":"+ContainerBus,
	)
	for _, kv := range sortedEnv(d.env(taskID)) {
		args = append(args, "-e", kv)
	}
	return append(args, d.Config.Image, "sleep", "infinity")
}

func (d *Docker) workdir() string {
	if d.Config.WorkdirInContainer == "" {
		return ContainerWorkspace
	}
	return d.Config.WorkdirInContainer
}

func (d *Docker) env(taskID string) map[string]string {
	env := map[string]string{
		"HARNESS_TASK_ID": taskID,
		"HARNESS_BUS":     ContainerBus,
	}
	for k, v := range d.Env {
		env[k] = v
	}
	return env
}

// docker runs the CLI on the host and turns a nonzero exit into an error.
func (d *Docker) docker(ctx context.Context, host execenv.Executor, args ...string) (*execenv.Result, error) {
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	res, err := host.Exec(ctx, append([]string{bin}, args...), "")
	if err != nil {
		return nil, fmt.Errorf("docker %s: %w", args[0], err)
	}
	if !res.Succeeded() {
		return nil, fmt.Errorf("docker %s: exit %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// host returns the executor for docker CLI calls. Provision runs
// concurrently, so the default is built per call and never stored.
func (d *Docker) host() execenv.Executor {
	if d.Host == nil {
		return execenv.NewLocal("")
	}
	return d.Host
}

func (d *Docker) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

func sortedEnv(env map[string]string) []string {
	kvs := make([]string, 0, len(env))
	for k, v := range env {
		kvs = append(kvs, k+"="+v)
	}
	sort.Strings(kvs)
	return kvs
}

func gitOrDefault(g *vcs.Git) *vcs.Git {
	if g == nil {
		return vcs.NewGit()
	}
	return g
}
