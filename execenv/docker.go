package execenv

import (
	"context"
	"errors"
	"sort"
)

// Docker runs commands inside an existing container through the docker CLI.
type Docker struct {
	// Container is the target container name.
	Container string
	// Binary is the docker CLI; defaults to "docker".
	Binary string
	// Env is passed with -e to every command.
	Env map[string]string
	// Host runs the docker CLI itself; defaults to a Local executor.
	Host Executor
}

// ContainerName returns the container name used for a task.
func ContainerName(taskID string) string {
	return "harness-task-" + taskID
}

// Command returns the host argv that runs command in the container.
func (d *Docker) Command(command []string, workdir string) []string {
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	argv := []string{bin, "exec"}
	if workdir != "" {
		argv = append(argv, "-w", workdir)
	}
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "-e", k+"="+d.Env[k])
	}
	argv = append(argv, d.Container)
	return append(argv, command...)
}

// Exec runs command in the container. workdir is a path inside the
// container.
func (d *Docker) Exec(ctx context.Context, command []string, workdir string) (*Result, error) {
	if len(command) == 0 {
		return nil, errors.New("exec: empty command")
	}
	host := d.Host
	if host == nil {
		host = NewLocal("")
	}
	return host.Exec(ctx, d.Command(command, workdir), "")
}
