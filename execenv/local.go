package execenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// sensitiveEnvSuffixes are case-insensitive suffixes of host variables that
// are not passed to commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// alwaysPassEnv are passed through regardless of filtering.
var alwaysPassEnv = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// filterEnv drops sensitive variables from environ unless they are in allow.
func filterEnv(environ []string, allow map[string]bool) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if alwaysPassEnv[name] || allow[name] || !isSensitive(name) {
			out = append(out, kv)
		}
	}
	return out
}

// Local runs commands directly on the host.
type Local struct {
	dir     string
	env     map[string]string
	allow   map[string]bool
	timeout time.Duration
}

// LocalOption configures a Local executor.
type LocalOption func(*Local)

// WithEnv adds variables to every command's environment.
func WithEnv(env map[string]string) LocalOption {
	return func(l *Local) {
		for k, v := range env {
			l.env[k] = v
		}
	}
}

// WithPassthrough keeps the named host variables even when they look like
// secrets. Engines that authenticate through environment keys need this.
func WithPassthrough(names ...string) LocalOption {
	return func(l *Local) {
		for _, n := range names {
			l.allow[n] = true
		}
	}
}

// WithTimeout bounds every command run by the executor.
func WithTimeout(d time.Duration) LocalOption {
	return func(l *Local) { l.timeout = d }
}

// NewLocal returns an executor rooted at dir. Relative workdirs resolve
// against dir; an empty dir means the process working directory.
func NewLocal(dir string, opts ...LocalOption) *Local {
	if dir == "" {
		dir, _ = os.Getwd()
	}
	l := &Local{dir: dir, env: map[string]string{}, allow: map[string]bool{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the executor's root directory.
func (l *Local) Dir() string { return l.dir }

func (l *Local) resolve(workdir string) string {
	switch {
	case workdir == "":
		return l.dir
	case filepath.IsAbs(workdir):
		return workdir
	default:
		return filepath.Join(l.dir, workdir)
	}
}

// Exec runs command with its own process group so a timeout kills any
// children it started.
func (l *Local) Exec(ctx context.Context, command []string, workdir string) (*Result, error) {
	if len(command) == 0 {
		return nil, errors.New("exec: empty command")
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = l.resolve(workdir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	env := filterEnv(os.Environ(), l.allow)
	for k, v := range l.env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && cmd.ProcessState != nil:
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, nil
	default:
		return nil, fmt.Errorf("exec %s: %w", command[0], err)
	}
}
