package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths is the on-disk layout of a project's harness state.
type Paths struct {
	Root string
}

// NewPaths returns the layout for the project at root.
func NewPaths(root string) Paths {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return Paths{Root: root}
}

func (p Paths) HarnessDir() string    { return filepath.Join(p.Root, ".harness") }
func (p Paths) ConfigFile() string    { return filepath.Join(p.HarnessDir(), "config.yaml") }
func (p Paths) StateDB() string       { return filepath.Join(p.HarnessDir(), "state.sqlite") }
func (p Paths) BusDir() string        { return filepath.Join(p.HarnessDir(), "bus") }
func (p Paths) RunsDir() string       { return filepath.Join(p.HarnessDir(), "runs") }
func (p Paths) WorkspacesDir() string { return filepath.Join(p.HarnessDir(), "workspaces") }

// TaskRepo is the clone a task works in.
func (p Paths) TaskRepo(taskID string) string {
	return filepath.Join(p.WorkspacesDir(), taskID, "repo")
}

// gitignoreLines are appended to the project's .gitignore by Init.
var gitignoreLines = []string{
	".harness/state.sqlite*",
	".harness/runs/",
	".harness/bus/",
	".harness/workspaces/",
}

// Init creates the harness layout, writes the default config unless one
// exists, and adds harness state to .gitignore. It reports whether a new
// config file was written.
func Init(p Paths) (bool, error) {
	for _, dir := range []string{p.HarnessDir(), p.RunsDir(), p.BusDir(), p.WorkspacesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	wrote := false
	if _, err := os.Stat(p.ConfigFile()); errors.Is(err, os.ErrNotExist) {
		data, err := Marshal(Default())
		if err != nil {
			return false, fmt.Errorf("render default config: %w", err)
		}
		if err := os.WriteFile(p.ConfigFile(), data, 0o644); err != nil {
			return false, fmt.Errorf("write config: %w", err)
		}
		wrote = true
	} else if err != nil {
		return false, fmt.Errorf("stat config: %w", err)
	}

	return wrote, ensureGitignore(filepath.Join(p.Root, ".gitignore"))
}

func ensureGitignore(path string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read .gitignore: %w", err)
	}
	have := map[string]bool{}
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}
	var missing []string
	for _, line := range gitignoreLines {
		if !have[line] {
			missing = append(missing, line)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		sb.WriteString("\n")
	}
	for _, line := range missing {
		sb.WriteString(line + "\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write .gitignore: %w", err)
	}
	return nil
}
