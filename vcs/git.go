// Package vcs reads and prepares task repositories with git.
package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/martinemde/harness/execenv"
)

// Differ reports a repository's uncommitted changes.
type Differ interface {
	Diff(ctx context.Context, repo string) (stat, patch string, err error)
}

// Git runs the git CLI through an executor.
type Git struct {
	Exec execenv.Executor
	// Binary defaults to "git".
	Binary string
}

// NewGit returns a Git that runs on the host.
func NewGit() *Git {
	return &Git{Exec: execenv.NewLocal("")}
}

func (g *Git) bin() string {
	if g.Binary == "" {
		return "git"
	}
	return g.Binary
}

func (g *Git) run(ctx context.Context, args ...string) (*execenv.Result, error) {
	argv := append([]string{g.bin()}, args...)
	res, err := g.Exec.Exec(ctx, argv, "")
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return res, nil
}

// Diff returns `git diff --stat` and `git diff` of the working tree, each
// trimmed. A repository git cannot read yields empty output, not an error.
func (g *Git) Diff(ctx context.Context, repo string) (string, string, error) {
	stat, err := g.run(ctx, "-C", repo, "diff", "--stat")
	if err != nil {
		return "", "", err
	}
	patch, err := g.run(ctx, "-C", repo, "diff")
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(stat.Stdout), strings.TrimSpace(patch.Stdout), nil
}

// EnsureClone clones src into dst unless dst already holds a repository.
func (g *Git) EnsureClone(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(filepath.Join(dst, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	res, err := g.run(ctx, "clone", "--no-hardlinks", src, dst)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone %s: exit %d: %s", src, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context, dir string) bool {
	res, err := g.run(ctx, "-C", dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "true"
}
