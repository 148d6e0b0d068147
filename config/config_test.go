package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/engine"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.EngineDefault)
	assert.Equal(t, 1, cfg.IndependenceLevel)
	assert.Equal(t, 20*time.Minute, cfg.Loop.IterationTimeout())
	assert.Equal(t, 6, cfg.Loop.MaxParallelTasks)
	assert.Equal(t, 12, cfg.Loop.MaxDepth)
	assert.True(t, cfg.Evaluation.RequireTests)
	assert.True(t, cfg.Evaluation.RequireJudge)
	assert.Equal(t, "/workspace", cfg.Docker.WorkdirInContainer)
	assert.Contains(t, cfg.EnvPassthrough, "ANTHROPIC_API_KEY")
	assert.Contains(t, cfg.EnvPassthrough, "OPENAI_API_KEY")
}

func TestParseKeepsOmittedDefaults(t *testing.T) {
	cfg := Default()
	doc := `
independence_level: 2
evaluation:
  require_judge: false
goals:
  closed:
    test_commands:
      - go test ./...
engines:
  codex:
    cmd: /usr/local/bin/codex
    exec_args: [exec]
  judge-api:
    kind: api
    provider: anthropic
    model: claude-sonnet-4-5
`
	require.NoError(t, Parse([]byte(doc), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.IndependenceLevel)
	assert.False(t, cfg.Evaluation.RequireJudge)
	assert.True(t, cfg.Evaluation.RequireTests, "omitted keys keep defaults")
	assert.Equal(t, []string{"go test ./..."}, cfg.Goals.Closed.TestCommands)

	codex := cfg.Engines.Resolve("codex")
	assert.Equal(t, "/usr/local/bin/codex", codex.Cmd)
	assert.Equal(t, []string{"exec"}, codex.ExecArgs)
	assert.Equal(t, "claude", cfg.Engines.Resolve("claude").Cmd, "unmentioned engines survive")
	assert.True(t, cfg.Engines.Resolve("judge-api").IsAPI())
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"independence":   func(c *Config) { c.IndependenceLevel = 3 },
		"parallel":       func(c *Config) { c.Loop.MaxParallelTasks = 0 },
		"depth":          func(c *Config) { c.Loop.MaxDepth = -1 },
		"timeout":        func(c *Config) { c.Loop.MainIterationTimeoutS = -5 },
		"engine default": func(c *Config) { c.EngineDefault = "" },
		"api provider":   func(c *Config) { c.Engines["x"] = engine.Profile{Kind: engine.KindAPI} },
		"kind":           func(c *Config) { c.Engines["x"] = engine.Profile{Kind: "grpc"} },
		"log level":      func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HARNESS_ENGINE", "claude")
	t.Setenv("HARNESS_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.EngineDefault)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestJudgeEngineFallback(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "codex", cfg.JudgeEngine("claude"))
	cfg.Evaluation.JudgeEngine = ""
	assert.Equal(t, "claude", cfg.JudgeEngine("claude"))
}

func TestInit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("node_modules/"), 0o644))
	p := NewPaths(root)

	wrote, err := Init(p)
	require.NoError(t, err)
	assert.True(t, wrote)

	cfg, err := Load(p.ConfigFile())
	require.NoError(t, err)
	assert.Equal(t, Default().Loop, cfg.Loop)

	wrote, err = Init(p)
	require.NoError(t, err)
	assert.False(t, wrote, "existing config is kept")

	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	require.NoError(t, err)
	gi := string(data)
	assert.True(t, strings.HasPrefix(gi, "node_modules/\n.harness/state.sqlite*\n"))
	assert.Equal(t, 1, strings.Count(gi, ".harness/runs/"), "lines are not duplicated")

	for _, dir := range []string{p.RunsDir(), p.BusDir(), p.WorkspacesDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(root, ".harness", "state.sqlite"), p.StateDB())
	assert.Equal(t, filepath.Join(root, ".harness", "workspaces", "T1", "repo"), p.TaskRepo("T1"))
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warn", "error"} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}
