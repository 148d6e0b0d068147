// Package config loads the harness configuration file and computes the
// on-disk layout under a project's .harness directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/harness/engine"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the parsed .harness/config.yaml.
type Config struct {
	EngineDefault     string          `yaml:"engine_default"`
	IndependenceLevel int             `yaml:"independence_level"`
	Loop              Loop            `yaml:"loop"`
	Docker            Docker          `yaml:"docker"`
	Evaluation        Evaluation      `yaml:"evaluation"`
	Goals             Goals           `yaml:"goals"`
	Engines           engine.Registry `yaml:"engines"`
	Bus               Bus             `yaml:"bus"`
	Log               Log             `yaml:"log"`
	// EnvPassthrough names host variables handed to local task commands
	// even though they look like secrets.
	EnvPassthrough []string `yaml:"env_passthrough"`
}

// DefaultEnvPassthrough are the credentials the built-in engines read.
var DefaultEnvPassthrough = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"CODEX_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
}

// Loop holds runner limits.
type Loop struct {
	MainIterationTimeoutS int `yaml:"main_iteration_timeout_s"`
	MaxParallelTasks      int `yaml:"max_parallel_tasks"`
	MaxDepth              int `yaml:"max_depth"`
	// PlanGateTimeoutS bounds the wait for a plan approval; 0 waits forever.
	PlanGateTimeoutS int `yaml:"plan_gate_timeout_s"`
}

// IterationTimeout is the worker deadline, or 0 for none.
func (l Loop) IterationTimeout() time.Duration {
	return time.Duration(l.MainIterationTimeoutS) * time.Second
}

// PlanGateTimeout is the plan approval wait, or 0 for unbounded.
func (l Loop) PlanGateTimeout() time.Duration {
	return time.Duration(l.PlanGateTimeoutS) * time.Second
}

// Docker describes task containers.
type Docker struct {
	Image              string `yaml:"image"`
	WorkdirInContainer string `yaml:"workdir_in_container"`
	NetworkMode        string `yaml:"network_mode"`
	CPUs               string `yaml:"cpus"`
	Memory             string `yaml:"memory"`
}

// Evaluation controls the verification and judge gates.
type Evaluation struct {
	RequireTests bool   `yaml:"require_tests"`
	RequireJudge bool   `yaml:"require_judge"`
	JudgeEngine  string `yaml:"judge_engine"`
	JudgeModel   string `yaml:"judge_model"`
}

// Goals holds per-mode goal settings.
type Goals struct {
	Closed ClosedGoal `yaml:"closed"`
}

// ClosedGoal lists the verification commands for closed mode.
type ClosedGoal struct {
	TestCommands []string `yaml:"test_commands"`
}

// Bus tunes the file bus.
type Bus struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// PollInterval returns the fallback poll period.
func (b Bus) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// Log configures the process logger.
type Log struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		EngineDefault:     engine.Codex,
		IndependenceLevel: 1,
		Loop: Loop{
			MainIterationTimeoutS: 1200,
			MaxParallelTasks:      6,
			MaxDepth:              12,
		},
		Docker: Docker{
			Image:              "harness-agent:latest",
			WorkdirInContainer: "/workspace",
			NetworkMode:        "bridge",
			CPUs:               "2",
			Memory:             "6g",
		},
		Evaluation: Evaluation{
			RequireTests: true,
			RequireJudge: true,
			JudgeEngine:  engine.Codex,
		},
		Goals:   Goals{Closed: ClosedGoal{TestCommands: []string{}}},
		Engines: engine.Defaults(),
		Bus:     Bus{PollIntervalMs: 1000},
		Log:     Log{Level: "info"},

		EnvPassthrough: slices.Clone(DefaultEnvPassthrough),
	}
}

// Load reads path on top of Default. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML onto cfg, keeping any field the document omits. Engine
// profiles are merged per engine name.
func Parse(data []byte, cfg *Config) error {
	base := cfg.Engines
	cfg.Engines = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	merged := engine.Registry{}
	for name, p := range base {
		merged[name] = p
	}
	for name, p := range cfg.Engines {
		merged[name] = p
	}
	cfg.Engines = merged
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("HARNESS_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("HARNESS_ENGINE")); v != "" {
		c.EngineDefault = v
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.EngineDefault == "":
		return fmt.Errorf("%w: engine_default is empty", ErrInvalid)
	case c.IndependenceLevel != 1 && c.IndependenceLevel != 2:
		return fmt.Errorf("%w: independence_level must be 1 or 2, got %d", ErrInvalid, c.IndependenceLevel)
	case c.Loop.MainIterationTimeoutS < 0:
		return fmt.Errorf("%w: loop.main_iteration_timeout_s is negative", ErrInvalid)
	case c.Loop.MaxParallelTasks < 1:
		return fmt.Errorf("%w: loop.max_parallel_tasks must be at least 1", ErrInvalid)
	case c.Loop.MaxDepth < 0:
		return fmt.Errorf("%w: loop.max_depth is negative", ErrInvalid)
	case c.Loop.PlanGateTimeoutS < 0:
		return fmt.Errorf("%w: loop.plan_gate_timeout_s is negative", ErrInvalid)
	}
	for name, p := range c.Engines {
		if p.Kind != "" && p.Kind != engine.KindCLI && p.Kind != engine.KindAPI {
			return fmt.Errorf("%w: engines.%s.kind %q", ErrInvalid, name, p.Kind)
		}
		if p.Kind == engine.KindAPI && p.Provider == "" {
			return fmt.Errorf("%w: engines.%s.provider is required for api engines", ErrInvalid, name)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// JudgeEngine returns the configured judge engine, falling back to the
// task engine.
func (c Config) JudgeEngine(taskEngine string) string {
	if c.Evaluation.JudgeEngine != "" {
		return c.Evaluation.JudgeEngine
	}
	return taskEngine
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
