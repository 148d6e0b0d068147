// Package engine describes the coding agents the harness can drive and
// builds the command lines and prompts sent to them.
package engine

// Well-known engine names.
const (
	Codex  = "codex"
	Claude = "claude"
	Hybrid = "hybrid"
)

// Kind says how a profile is invoked.
type Kind string

const (
	// KindCLI engines are binaries run inside the task environment.
	KindCLI Kind = "cli"
	// KindAPI engines are hosted models called directly from the harness.
	KindAPI Kind = "api"
)

// Role selects which argument list a command is built with.
type Role string

const (
	RoleWorker  Role = "exec"
	RolePlanner Role = "planner"
	RoleJudge   Role = "judge"
)

// Profile is the invocation template for one engine.
type Profile struct {
	Kind        Kind     `yaml:"kind,omitempty" json:"kind,omitempty"`
	Cmd         string   `yaml:"cmd" json:"cmd"`
	ExecArgs    []string `yaml:"exec_args,omitempty" json:"exec_args,omitempty"`
	PlannerArgs []string `yaml:"planner_args,omitempty" json:"planner_args,omitempty"`
	JudgeArgs   []string `yaml:"judge_args,omitempty" json:"judge_args,omitempty"`

	// Provider and Model apply to KindAPI profiles.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
}

// IsAPI reports whether the profile calls a hosted model.
func (p Profile) IsAPI() bool { return p.Kind == KindAPI }

// Args returns the argument list for role.
func (p Profile) Args(role Role) []string {
	switch role {
	case RolePlanner:
		return p.PlannerArgs
	case RoleJudge:
		return p.JudgeArgs
	default:
		return p.ExecArgs
	}
}

// Command returns [cmd, role args..., prompt].
func (p Profile) Command(role Role, prompt string) []string {
	args := p.Args(role)
	argv := make([]string, 0, len(args)+2)
	argv = append(argv, p.Cmd)
	argv = append(argv, args...)
	return append(argv, prompt)
}

// Registry maps engine names to profiles.
type Registry map[string]Profile

// Resolve returns the profile for name. Unconfigured engines run the binary
// of the same name with no arguments.
func (r Registry) Resolve(name string) Profile {
	p, ok := r[name]
	if !ok {
		return Profile{Kind: KindCLI, Cmd: name}
	}
	if p.Kind == "" {
		p.Kind = KindCLI
	}
	if p.Cmd == "" {
		p.Cmd = name
	}
	return p
}

// Defaults returns the built-in profiles for codex and claude.
func Defaults() Registry {
	return Registry{
		Codex: {
			Kind:        KindCLI,
			Cmd:         "codex",
			ExecArgs:    []string{"exec", "--json", "--ask-for-approval", "never", "--sandbox", "workspace-write"},
			PlannerArgs: []string{"exec", "--json", "--ask-for-approval", "never", "--sandbox", "read-only"},
			JudgeArgs:   []string{"exec", "--json", "--ask-for-approval", "never", "--sandbox", "read-only"},
		},
		Claude: {
			Kind:        KindCLI,
			Cmd:         "claude",
			ExecArgs:    []string{"-p", "--output-format", "stream-json", "--verbose", "--include-partial-messages"},
			PlannerArgs: []string{"-p", "--output-format", "stream-json", "--verbose", "--permission-mode", "plan"},
			JudgeArgs:   []string{"-p", "--output-format", "json"},
		},
	}
}
