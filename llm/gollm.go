// Package llm drives API-hosted models as harness engines. A model call is
// presented through the same command contract as a CLI engine so the runner
// does not care which kind it is talking to.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/teilomillet/gollm"
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// defaultModels is used when a profile names a provider but no model.
var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5-20250514",
}

// Gollm is a Generator backed by gollm.
type Gollm struct {
	provider string
	model    string
	llm      gollm.LLM
}

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extra       []gollm.ConfigOption
}

// GollmOption configures NewGollm.
type GollmOption func(*gollmConfig)

// WithAPIKey sets the API key. Without it gollm reads the provider's
// standard environment variable.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel selects the model.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions appends raw gollm options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extra = append(c.extra, opts...) }
}

// NewGollm builds a Generator for provider.
func NewGollm(provider string, opts ...GollmOption) (*Gollm, error) {
	cfg := &gollmConfig{maxTokens: 4096, temperature: 0.2}
	for _, opt := range opts {
		opt(cfg)
	}
	model := cfg.model
	if model == "" {
		model = defaultModels[provider]
	}
	if model == "" {
		return nil, fmt.Errorf("llm: no model configured for provider %q", provider)
	}

	gopts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Retry handles this
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gopts = append(gopts, gollm.SetAPIKey(cfg.apiKey))
	}
	gopts = append(gopts, cfg.extra...)

	client, err := gollm.NewLLM(gopts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create %s client: %w", provider, err)
	}
	return &Gollm{provider: provider, model: model, llm: client}, nil
}

// Provider returns the provider name.
func (g *Gollm) Provider() string { return g.provider }

// Model returns the model name.
func (g *Gollm) Model() string { return g.model }

// Generate sends one prompt and returns the text, with failures classified.
func (g *Gollm) Generate(ctx context.Context, system, prompt string) (string, error) {
	var popts []gollm.PromptOption
	if s := strings.TrimSpace(system); s != "" {
		popts = append(popts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	text, err := g.llm.Generate(ctx, gollm.NewPrompt(prompt, popts...))
	if err != nil {
		return "", Classify(g.provider, err)
	}
	return text, nil
}
