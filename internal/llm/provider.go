// Package llm provides a provider-agnostic completion adapter for Quill.
// Used by entry analysis and summary narration.
//
// Providers make exactly one attempt per call. Failures are reported as
// *journal.ProviderError so callers can decide what to retry.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns a human-readable provider name (e.g., "anthropic/claude-sonnet-4-5").
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // Max tokens to generate (0 = provider default)
	Temperature float64 // 0.0-2.0 (0 = deterministic)
	Model       string  // Override model for this request (empty = use provider default)
	Format      string  // "json" for structured output, empty for plain text
	System      string  // System prompt (optional)
}

// Config holds provider configuration.
type Config struct {
	Provider string        // "anthropic", "openrouter", "google"
	Model    string        // e.g., "claude-sonnet-4-5", "openai/gpt-4o-mini"
	APIKey   string        // API key (empty = read from env)
	BaseURL  string        // Optional URL override
	Timeout  time.Duration // Per-request timeout (0 = 2 minutes)
}

// Default models per provider.
const (
	DefaultAnthropicModel  = "claude-sonnet-4-5"
	DefaultOpenRouterModel = "openai/gpt-4o-mini"
	DefaultGoogleModel     = "gemini-2.5-flash"
)

var keyEnv = map[string][]string{
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
	"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	provider := strings.ToLower(cfg.Provider)
	envs, ok := keyEnv[provider]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: anthropic, openrouter, google)", cfg.Provider)
	}

	key := cfg.APIKey
	for _, name := range envs {
		if key != "" {
			break
		}
		key = os.Getenv(name)
	}
	if key == "" {
		return nil, fmt.Errorf("%s provider requires %s env var", provider, strings.Join(envs, " or "))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	switch provider {
	case "anthropic":
		model := cfg.Model
		if model == "" {
			model = DefaultAnthropicModel
		}
		return newAnthropicProvider(key, model, cfg.BaseURL, timeout), nil

	case "openrouter":
		model := cfg.Model
		if model == "" {
			model = DefaultOpenRouterModel
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		p := &openrouterProvider{apiKey: key, model: model, baseURL: baseURL}
		p.client.Timeout = timeout
		return p, nil

	default:
		model := cfg.Model
		if model == "" {
			model = DefaultGoogleModel
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://generativelanguage.googleapis.com/v1beta"
		}
		p := &googleProvider{apiKey: key, model: model, baseURL: baseURL}
		p.client.Timeout = timeout
		return p, nil
	}
}

// ParseLLMFlag parses a --llm flag value into a Config.
// Format: "provider/model" e.g., "anthropic/claude-sonnet-4-5", "openrouter/openai/gpt-4o-mini"
func ParseLLMFlag(flag string) (Config, error) {
	if flag == "" {
		return Config{Provider: "anthropic", Model: DefaultAnthropicModel}, nil
	}

	parts := strings.SplitN(flag, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		return Config{}, fmt.Errorf("invalid --llm format %q: expected provider/model (e.g., anthropic/claude-sonnet-4-5)", flag)
	}

	provider := strings.ToLower(parts[0])
	if _, ok := keyEnv[provider]; !ok {
		return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: anthropic, openrouter, google)", provider)
	}
	return Config{Provider: provider, Model: parts[1]}, nil
}
