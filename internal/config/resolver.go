package config

import (
	"os"
	"strings"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceStatic  ValueSource = "static"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// KeySource looks up API keys by provider name.
type KeySource interface {
	LookupKey(provider string) (ResolvedValue, bool)
}

var providerKeyEnv = map[string][]string{
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
	"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai":     {"OPENAI_API_KEY"},
	"deepseek":   {"DEEPSEEK_API_KEY"},
}

// EnvKeys reads keys from the provider's conventional environment variables.
type EnvKeys struct {
	lookup func(string) (string, bool)
}

// NewEnvKeys returns a KeySource backed by the process environment.
func NewEnvKeys() EnvKeys {
	return EnvKeys{lookup: os.LookupEnv}
}

func (e EnvKeys) LookupKey(provider string) (ResolvedValue, bool) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, name := range providerKeyEnv[providerOf(provider)] {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			return ResolvedValue{Value: strings.TrimSpace(v), Source: SourceEnv, From: name}, true
		}
	}
	return ResolvedValue{}, false
}

// StaticKeys is a fixed provider → key map, mostly for tests and embedding.
type StaticKeys map[string]string

func (s StaticKeys) LookupKey(provider string) (ResolvedValue, bool) {
	p := providerOf(provider)
	if v := strings.TrimSpace(s[p]); v != "" {
		return ResolvedValue{Value: v, Source: SourceStatic, From: p}, true
	}
	return ResolvedValue{}, false
}

// LLMKey resolves the extraction provider key: llm.api_key (or
// QUILL_LLM_API_KEY) first, then keys.
func (c *Config) LLMKey(keys KeySource) ResolvedValue {
	return resolveKey(c.LLM.APIKey, "llm.api_key", c.LLM.Provider, keys)
}

// EmbedKey resolves the embedding provider key the same way.
func (c *Config) EmbedKey(keys KeySource) ResolvedValue {
	return resolveKey(c.Embed.APIKey, "embed.api_key", c.Embed.Provider, keys)
}

func resolveKey(configured, field, provider string, keys KeySource) ResolvedValue {
	if v := strings.TrimSpace(configured); v != "" {
		return ResolvedValue{Value: v, Source: SourceConfig, From: field}
	}
	if keys != nil {
		if v, ok := keys.LookupKey(provider); ok {
			return v
		}
	}
	return ResolvedValue{Source: SourceUnknown}
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}
