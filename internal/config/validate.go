package config

import (
	"fmt"
	"strings"
)

var (
	logLevels    = []string{"debug", "info", "warn", "error"}
	logFormats   = []string{"text", "json"}
	llmProviders = []string{"none", "anthropic", "openrouter", "google"}
)

// Validate performs rule validation on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if err := c.Log.validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Embed.validate(); err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := c.LLM.validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if c.Chunk.MaxTokens <= 0 {
		return fmt.Errorf("chunk: max_tokens must be > 0 (got %d)", c.Chunk.MaxTokens)
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap > 0.5 {
		return fmt.Errorf("chunk: overlap must be within [0, 0.5] (got %v)", c.Chunk.Overlap)
	}
	if c.Analyze.ClampTolerance < 0 || c.Analyze.ClampTolerance > 1 {
		return fmt.Errorf("analyze: clamp_tolerance must be within [0, 1] (got %v)", c.Analyze.ClampTolerance)
	}
	if c.Aggregate.TrendThreshold <= 0 {
		return fmt.Errorf("aggregate: trend_threshold must be > 0 (got %v)", c.Aggregate.TrendThreshold)
	}
	if c.Aggregate.ConfidenceZ <= 0 {
		return fmt.Errorf("aggregate: confidence_z must be > 0 (got %v)", c.Aggregate.ConfidenceZ)
	}
	return nil
}

func (l *LogConfig) validate() error {
	if !oneOf(l.Level, logLevels) {
		return fmt.Errorf("level must be one of %s (got %q)", strings.Join(logLevels, ", "), l.Level)
	}
	if !oneOf(l.Format, logFormats) {
		return fmt.Errorf("format must be one of %s (got %q)", strings.Join(logFormats, ", "), l.Format)
	}
	return nil
}

func (e *EmbedConfig) validate() error {
	switch p := strings.ToLower(strings.TrimSpace(e.Provider)); {
	case p == "hash":
	case p == "local":
		if e.ModelPath == "" || e.TokenizerPath == "" {
			return fmt.Errorf("local provider needs model_path and tokenizer_path")
		}
	case strings.Contains(p, "/"):
	default:
		return fmt.Errorf("provider must be hash, local or provider/model (got %q)", e.Provider)
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", e.BatchSize)
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0 (got %d)", e.MaxAttempts)
	}
	if e.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be >= 0 (got %v)", e.RequestsPerSecond)
	}
	return nil
}

func (l *LLMConfig) validate() error {
	if !oneOf(l.Provider, llmProviders) {
		return fmt.Errorf("provider must be one of %s (got %q)", strings.Join(llmProviders, ", "), l.Provider)
	}
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0 (got %d)", l.MaxAttempts)
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
