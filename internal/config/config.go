// Package config loads Quill's configuration.
//
// Values come from a YAML file (optional), overlaid by QUILL_* environment
// variables, with env-default tags filling the rest.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	DBPath    string          `yaml:"db_path" env:"QUILL_DB" env-default:"~/.quill/quill.db"`
	Log       LogConfig       `yaml:"log"`
	Embed     EmbedConfig     `yaml:"embed"`
	LLM       LLMConfig       `yaml:"llm"`
	Chunk     ChunkConfig     `yaml:"chunk"`
	Analyze   AnalyzeConfig   `yaml:"analyze"`
	Aggregate AggregateConfig `yaml:"aggregate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"QUILL_LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"QUILL_LOG_FORMAT" env-default:"text"`
}

// EmbedConfig selects the embedding provider.
//
// Provider is "hash", "local" or "provider/model" for an OpenAI-compatible
// HTTP endpoint (ollama, openai, openrouter, deepseek, custom).
type EmbedConfig struct {
	Provider          string        `yaml:"provider"            env:"QUILL_EMBED"                env-default:"hash"`
	Endpoint          string        `yaml:"endpoint"            env:"QUILL_EMBED_ENDPOINT"`
	APIKey            string        `yaml:"api_key"             env:"QUILL_EMBED_API_KEY"`
	Timeout           time.Duration `yaml:"timeout"             env:"QUILL_EMBED_TIMEOUT"        env-default:"60s"`
	BatchSize         int           `yaml:"batch_size"          env:"QUILL_EMBED_BATCH_SIZE"     env-default:"32"`
	MaxAttempts       int           `yaml:"max_attempts"        env:"QUILL_EMBED_MAX_ATTEMPTS"   env-default:"4"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"QUILL_EMBED_RPS"            env-default:"0"`
	ModelPath         string        `yaml:"model_path"          env:"QUILL_EMBED_MODEL_PATH"`
	TokenizerPath     string        `yaml:"tokenizer_path"      env:"QUILL_EMBED_TOKENIZER_PATH"`
	ORTLibrary        string        `yaml:"ort_library"         env:"QUILL_ORT_LIBRARY"`
}

// LLMConfig selects the text extraction provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider"     env:"QUILL_LLM"              env-default:"none"`
	Model       string        `yaml:"model"        env:"QUILL_LLM_MODEL"`
	APIKey      string        `yaml:"api_key"      env:"QUILL_LLM_API_KEY"`
	BaseURL     string        `yaml:"base_url"     env:"QUILL_LLM_BASE_URL"`
	Timeout     time.Duration `yaml:"timeout"      env:"QUILL_LLM_TIMEOUT"      env-default:"2m"`
	MaxAttempts int           `yaml:"max_attempts" env:"QUILL_LLM_MAX_ATTEMPTS" env-default:"3"`
}

// ChunkConfig holds the chunking policy.
type ChunkConfig struct {
	MaxTokens int     `yaml:"max_tokens" env:"QUILL_CHUNK_MAX_TOKENS" env-default:"256"`
	Overlap   float64 `yaml:"overlap"    env:"QUILL_CHUNK_OVERLAP"    env-default:"0.15"`
}

// AnalyzeConfig tunes per-entry analysis.
type AnalyzeConfig struct {
	ClampTolerance float64 `yaml:"clamp_tolerance" env:"QUILL_ANALYZE_CLAMP_TOLERANCE" env-default:"0.1"`
	MaxTokens      int     `yaml:"max_tokens"      env:"QUILL_ANALYZE_MAX_TOKENS"      env-default:"2048"`
}

// AggregateConfig tunes summaries.
type AggregateConfig struct {
	TrendThreshold float64 `yaml:"trend_threshold" env:"QUILL_TREND_THRESHOLD" env-default:"5"`
	TopDrivers     int     `yaml:"top_drivers"     env:"QUILL_TOP_DRIVERS"     env-default:"5"`
	ConfidenceZ    float64 `yaml:"confidence_z"    env:"QUILL_CONFIDENCE_Z"    env-default:"1.96"`
	Narrate        bool    `yaml:"narrate"         env:"QUILL_NARRATE"         env-default:"true"`
}

// DefaultConfigPath returns ~/.quill/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".quill", "config.yaml")
}

// LLMEnabled reports whether an extraction provider is configured.
func (c *Config) LLMEnabled() bool {
	p := strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	return p != "" && p != "none"
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
