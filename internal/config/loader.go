package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// ConfigPathEnv overrides the config file location.
const ConfigPathEnv = "QUILL_CONFIG"

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults (via env-default tags).
//
// The file path is the argument, else QUILL_CONFIG, else the default
// path. A missing file is an error only when the path was given
// explicitly; otherwise ENV + defaults are used.
func Load(path string) (*Config, error) {
	var cfg Config

	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigPathEnv))
	}
	explicitPath := path != ""
	if !explicitPath {
		path = DefaultConfigPath()
	}
	path = expandUserPath(path)

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	cfg.DBPath = expandUserPath(cfg.DBPath)
	cfg.Embed.ModelPath = expandUserPath(cfg.Embed.ModelPath)
	cfg.Embed.TokenizerPath = expandUserPath(cfg.Embed.TokenizerPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration built from defaults and the environment,
// ignoring any config file.
func Default() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	return &cfg, nil
}
