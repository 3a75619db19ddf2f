// Package app wires Quill's components from configuration.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hurttlocker/quill/internal/aggregate"
	"github.com/hurttlocker/quill/internal/analyze"
	"github.com/hurttlocker/quill/internal/chunk"
	"github.com/hurttlocker/quill/internal/config"
	"github.com/hurttlocker/quill/internal/embed"
	"github.com/hurttlocker/quill/internal/ingest"
	"github.com/hurttlocker/quill/internal/llm"
	"github.com/hurttlocker/quill/internal/pipeline"
	"github.com/hurttlocker/quill/internal/search"
	"github.com/hurttlocker/quill/internal/store"
	"github.com/hurttlocker/quill/internal/tools"
)

// App holds every component built from one Config.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store    *store.SQLiteStore
	Embedder embed.Embedder
	Provider llm.Provider // nil when llm.provider is "none"

	Importer *ingest.Engine
	Chunker  *chunk.Chunker
	Pipeline *pipeline.Pipeline
	Index    *search.Index
	Analyzer *analyze.Analyzer
	Engine   *aggregate.Engine
	Tools    *tools.Registry

	closers []io.Closer
}

// New builds the application. API keys are looked up in keys after the
// config's own api_key fields; nil means the process environment.
func New(cfg *config.Config, keys config.KeySource, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if keys == nil {
		keys = config.NewEnvKeys()
	}

	a := &App{Config: cfg, Logger: logger}

	st, err := store.Open(store.StoreConfig{DBPath: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st)

	if a.Embedder, err = newEmbedder(cfg, keys, logger); err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := a.Embedder.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	if cfg.LLMEnabled() {
		key := cfg.LLMKey(keys)
		a.Provider, err = llm.NewProvider(llm.Config{
			Provider: strings.ToLower(cfg.LLM.Provider),
			Model:    cfg.LLM.Model,
			APIKey:   key.Value,
			BaseURL:  cfg.LLM.BaseURL,
			Timeout:  cfg.LLM.Timeout,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating LLM provider: %w", err)
		}
		logger.Debug("llm provider ready", "provider", a.Provider.Name(), "key_source", key.Source, "key_from", key.From)
	}

	var counter chunk.TokenCounter
	if cfg.Embed.TokenizerPath != "" {
		tc, err := chunk.NewTokenizerCounter(cfg.Embed.TokenizerPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("loading tokenizer: %w", err)
		}
		counter = tc
	}
	a.Chunker = chunk.New(chunk.Policy{MaxTokens: cfg.Chunk.MaxTokens, Overlap: cfg.Chunk.Overlap}, counter)

	a.Importer = ingest.NewEngine(st, logger)

	a.Pipeline = pipeline.New(st, st, a.Chunker, a.Embedder, pipeline.Options{
		BatchSize:         cfg.Embed.BatchSize,
		MaxAttempts:       cfg.Embed.MaxAttempts,
		RequestsPerSecond: cfg.Embed.RequestsPerSecond,
	}, logger)

	a.Index = search.NewIndex(st, a.Embedder, logger)

	a.Analyzer = analyze.New(st, a.Provider, analyze.Options{
		MaxAttempts:    cfg.LLM.MaxAttempts,
		ClampTolerance: cfg.Analyze.ClampTolerance,
		MaxTokens:      cfg.Analyze.MaxTokens,
	}, logger)

	// A nil *LLMNarrator must not become a non-nil Narrator.
	var narrator aggregate.Narrator
	if a.Provider != nil && cfg.Aggregate.Narrate {
		narrator = aggregate.NewLLMNarrator(a.Provider)
	}
	a.Engine = aggregate.New(st, narrator, aggregate.Options{
		TrendThreshold: cfg.Aggregate.TrendThreshold,
		TopDrivers:     cfg.Aggregate.TopDrivers,
		ConfidenceZ:    cfg.Aggregate.ConfidenceZ,
	}, logger)

	a.Tools = tools.NewRegistry(a.Index, a.Engine, logger)

	return a, nil
}

func newEmbedder(cfg *config.Config, keys config.KeySource, logger *slog.Logger) (embed.Embedder, error) {
	provider := strings.TrimSpace(cfg.Embed.Provider)
	switch strings.ToLower(provider) {
	case "hash":
		logger.Debug("using hash embedder")
		return embed.NewHashEmbedder(), nil
	case "local":
		e, err := embed.NewLocalEmbedder(embed.LocalConfig{
			ModelPath:     cfg.Embed.ModelPath,
			TokenizerPath: cfg.Embed.TokenizerPath,
			LibraryPath:   cfg.Embed.ORTLibrary,
		})
		if err != nil {
			return nil, fmt.Errorf("creating local embedder: %w", err)
		}
		return e, nil
	}

	ec, err := embed.ParseEmbedFlag(provider)
	if err != nil {
		return nil, fmt.Errorf("embed provider: %w", err)
	}
	if cfg.Embed.Endpoint != "" {
		ec.Endpoint = cfg.Embed.Endpoint
	}
	if key := cfg.EmbedKey(keys); key.Value != "" {
		ec.APIKey = key.Value
	}
	if secs := int(cfg.Embed.Timeout.Seconds()); secs > 0 {
		ec.TimeoutSecs = secs
	}
	client, err := embed.NewClient(ec)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	return client, nil
}

// Close releases the store and any embedder resources.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
