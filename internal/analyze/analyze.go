// Package analyze turns journal entries into EntryAnalytics records.
//
// Reading the entry is delegated to an LLM provider with a fixed JSON
// schema. The analyzer itself validates and normalizes what comes back,
// attaches provenance spans for detected events, and upserts the result
// keyed by entry id.
package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/llm"
)

// Store is the persistence the analyzer needs.
type Store interface {
	journal.EntrySource
	GetAnalytics(ctx context.Context, entryID string) (*journal.EntryAnalytics, error)
	UpsertAnalytics(ctx context.Context, a *journal.EntryAnalytics) error
}

// Options tunes retries and validation.
type Options struct {
	MaxAttempts     int           // attempts per entry, first try included (default: 3)
	ClampTolerance  float64       // fraction of a range's width that is still clamped (default: 0.1)
	InitialInterval time.Duration // first retry delay (default: 1s)
	MaxInterval     time.Duration // retry delay cap (default: 30s)
	MaxTokens       int           // completion budget (default: 2048)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		ClampTolerance:  0.1,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxTokens:       2048,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.ClampTolerance < 0 {
		o.ClampTolerance = 0
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	return o
}

// Analyzer analyzes entries one at a time or in bulk.
type Analyzer struct {
	store    Store
	provider llm.Provider
	opts     Options
	norm     normalizer
	logger   *slog.Logger
	now      func() time.Time
	batches  singleflight.Group
	batchMu  sync.Mutex
}

// New creates an analyzer. A nil logger discards output.
func New(store Store, provider llm.Provider, opts Options, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts = opts.withDefaults()
	return &Analyzer{
		store:    store,
		provider: provider,
		opts:     opts,
		norm:     normalizer{tolerance: opts.ClampTolerance},
		logger:   logger.With("component", "analyze"),
		now:      time.Now,
	}
}

// Analyze extracts, validates and stores the analytics of one entry,
// replacing any previous record for it.
func (a *Analyzer) Analyze(ctx context.Context, entry journal.Entry) (*journal.EntryAnalytics, error) {
	rec, err := a.Extract(ctx, entry)
	if err != nil {
		return nil, err
	}
	// a finished analysis is kept even if the caller gave up meanwhile
	if err := a.store.UpsertAnalytics(context.WithoutCancel(ctx), rec); err != nil {
		return nil, fmt.Errorf("storing analytics for %s: %w", entry.ID, err)
	}
	a.logger.Debug("entry analyzed", "entry", entry.ID, "events", len(rec.Events), "confidence", rec.Confidence)
	return rec, nil
}

// AnalyzeByID loads an entry and analyzes it.
func (a *Analyzer) AnalyzeByID(ctx context.Context, entryID string) (*journal.EntryAnalytics, error) {
	entry, err := a.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return a.Analyze(ctx, *entry)
}

// Extract runs the provider and validation without storing anything.
func (a *Analyzer) Extract(ctx context.Context, entry journal.Entry) (*journal.EntryAnalytics, error) {
	if a.provider == nil {
		return nil, fmt.Errorf("entry analysis needs an LLM provider")
	}

	raw, err := a.completeWithRetry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("analyzing entry %s: %w", entry.ID, err)
	}
	rec, err := a.norm.normalize(raw, entry)
	if err != nil {
		return nil, fmt.Errorf("analyzing entry %s: %w", entry.ID, err)
	}
	rec.AnalyzedAt = a.now().UTC()
	return rec, nil
}

// completeWithRetry asks the provider for an analysis. Transient and
// rate-limit failures are retried with exponential backoff; everything
// else, including an unparseable answer, fails immediately.
func (a *Analyzer) completeWithRetry(ctx context.Context, entry journal.Entry) (*rawAnalysis, error) {
	hinted := &hintedBackOff{BackOff: a.newBackOff()}
	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(a.opts.MaxAttempts-1)), ctx)

	opts := llm.CompletionOpts{
		MaxTokens: a.opts.MaxTokens,
		Format:    "json",
		System:    systemPrompt,
	}
	prompt := userPrompt(entry)

	var raw rawAnalysis
	op := func() error {
		out, err := a.provider.Complete(ctx, prompt, opts)
		if err != nil {
			if journal.IsRetryable(err) {
				hinted.hint = journal.RetryAfter(err)
				return err
			}
			return backoff.Permanent(err)
		}
		raw = rawAnalysis{}
		if err := json.Unmarshal([]byte(out), &raw); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding analysis: %v: %w", err, journal.ErrMalformedResponse))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("analysis call failed, retrying", "entry", entry.ID, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}
	return &raw, nil
}

func (a *Analyzer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.InitialInterval
	b.MaxInterval = a.opts.MaxInterval
	b.MaxElapsedTime = 0
	return b
}

// hintedBackOff waits at least as long as the provider asked for.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d != backoff.Stop && h.hint > d {
		d = h.hint
	}
	h.hint = 0
	return d
}
