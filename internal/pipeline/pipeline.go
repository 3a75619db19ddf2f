// Package pipeline keeps chunk embeddings in step with the journal.
//
// A run scans every entry, re-chunks the ones whose text changed, then
// embeds chunks that still lack a vector one batch at a time. Each batch is
// committed as soon as it succeeds, so a cancelled or crashed run loses at
// most the batch in flight and the next run picks up the remainder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hurttlocker/quill/internal/chunk"
	"github.com/hurttlocker/quill/internal/embed"
	"github.com/hurttlocker/quill/internal/journal"
)

// Store is the chunk persistence the pipeline needs.
type Store interface {
	ChunkFingerprints(ctx context.Context) (map[string]string, error)
	ReplaceChunks(ctx context.Context, entryID, fingerprint string, chunks []journal.Chunk) error
	DeleteEntryChunks(ctx context.Context, entryID string) error
	ListPendingChunks(ctx context.Context) ([]journal.Chunk, error)
	SetEmbeddings(ctx context.Context, vectors map[string][]float32) error
}

// Options tunes batching, retries and pacing.
type Options struct {
	BatchSize         int           // chunks per provider call (default: 32)
	MaxAttempts       int           // attempts per provider call, first try included (default: 4)
	RequestsPerSecond float64       // provider call rate; 0 means unlimited
	InitialInterval   time.Duration // first retry delay (default: 500ms)
	MaxInterval       time.Duration // retry delay cap (default: 30s)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:       32,
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	return o
}

// Pipeline owns at most one active run at a time.
type Pipeline struct {
	source   journal.EntrySource
	store    Store
	chunker  *chunk.Chunker
	embedder embed.Embedder
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	active *Run
	last   *Run
}

// New creates a pipeline. A nil logger discards output.
func New(source journal.EntrySource, store Store, chunker *chunk.Chunker, embedder embed.Embedder, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		source:   source,
		store:    store,
		chunker:  chunker,
		embedder: embedder,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "pipeline"),
	}
}

// Start launches a run in the background. When a run is already active its
// handle is returned with started=false and nothing new is launched.
//
// Cancelling ctx has the same effect as Run.Cancel: the run stops before the
// next batch. Provider calls already in flight are never interrupted.
func (p *Pipeline) Start(ctx context.Context) (run *Run, started bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return p.active, false
	}

	r := newRun()
	p.active = r
	go p.execute(ctx, r)
	return r, true
}

// Active returns the running run, or nil.
func (p *Pipeline) Active() *Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Last returns the most recent run that left the active slot, or nil.
func (p *Pipeline) Last() *Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// RunSync starts (or joins) a run and waits for it to finish.
func (p *Pipeline) RunSync(ctx context.Context) (*Report, error) {
	r, _ := p.Start(ctx)
	return r.Wait(ctx)
}

func (p *Pipeline) execute(ctx context.Context, r *Run) {
	log := p.logger.With("run", r.ID)
	log.Info("embedding run started")

	err := p.run(ctx, r, log)

	// Release the slot before Done fires so a caller that waited can start
	// the next run straight away.
	p.mu.Lock()
	if p.active == r {
		p.active = nil
	}
	p.last = r
	p.mu.Unlock()

	switch {
	case err == nil:
		r.finish(StateCompleted, nil)
	case errors.Is(err, journal.ErrCancelled):
		r.finish(StateCancelled, nil)
	default:
		log.Error("embedding run failed", "error", err)
		r.finish(StateFailed, err)
	}

	rep := r.Report()
	log.Info("embedding run finished",
		"state", rep.State,
		"embedded", rep.Progress.EmbeddedChunks,
		"failed", rep.Progress.FailedChunks,
		"total", rep.Progress.TotalChunks,
		"elapsed", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond),
	)
}

func (p *Pipeline) run(ctx context.Context, r *Run, log *slog.Logger) error {
	// Provider calls and commits outlive cancellation of the caller's ctx.
	workCtx := context.WithoutCancel(ctx)
	stopped := func() bool { return r.cancelRequested() || ctx.Err() != nil }

	r.setState(StateScanning)
	if err := p.scan(workCtx, r, log); err != nil {
		return err
	}

	pending, err := p.store.ListPendingChunks(workCtx)
	if err != nil {
		return err
	}
	remaining := make(map[string]int)
	for _, c := range pending {
		remaining[c.EntryID]++
	}
	r.setTotals(len(remaining), len(pending))

	if stopped() {
		log.Info("embedding run cancelled before embedding")
		return journal.ErrCancelled
	}

	r.setState(StateEmbedding)

	batchSize := p.opts.BatchSize
	if limit := p.embedder.MaxBatch(); limit > 0 && limit < batchSize {
		batchSize = limit
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if p.opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.opts.RequestsPerSecond), 1)
	}

	for i := 0; i < len(pending); i += batchSize {
		if stopped() {
			log.Info("embedding run cancelled", "remaining", len(pending)-i)
			return journal.ErrCancelled
		}

		end := i + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[i:end]

		if err := p.embedBatch(workCtx, r, limiter, batch, log); err != nil {
			return err
		}

		entriesDone := 0
		for _, c := range batch {
			remaining[c.EntryID]--
			if remaining[c.EntryID] == 0 {
				entriesDone++
			}
		}
		r.addProcessed(entriesDone, len(batch))
	}
	return nil
}

// scan re-chunks changed entries and drops chunks of removed ones.
func (p *Pipeline) scan(ctx context.Context, r *Run, log *slog.Logger) error {
	entries, err := p.source.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}
	known, err := p.store.ChunkFingerprints(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.ID] = true
		fp := journal.Fingerprint(e.Text)
		if known[e.ID] == fp {
			continue
		}
		chunks := p.chunker.Split(e)
		if err := p.store.ReplaceChunks(ctx, e.ID, fp, chunks); err != nil {
			return err
		}
		r.noteRechunked()
		log.Debug("entry re-chunked", "entry", e.ID, "chunks", len(chunks))
	}

	for id := range known {
		if seen[id] {
			continue
		}
		if err := p.store.DeleteEntryChunks(ctx, id); err != nil {
			return err
		}
		r.notePruned()
		log.Debug("chunks pruned for removed entry", "entry", id)
	}
	return nil
}

// embedBatch embeds and commits one batch. If the batch call fails for a
// non-fatal reason every chunk is retried on its own so one bad chunk cannot
// sink its neighbours. Only Unauthorized and storage errors are returned.
func (p *Pipeline) embedBatch(ctx context.Context, r *Run, limiter *rate.Limiter, batch []journal.Chunk, log *slog.Logger) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vecs, err := p.embedWithRetry(ctx, limiter, texts, log)
	if err == nil && len(vecs) != len(batch) {
		err = fmt.Errorf("embedding count mismatch: got %d, expected %d: %w", len(vecs), len(batch), journal.ErrMalformedResponse)
	}
	if err == nil {
		return p.commit(ctx, r, batch, vecs)
	}
	if errors.Is(err, journal.ErrUnauthorized) {
		return err
	}

	if len(batch) == 1 {
		r.recordFailure(batch[0], err)
		log.Warn("chunk skipped", "chunk", batch[0].ID, "entry", batch[0].EntryID, "error", err)
		return nil
	}

	log.Warn("batch failed, retrying chunks individually", "size", len(batch), "error", err)
	for _, c := range batch {
		vec, err := p.embedWithRetry(ctx, limiter, []string{c.Text}, log)
		if err == nil && len(vec) != 1 {
			err = fmt.Errorf("embedding count mismatch: got %d, expected 1: %w", len(vec), journal.ErrMalformedResponse)
		}
		if err != nil {
			if errors.Is(err, journal.ErrUnauthorized) {
				return err
			}
			r.recordFailure(c, err)
			log.Warn("chunk skipped", "chunk", c.ID, "entry", c.EntryID, "error", err)
			continue
		}
		if err := p.commit(ctx, r, []journal.Chunk{c}, vec); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) commit(ctx context.Context, r *Run, chunks []journal.Chunk, vecs [][]float32) error {
	m := make(map[string][]float32, len(chunks))
	for i, c := range chunks {
		m[c.ID] = vecs[i]
	}
	if err := p.store.SetEmbeddings(ctx, m); err != nil {
		return err
	}
	r.addEmbedded(len(chunks))
	return nil
}

// embedWithRetry makes one paced provider call, retrying transient and
// rate-limit failures with exponential backoff up to MaxAttempts.
func (p *Pipeline) embedWithRetry(ctx context.Context, limiter *rate.Limiter, texts []string, log *slog.Logger) ([][]float32, error) {
	hinted := &hintedBackOff{BackOff: p.newBackOff()}
	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(p.opts.MaxAttempts-1)), ctx)

	var vecs [][]float32
	op := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		v, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if journal.IsRetryable(err) {
				hinted.hint = journal.RetryAfter(err)
				return err
			}
			return backoff.Permanent(err)
		}
		vecs = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("embedding call failed, retrying", "size", len(texts), "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (p *Pipeline) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialInterval
	b.MaxInterval = p.opts.MaxInterval
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

// runID returns a fresh run identifier.
func runID() string {
	return uuid.NewString()
}
