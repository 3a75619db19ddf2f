package analyze

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
)

// BatchOptions selects what AnalyzeAll processes.
type BatchOptions struct {
	Force    bool     // re-analyze entries whose text has not changed
	EntryIDs []string // restrict to these entries (empty = all)
}

// EntryFailure records one entry the batch could not analyze.
type EntryFailure struct {
	EntryID string `json:"entry_id"`
	Error   string `json:"error"`
}

// BatchReport summarizes an AnalyzeAll call. Attempted counts every entry
// handed to the provider, successful or not.
type BatchReport struct {
	Total      int            `json:"total"`
	Attempted  int            `json:"attempted"`
	Analyzed   int            `json:"analyzed"`
	Skipped    int            `json:"skipped"`
	Failures   []EntryFailure `json:"failures,omitempty"`
	Cancelled  bool           `json:"cancelled"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// AnalyzeAll analyzes every selected entry whose analytics are missing or
// out of date. Failures of single entries are recorded and the batch moves
// on; storage failures and a rejected API key end it early.
//
// Only one batch runs at a time. A call with the same options as the batch
// in flight joins it and receives its report; a call with different options
// waits for it to finish and then runs its own. A joiner whose batch was
// cancelled by the caller that started it runs again.
func (a *Analyzer) AnalyzeAll(ctx context.Context, opts BatchOptions) (*BatchReport, error) {
	key := batchKey(opts)
	for {
		v, err, shared := a.batches.Do(key, func() (any, error) {
			a.batchMu.Lock()
			defer a.batchMu.Unlock()
			return a.analyzeAll(ctx, opts)
		})
		report, _ := v.(*BatchReport)
		if !shared || ctx.Err() != nil {
			return report, err
		}
		if (report != nil && report.Cancelled) || errors.Is(err, context.Canceled) {
			a.logger.Debug("shared analysis batch was cancelled by its starter, running again")
			continue
		}
		a.logger.Debug("joined in-flight analysis batch")
		return report, err
	}
}

// batchKey identifies a batch by what it selects.
func batchKey(opts BatchOptions) string {
	ids := slices.Clone(opts.EntryIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return fmt.Sprintf("force=%t ids=%s", opts.Force, strings.Join(ids, ","))
}

func (a *Analyzer) analyzeAll(ctx context.Context, opts BatchOptions) (*BatchReport, error) {
	report := &BatchReport{StartedAt: a.now().UTC()}
	defer func() { report.FinishedAt = a.now().UTC() }()

	entries, err := a.selectEntries(ctx, opts.EntryIDs, report)
	if err != nil {
		return report, err
	}
	report.Total = len(entries)
	a.logger.Info("analysis batch started", "entries", len(entries), "force", opts.Force)

	for _, e := range entries {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		if !opts.Force {
			current, err := a.upToDate(ctx, e)
			if err != nil {
				return report, err
			}
			if current {
				report.Skipped++
				continue
			}
		}

		report.Attempted++
		if _, err := a.Analyze(ctx, e); err != nil {
			switch {
			case errors.Is(err, journal.ErrStorage), errors.Is(err, journal.ErrUnauthorized):
				return report, err
			case ctx.Err() != nil:
				report.Cancelled = true
				report.Attempted--
			default:
				a.logger.Warn("entry analysis failed", "entry", e.ID, "error", err)
				report.Failures = append(report.Failures, EntryFailure{EntryID: e.ID, Error: err.Error()})
			}
			continue
		}
		report.Analyzed++
	}

	a.logger.Info("analysis batch finished",
		"analyzed", report.Analyzed,
		"skipped", report.Skipped,
		"failed", len(report.Failures),
		"cancelled", report.Cancelled,
	)
	return report, nil
}

func (a *Analyzer) selectEntries(ctx context.Context, ids []string, report *BatchReport) ([]journal.Entry, error) {
	if len(ids) == 0 {
		entries, err := a.store.ListEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing entries: %w", err)
		}
		return entries, nil
	}

	entries := make([]journal.Entry, 0, len(ids))
	for _, id := range ids {
		e, err := a.store.GetEntry(ctx, id)
		if errors.Is(err, journal.ErrNotFound) {
			report.Failures = append(report.Failures, EntryFailure{EntryID: id, Error: err.Error()})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading entry %s: %w", id, err)
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// upToDate reports whether the stored analytics were produced from the
// entry's current text.
func (a *Analyzer) upToDate(ctx context.Context, e journal.Entry) (bool, error) {
	prev, err := a.store.GetAnalytics(ctx, e.ID)
	if errors.Is(err, journal.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return prev.Fingerprint == journal.Fingerprint(e.Text), nil
}
