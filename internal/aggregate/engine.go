// Package aggregate builds period summaries, time series and current-state
// snapshots from stored entry analytics.
//
// Happiness over a period is the mean of daily values, one per day with at
// least one analyzed entry. Summaries are always recomputed in full.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hurttlocker/quill/internal/journal"
)

// Store is the analytics and summary persistence the engine needs.
type Store interface {
	ListAnalytics(ctx context.Context, r *journal.DateRange) ([]*journal.EntryAnalytics, error)
	LatestAnalyticsDate(ctx context.Context) (time.Time, bool, error)
	SaveMonthSummary(ctx context.Context, s *journal.MonthSummary) error
	GetMonthSummary(ctx context.Context, year, month int) (*journal.MonthSummary, bool, error)
	SaveYearSummary(ctx context.Context, s *journal.YearSummary) error
	GetYearSummary(ctx context.Context, year int) (*journal.YearSummary, bool, error)
}

// Narrator writes prose for a freshly computed summary.
type Narrator interface {
	NarrateMonth(ctx context.Context, s *journal.MonthSummary) (string, error)
	NarrateYear(ctx context.Context, s *journal.YearSummary) (string, error)
}

// Options tunes aggregation.
type Options struct {
	TrendThreshold float64 // difference on the 0-100 scale that counts as a trend (default: 5)
	TopDrivers     int     // drivers kept per sign (default: 5)
	TopEvents      int     // events kept in TopEvents (default: 5)
	MaxTopics      int     // key topics and current themes (default: 5)
	ConfidenceZ    float64 // interval quantile (default: 1.96)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TrendThreshold: journal.DefaultTrendThreshold,
		TopDrivers:     5,
		TopEvents:      5,
		MaxTopics:      5,
		ConfidenceZ:    DefaultZ,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TrendThreshold <= 0 {
		o.TrendThreshold = d.TrendThreshold
	}
	if o.TopDrivers <= 0 {
		o.TopDrivers = d.TopDrivers
	}
	if o.TopEvents <= 0 {
		o.TopEvents = d.TopEvents
	}
	if o.MaxTopics <= 0 {
		o.MaxTopics = d.MaxTopics
	}
	if o.ConfidenceZ <= 0 {
		o.ConfidenceZ = d.ConfidenceZ
	}
	return o
}

// Engine computes and regenerates aggregates.
type Engine struct {
	store    Store
	narrator Narrator
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	regen    singleflight.Group
}

// New creates an engine. narrator may be nil; a nil logger discards output.
func New(store Store, narrator Narrator, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:    store,
		narrator: narrator,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "aggregate"),
		now:      time.Now,
	}
}

func validYear(year int) error {
	if year < 1 || year > 9999 {
		return fmt.Errorf("year %d out of range: %w", year, journal.ErrInvalidArgument)
	}
	return nil
}

func validMonth(year, month int) error {
	if err := validYear(year); err != nil {
		return err
	}
	if month < 1 || month > 12 {
		return fmt.Errorf("month %d out of range: %w", month, journal.ErrInvalidArgument)
	}
	return nil
}

func monthRange(year, month int) *journal.DateRange {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return &journal.DateRange{From: from, To: from.AddDate(0, 1, 0)}
}

func yearRange(year int) *journal.DateRange {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return &journal.DateRange{From: from, To: from.AddDate(1, 0, 0)}
}

// periodMean is the mean daily happiness of a range and whether any day
// had data.
func (e *Engine) periodMean(ctx context.Context, r *journal.DateRange) (float64, bool, error) {
	records, err := e.store.ListAnalytics(ctx, r)
	if err != nil {
		return 0, false, err
	}
	days := DailyHappiness(records)
	return Mean(values(days)), len(days) > 0, nil
}

// trend compares the current mean against the preceding period. Without
// data on both sides there is nothing to compare and the trend is stable.
func (e *Engine) trend(ctx context.Context, current float64, hasCurrent bool, previous *journal.DateRange) (journal.Trend, error) {
	if !hasCurrent {
		return journal.TrendStable, nil
	}
	prev, ok, err := e.periodMean(ctx, previous)
	if err != nil {
		return "", err
	}
	if !ok {
		return journal.TrendStable, nil
	}
	return journal.ClassifyTrend(current, prev, e.opts.TrendThreshold), nil
}

// ComputeMonth builds the summary of one calendar month without storing
// it. A month without analytics yields zero aggregates and empty lists.
func (e *Engine) ComputeMonth(ctx context.Context, year, month int) (*journal.MonthSummary, error) {
	if err := validMonth(year, month); err != nil {
		return nil, err
	}
	r := monthRange(year, month)
	records, err := e.store.ListAnalytics(ctx, r)
	if err != nil {
		return nil, err
	}

	days := DailyHappiness(records)
	vs := values(days)
	s := &journal.MonthSummary{
		Year:                        year,
		Month:                       month,
		HappinessAvg:                Mean(vs),
		HappinessConfidenceInterval: ConfidenceIntervalFor(vs, e.opts.ConfidenceZ),
		DaysWithData:                len(days),
		EntryCount:                  len(records),
		KeyTopics:                   KeyTopics(records, e.opts.MaxTopics),
		GeneratedAt:                 e.now().UTC(),
	}

	prev := &journal.DateRange{From: r.From.AddDate(0, -1, 0), To: r.From}
	if s.HappinessTrend, err = e.trend(ctx, s.HappinessAvg, len(days) > 0, prev); err != nil {
		return nil, err
	}

	events := collectEvents(records)
	s.DriversPositive = RankDrivers(events, e.opts.TopDrivers, true)
	s.DriversNegative = RankDrivers(events, e.opts.TopDrivers, false)
	s.TopEvents = TopEvents(events, e.opts.TopEvents)
	s.SourceSpans = spansOf(s.DriversPositive, s.DriversNegative, s.TopEvents)
	s.SummaryText = RenderMonth(s)
	return s, nil
}

// ComputeYear builds the summary of one calendar year without storing it.
func (e *Engine) ComputeYear(ctx context.Context, year int) (*journal.YearSummary, error) {
	if err := validYear(year); err != nil {
		return nil, err
	}
	r := yearRange(year)
	records, err := e.store.ListAnalytics(ctx, r)
	if err != nil {
		return nil, err
	}

	days := DailyHappiness(records)
	vs := values(days)
	s := &journal.YearSummary{
		Year:                        year,
		HappinessAvg:                Mean(vs),
		HappinessConfidenceInterval: ConfidenceIntervalFor(vs, e.opts.ConfidenceZ),
		DaysWithData:                len(days),
		EntryCount:                  len(records),
		KeyTopics:                   KeyTopics(records, e.opts.MaxTopics),
		Months:                      monthStats(days),
		GeneratedAt:                 e.now().UTC(),
	}

	prev := &journal.DateRange{From: r.From.AddDate(-1, 0, 0), To: r.From}
	if s.HappinessTrend, err = e.trend(ctx, s.HappinessAvg, len(days) > 0, prev); err != nil {
		return nil, err
	}

	events := collectEvents(records)
	s.DriversPositive = RankDrivers(events, e.opts.TopDrivers, true)
	s.DriversNegative = RankDrivers(events, e.opts.TopDrivers, false)
	s.TopEvents = TopEvents(events, e.opts.TopEvents)
	s.SourceSpans = spansOf(s.DriversPositive, s.DriversNegative, s.TopEvents)
	s.SummaryText = RenderYear(s)
	return s, nil
}

// monthStats splits a year's daily values into months that have data.
func monthStats(days []DayValue) []journal.MonthStat {
	byMonth := make(map[int][]float64)
	for _, d := range days {
		m := int(d.Date.Month())
		byMonth[m] = append(byMonth[m], d.Value)
	}
	out := []journal.MonthStat{}
	for m := 1; m <= 12; m++ {
		if vs, ok := byMonth[m]; ok {
			out = append(out, journal.MonthStat{Month: m, HappinessAvg: Mean(vs), DaysWithData: len(vs)})
		}
	}
	return out
}

// RegenerateMonth recomputes and stores a month summary, replacing the old
// one. Concurrent requests for the same month share one computation.
func (e *Engine) RegenerateMonth(ctx context.Context, year, month int) (*journal.MonthSummary, error) {
	key := fmt.Sprintf("month:%04d-%02d", year, month)
	v, err, _ := e.regen.Do(key, func() (any, error) {
		s, err := e.ComputeMonth(ctx, year, month)
		if err != nil {
			return nil, err
		}
		if e.narrator != nil && s.DaysWithData > 0 {
			if text, err := e.narrator.NarrateMonth(ctx, s); err != nil {
				e.logger.Warn("month narration failed, keeping rendered text", "year", year, "month", month, "error", err)
			} else if text != "" {
				s.SummaryText = text
			}
		}
		if err := e.store.SaveMonthSummary(ctx, s); err != nil {
			return nil, err
		}
		e.logger.Info("month summary regenerated", "year", year, "month", month, "days", s.DaysWithData)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*journal.MonthSummary), nil
}

// RegenerateYear recomputes and stores a year summary.
func (e *Engine) RegenerateYear(ctx context.Context, year int) (*journal.YearSummary, error) {
	key := fmt.Sprintf("year:%04d", year)
	v, err, _ := e.regen.Do(key, func() (any, error) {
		s, err := e.ComputeYear(ctx, year)
		if err != nil {
			return nil, err
		}
		if e.narrator != nil && s.DaysWithData > 0 {
			if text, err := e.narrator.NarrateYear(ctx, s); err != nil {
				e.logger.Warn("year narration failed, keeping rendered text", "year", year, "error", err)
			} else if text != "" {
				s.SummaryText = text
			}
		}
		if err := e.store.SaveYearSummary(ctx, s); err != nil {
			return nil, err
		}
		e.logger.Info("year summary regenerated", "year", year, "days", s.DaysWithData)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*journal.YearSummary), nil
}

// MonthSummary returns the stored summary when it is still fresh and
// computes one otherwise. It never writes.
func (e *Engine) MonthSummary(ctx context.Context, year, month int) (*journal.MonthSummary, error) {
	if err := validMonth(year, month); err != nil {
		return nil, err
	}
	s, stale, err := e.store.GetMonthSummary(ctx, year, month)
	switch {
	case err == nil && !stale:
		return s, nil
	case err != nil && !errors.Is(err, journal.ErrNotFound):
		return nil, err
	}
	return e.ComputeMonth(ctx, year, month)
}

// YearSummary is MonthSummary for a year.
func (e *Engine) YearSummary(ctx context.Context, year int) (*journal.YearSummary, error) {
	if err := validYear(year); err != nil {
		return nil, err
	}
	s, stale, err := e.store.GetYearSummary(ctx, year)
	switch {
	case err == nil && !stale:
		return s, nil
	case err != nil && !errors.Is(err, journal.ErrNotFound):
		return nil, err
	}
	return e.ComputeYear(ctx, year)
}

// TimeSeries returns one point per day in r that has analytics. The value
// is the day's mean metric and the confidence the day's mean analysis
// confidence.
func (e *Engine) TimeSeries(ctx context.Context, m journal.Metric, r *journal.DateRange) ([]journal.TimeSeriesPoint, error) {
	if r != nil && !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return nil, fmt.Errorf("empty date range %s..%s: %w",
			r.From.Format(journal.DateLayout), r.To.Format(journal.DateLayout), journal.ErrInvalidArgument)
	}
	records, err := e.store.ListAnalytics(ctx, r)
	if err != nil {
		return nil, err
	}
	days := DailyMetric(records, m)
	out := make([]journal.TimeSeriesPoint, len(days))
	for i, d := range days {
		out[i] = journal.TimeSeriesPoint{Date: d.Date, Metric: m, Value: d.Value, Confidence: d.Confidence}
	}
	return out, nil
}
