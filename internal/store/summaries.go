package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hurttlocker/quill/internal/journal"
)

// SaveMonthSummary stores a freshly generated month summary and clears its
// stale flag.
func (s *SQLiteStore) SaveMonthSummary(ctx context.Context, m *journal.MonthSummary) error {
	lists, err := marshalLists(m.KeyTopics, m.DriversPositive, m.DriversNegative, m.TopEvents, m.SourceSpans)
	if err != nil {
		return journal.StorageErr("save month summary", err)
	}
	return s.withTx(ctx, "save month summary", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO month_summaries (year, month, summary_text, key_topics,
			   happiness_avg, ci_lower, ci_upper, trend, days_with_data, entry_count,
			   drivers_positive, drivers_negative, top_events, source_spans, generated_at, stale)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			m.Year, m.Month, m.SummaryText, lists[0],
			m.HappinessAvg, m.HappinessConfidenceInterval.Lower, m.HappinessConfidenceInterval.Upper,
			string(m.HappinessTrend), m.DaysWithData, m.EntryCount,
			lists[1], lists[2], lists[3], lists[4], formatTS(m.GeneratedAt))
		return err
	})
}

// GetMonthSummary returns the stored summary and whether it is stale.
// A missing summary is journal.ErrNotFound.
func (s *SQLiteStore) GetMonthSummary(ctx context.Context, year, month int) (*journal.MonthSummary, bool, error) {
	m := journal.MonthSummary{Year: year, Month: month}
	var (
		topics, pos, neg, events, spans string
		trend, generatedAt              string
		stale                           bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT summary_text, key_topics, happiness_avg, ci_lower, ci_upper, trend,
		   days_with_data, entry_count, drivers_positive, drivers_negative, top_events,
		   source_spans, generated_at, stale
		 FROM month_summaries WHERE year = ? AND month = ?`, year, month).Scan(
		&m.SummaryText, &topics, &m.HappinessAvg,
		&m.HappinessConfidenceInterval.Lower, &m.HappinessConfidenceInterval.Upper, &trend,
		&m.DaysWithData, &m.EntryCount, &pos, &neg, &events, &spans, &generatedAt, &stale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("month summary %04d-%02d: %w", year, month, journal.ErrNotFound)
	}
	if err != nil {
		return nil, false, journal.StorageErr("get month summary", err)
	}

	m.HappinessTrend = journal.Trend(trend)
	if m.GeneratedAt, err = parseTS(generatedAt); err != nil {
		return nil, false, journal.StorageErr("get month summary", err)
	}
	if err := unmarshalLists(
		[]string{topics, pos, neg, events, spans},
		&m.KeyTopics, &m.DriversPositive, &m.DriversNegative, &m.TopEvents, &m.SourceSpans,
	); err != nil {
		return nil, false, journal.StorageErr("get month summary", err)
	}
	return &m, stale, nil
}

// SaveYearSummary stores a freshly generated year summary and clears its
// stale flag.
func (s *SQLiteStore) SaveYearSummary(ctx context.Context, y *journal.YearSummary) error {
	lists, err := marshalLists(y.KeyTopics, y.Months, y.DriversPositive, y.DriversNegative, y.TopEvents, y.SourceSpans)
	if err != nil {
		return journal.StorageErr("save year summary", err)
	}
	return s.withTx(ctx, "save year summary", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO year_summaries (year, summary_text, key_topics,
			   happiness_avg, ci_lower, ci_upper, trend, days_with_data, entry_count, months,
			   drivers_positive, drivers_negative, top_events, source_spans, generated_at, stale)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			y.Year, y.SummaryText, lists[0],
			y.HappinessAvg, y.HappinessConfidenceInterval.Lower, y.HappinessConfidenceInterval.Upper,
			string(y.HappinessTrend), y.DaysWithData, y.EntryCount, lists[1],
			lists[2], lists[3], lists[4], lists[5], formatTS(y.GeneratedAt))
		return err
	})
}

// GetYearSummary returns the stored summary and whether it is stale.
func (s *SQLiteStore) GetYearSummary(ctx context.Context, year int) (*journal.YearSummary, bool, error) {
	y := journal.YearSummary{Year: year}
	var (
		topics, months, pos, neg, events, spans string
		trend, generatedAt                      string
		stale                                   bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT summary_text, key_topics, happiness_avg, ci_lower, ci_upper, trend,
		   days_with_data, entry_count, months, drivers_positive, drivers_negative,
		   top_events, source_spans, generated_at, stale
		 FROM year_summaries WHERE year = ?`, year).Scan(
		&y.SummaryText, &topics, &y.HappinessAvg,
		&y.HappinessConfidenceInterval.Lower, &y.HappinessConfidenceInterval.Upper, &trend,
		&y.DaysWithData, &y.EntryCount, &months, &pos, &neg, &events, &spans, &generatedAt, &stale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("year summary %04d: %w", year, journal.ErrNotFound)
	}
	if err != nil {
		return nil, false, journal.StorageErr("get year summary", err)
	}

	y.HappinessTrend = journal.Trend(trend)
	if y.GeneratedAt, err = parseTS(generatedAt); err != nil {
		return nil, false, journal.StorageErr("get year summary", err)
	}
	if err := unmarshalLists(
		[]string{topics, months, pos, neg, events, spans},
		&y.KeyTopics, &y.Months, &y.DriversPositive, &y.DriversNegative, &y.TopEvents, &y.SourceSpans,
	); err != nil {
		return nil, false, journal.StorageErr("get year summary", err)
	}
	return &y, stale, nil
}

func marshalLists(lists ...any) ([]string, error) {
	out := make([]string, len(lists))
	for i, l := range lists {
		b, err := json.Marshal(l)
		if err != nil {
			return nil, err
		}
		if string(b) == "null" {
			b = []byte("[]")
		}
		out[i] = string(b)
	}
	return out, nil
}

func unmarshalLists(raw []string, dst ...any) error {
	for i, r := range raw {
		if err := json.Unmarshal([]byte(r), dst[i]); err != nil {
			return fmt.Errorf("decoding summary column %d: %w", i, err)
		}
	}
	return nil
}
