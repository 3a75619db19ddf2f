package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hurttlocker/quill/internal/journal"
)

var analyticsColumns = []string{
	"id", "entry_id", "entry_date", "happiness_score", "valence", "arousal",
	"emotions", "events", "themes", "stressors", "confidence", "fingerprint", "analyzed_at",
}

// UpsertAnalytics replaces the analytics record for a.EntryID and marks the
// summaries covering both the old and the new date stale.
func (s *SQLiteStore) UpsertAnalytics(ctx context.Context, a *journal.EntryAnalytics) error {
	emotions, err := json.Marshal(a.Emotions)
	if err != nil {
		return journal.StorageErr("upsert analytics", err)
	}
	events, err := json.Marshal(nonNil(a.Events))
	if err != nil {
		return journal.StorageErr("upsert analytics", err)
	}
	themes, _ := json.Marshal(nonNil(a.Themes))
	stressors, _ := json.Marshal(nonNil(a.Stressors))

	return s.withTx(ctx, "upsert analytics", func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx,
			"SELECT entry_date FROM entry_analytics WHERE entry_id = ?", a.EntryID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO entry_analytics (id, entry_id, entry_date, happiness_score, valence, arousal,
			   emotions, events, themes, stressors, confidence, fingerprint, analyzed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(entry_id) DO UPDATE SET
			   id = excluded.id, entry_date = excluded.entry_date,
			   happiness_score = excluded.happiness_score, valence = excluded.valence,
			   arousal = excluded.arousal, emotions = excluded.emotions, events = excluded.events,
			   themes = excluded.themes, stressors = excluded.stressors,
			   confidence = excluded.confidence, fingerprint = excluded.fingerprint,
			   analyzed_at = excluded.analyzed_at`,
			a.ID, a.EntryID, formatDay(a.Date), a.HappinessScore, a.Valence, a.Arousal,
			string(emotions), string(events), string(themes), string(stressors),
			a.Confidence, a.Fingerprint, formatTS(a.AnalyzedAt))
		if err != nil {
			return err
		}

		if prev != "" {
			d, err := parseDay(prev)
			if err != nil {
				return err
			}
			if err := markStale(ctx, tx, d); err != nil {
				return err
			}
		}
		return markStale(ctx, tx, journal.Day(a.Date))
	})
}

// GetAnalytics returns the current analytics for an entry or journal.ErrNotFound.
func (s *SQLiteStore) GetAnalytics(ctx context.Context, entryID string) (*journal.EntryAnalytics, error) {
	q, args, err := sq.Select(analyticsColumns...).From("entry_analytics").
		Where(sq.Eq{"entry_id": entryID}).ToSql()
	if err != nil {
		return nil, journal.StorageErr("get analytics", err)
	}
	a, err := scanAnalytics(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analytics for entry %s: %w", entryID, journal.ErrNotFound)
	}
	if err != nil {
		return nil, journal.StorageErr("get analytics", err)
	}
	return a, nil
}

// ListAnalytics returns analytics with dates in r ordered by date, then entry id.
func (s *SQLiteStore) ListAnalytics(ctx context.Context, r *journal.DateRange) ([]*journal.EntryAnalytics, error) {
	b := sq.Select(analyticsColumns...).From("entry_analytics")
	b = dateRangeWhere(b, "entry_date", r).OrderBy("entry_date", "entry_id")

	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, journal.StorageErr("list analytics", err)
	}
	defer rows.Close()

	var out []*journal.EntryAnalytics
	for rows.Next() {
		a, err := scanAnalytics(rows)
		if err != nil {
			return nil, journal.StorageErr("list analytics", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, journal.StorageErr("list analytics", err)
	}
	return out, nil
}

// LatestAnalyticsDate returns the most recent analyzed entry date. The bool
// is false when nothing has been analyzed yet.
func (s *SQLiteStore) LatestAnalyticsDate(ctx context.Context) (time.Time, bool, error) {
	var d sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(entry_date) FROM entry_analytics").Scan(&d); err != nil {
		return time.Time{}, false, journal.StorageErr("latest analytics date", err)
	}
	if !d.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseDay(d.String)
	if err != nil {
		return time.Time{}, false, journal.StorageErr("latest analytics date", err)
	}
	return t, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalytics(row rowScanner) (*journal.EntryAnalytics, error) {
	var (
		a                                   journal.EntryAnalytics
		date, analyzedAt                    string
		emotions, events, themes, stressors string
	)
	if err := row.Scan(&a.ID, &a.EntryID, &date, &a.HappinessScore, &a.Valence, &a.Arousal,
		&emotions, &events, &themes, &stressors, &a.Confidence, &a.Fingerprint, &analyzedAt); err != nil {
		return nil, err
	}

	var err error
	if a.Date, err = parseDay(date); err != nil {
		return nil, err
	}
	if a.AnalyzedAt, err = parseTS(analyzedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst any
	}{
		{emotions, &a.Emotions},
		{events, &a.Events},
		{themes, &a.Themes},
		{stressors, &a.Stressors},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decoding analytics %s: %w", a.EntryID, err)
		}
	}
	return &a, nil
}

// nonNil keeps JSON list columns as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
