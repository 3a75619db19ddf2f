package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hurttlocker/quill/internal/journal"
)

// PutEntry inserts or replaces an entry. Derived chunks and analytics are
// left alone; the pipeline and analyzer notice the new fingerprint.
func (s *SQLiteStore) PutEntry(ctx context.Context, e journal.Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required: %w", journal.ErrInvalidArgument)
	}
	return s.withTx(ctx, "put entry", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entries (id, text, entry_date, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET text = excluded.text, entry_date = excluded.entry_date,
			 updated_at = excluded.updated_at`,
			e.ID, e.Text, formatDay(e.Date), formatTS(time.Now()))
		return err
	})
}

// GetEntry returns one entry or journal.ErrNotFound.
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*journal.Entry, error) {
	var (
		e    journal.Entry
		date string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, text, entry_date FROM entries WHERE id = ?", id).Scan(&e.ID, &e.Text, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, journal.ErrNotFound)
	}
	if err != nil {
		return nil, journal.StorageErr("get entry", err)
	}
	if e.Date, err = parseDay(date); err != nil {
		return nil, journal.StorageErr("get entry", err)
	}
	return &e, nil
}

// ListEntries returns every entry ordered by date, then id.
func (s *SQLiteStore) ListEntries(ctx context.Context) ([]journal.Entry, error) {
	rows, err := s.query(ctx, sq.Select("id", "text", "entry_date").
		From("entries").OrderBy("entry_date", "id"))
	if err != nil {
		return nil, journal.StorageErr("list entries", err)
	}
	defer rows.Close()

	var out []journal.Entry
	for rows.Next() {
		var (
			e    journal.Entry
			date string
		)
		if err := rows.Scan(&e.ID, &e.Text, &date); err != nil {
			return nil, journal.StorageErr("list entries", err)
		}
		if e.Date, err = parseDay(date); err != nil {
			return nil, journal.StorageErr("list entries", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, journal.StorageErr("list entries", err)
	}
	return out, nil
}

// DeleteEntry removes an entry together with its chunks and analytics and
// marks the summaries covering its date stale. Deleting a missing entry is
// not an error.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete entry", func(tx *sql.Tx) error {
		var dates []string
		for _, q := range []string{
			"SELECT entry_date FROM entries WHERE id = ?",
			"SELECT entry_date FROM entry_analytics WHERE entry_id = ?",
		} {
			var d string
			err := tx.QueryRowContext(ctx, q, id).Scan(&d)
			if err == nil {
				dates = append(dates, d)
			} else if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		for _, q := range []string{
			"DELETE FROM chunks WHERE entry_id = ?",
			"DELETE FROM entry_fingerprints WHERE entry_id = ?",
			"DELETE FROM entry_analytics WHERE entry_id = ?",
			"DELETE FROM entries WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}

		for _, d := range dates {
			t, err := parseDay(d)
			if err != nil {
				return err
			}
			if err := markStale(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// markStale flags the month and year summaries that cover day, and the
// ones right after them, whose trend is measured against this period.
func markStale(ctx context.Context, tx *sql.Tx, day time.Time) error {
	month := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	for _, m := range []time.Time{month, month.AddDate(0, 1, 0)} {
		if _, err := tx.ExecContext(ctx,
			"UPDATE month_summaries SET stale = 1 WHERE year = ? AND month = ?",
			m.Year(), int(m.Month())); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, "UPDATE year_summaries SET stale = 1 WHERE year IN (?, ?)", day.Year(), day.Year()+1)
	return err
}
