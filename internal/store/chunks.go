package store

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hurttlocker/quill/internal/journal"
)

var chunkColumns = []string{
	"id", "entry_id", "text", "span_start", "span_end", "chunk_date", "token_count", "embedding",
}

// ChunkFingerprints maps entry id to the fingerprint its chunks were built from.
func (s *SQLiteStore) ChunkFingerprints(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT entry_id, fingerprint FROM entry_fingerprints")
	if err != nil {
		return nil, journal.StorageErr("chunk fingerprints", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, journal.StorageErr("chunk fingerprints", err)
		}
		out[id] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, journal.StorageErr("chunk fingerprints", err)
	}
	return out, nil
}

// ReplaceChunks swaps an entry's chunks for a freshly split set and records
// the fingerprint they came from. Old vectors are discarded with their rows.
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, entryID, fingerprint string, chunks []journal.Chunk) error {
	return s.withTx(ctx, "replace chunks", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE entry_id = ?", entryID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chunks (id, entry_id, seq, text, span_start, span_end, chunk_date, token_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.ID, entryID, i, c.Text,
				c.Span.Start, c.Span.End, formatDay(c.Date), c.TokenCount); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO entry_fingerprints (entry_id, fingerprint, chunked_at) VALUES (?, ?, ?)
			 ON CONFLICT(entry_id) DO UPDATE SET fingerprint = excluded.fingerprint,
			 chunked_at = excluded.chunked_at`,
			entryID, fingerprint, formatTS(time.Now()))
		return err
	})
}

// DeleteEntryChunks drops the chunks of an entry that left the source.
func (s *SQLiteStore) DeleteEntryChunks(ctx context.Context, entryID string) error {
	return s.withTx(ctx, "delete entry chunks", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE entry_id = ?", entryID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM entry_fingerprints WHERE entry_id = ?", entryID)
		return err
	})
}

// ListPendingChunks returns chunks without a vector in entry order.
func (s *SQLiteStore) ListPendingChunks(ctx context.Context) ([]journal.Chunk, error) {
	return s.listChunks(ctx, "pending chunks", sq.Select(chunkColumns...).From("chunks").
		Where(sq.Eq{"embedding": nil}).
		OrderBy("chunk_date", "entry_id", "seq"))
}

// ListEmbeddedChunks returns every embedded chunk whose date lies in r.
func (s *SQLiteStore) ListEmbeddedChunks(ctx context.Context, r *journal.DateRange) ([]journal.Chunk, error) {
	b := sq.Select(chunkColumns...).From("chunks").Where(sq.NotEq{"embedding": nil})
	b = dateRangeWhere(b, "chunk_date", r)
	return s.listChunks(ctx, "embedded chunks", b.OrderBy("chunk_date", "entry_id", "seq"))
}

// ListEntryChunks returns one entry's chunks in text order.
func (s *SQLiteStore) ListEntryChunks(ctx context.Context, entryID string) ([]journal.Chunk, error) {
	return s.listChunks(ctx, "entry chunks", sq.Select(chunkColumns...).From("chunks").
		Where(sq.Eq{"entry_id": entryID}).OrderBy("seq"))
}

func (s *SQLiteStore) listChunks(ctx context.Context, op string, b sq.SelectBuilder) ([]journal.Chunk, error) {
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, journal.StorageErr(op, err)
	}
	defer rows.Close()

	var out []journal.Chunk
	for rows.Next() {
		var (
			c    journal.Chunk
			date string
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.EntryID, &c.Text, &c.Span.Start, &c.Span.End,
			&date, &c.TokenCount, &blob); err != nil {
			return nil, journal.StorageErr(op, err)
		}
		c.Span.EntryID = c.EntryID
		c.Embedding = bytesToFloat32(blob)
		if c.Date, err = parseDay(date); err != nil {
			return nil, journal.StorageErr(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, journal.StorageErr(op, err)
	}
	return out, nil
}
