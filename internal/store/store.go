// Package store provides the SQLite storage layer for Quill.
//
// All engine data lives in a single SQLite database file:
// - Raw journal entries (the CLI's entry store)
// - Chunks with their nullable embedding vectors
// - One current analytics record per entry
// - Month and year summaries
//
// Writes are serialized through a single writer lock; reads run concurrently
// (WAL mode). Every persistence failure is wrapped with journal.ErrStorage.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/hurttlocker/quill/internal/journal"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.quill/quill.db"

// tsLayout is used for every stored timestamp.
const tsLayout = time.RFC3339Nano

// StoreStats holds observability statistics about the store.
type StoreStats struct {
	EntryCount          int64 `json:"entries"`
	ChunkCount          int64 `json:"chunks"`
	EmbeddedChunkCount  int64 `json:"embedded_chunks"`
	AnalyticsCount      int64 `json:"analytics"`
	MonthSummaryCount   int64 `json:"month_summaries"`
	YearSummaryCount    int64 `json:"year_summaries"`
	StaleSummaryCount   int64 `json:"stale_summaries"`
	EmbeddingDimensions int   `json:"embedding_dimensions"`
	DBSizeBytes         int64 `json:"db_size_bytes"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the core storage interface.
type Store interface {
	// Entries
	journal.EntrySource
	PutEntry(ctx context.Context, e journal.Entry) error
	DeleteEntry(ctx context.Context, id string) error

	// Chunks
	ChunkFingerprints(ctx context.Context) (map[string]string, error)
	ReplaceChunks(ctx context.Context, entryID, fingerprint string, chunks []journal.Chunk) error
	DeleteEntryChunks(ctx context.Context, entryID string) error
	ListPendingChunks(ctx context.Context) ([]journal.Chunk, error)
	ListEmbeddedChunks(ctx context.Context, r *journal.DateRange) ([]journal.Chunk, error)
	ListEntryChunks(ctx context.Context, entryID string) ([]journal.Chunk, error)
	SetEmbeddings(ctx context.Context, vectors map[string][]float32) error

	// Analytics
	UpsertAnalytics(ctx context.Context, a *journal.EntryAnalytics) error
	GetAnalytics(ctx context.Context, entryID string) (*journal.EntryAnalytics, error)
	ListAnalytics(ctx context.Context, r *journal.DateRange) ([]*journal.EntryAnalytics, error)
	LatestAnalyticsDate(ctx context.Context) (time.Time, bool, error)

	// Summaries
	SaveMonthSummary(ctx context.Context, s *journal.MonthSummary) error
	GetMonthSummary(ctx context.Context, year, month int) (*journal.MonthSummary, bool, error)
	SaveYearSummary(ctx context.Context, s *journal.YearSummary) error
	GetYearSummary(ctx context.Context, year int) (*journal.YearSummary, bool, error)

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	wmu    sync.Mutex // single writer
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	return Open(cfg)
}

// Open is NewStore returning the concrete type.
func Open(cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ExpandPath(DefaultDBPath)
	}

	memory := cfg.DBPath == ":memory:"
	if !memory {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only — never auto-vacuum.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return journal.StorageErr("vacuum", err)
}

// Stats returns row counts and the database size.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{}
	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM entries", &st.EntryCount},
		{"SELECT COUNT(*) FROM chunks", &st.ChunkCount},
		{"SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL", &st.EmbeddedChunkCount},
		{"SELECT COUNT(*) FROM entry_analytics", &st.AnalyticsCount},
		{"SELECT COUNT(*) FROM month_summaries", &st.MonthSummaryCount},
		{"SELECT COUNT(*) FROM year_summaries", &st.YearSummaryCount},
		{"SELECT (SELECT COUNT(*) FROM month_summaries WHERE stale = 1) + (SELECT COUNT(*) FROM year_summaries WHERE stale = 1)", &st.StaleSummaryCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, journal.StorageErr("stats", err)
		}
	}

	var dims sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT dimensions FROM chunks WHERE dimensions IS NOT NULL LIMIT 1").Scan(&dims); err != nil && err != sql.ErrNoRows {
		return nil, journal.StorageErr("stats", err)
	}
	st.EmbeddingDimensions = int(dims.Int64)

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}

// withTx runs fn in a write transaction under the writer lock.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return journal.StorageErr(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return journal.StorageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return journal.StorageErr(op, err)
	}
	return nil
}

// query runs a squirrel SELECT.
func (s *SQLiteStore) query(ctx context.Context, b sq.SelectBuilder) (*sql.Rows, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return s.db.QueryContext(ctx, q, args...)
}

// dateRangeWhere applies a DateRange to a TEXT day column.
func dateRangeWhere(b sq.SelectBuilder, col string, r *journal.DateRange) sq.SelectBuilder {
	if r == nil {
		return b
	}
	if !r.From.IsZero() {
		b = b.Where(sq.GtOrEq{col: formatDay(r.From)})
	}
	if !r.To.IsZero() {
		b = b.Where(sq.Lt{col: formatDay(r.To)})
	}
	return b
}

func formatDay(t time.Time) string {
	return journal.Day(t).Format(journal.DateLayout)
}

func parseDay(s string) (time.Time, error) {
	return time.Parse(journal.DateLayout, s)
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
