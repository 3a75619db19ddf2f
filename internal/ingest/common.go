package ingest

import (
	"context"
	"time"
)

// RawEntry is a parsed journal entry ready for storage.
type RawEntry struct {
	ID            string    // explicit id from the source; empty = derived
	Text          string    // entry body
	Date          time.Time // zero when the source carries no date
	SourceFile    string    // absolute path to source file
	SourceLine    int       // starting line number (1-indexed)
	SourceSection string    // heading, row or element the entry came from
}

// Importer handles a specific file format.
type Importer interface {
	// CanHandle returns true if this importer supports the given file path.
	CanHandle(path string) bool

	// Import parses the file and returns its entries.
	Import(ctx context.Context, path string) ([]RawEntry, error)
}

// ImportResult summarizes an import operation.
type ImportResult struct {
	FilesScanned     int
	FilesImported    int
	FilesSkipped     int
	EntriesNew       int
	EntriesUpdated   int
	EntriesUnchanged int
	Errors           []ImportError
}

// Add merges another ImportResult into this one.
func (r *ImportResult) Add(other *ImportResult) {
	r.FilesScanned += other.FilesScanned
	r.FilesImported += other.FilesImported
	r.FilesSkipped += other.FilesSkipped
	r.EntriesNew += other.EntriesNew
	r.EntriesUpdated += other.EntriesUpdated
	r.EntriesUnchanged += other.EntriesUnchanged
	r.Errors = append(r.Errors, other.Errors...)
}

// ImportError records a non-fatal error during import.
type ImportError struct {
	File    string
	Line    int
	Message string
}

// ImportOptions configures an import operation.
type ImportOptions struct {
	Recursive   bool
	DryRun      bool
	MaxFileSize int64 // bytes, default 10MB
	ProgressFn  func(current, total int, file string)
}

// DefaultMaxFileSize is 10MB.
const DefaultMaxFileSize = 10 * 1024 * 1024
