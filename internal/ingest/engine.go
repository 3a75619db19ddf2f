package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hurttlocker/quill/internal/journal"
)

// EntryStore is the entry persistence the engine writes to.
type EntryStore interface {
	GetEntry(ctx context.Context, id string) (*journal.Entry, error)
	PutEntry(ctx context.Context, e journal.Entry) error
}

// Engine imports files into the entry store.
type Engine struct {
	store     EntryStore
	importers []Importer
	logger    *slog.Logger
}

// NewEngine creates an import engine. The store may be nil when only
// format detection is needed.
func NewEngine(s EntryStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store: s,
		importers: []Importer{
			&MarkdownImporter{},
			&JSONImporter{},
			&YAMLImporter{},
			&CSVImporter{},
			&PlainTextImporter{},
		},
		logger: logger.With("component", "ingest"),
	}
}

// ImportFile imports a file, or every supported file in a directory.
func (e *Engine) ImportFile(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("accessing %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		if files, err = listFiles(path, opts.Recursive); err != nil {
			return nil, err
		}
	}

	result := &ImportResult{}
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if opts.ProgressFn != nil {
			opts.ProgressFn(i+1, len(files), file)
		}
		if err := e.importOne(ctx, file, opts, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// listFiles returns the regular files under dir, skipping hidden files and
// directories.
func listFiles(dir string, recursive bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		hidden := strings.HasPrefix(d.Name(), ".") && p != dir
		if d.IsDir() {
			if p != dir && (hidden || !recursive) {
				return filepath.SkipDir
			}
			return nil
		}
		if !hidden && d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return files, nil
}

// importOne imports a single file. Parse problems are recorded in result;
// only storage failures are returned.
func (e *Engine) importOne(ctx context.Context, path string, opts ImportOptions, result *ImportResult) error {
	result.FilesScanned++

	info, err := os.Stat(path)
	if err != nil {
		result.FilesSkipped++
		result.Errors = append(result.Errors, ImportError{File: path, Message: err.Error()})
		return nil
	}
	if info.Size() > opts.MaxFileSize {
		result.FilesSkipped++
		result.Errors = append(result.Errors, ImportError{File: path,
			Message: fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), opts.MaxFileSize)})
		return nil
	}

	imp := e.detectImporter(path)
	if imp == nil {
		imp = e.sniffFormat(path)
	}
	if imp == nil {
		result.FilesSkipped++
		e.logger.Debug("skipping unsupported file", "file", path)
		return nil
	}

	raws, err := imp.Import(ctx, path)
	if err != nil {
		result.FilesSkipped++
		result.Errors = append(result.Errors, ImportError{File: path, Message: err.Error()})
		return nil
	}
	result.FilesImported++

	for _, raw := range raws {
		entry := toEntry(raw, path)
		status, err := e.put(ctx, entry, opts.DryRun)
		if err != nil {
			return err
		}
		switch status {
		case statusNew:
			result.EntriesNew++
		case statusUpdated:
			result.EntriesUpdated++
		default:
			result.EntriesUnchanged++
		}
	}
	e.logger.Debug("imported file", "file", path, "entries", len(raws))
	return nil
}

type putStatus int

const (
	statusUnchanged putStatus = iota
	statusNew
	statusUpdated
)

func (e *Engine) put(ctx context.Context, entry journal.Entry, dryRun bool) (putStatus, error) {
	if e.store == nil {
		return 0, fmt.Errorf("import engine has no store")
	}
	status := statusUpdated
	existing, err := e.store.GetEntry(ctx, entry.ID)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		status = statusNew
	case err != nil:
		return 0, err
	case existing.Text == entry.Text && existing.Date.Equal(entry.Date):
		return statusUnchanged, nil
	}
	if dryRun {
		return status, nil
	}
	if err := e.store.PutEntry(ctx, entry); err != nil {
		return 0, err
	}
	return status, nil
}

// toEntry assigns the stable id and fills a missing date from the file.
func toEntry(raw RawEntry, path string) journal.Entry {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		key := "file://" + filepath.ToSlash(raw.SourceFile)
		if raw.SourceSection != "" {
			key += "#" + raw.SourceSection
		}
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
	}
	date := raw.Date
	if date.IsZero() {
		date = fileDate(path)
	}
	return journal.Entry{ID: id, Text: raw.Text, Date: journal.Day(date)}
}

// detectImporter picks an importer by file extension.
func (e *Engine) detectImporter(path string) Importer {
	for _, imp := range e.importers {
		if imp.CanHandle(path) {
			return imp
		}
	}
	return nil
}

// sniffFormat inspects the start of a file with an unknown extension.
func (e *Engine) sniffFormat(path string) Importer {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	head := bytes.TrimSpace(buf[:n])
	if len(head) == 0 || !utf8.Valid(buf[:n]) {
		return nil
	}

	switch {
	case head[0] == '{' || head[0] == '[':
		return &JSONImporter{}
	case bytes.HasPrefix(head, []byte("---")) || head[0] == '#' || bytes.Contains(head, []byte("\n#")):
		return &MarkdownImporter{}
	default:
		return &PlainTextImporter{}
	}
}

// FormatImportResult renders an import summary for the terminal.
func FormatImportResult(r *ImportResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Files:   %d scanned, %d imported, %d skipped\n", r.FilesScanned, r.FilesImported, r.FilesSkipped)
	fmt.Fprintf(&sb, "Entries: %d new, %d updated, %d unchanged\n", r.EntriesNew, r.EntriesUpdated, r.EntriesUnchanged)
	if len(r.Errors) > 0 {
		fmt.Fprintf(&sb, "Errors:  %d\n", len(r.Errors))
		for _, e := range r.Errors {
			if e.Line > 0 {
				fmt.Fprintf(&sb, "  %s:%d: %s\n", e.File, e.Line, e.Message)
			} else {
				fmt.Fprintf(&sb, "  %s: %s\n", e.File, e.Message)
			}
		}
	}
	return sb.String()
}
