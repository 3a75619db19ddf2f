package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// PlainTextImporter handles .txt and extensionless files. One file is one
// entry.
type PlainTextImporter struct{}

// CanHandle returns true for plain text extensions. Also acts as fallback.
func (t *PlainTextImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".txt" || ext == ""
}

// Import reads a plain text file as a single entry. A first line that is
// just a date sets the entry date and is dropped from the text; otherwise
// the date comes from the file name or modification time.
func (t *PlainTextImporter) Import(ctx context.Context, path string) ([]RawEntry, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	entry := RawEntry{SourceFile: absPath, SourceLine: 1}
	first, rest, _ := strings.Cut(strings.TrimLeft(content, "\n"), "\n")
	if d, ok := parseDate(first); ok {
		entry.Date = d
		entry.SourceLine = 2
		content = rest
	} else {
		entry.Date = fileDate(path)
	}

	entry.Text = strings.TrimSpace(content)
	if entry.Text == "" {
		return nil, nil
	}
	return []RawEntry{entry}, nil
}
