package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CSVImporter handles .csv and .tsv files.
type CSVImporter struct{}

// CanHandle returns true for CSV/TSV file extensions.
func (c *CSVImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".csv" || ext == ".tsv"
}

// Import parses a CSV file. The first row holds column names; each later
// row is one entry, read with the same column names as the JSON importer.
func (c *CSVImporter) Import(ctx context.Context, path string) ([]RawEntry, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if strings.ToLower(filepath.Ext(path)) == ".tsv" {
		reader.Comma = '\t'
	}
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	headers := records[0]
	var entries []RawEntry
	for i, row := range records[1:] {
		rec := make(map[string]any, len(headers))
		for j, val := range row {
			if j < len(headers) {
				rec[headers[j]] = val
			}
		}
		e, ok, err := fromRecord(rec, absPath, i+2, fmt.Sprintf("row-%d", i+1))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
