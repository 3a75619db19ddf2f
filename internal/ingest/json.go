package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// JSONImporter handles .json and .jsonl journal exports.
type JSONImporter struct{}

// CanHandle returns true for JSON file extensions.
func (j *JSONImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".json" || ext == ".jsonl"
}

// Import parses a JSON export.
// - Array of objects: each element is one entry.
// - Object with an "entries" array: same.
// - Single object: one entry.
// - JSON Lines: one object per line.
// Text comes from text/content/body/entry, the date from
// date/day/created_at/created/timestamp, and id from id.
func (j *JSONImporter) Import(ctx context.Context, path string) ([]RawEntry, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return importJSONLines(data, absPath)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	records, ok := recordList(raw)
	if !ok {
		return nil, fmt.Errorf("%s: expected an object or a list of objects", path)
	}

	var entries []RawEntry
	for i, rec := range records {
		e, ok, err := fromRecord(rec, absPath, 1, fmt.Sprintf("[%d]", i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func importJSONLines(data []byte, absPath string) ([]RawEntry, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), DefaultMaxFileSize)

	var entries []RawEntry
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s line %d: %w", absPath, lineNum, err)
		}
		e, ok, err := fromRecord(rec, absPath, lineNum, fmt.Sprintf("line-%d", lineNum))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", absPath, err)
		}
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, scanner.Err()
}
