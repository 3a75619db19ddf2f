package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLImporter handles .yaml and .yml journal exports.
type YAMLImporter struct{}

// CanHandle returns true for YAML file extensions.
func (y *YAMLImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Import parses a YAML export. Each document is a list of entries, a
// mapping with an "entries" list, or a single entry; multi-document files
// (separated by ---) are concatenated.
func (y *YAMLImporter) Import(ctx context.Context, path string) ([]RawEntry, error) {
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

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var entries []RawEntry
	docNum := 0

	for {
		var doc any
		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		docNum++
		if err != nil {
			return nil, fmt.Errorf("invalid YAML in %s (document %d): %w", path, docNum, err)
		}
		if doc == nil {
			continue
		}

		records, ok := recordList(doc)
		if !ok {
			return nil, fmt.Errorf("%s (document %d): expected a mapping or a list of mappings", path, docNum)
		}
		for i, rec := range records {
			section := fmt.Sprintf("document-%d[%d]", docNum, i)
			e, ok, err := fromRecord(rec, absPath, 1, section)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if ok {
				entries = append(entries, e)
			}
		}
	}

	return entries, nil
}
