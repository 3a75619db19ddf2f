package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
)

// MarkdownImporter handles .md and .markdown files.
type MarkdownImporter struct{}

// CanHandle returns true for Markdown file extensions.
func (m *MarkdownImporter) CanHandle(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || ext == ".markdown"
}

// Import parses a Markdown journal file.
//
// A file whose headings are dates ("## 2024-03-01", "## March 1, 2024") is a
// multi-day journal: each dated section becomes one entry and non-date
// headings stay inside the section they appear in. Any other file is one
// entry dated by its front matter, its file name or its modification time.
func (m *MarkdownImporter) Import(ctx context.Context, path string) ([]RawEntry, error) {
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

	metadata, body, bodyLine := stripFrontMatter(content)

	if entries := splitOnDateHeaders(body, absPath, bodyLine); len(entries) > 0 {
		return entries, nil
	}

	text := strings.TrimSpace(body)
	if text == "" {
		return nil, nil
	}
	entry := RawEntry{
		ID:         metadata["id"],
		Text:       text,
		SourceFile: absPath,
		SourceLine: bodyLine,
	}
	if d, ok := parseDate(metadata["date"]); ok {
		entry.Date = d
	} else {
		entry.Date = fileDate(path)
	}
	return []RawEntry{entry}, nil
}

// stripFrontMatter removes YAML front matter (--- delimited) from content.
// Returns the simple key: value pairs, the remaining body and the line
// the body starts on.
func stripFrontMatter(content string) (map[string]string, string, int) {
	if !strings.HasPrefix(content, "---\n") {
		return map[string]string{}, content, 1
	}

	rest := content[4:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return map[string]string{}, content, 1
	}

	fmContent := rest[:idx]
	body := rest[idx+4:]
	body = strings.TrimPrefix(body, "\n")
	bodyLine := strings.Count(content[:len(content)-len(body)], "\n") + 1

	metadata := make(map[string]string)
	for _, line := range strings.Split(fmContent, "\n") {
		line = strings.TrimSpace(line)
		if colonIdx := strings.Index(line, ":"); colonIdx > 0 {
			key := strings.ToLower(strings.TrimSpace(line[:colonIdx]))
			val := strings.Trim(strings.TrimSpace(line[colonIdx+1:]), `"'`)
			if key != "" && val != "" {
				metadata[key] = val
			}
		}
	}

	return metadata, body, bodyLine
}

// headerRe matches any markdown header level 1-6.
var headerRe = regexp.MustCompile(`^(#{1,6})\s+(.+)`)

// splitOnDateHeaders splits on headings whose title is a date. Returns nil
// when the body has no dated heading. Text before the first dated heading
// is kept as its own undated entry unless it is only a title.
func splitOnDateHeaders(content, absPath string, firstLine int) []RawEntry {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), DefaultMaxFileSize)

	var (
		entries   []RawEntry
		current   []string
		startLine = firstLine
		date      time.Time
		dated     bool
		anyDated  bool
		inCode    bool
		seen      = map[string]int{}
		lineNum   = firstLine - 1
	)

	flush := func() {
		text := strings.TrimSpace(strings.Join(current, "\n"))
		current = nil
		if text == "" {
			return
		}
		e := RawEntry{Text: text, SourceFile: absPath, SourceLine: startLine}
		if dated {
			key := date.Format(journal.DateLayout)
			seen[key]++
			if seen[key] > 1 {
				key = fmt.Sprintf("%s#%d", key, seen[key])
			}
			e.Date = date
			e.SourceSection = key
		} else {
			e.SourceSection = "preamble"
		}
		entries = append(entries, e)
	}

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inCode = !inCode
		}
		if !inCode {
			if match := headerRe.FindStringSubmatch(line); match != nil {
				if d, ok := parseDate(match[2]); ok {
					if dated || hasBody(current) {
						flush()
					}
					current = nil
					date, dated, anyDated = d, true, true
					startLine = lineNum + 1
					continue
				}
			}
		}
		current = append(current, line)
	}
	if !anyDated {
		return nil
	}
	flush()
	return entries
}

// hasBody reports whether lines hold more than blank lines and an h1 title.
func hasBody(lines []string) bool {
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t != "" && !strings.HasPrefix(t, "# ") {
			return true
		}
	}
	return false
}
