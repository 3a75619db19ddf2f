package ingest

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
)

var dateLayouts = []string{
	journal.DateLayout,
	"2006/01/02",
	"2006.01.02",
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"January 2, 2006",
	"Jan 2, 2006",
	"Monday, January 2, 2006",
	"2 January 2006",
}

// parseDate accepts the date formats journals commonly use. Times are
// dropped; entries are day-granular.
func parseDate(s string) (time.Time, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return journal.Day(t), true
		}
	}
	return time.Time{}, false
}

var fileDateRe = regexp.MustCompile(`(\d{4})[-_.](\d{2})[-_.](\d{2})`)

// dateFromName finds a YYYY-MM-DD style date in a file name.
func dateFromName(path string) (time.Time, bool) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m := fileDateRe.FindStringSubmatch(base)
	if m == nil {
		return time.Time{}, false
	}
	return parseDate(m[1] + "-" + m[2] + "-" + m[3])
}

// fileDate is the date of a whole-file entry: name first, then mtime.
func fileDate(path string) time.Time {
	if d, ok := dateFromName(path); ok {
		return d
	}
	if info, err := os.Stat(path); err == nil {
		return journal.Day(info.ModTime())
	}
	return time.Time{}
}
