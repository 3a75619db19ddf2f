package ingest

import (
	"fmt"
	"strings"
	"time"
)

var (
	textKeys = []string{"text", "content", "body", "entry"}
	dateKeys = []string{"date", "day", "created_at", "created", "timestamp"}
)

// fromRecord builds an entry from a structured record (JSON object, YAML
// mapping, CSV row). A record without text is skipped; a record with an
// unparseable date is an error.
func fromRecord(rec map[string]any, absPath string, line int, section string) (RawEntry, bool, error) {
	fields := make(map[string]string, len(rec))
	for k, v := range rec {
		var val string
		switch t := v.(type) {
		case nil:
			continue
		case time.Time:
			val = t.Format(time.RFC3339)
		default:
			val = strings.TrimSpace(fmt.Sprint(t))
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = val
	}

	e := RawEntry{
		ID:            fields["id"],
		Text:          first(fields, textKeys),
		SourceFile:    absPath,
		SourceLine:    line,
		SourceSection: section,
	}
	if e.Text == "" {
		return RawEntry{}, false, nil
	}
	if raw := first(fields, dateKeys); raw != "" {
		d, ok := parseDate(raw)
		if !ok {
			return RawEntry{}, false, fmt.Errorf("%s: unrecognized date %q", section, raw)
		}
		e.Date = d
	}
	return e, true, nil
}

func first(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// recordList unwraps the shapes a structured journal export takes: a list
// of records, an object with an "entries" list, or a single record.
func recordList(v any) ([]map[string]any, bool) {
	switch t := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, elem := range t {
			rec, ok := elem.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, rec)
		}
		return out, true
	case map[string]any:
		if inner, ok := t["entries"]; ok {
			return recordList(inner)
		}
		return []map[string]any{t}, true
	default:
		return nil, false
	}
}
