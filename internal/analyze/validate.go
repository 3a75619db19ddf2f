package analyze

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/hurttlocker/quill/internal/journal"
)

const (
	maxLabels      = 10
	defaultSalient = 0.5
)

// idSpace namespaces the name-based ids of analytics records and events.
var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://quill.local/analytics"))

// bounds is a declared numeric range.
type bounds struct{ lo, hi float64 }

var (
	percent = bounds{0, 100}
	unit    = bounds{0, 1}
	signed  = bounds{-1, 1}
)

// normalizer turns a raw provider answer into a validated record.
type normalizer struct {
	tolerance float64
}

// clamp pulls v into b when it lies within tolerance × range width of the
// range. Values further out, and non-finite values, are rejected.
func (n normalizer) clamp(field string, v float64, b bounds) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &journal.ValidationError{Field: field, Value: v, Msg: "not a finite number"}
	}
	slack := n.tolerance * (b.hi - b.lo)
	switch {
	case v < b.lo-slack || v > b.hi+slack:
		return 0, &journal.ValidationError{Field: field, Value: v, Msg: fmt.Sprintf("outside [%g, %g]", b.lo, b.hi)}
	case v < b.lo:
		return b.lo, nil
	case v > b.hi:
		return b.hi, nil
	}
	return v, nil
}

func (n normalizer) required(field string, v *float64, b bounds) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("missing %s: %w", field, journal.ErrMalformedResponse)
	}
	return n.clamp(field, *v, b)
}

func (n normalizer) optional(field string, v *float64, b bounds, def float64) (float64, error) {
	if v == nil {
		return def, nil
	}
	return n.clamp(field, *v, b)
}

// confidence is never clamped: a value outside [0,1] means the provider
// did not follow the schema.
func confidence(v *float64) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("missing confidence: %w", journal.ErrMalformedResponse)
	}
	c := *v
	if math.IsNaN(c) || c < 0 || c > 1 {
		return 0, &journal.ValidationError{Field: "confidence", Value: c, Msg: "outside [0, 1]"}
	}
	return c, nil
}

func (n normalizer) normalize(raw *rawAnalysis, entry journal.Entry) (*journal.EntryAnalytics, error) {
	var err error
	out := &journal.EntryAnalytics{
		ID:          analyticsID(entry.ID),
		EntryID:     entry.ID,
		Date:        journal.Day(entry.Date),
		Fingerprint: journal.Fingerprint(entry.Text),
	}

	if out.HappinessScore, err = n.required("happiness", raw.Happiness, percent); err != nil {
		return nil, err
	}
	if out.Valence, err = n.required("valence", raw.Valence, signed); err != nil {
		return nil, err
	}
	if out.Arousal, err = n.required("arousal", raw.Arousal, unit); err != nil {
		return nil, err
	}
	if out.Confidence, err = confidence(raw.Confidence); err != nil {
		return nil, err
	}
	if out.Emotions, err = n.emotions(raw.Emotions); err != nil {
		return nil, err
	}

	text := []rune(entry.Text)
	out.Events = make([]journal.DetectedEvent, 0, len(raw.Events))
	for i, re := range raw.Events {
		title := strings.TrimSpace(re.Title)
		if title == "" {
			continue
		}
		ev := journal.DetectedEvent{
			ID:          eventID(entry.ID, i, title),
			EntryID:     entry.ID,
			Title:       title,
			Description: strings.TrimSpace(re.Description),
			Category:    label(re.Category),
		}
		if ev.Sentiment, err = n.optional(fmt.Sprintf("events[%d].sentiment", i), re.Sentiment, signed, 0); err != nil {
			return nil, err
		}
		if ev.Salience, err = n.optional(fmt.Sprintf("events[%d].salience", i), re.Salience, unit, defaultSalient); err != nil {
			return nil, err
		}
		date := out.Date
		if d, perr := time.Parse(journal.DateLayout, strings.TrimSpace(re.Date)); perr == nil {
			date = d
		}
		ev.Date = &date
		if span, ok := locate(text, re.SourceQuote); ok {
			span.EntryID = entry.ID
			ev.Spans = []journal.SourceSpan{span}
		}
		out.Events = append(out.Events, ev)
	}

	out.Themes = labels(raw.Themes)
	out.Stressors = labels(raw.Stressors)
	return out, nil
}

func (n normalizer) emotions(raw *rawEmotions) (journal.EmotionScores, error) {
	e := journal.NeutralEmotions()
	if raw == nil {
		return e, nil
	}
	fields := []struct {
		name string
		in   *float64
		out  *float64
	}{
		{"emotions.joy", raw.Joy, &e.Joy},
		{"emotions.sadness", raw.Sadness, &e.Sadness},
		{"emotions.anger", raw.Anger, &e.Anger},
		{"emotions.anxiety", raw.Anxiety, &e.Anxiety},
		{"emotions.gratitude", raw.Gratitude, &e.Gratitude},
	}
	for _, f := range fields {
		v, err := n.optional(f.name, f.in, unit, *f.out)
		if err != nil {
			return e, err
		}
		*f.out = v
	}
	return e, nil
}

// locate finds quote in text, first exactly and then ignoring case and
// runs of whitespace, and returns its rune span.
func locate(text []rune, quote string) (journal.SourceSpan, bool) {
	quote = strings.Trim(strings.TrimSpace(quote), `"“”'`)
	if quote == "" {
		return journal.SourceSpan{}, false
	}
	needle := []rune(quote)
	if i := indexRunes(text, needle, func(a, b rune) bool { return a == b }); i >= 0 {
		return journal.SourceSpan{Start: i, End: i + len(needle)}, true
	}
	return fuzzyLocate(text, []rune(strings.Join(strings.Fields(quote), " ")))
}

func indexRunes(hay, needle []rune, eq func(a, b rune) bool) int {
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j := range needle {
			if !eq(hay[i+j], needle[j]) {
				continue outer
			}
		}
		return i
	}
	return -1
}

// fuzzyLocate matches needle case-insensitively, letting any whitespace run
// in text stand for a single space in needle.
func fuzzyLocate(text, needle []rune) (journal.SourceSpan, bool) {
	if len(needle) == 0 {
		return journal.SourceSpan{}, false
	}
	for start := range text {
		if unicode.IsSpace(text[start]) {
			continue
		}
		i, j := start, 0
		for i < len(text) && j < len(needle) {
			switch {
			case unicode.IsSpace(needle[j]) && unicode.IsSpace(text[i]):
				for i < len(text) && unicode.IsSpace(text[i]) {
					i++
				}
				j++
			case unicode.ToLower(text[i]) == unicode.ToLower(needle[j]):
				i++
				j++
			default:
				i = -1
			}
			if i < 0 {
				break
			}
		}
		if i >= 0 && j == len(needle) {
			return journal.SourceSpan{Start: start, End: i}, true
		}
	}
	return journal.SourceSpan{}, false
}

func label(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// labels lowercases, dedupes and caps a provider label list, keeping order.
func labels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		l := label(s)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
		if len(out) == maxLabels {
			break
		}
	}
	return out
}

func analyticsID(entryID string) string {
	return uuid.NewSHA1(idSpace, []byte("entry/"+entryID)).String()
}

func eventID(entryID string, i int, title string) string {
	return uuid.NewSHA1(idSpace, []byte("event/"+entryID+"/"+strconv.Itoa(i)+"/"+title)).String()
}
