package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
)

// DefaultZ is the two-sided 95% normal quantile.
const DefaultZ = 1.96

// DayValue is one calendar day's value of a metric.
type DayValue struct {
	Date       time.Time
	Value      float64
	Confidence float64
	Entries    int
}

// DailyMetric averages a metric per day. Days with several analyzed
// entries are averaged first so every day carries equal weight. The result
// is ordered by date.
func DailyMetric(records []*journal.EntryAnalytics, m journal.Metric) []DayValue {
	type acc struct {
		sum, conf float64
		n         int
	}
	byDay := make(map[time.Time]*acc)
	for _, r := range records {
		d := journal.Day(r.Date)
		a := byDay[d]
		if a == nil {
			a = &acc{}
			byDay[d] = a
		}
		a.sum += r.MetricValue(m)
		a.conf += r.Confidence
		a.n++
	}

	out := make([]DayValue, 0, len(byDay))
	for d, a := range byDay {
		out = append(out, DayValue{
			Date:       d,
			Value:      a.sum / float64(a.n),
			Confidence: a.conf / float64(a.n),
			Entries:    a.n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// DailyHappiness is DailyMetric for happiness.
func DailyHappiness(records []*journal.EntryAnalytics) []DayValue {
	return DailyMetric(records, journal.MetricHappiness)
}

func values(days []DayValue) []float64 {
	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = d.Value
	}
	return out
}

// Mean returns the arithmetic mean, or 0 for no values.
func Mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// ConfidenceIntervalFor returns mean ± z·SE where SE is the sample standard
// deviation (n-1) over √n. Fewer than two values collapse the interval to
// the mean.
func ConfidenceIntervalFor(vs []float64, z float64) journal.ConfidenceInterval {
	mean := Mean(vs)
	n := len(vs)
	if n < 2 {
		return journal.ConfidenceInterval{Lower: mean, Upper: mean}
	}
	var ss float64
	for _, v := range vs {
		ss += (v - mean) * (v - mean)
	}
	sd := math.Sqrt(ss / float64(n-1))
	half := z * sd / math.Sqrt(float64(n))
	return journal.ConfidenceInterval{Lower: mean - half, Upper: mean + half}
}

// RankDrivers picks the n events with the strongest sentiment of one sign.
// Positive drivers are ordered by sentiment descending, negative drivers by
// sentiment ascending; ties go to higher salience, then the more recent
// date, then the id. Neutral events are never drivers. n <= 0 means no cap.
func RankDrivers(events []journal.DetectedEvent, n int, positive bool) []journal.DetectedEvent {
	out := make([]journal.DetectedEvent, 0, len(events))
	for _, e := range events {
		if (positive && e.Sentiment > 0) || (!positive && e.Sentiment < 0) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Sentiment != b.Sentiment {
			if positive {
				return a.Sentiment > b.Sentiment
			}
			return a.Sentiment < b.Sentiment
		}
		return tieBreak(a, b)
	})
	return capEvents(out, n)
}

// TopEvents orders events by salience, then sentiment magnitude, then
// recency and id.
func TopEvents(events []journal.DetectedEvent, n int) []journal.DetectedEvent {
	out := append([]journal.DetectedEvent(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Salience != b.Salience {
			return a.Salience > b.Salience
		}
		if ma, mb := math.Abs(a.Sentiment), math.Abs(b.Sentiment); ma != mb {
			return ma > mb
		}
		da, db := eventDate(a), eventDate(b)
		if !da.Equal(db) {
			return da.After(db)
		}
		return a.ID < b.ID
	})
	return capEvents(out, n)
}

func tieBreak(a, b journal.DetectedEvent) bool {
	if a.Salience != b.Salience {
		return a.Salience > b.Salience
	}
	da, db := eventDate(a), eventDate(b)
	if !da.Equal(db) {
		return da.After(db)
	}
	return a.ID < b.ID
}

func eventDate(e journal.DetectedEvent) time.Time {
	if e.Date == nil {
		return time.Time{}
	}
	return *e.Date
}

func capEvents(events []journal.DetectedEvent, n int) []journal.DetectedEvent {
	if n > 0 && len(events) > n {
		return events[:n]
	}
	return events
}

// labelCounter ranks labels by frequency, then by the latest day they were
// seen, then alphabetically.
type labelCounter struct {
	count map[string]int
	last  map[string]time.Time
}

func newLabelCounter() *labelCounter {
	return &labelCounter{count: make(map[string]int), last: make(map[string]time.Time)}
}

func (c *labelCounter) add(label string, seen time.Time) {
	if label == "" {
		return
	}
	c.count[label]++
	if seen.After(c.last[label]) {
		c.last[label] = seen
	}
}

func (c *labelCounter) top(n int) []string {
	out := make([]string, 0, len(c.count))
	for l := range c.count {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c.count[a] != c.count[b] {
			return c.count[a] > c.count[b]
		}
		if !c.last[a].Equal(c.last[b]) {
			return c.last[a].After(c.last[b])
		}
		return a < b
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// KeyTopics returns up to n theme and event-category labels, most frequent
// first and more recent on ties.
func KeyTopics(records []*journal.EntryAnalytics, n int) []string {
	c := newLabelCounter()
	for _, r := range records {
		d := journal.Day(r.Date)
		for _, t := range r.Themes {
			c.add(t, d)
		}
		for _, e := range r.Events {
			c.add(e.Category, d)
		}
	}
	return c.top(n)
}

// collectEvents flattens the events of records, filling a missing event
// date from its record.
func collectEvents(records []*journal.EntryAnalytics) []journal.DetectedEvent {
	var out []journal.DetectedEvent
	for _, r := range records {
		for _, e := range r.Events {
			if e.Date == nil {
				d := journal.Day(r.Date)
				e.Date = &d
			}
			if e.EntryID == "" {
				e.EntryID = r.EntryID
			}
			out = append(out, e)
		}
	}
	return out
}

// spansOf gathers the provenance spans of events without duplicates.
func spansOf(groups ...[]journal.DetectedEvent) []journal.SourceSpan {
	out := []journal.SourceSpan{}
	seen := make(map[journal.SourceSpan]bool)
	for _, events := range groups {
		for _, e := range events {
			for _, s := range e.Spans {
				if !seen[s] {
					seen[s] = true
					out = append(out, s)
				}
			}
		}
	}
	return out
}
