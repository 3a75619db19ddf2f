// Package journal defines the value types shared by every part of Quill:
// journal entries, the chunks and analytics derived from them, and the
// period summaries built on top.
//
// Character offsets are rune offsets into the entry text as it was when the
// derived record was produced.
package journal

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"
	"unicode/utf8"
)

// DateLayout is the layout used for day-granularity dates on the wire.
const DateLayout = "2006-01-02"

// Entry is an immutable snapshot of one journal entry.
type Entry struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	Date time.Time `json:"date"`
}

// EntrySource is the read side of the raw entry store.
type EntrySource interface {
	ListEntries(ctx context.Context) ([]Entry, error)
	// GetEntry returns ErrNotFound when the entry does not exist.
	GetEntry(ctx context.Context, id string) (*Entry, error)
}

// Fingerprint identifies an entry's text for change detection.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%d:%x", utf8.RuneCountInString(text), sum)
}

// SourceSpan is a half-open rune range [Start, End) into one entry's text.
type SourceSpan struct {
	EntryID string `json:"entry_id"`
	Start   int    `json:"start_char"`
	End     int    `json:"end_char"`
}

// Validate checks 0 <= Start < End <= textLen.
func (s SourceSpan) Validate(textLen int) error {
	if s.Start < 0 || s.Start >= s.End || s.End > textLen {
		return fmt.Errorf("span [%d,%d) outside text of length %d: %w", s.Start, s.End, textLen, ErrValidation)
	}
	return nil
}

// Len returns the number of runes covered.
func (s SourceSpan) Len() int { return s.End - s.Start }

// Chunk is the unit of semantic search. Embedding is nil until the
// pipeline fills it.
type Chunk struct {
	ID         string     `json:"id"`
	EntryID    string     `json:"entry_id"`
	Text       string     `json:"text"`
	Embedding  []float32  `json:"embedding,omitempty"`
	Span       SourceSpan `json:"span"`
	Date       time.Time  `json:"date"`
	TokenCount int        `json:"token_count"`
}

// Embedded reports whether the chunk has a vector.
func (c *Chunk) Embedded() bool { return len(c.Embedding) > 0 }

// EmotionScores holds per-emotion intensities in [0,1].
type EmotionScores struct {
	Joy       float64 `json:"joy"`
	Sadness   float64 `json:"sadness"`
	Anger     float64 `json:"anger"`
	Anxiety   float64 `json:"anxiety"`
	Gratitude float64 `json:"gratitude"`
}

// NeutralEmotions returns the neutral score set (all 0.5).
func NeutralEmotions() EmotionScores {
	return EmotionScores{Joy: 0.5, Sadness: 0.5, Anger: 0.5, Anxiety: 0.5, Gratitude: 0.5}
}

// DetectedEvent is a notable event extracted from one entry.
type DetectedEvent struct {
	ID          string       `json:"id"`
	EntryID     string       `json:"entry_id,omitempty"`
	Title       string       `json:"title"`
	Date        *time.Time   `json:"date,omitempty"`
	Description string       `json:"description"`
	Sentiment   float64      `json:"sentiment"`
	Salience    float64      `json:"salience"`
	Category    string       `json:"category,omitempty"`
	Spans       []SourceSpan `json:"spans,omitempty"`
}

// EntryAnalytics is the current analysis of one entry. There is exactly
// one record per EntryID.
type EntryAnalytics struct {
	ID             string          `json:"id"`
	EntryID        string          `json:"entry_id"`
	Date           time.Time       `json:"date"`
	HappinessScore float64         `json:"happiness_score"`
	Valence        float64         `json:"valence"`
	Arousal        float64         `json:"arousal"`
	Emotions       EmotionScores   `json:"emotions"`
	Events         []DetectedEvent `json:"events"`
	Themes         []string        `json:"themes"`
	Stressors      []string        `json:"stressors"`
	Confidence     float64         `json:"confidence"`
	Fingerprint    string          `json:"fingerprint"`
	AnalyzedAt     time.Time       `json:"analyzed_at"`
}

// MetricValue derives a 0–100 metric from the analytics record.
func (a *EntryAnalytics) MetricValue(m Metric) float64 {
	switch m {
	case MetricStress:
		e := a.Emotions
		return 100 * (0.5*e.Anxiety + 0.25*e.Anger + 0.25*e.Sadness)
	case MetricEnergy:
		return 100 * a.Arousal
	default:
		return a.HappinessScore
	}
}

// Metric names a derived time series.
type Metric string

const (
	MetricHappiness Metric = "happiness"
	MetricStress    Metric = "stress"
	MetricEnergy    Metric = "energy"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricHappiness, MetricStress, MetricEnergy:
		return Metric(s), nil
	}
	return "", fmt.Errorf("unknown metric %q (expected happiness, stress or energy): %w", s, ErrInvalidArgument)
}

// TimeSeriesPoint is one day of a metric. It is a query result and never
// stored.
type TimeSeriesPoint struct {
	Date       time.Time `json:"date"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	Confidence float64   `json:"confidence"`
}

// ConfidenceInterval bounds an aggregate mean.
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Width returns Upper - Lower.
func (ci ConfidenceInterval) Width() float64 { return ci.Upper - ci.Lower }

// Trend classifies the change between two comparable periods.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// DefaultTrendThreshold is the trend threshold on the 0–100 scale.
const DefaultTrendThreshold = 5.0

// ClassifyTrend compares current against previous. A difference exactly
// at the threshold is stable.
func ClassifyTrend(current, previous, threshold float64) Trend {
	diff := current - previous
	switch {
	case diff > threshold:
		return TrendUp
	case diff < -threshold:
		return TrendDown
	default:
		return TrendStable
	}
}

// MonthSummary aggregates one calendar month. Unique per (Year, Month).
type MonthSummary struct {
	Year                        int                `json:"year"`
	Month                       int                `json:"month"`
	SummaryText                 string             `json:"summary_text"`
	KeyTopics                   []string           `json:"key_topics"`
	HappinessAvg                float64            `json:"happiness_avg"`
	HappinessConfidenceInterval ConfidenceInterval `json:"happiness_confidence_interval"`
	HappinessTrend              Trend              `json:"happiness_trend"`
	DaysWithData                int                `json:"days_with_data"`
	EntryCount                  int                `json:"entry_count"`
	DriversPositive             []DetectedEvent    `json:"drivers_positive"`
	DriversNegative             []DetectedEvent    `json:"drivers_negative"`
	TopEvents                   []DetectedEvent    `json:"top_events"`
	SourceSpans                 []SourceSpan       `json:"source_spans"`
	GeneratedAt                 time.Time          `json:"generated_at"`
}

// MonthStat is one month's contribution to a year summary.
type MonthStat struct {
	Month        int     `json:"month"`
	HappinessAvg float64 `json:"happiness_avg"`
	DaysWithData int     `json:"days_with_data"`
}

// YearSummary aggregates one calendar year. Unique per Year.
type YearSummary struct {
	Year                        int                `json:"year"`
	SummaryText                 string             `json:"summary_text"`
	KeyTopics                   []string           `json:"key_topics"`
	HappinessAvg                float64            `json:"happiness_avg"`
	HappinessConfidenceInterval ConfidenceInterval `json:"happiness_confidence_interval"`
	HappinessTrend              Trend              `json:"happiness_trend"`
	DaysWithData                int                `json:"days_with_data"`
	EntryCount                  int                `json:"entry_count"`
	Months                      []MonthStat        `json:"months"`
	DriversPositive             []DetectedEvent    `json:"drivers_positive"`
	DriversNegative             []DetectedEvent    `json:"drivers_negative"`
	TopEvents                   []DetectedEvent    `json:"top_events"`
	SourceSpans                 []SourceSpan       `json:"source_spans"`
	GeneratedAt                 time.Time          `json:"generated_at"`
}

// MoodState is the mood part of a CurrentState snapshot.
type MoodState struct {
	Label        string  `json:"label"`
	HappinessAvg float64 `json:"happiness_avg"`
	Valence      float64 `json:"valence"`
	Arousal      float64 `json:"arousal"`
	Trend        Trend   `json:"trend"`
}

// CurrentState is a snapshot over the most recent DaysAnalyzed days.
type CurrentState struct {
	Themes            []string  `json:"themes"`
	Mood              MoodState `json:"mood"`
	Stressors         []string  `json:"stressors"`
	ProtectiveFactors []string  `json:"protective_factors"`
	SuggestedTodos    []string  `json:"suggested_todos"`
	AnalyzedAt        time.Time `json:"analyzed_at"`
	DaysAnalyzed      int       `json:"days_analyzed"`
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateRange is an optional [From, To) filter on day dates. A zero bound is
// open.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t's day lies inside the range.
func (r *DateRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	d := Day(t)
	if !r.From.IsZero() && d.Before(Day(r.From)) {
		return false
	}
	if !r.To.IsZero() && !d.Before(Day(r.To)) {
		return false
	}
	return true
}
