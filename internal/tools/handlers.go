package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/search"
)

const snippetRunes = 160

type handlers struct {
	index Searcher
	agg   Aggregates
}

// SearchResult is the structured answer of search_semantic.
type SearchResult struct {
	Query string       `json:"query"`
	Hits  []search.Hit `json:"hits"`
}

func (h *handlers) searchSemantic(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args struct {
		Query string `json:"query"`
		K     *int   `json:"k"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	if err := decodeArgs(SearchSemantic, raw, &args); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return nil, invalid(SearchSemantic, "query is required")
	}
	k := defaultK
	if args.K != nil {
		if *args.K < 1 {
			return nil, invalid(SearchSemantic, "k must be at least 1, got %d", *args.K)
		}
		k = min(*args.K, maxK)
	}
	from, err := parseDay(SearchSemantic, "from", args.From)
	if err != nil {
		return nil, err
	}
	to, err := parseDay(SearchSemantic, "to", args.To)
	if err != nil {
		return nil, err
	}
	if h.index == nil {
		return nil, fmt.Errorf("semantic search is not configured")
	}

	hits, err := h.index.SearchText(ctx, query, k, inclusiveRange(from, to))
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []search.Hit{}
	}

	var sb strings.Builder
	if len(hits) == 0 {
		fmt.Fprintf(&sb, "No journal passages match %q.", query)
	} else {
		fmt.Fprintf(&sb, "%d passages similar to %q:", len(hits), query)
		for i, hit := range hits {
			fmt.Fprintf(&sb, "\n%d. [%s] (%.2f) %s", i+1, hit.Chunk.Date.Format(journal.DateLayout), hit.Score, snippet(hit.Chunk.Text))
		}
	}
	return &Result{Structured: SearchResult{Query: query, Hits: hits}, Text: sb.String()}, nil
}

func (h *handlers) monthSummary(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args struct {
		Year  *int `json:"year"`
		Month *int `json:"month"`
	}
	if err := decodeArgs(GetMonthSummary, raw, &args); err != nil {
		return nil, err
	}
	if args.Year == nil || args.Month == nil {
		return nil, invalid(GetMonthSummary, "year and month are required")
	}
	s, err := h.agg.MonthSummary(ctx, *args.Year, *args.Month)
	if err != nil {
		return nil, err
	}
	return &Result{Structured: s, Text: s.SummaryText}, nil
}

func (h *handlers) yearSummary(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args struct {
		Year *int `json:"year"`
	}
	if err := decodeArgs(GetYearSummary, raw, &args); err != nil {
		return nil, err
	}
	if args.Year == nil {
		return nil, invalid(GetYearSummary, "year is required")
	}
	s, err := h.agg.YearSummary(ctx, *args.Year)
	if err != nil {
		return nil, err
	}
	return &Result{Structured: s, Text: s.SummaryText}, nil
}

// SeriesResult is the structured answer of get_time_series.
type SeriesResult struct {
	Metric journal.Metric            `json:"metric"`
	From   string                    `json:"from"`
	To     string                    `json:"to"`
	Points []journal.TimeSeriesPoint `json:"points"`
}

func (h *handlers) timeSeries(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args struct {
		Metric string `json:"metric"`
		From   string `json:"from"`
		To     string `json:"to"`
	}
	if err := decodeArgs(GetTimeSeries, raw, &args); err != nil {
		return nil, err
	}
	metric, err := journal.ParseMetric(strings.ToLower(strings.TrimSpace(args.Metric)))
	if err != nil {
		return nil, invalid(GetTimeSeries, "%v", err)
	}
	from, err := parseDay(GetTimeSeries, "from", args.From)
	if err != nil {
		return nil, err
	}
	to, err := parseDay(GetTimeSeries, "to", args.To)
	if err != nil {
		return nil, err
	}
	if from.IsZero() || to.IsZero() {
		return nil, invalid(GetTimeSeries, "from and to are required")
	}
	if to.Before(from) {
		return nil, invalid(GetTimeSeries, "to (%s) is before from (%s)", args.To, args.From)
	}

	points, err := h.agg.TimeSeries(ctx, metric, inclusiveRange(from, to))
	if err != nil {
		return nil, err
	}
	res := SeriesResult{
		Metric: metric,
		From:   from.Format(journal.DateLayout),
		To:     to.Format(journal.DateLayout),
		Points: points,
	}
	return &Result{Structured: res, Text: renderSeries(res)}, nil
}

func renderSeries(s SeriesResult) string {
	if len(s.Points) == 0 {
		return fmt.Sprintf("No %s data between %s and %s.", s.Metric, s.From, s.To)
	}
	lo, hi := s.Points[0], s.Points[0]
	var sum float64
	for _, p := range s.Points {
		sum += p.Value
		if p.Value < lo.Value {
			lo = p
		}
		if p.Value > hi.Value {
			hi = p
		}
	}
	return fmt.Sprintf("%s between %s and %s: %d days with data, mean %.1f, lowest %.1f on %s, highest %.1f on %s.",
		s.Metric, s.From, s.To, len(s.Points), sum/float64(len(s.Points)),
		lo.Value, lo.Date.Format(journal.DateLayout), hi.Value, hi.Date.Format(journal.DateLayout))
}

func (h *handlers) currentState(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args struct {
		Days *int `json:"days_analyzed"`
	}
	if err := decodeArgs(GetCurrentState, raw, &args); err != nil {
		return nil, err
	}
	days := defaultDays
	if args.Days != nil {
		if *args.Days < 1 || *args.Days > maxDays {
			return nil, invalid(GetCurrentState, "days_analyzed must be between 1 and %d, got %d", maxDays, *args.Days)
		}
		days = *args.Days
	}
	s, err := h.agg.CurrentState(ctx, days)
	if err != nil {
		return nil, err
	}
	return &Result{Structured: s, Text: renderState(s)}, nil
}

func renderState(s *journal.CurrentState) string {
	var sb strings.Builder
	if s.Mood.Label == "unknown" {
		fmt.Fprintf(&sb, "No analyzed entries in the last %d days.", s.DaysAnalyzed)
		return sb.String()
	}
	fmt.Fprintf(&sb, "Over the last %d days mood has been %s (happiness %.1f, trend %s).",
		s.DaysAnalyzed, s.Mood.Label, s.Mood.HappinessAvg, s.Mood.Trend)
	list := func(title string, items []string) {
		if len(items) > 0 {
			fmt.Fprintf(&sb, " %s: %s.", title, strings.Join(items, ", "))
		}
	}
	list("Themes", s.Themes)
	list("Stressors", s.Stressors)
	list("Helping", s.ProtectiveFactors)
	return sb.String()
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "..."
}
