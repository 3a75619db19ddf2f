package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
)

const (
	maxStateItems = 5
	maxTodos      = 5
)

// CurrentState summarizes the last days of analytics, ending at the most
// recent analyzed day (or today when nothing is analyzed). Mood trend
// compares against the window of equal length just before.
func (e *Engine) CurrentState(ctx context.Context, days int) (*journal.CurrentState, error) {
	if days < 1 {
		return nil, fmt.Errorf("days_analyzed must be at least 1, got %d: %w", days, journal.ErrInvalidArgument)
	}

	end, ok, err := e.store.LatestAnalyticsDate(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		end = e.now()
	}
	end = windowEnd(end)
	window := &journal.DateRange{From: end.AddDate(0, 0, -days), To: end}

	records, err := e.store.ListAnalytics(ctx, window)
	if err != nil {
		return nil, err
	}

	state := &journal.CurrentState{
		Themes:            themes(records, e.opts.MaxTopics),
		Stressors:         []string{},
		ProtectiveFactors: []string{},
		AnalyzedAt:        e.now().UTC(),
		DaysAnalyzed:      days,
	}

	daily := DailyHappiness(records)
	mood := journal.MoodState{HappinessAvg: Mean(values(daily))}
	if len(records) > 0 {
		var valence, arousal float64
		for _, r := range records {
			valence += r.Valence
			arousal += r.Arousal
		}
		mood.Valence = valence / float64(len(records))
		mood.Arousal = arousal / float64(len(records))
	}
	previous := &journal.DateRange{From: window.From.AddDate(0, 0, -days), To: window.From}
	if mood.Trend, err = e.trend(ctx, mood.HappinessAvg, len(daily) > 0, previous); err != nil {
		return nil, err
	}
	mood.Label = moodLabel(mood.HappinessAvg, len(daily) > 0)
	state.Mood = mood

	events := collectEvents(records)
	state.Stressors = stressors(records, events)
	for _, ev := range RankDrivers(events, 0, true) {
		state.ProtectiveFactors = appendUnique(state.ProtectiveFactors, eventLabel(ev), maxStateItems)
	}
	state.SuggestedTodos = suggestTodos(state.Stressors, state.ProtectiveFactors)
	return state, nil
}

// themes ranks theme, category and stressor labels by frequency then recency.
func themes(records []*journal.EntryAnalytics, n int) []string {
	c := newLabelCounter()
	for _, r := range records {
		d := journal.Day(r.Date)
		for _, t := range r.Themes {
			c.add(t, d)
		}
		for _, s := range r.Stressors {
			c.add(s, d)
		}
		for _, ev := range r.Events {
			c.add(ev.Category, d)
		}
	}
	return c.top(n)
}

// stressors lists negative events, strongest first, then reported
// stressors by frequency.
func stressors(records []*journal.EntryAnalytics, events []journal.DetectedEvent) []string {
	out := []string{}
	for _, ev := range RankDrivers(events, 0, false) {
		out = appendUnique(out, eventLabel(ev), maxStateItems)
	}
	c := newLabelCounter()
	for _, r := range records {
		for _, s := range r.Stressors {
			c.add(s, journal.Day(r.Date))
		}
	}
	for _, s := range c.top(0) {
		out = appendUnique(out, s, maxStateItems)
	}
	return out
}

func eventLabel(ev journal.DetectedEvent) string {
	return ev.Title
}

func appendUnique(list []string, s string, limit int) []string {
	if s == "" || len(list) >= limit {
		return list
	}
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

func moodLabel(happiness float64, hasData bool) string {
	switch {
	case !hasData:
		return "unknown"
	case happiness >= 75:
		return "thriving"
	case happiness >= 60:
		return "good"
	case happiness >= 45:
		return "mixed"
	case happiness >= 30:
		return "low"
	default:
		return "struggling"
	}
}

// suggestTodos turns the top stressors and protective factors into short
// action items.
func suggestTodos(stressors, protective []string) []string {
	out := []string{}
	for i, s := range stressors {
		if i == 3 {
			break
		}
		out = append(out, "Make a plan for: "+s)
	}
	for i, p := range protective {
		if i == 2 || len(out) == maxTodos {
			break
		}
		out = append(out, "Make time for more of: "+p)
	}
	return out
}

// windowEnd is the exclusive bound of a window whose last day is latest.
func windowEnd(latest time.Time) time.Time {
	return journal.Day(latest).AddDate(0, 0, 1)
}
