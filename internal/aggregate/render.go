package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/llm"
)

// RenderMonth writes the deterministic text of a month summary.
func RenderMonth(s *journal.MonthSummary) string {
	period := fmt.Sprintf("%s %d", time.Month(s.Month), s.Year)
	return render(period, s.DaysWithData, s.EntryCount, s.HappinessAvg, s.HappinessConfidenceInterval,
		s.HappinessTrend, s.KeyTopics, s.DriversPositive, s.DriversNegative)
}

// RenderYear writes the deterministic text of a year summary.
func RenderYear(s *journal.YearSummary) string {
	text := render(fmt.Sprint(s.Year), s.DaysWithData, s.EntryCount, s.HappinessAvg, s.HappinessConfidenceInterval,
		s.HappinessTrend, s.KeyTopics, s.DriversPositive, s.DriversNegative)
	if best, worst, ok := extremeMonths(s.Months); ok && best != worst {
		text += fmt.Sprintf(" Best month: %s. Hardest month: %s.", time.Month(best), time.Month(worst))
	}
	return text
}

func render(period string, days, entries int, avg float64, ci journal.ConfidenceInterval,
	trend journal.Trend, topics []string, pos, neg []journal.DetectedEvent) string {
	if days == 0 {
		return fmt.Sprintf("No analyzed entries for %s.", period)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: average happiness %.1f", period, avg)
	if ci.Width() > 0 {
		fmt.Fprintf(&sb, " (95%% CI %.1f to %.1f)", ci.Lower, ci.Upper)
	}
	fmt.Fprintf(&sb, " over %s from %s, trend %s.", plural(days, "day", "days"), plural(entries, "entry", "entries"), trend)
	if len(topics) > 0 {
		fmt.Fprintf(&sb, " Key topics: %s.", strings.Join(topics, ", "))
	}
	if len(pos) > 0 {
		fmt.Fprintf(&sb, " Lifted by: %s.", titles(pos, 3))
	}
	if len(neg) > 0 {
		fmt.Fprintf(&sb, " Weighed down by: %s.", titles(neg, 3))
	}
	return sb.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

func titles(events []journal.DetectedEvent, n int) string {
	out := make([]string, 0, n)
	for _, e := range capEvents(events, n) {
		out = append(out, e.Title)
	}
	return strings.Join(out, ", ")
}

func extremeMonths(months []journal.MonthStat) (best, worst int, ok bool) {
	if len(months) == 0 {
		return 0, 0, false
	}
	b, w := months[0], months[0]
	for _, m := range months[1:] {
		if m.HappinessAvg > b.HappinessAvg {
			b = m
		}
		if m.HappinessAvg < w.HappinessAvg {
			w = m
		}
	}
	return b.Month, w.Month, true
}

const narratorSystem = `You write short, warm, factual summaries of a person's own journal statistics.
Use only the facts in the JSON you are given. Write 3 to 5 sentences in the second person.
Do not give medical advice. Return plain text only.`

// LLMNarrator narrates summaries with an LLM provider.
type LLMNarrator struct {
	provider llm.Provider
}

// NewLLMNarrator wraps provider.
func NewLLMNarrator(provider llm.Provider) *LLMNarrator {
	return &LLMNarrator{provider: provider}
}

// NarrateMonth implements Narrator.
func (n *LLMNarrator) NarrateMonth(ctx context.Context, s *journal.MonthSummary) (string, error) {
	return n.narrate(ctx, fmt.Sprintf("%s %d", time.Month(s.Month), s.Year), s)
}

// NarrateYear implements Narrator.
func (n *LLMNarrator) NarrateYear(ctx context.Context, s *journal.YearSummary) (string, error) {
	return n.narrate(ctx, fmt.Sprint(s.Year), s)
}

func (n *LLMNarrator) narrate(ctx context.Context, period string, summary any) (string, error) {
	facts, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	prompt := fmt.Sprintf("Summarize %s from these statistics:\n\n%s", period, facts)
	text, err := n.provider.Complete(ctx, prompt, llm.CompletionOpts{
		MaxTokens:   400,
		Temperature: 0.3,
		System:      narratorSystem,
	})
	if err != nil {
		return "", fmt.Errorf("narrating %s: %w", period, err)
	}
	return strings.TrimSpace(text), nil
}
