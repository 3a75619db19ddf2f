// Package tools exposes Quill's read-only queries as named tools for a
// conversational agent.
//
// Every call returns a structured result that serializes on its own and a
// short text rendering for the conversation. No tool writes anything.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/search"
)

// Tool names.
const (
	SearchSemantic  = "search_semantic"
	GetMonthSummary = "get_month_summary"
	GetYearSummary  = "get_year_summary"
	GetTimeSeries   = "get_time_series"
	GetCurrentState = "get_current_state"
)

const (
	defaultK    = 5
	maxK        = 50
	defaultDays = 7
	maxDays     = 366
)

// Searcher runs semantic queries.
type Searcher interface {
	SearchText(ctx context.Context, text string, k int, r *journal.DateRange) ([]search.Hit, error)
}

// Aggregates answers summary, series and state queries without writing.
type Aggregates interface {
	MonthSummary(ctx context.Context, year, month int) (*journal.MonthSummary, error)
	YearSummary(ctx context.Context, year int) (*journal.YearSummary, error)
	TimeSeries(ctx context.Context, m journal.Metric, r *journal.DateRange) ([]journal.TimeSeriesPoint, error)
	CurrentState(ctx context.Context, days int) (*journal.CurrentState, error)
}

// Call is one tool invocation requested by the agent.
type Call struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Result is a tool's answer. Structured is always JSON-serializable on its
// own; Text is meant for the conversation.
type Result struct {
	Tool       string `json:"tool"`
	Structured any    `json:"structured_result"`
	Text       string `json:"text_rendering"`
}

// Param describes one tool argument.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // "string" or "integer"
	Description string   `json:"description"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Definition describes a tool for function calling.
type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

// Schema renders the parameters as a JSON Schema object.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Params))
	required := []string{}
	for _, p := range d.Params {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

type handler func(ctx context.Context, args json.RawMessage) (*Result, error)

type tool struct {
	def    Definition
	handle handler
}

// Registry maps tool names to handlers. The set of tools is fixed at
// construction.
type Registry struct {
	tools  map[string]tool
	order  []string
	logger *slog.Logger
}

// NewRegistry builds the registry. index may be nil, in which case
// search_semantic reports that semantic search is unavailable.
func NewRegistry(index Searcher, agg Aggregates, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{tools: make(map[string]tool), logger: logger.With("component", "tools")}
	h := &handlers{index: index, agg: agg}

	r.add(Definition{
		Name:        SearchSemantic,
		Description: "Find journal passages semantically similar to a query. Returns chunks with dates and similarity scores.",
		Params: []Param{
			{Name: "query", Type: "string", Description: "What to look for, in natural language", Required: true},
			{Name: "k", Type: "integer", Description: fmt.Sprintf("Number of passages to return (default: %d, max: %d)", defaultK, maxK)},
			{Name: "from", Type: "string", Description: "Only passages on or after this date (YYYY-MM-DD)"},
			{Name: "to", Type: "string", Description: "Only passages on or before this date (YYYY-MM-DD)"},
		},
	}, h.searchSemantic)
	r.add(Definition{
		Name:        GetMonthSummary,
		Description: "Summary of one calendar month: happiness average with confidence interval, trend, key topics and drivers.",
		Params: []Param{
			{Name: "year", Type: "integer", Description: "Calendar year, e.g. 2024", Required: true},
			{Name: "month", Type: "integer", Description: "Month number 1-12", Required: true},
		},
	}, h.monthSummary)
	r.add(Definition{
		Name:        GetYearSummary,
		Description: "Summary of one calendar year with per-month happiness.",
		Params: []Param{
			{Name: "year", Type: "integer", Description: "Calendar year, e.g. 2024", Required: true},
		},
	}, h.yearSummary)
	r.add(Definition{
		Name:        GetTimeSeries,
		Description: "Daily values of a metric on a 0-100 scale between two dates (inclusive).",
		Params: []Param{
			{Name: "metric", Type: "string", Description: "Metric to chart", Required: true,
				Enum: []string{string(journal.MetricHappiness), string(journal.MetricStress), string(journal.MetricEnergy)}},
			{Name: "from", Type: "string", Description: "First day (YYYY-MM-DD)", Required: true},
			{Name: "to", Type: "string", Description: "Last day (YYYY-MM-DD)", Required: true},
		},
	}, h.timeSeries)
	r.add(Definition{
		Name:        GetCurrentState,
		Description: "Snapshot of recent mood, themes, stressors and protective factors over the last days with analyzed entries.",
		Params: []Param{
			{Name: "days_analyzed", Type: "integer", Description: fmt.Sprintf("Window length in days (default: %d)", defaultDays)},
		},
	}, h.currentState)
	return r
}

func (r *Registry) add(def Definition, h handler) {
	r.tools[def.Name] = tool{def: def, handle: h}
	r.order = append(r.order, def.Name)
}

// Names lists the registered tools in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Definitions lists every tool for function calling.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Dispatch runs a call. An unregistered name fails with ErrUnknownTool and
// malformed arguments with ErrInvalidArgument, both as *journal.ToolError.
func (r *Registry) Dispatch(ctx context.Context, call Call) (*Result, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return nil, &journal.ToolError{Kind: journal.ErrUnknownTool, Tool: call.Name}
	}

	start := time.Now()
	res, err := t.handle(ctx, call.Arguments)
	if err != nil {
		var te *journal.ToolError
		if !errors.As(err, &te) && errors.Is(err, journal.ErrInvalidArgument) {
			err = &journal.ToolError{Kind: journal.ErrInvalidArgument, Tool: call.Name, Msg: err.Error()}
		}
		r.logger.Debug("tool call failed", "tool", call.Name, "error", err)
		return nil, err
	}
	res.Tool = call.Name
	r.logger.Debug("tool call", "tool", call.Name, "elapsed", time.Since(start))
	return res, nil
}

// decodeArgs strictly decodes a JSON object of arguments. Missing or empty
// arguments decode as {}.
func decodeArgs(tool string, raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid(tool, "bad arguments: %v", err)
	}
	return nil
}

func invalid(tool, format string, args ...any) error {
	return &journal.ToolError{Kind: journal.ErrInvalidArgument, Tool: tool, Msg: fmt.Sprintf(format, args...)}
}

// parseDay reads a YYYY-MM-DD argument. Empty strings are the zero time.
func parseDay(tool, name, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(journal.DateLayout, s)
	if err != nil {
		return time.Time{}, invalid(tool, "%s must be YYYY-MM-DD, got %q", name, s)
	}
	return t, nil
}

// inclusiveRange converts inclusive day bounds into a DateRange.
func inclusiveRange(from, to time.Time) *journal.DateRange {
	if from.IsZero() && to.IsZero() {
		return nil
	}
	r := &journal.DateRange{From: from}
	if !to.IsZero() {
		r.To = to.AddDate(0, 0, 1)
	}
	return r
}
