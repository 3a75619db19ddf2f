package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/quill/internal/aggregate"
	"github.com/hurttlocker/quill/internal/embed"
	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/search"
	"github.com/hurttlocker/quill/internal/store"
)

func dayOf(s string) time.Time {
	t, err := time.Parse(journal.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

type fixture struct {
	reg   *Registry
	store *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := embed.NewHashEmbedder()
	chunks := []journal.Chunk{
		{ID: "c1", EntryID: "e1", Text: "long walk along the river at sunset", Date: dayOf("2024-03-01")},
		{ID: "c2", EntryID: "e2", Text: "quarterly tax paperwork and receipts", Date: dayOf("2024-03-10")},
		{ID: "c3", EntryID: "e3", Text: "walk by the river with the dog", Date: dayOf("2024-04-02")},
	}
	for _, c := range chunks {
		c.Span = journal.SourceSpan{EntryID: c.EntryID, Start: 0, End: len([]rune(c.Text))}
		require.NoError(t, st.ReplaceChunks(ctx, c.EntryID, "fp", []journal.Chunk{c}))
		vec, err := embed.EmbedOne(ctx, h, c.Text)
		require.NoError(t, err)
		require.NoError(t, st.SetEmbeddings(ctx, map[string][]float32{c.ID: vec}))
	}

	for _, a := range []struct {
		id, date  string
		happiness float64
	}{
		{"e1", "2024-03-01", 70},
		{"e2", "2024-03-10", 75},
		{"e3", "2024-04-02", 80},
	} {
		require.NoError(t, st.UpsertAnalytics(ctx, &journal.EntryAnalytics{
			ID: "a-" + a.id, EntryID: a.id, Date: dayOf(a.date), HappinessScore: a.happiness,
			Valence: 0.3, Arousal: 0.5, Emotions: journal.NeutralEmotions(), Confidence: 0.9,
			Events: []journal.DetectedEvent{}, Themes: []string{"outdoors"}, Stressors: []string{},
			Fingerprint: "fp", AnalyzedAt: time.Now().UTC(),
		}))
	}

	index := search.NewIndex(st, h, nil)
	engine := aggregate.New(st, nil, aggregate.DefaultOptions(), nil)
	return &fixture{reg: NewRegistry(index, engine, nil), store: st}
}

func (f *fixture) call(t *testing.T, name string, args any) (*Result, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return f.reg.Dispatch(context.Background(), Call{Name: name, Arguments: raw})
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t)
	defs := f.reg.Definitions()
	require.Len(t, defs, 5)
	assert.Equal(t, []string{SearchSemantic, GetMonthSummary, GetYearSummary, GetTimeSeries, GetCurrentState}, f.reg.Names())

	schema := defs[1].Schema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"year", "month"}, schema["required"])
	_, err := json.Marshal(schema)
	assert.NoError(t, err)
}

func TestDispatch_UnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Dispatch(context.Background(), Call{Name: "delete_everything"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, journal.ErrUnknownTool))
	assert.False(t, errors.Is(err, journal.ErrInvalidArgument))

	var te *journal.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "delete_everything", te.Tool)
}

func TestMonthSummary_EmptyMonth(t *testing.T) {
	f := newFixture(t)
	res, err := f.call(t, GetMonthSummary, map[string]int{"year": 2023, "month": 2})
	require.NoError(t, err)
	assert.Equal(t, GetMonthSummary, res.Tool)

	s, ok := res.Structured.(*journal.MonthSummary)
	require.True(t, ok)
	assert.Zero(t, s.HappinessAvg)
	assert.Zero(t, s.DaysWithData)
	assert.Empty(t, s.KeyTopics)
	assert.Empty(t, s.DriversPositive)
	assert.Equal(t, journal.ConfidenceInterval{}, s.HappinessConfidenceInterval)
	assert.Equal(t, "No analyzed entries for February 2023.", res.Text)

	// the structured result stands on its own
	data, err := json.Marshal(res.Structured)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]any{"lower": 0.0, "upper": 0.0}, decoded["happiness_confidence_interval"])
}

func TestMonthSummary(t *testing.T) {
	f := newFixture(t)
	res, err := f.call(t, GetMonthSummary, map[string]int{"year": 2024, "month": 3})
	require.NoError(t, err)
	s := res.Structured.(*journal.MonthSummary)
	assert.Equal(t, 72.5, s.HappinessAvg)
	assert.Equal(t, []string{"outdoors"}, s.KeyTopics)
	assert.Contains(t, res.Text, "March 2024")
}

func TestDispatch_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		tool string
		args string
	}{
		{"missing month", GetMonthSummary, `{"year": 2024}`},
		{"month out of range", GetMonthSummary, `{"year": 2024, "month": 13}`},
		{"unknown argument", GetYearSummary, `{"year": 2024, "verbose": true}`},
		{"wrong type", GetYearSummary, `{"year": "last"}`},
		{"not an object", GetYearSummary, `[2024]`},
		{"empty query", SearchSemantic, `{"query": "  "}`},
		{"zero k", SearchSemantic, `{"query": "walk", "k": 0}`},
		{"bad date", SearchSemantic, `{"query": "walk", "from": "March 1"}`},
		{"unknown metric", GetTimeSeries, `{"metric": "joy", "from": "2024-01-01", "to": "2024-02-01"}`},
		{"reversed range", GetTimeSeries, `{"metric": "stress", "from": "2024-02-01", "to": "2024-01-01"}`},
		{"missing range", GetTimeSeries, `{"metric": "stress"}`},
		{"zero days", GetCurrentState, `{"days_analyzed": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reg.Dispatch(context.Background(), Call{Name: tt.tool, Arguments: json.RawMessage(tt.args)})
			require.Error(t, err)
			assert.True(t, errors.Is(err, journal.ErrInvalidArgument), "got %v", err)

			var te *journal.ToolError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.tool, te.Tool)
		})
	}
}

func TestSearchSemantic(t *testing.T) {
	f := newFixture(t)

	res, err := f.call(t, SearchSemantic, map[string]any{"query": "walk along the river", "k": 2})
	require.NoError(t, err)
	sr := res.Structured.(SearchResult)
	require.Len(t, sr.Hits, 2)
	assert.ElementsMatch(t, []string{"c1", "c3"}, []string{sr.Hits[0].Chunk.ID, sr.Hits[1].Chunk.ID})
	assert.Contains(t, res.Text, "2 passages similar to")

	// to is inclusive
	res, err = f.call(t, SearchSemantic, map[string]any{"query": "walk", "from": "2024-03-01", "to": "2024-03-01"})
	require.NoError(t, err)
	sr = res.Structured.(SearchResult)
	require.Len(t, sr.Hits, 1)
	assert.Equal(t, "c1", sr.Hits[0].Chunk.ID)
	assert.Nil(t, sr.Hits[0].Chunk.Embedding)

	res, err = f.call(t, SearchSemantic, map[string]any{"query": "walk", "from": "2030-01-01"})
	require.NoError(t, err)
	assert.Empty(t, res.Structured.(SearchResult).Hits)
	assert.Contains(t, res.Text, "No journal passages")
}

func TestSearchSemantic_NotConfigured(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry(nil, aggregate.New(f.store, nil, aggregate.DefaultOptions(), nil), nil)
	_, err := reg.Dispatch(context.Background(), Call{Name: SearchSemantic, Arguments: json.RawMessage(`{"query": "x"}`)})
	require.Error(t, err)
	assert.False(t, errors.Is(err, journal.ErrUnknownTool))
}

func TestTimeSeries(t *testing.T) {
	f := newFixture(t)
	res, err := f.call(t, GetTimeSeries, map[string]string{"metric": "happiness", "from": "2024-03-01", "to": "2024-04-02"})
	require.NoError(t, err)
	sr := res.Structured.(SeriesResult)
	require.Len(t, sr.Points, 3, "both bounds are inclusive")
	assert.Equal(t, 70.0, sr.Points[0].Value)
	assert.Equal(t, 0.9, sr.Points[0].Confidence)
	assert.Contains(t, res.Text, "3 days with data, mean 75.0")
}

func TestCurrentState_DefaultWindow(t *testing.T) {
	f := newFixture(t)
	res, err := f.call(t, GetCurrentState, map[string]any{})
	require.NoError(t, err)
	cs := res.Structured.(*journal.CurrentState)
	assert.Equal(t, defaultDays, cs.DaysAnalyzed)
	assert.Equal(t, 80.0, cs.Mood.HappinessAvg, "window ends at the latest analyzed day")
	assert.Contains(t, res.Text, "Over the last 7 days")

	res, err = f.reg.Dispatch(context.Background(), Call{Name: GetCurrentState})
	require.NoError(t, err, "absent arguments use defaults")
	assert.Equal(t, defaultDays, res.Structured.(*journal.CurrentState).DaysAnalyzed)
}

func TestTools_AreReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, err := f.store.Stats(ctx)
	require.NoError(t, err)

	for _, c := range []struct {
		name string
		args any
	}{
		{GetMonthSummary, map[string]int{"year": 2024, "month": 3}},
		{GetYearSummary, map[string]int{"year": 2024}},
		{GetTimeSeries, map[string]string{"metric": "energy", "from": "2024-01-01", "to": "2024-12-31"}},
		{GetCurrentState, map[string]int{"days_analyzed": 30}},
		{SearchSemantic, map[string]string{"query": "river"}},
	} {
		_, err := f.call(t, c.name, c.args)
		require.NoError(t, err, c.name)
	}

	after, err := f.store.Stats(ctx)
	require.NoError(t, err)
	before.DBSizeBytes, after.DBSizeBytes = 0, 0
	assert.Equal(t, before, after)
	_, _, err = f.store.GetMonthSummary(ctx, 2024, 3)
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.reg.Handle(ctx, UserMessage{Text: "how was March?"})
	require.NoError(t, err)
	assert.Nil(t, reply)

	reply, err = f.reg.Handle(ctx, ToolCallMessage{Call: Call{
		ID: "call_1", Name: GetYearSummary, Arguments: json.RawMessage(`{"year": 2024}`),
	}})
	require.NoError(t, err)
	tr, ok := reply.(ToolResultMessage)
	require.True(t, ok)
	assert.Equal(t, "call_1", tr.CallID)
	require.NotNil(t, tr.Result)
	assert.Equal(t, GetYearSummary, tr.Result.Tool)
	assert.Equal(t, RoleToolResult, tr.Role())

	reply, err = f.reg.Handle(ctx, ToolCallMessage{Call: Call{ID: "call_2", Name: "nope"}})
	require.NoError(t, err)
	tr = reply.(ToolResultMessage)
	assert.Nil(t, tr.Result)
	assert.Contains(t, tr.Error, "unknown tool")

	_, err = f.reg.Handle(ctx, nil)
	assert.ErrorIs(t, err, journal.ErrInvalidArgument)
}
