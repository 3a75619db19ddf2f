package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/llm"
	"github.com/hurttlocker/quill/internal/store"
)

// stubProvider answers every prompt through fn and counts calls.
type stubProvider struct {
	calls atomic.Int32
	fn    func(call int, prompt string) (string, error)
}

func (s *stubProvider) Name() string { return "stub/test" }

func (s *stubProvider) Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	n := int(s.calls.Add(1))
	return s.fn(n, prompt)
}

func fixed(body string) *stubProvider {
	return &stubProvider{fn: func(int, string) (string, error) { return body, nil }}
}

const goodAnswer = `{
  "happiness": 72,
  "valence": 0.4,
  "arousal": 0.6,
  "emotions": {"joy": 0.7, "sadness": 0.1, "anger": 0.0, "anxiety": 0.3, "gratitude": 0.8},
  "events": [
    {"title": "Hike with Sam", "description": "Long hike", "date": "", "sentiment": 0.8, "salience": 0.6,
     "category": "Friends", "source_quote": "hiked up the ridge with Sam"},
    {"title": "Deadline slipped", "description": "Work deadline moved", "date": "2024-03-01",
     "sentiment": -0.5, "category": "work", "source_quote": "THE   deadline slipped"}
  ],
  "themes": ["Friends", "work", "friends", " "],
  "stressors": ["deadline"],
  "confidence": 0.85
}`

const entryText = "Today I hiked up the ridge with Sam. At work the\ndeadline slipped again."

func newTestAnalyzer(t *testing.T, p llm.Provider) (*Analyzer, *store.SQLiteStore) {
	t.Helper()
	st, err := store.Open(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts := DefaultOptions()
	opts.InitialInterval = time.Millisecond
	opts.MaxInterval = 5 * time.Millisecond
	return New(st, p, opts, nil), st
}

func putEntry(t *testing.T, st *store.SQLiteStore, id, text, date string) journal.Entry {
	t.Helper()
	d, err := time.Parse(journal.DateLayout, date)
	require.NoError(t, err)
	e := journal.Entry{ID: id, Text: text, Date: d}
	require.NoError(t, st.PutEntry(context.Background(), e))
	return e
}

func transient() error {
	return &journal.ProviderError{Kind: journal.ErrTransientProvider, Provider: "stub", Msg: "timeout"}
}

func TestAnalyze_NormalizesAnswer(t *testing.T) {
	a, st := newTestAnalyzer(t, fixed(goodAnswer))
	e := putEntry(t, st, "e1", entryText, "2024-03-04")

	rec, err := a.Analyze(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, "e1", rec.EntryID)
	assert.Equal(t, 72.0, rec.HappinessScore)
	assert.Equal(t, 0.85, rec.Confidence)
	assert.Equal(t, 0.8, rec.Emotions.Gratitude)
	assert.Equal(t, []string{"friends", "work"}, rec.Themes)
	assert.Equal(t, journal.Fingerprint(entryText), rec.Fingerprint)
	require.Len(t, rec.Events, 2)

	hike := rec.Events[0]
	assert.Equal(t, "friends", hike.Category)
	require.NotNil(t, hike.Date)
	assert.Equal(t, "2024-03-04", hike.Date.Format(journal.DateLayout), "missing date falls back to entry date")
	require.Len(t, hike.Spans, 1)
	runes := []rune(entryText)
	assert.Equal(t, "hiked up the ridge with Sam", string(runes[hike.Spans[0].Start:hike.Spans[0].End]))
	assert.NoError(t, hike.Spans[0].Validate(len(runes)))

	slip := rec.Events[1]
	assert.Equal(t, "2024-03-01", slip.Date.Format(journal.DateLayout))
	assert.Equal(t, defaultSalient, slip.Salience)
	require.Len(t, slip.Spans, 1, "quote matched ignoring case and whitespace")
	assert.Equal(t, "the\ndeadline slipped", string(runes[slip.Spans[0].Start:slip.Spans[0].End]))

	stored, err := st.GetAnalytics(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
	assert.Equal(t, rec.Events[0].Spans, stored.Events[0].Spans)
}

func TestAnalyze_Idempotent(t *testing.T) {
	a, st := newTestAnalyzer(t, fixed(goodAnswer))
	e := putEntry(t, st, "e1", entryText, "2024-03-04")
	ctx := context.Background()

	clock := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	first, err := a.Analyze(ctx, e)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	second, err := a.Analyze(ctx, e)
	require.NoError(t, err)

	assert.True(t, second.AnalyzedAt.After(first.AnalyzedAt))
	firstCopy, secondCopy := *first, *second
	firstCopy.AnalyzedAt, secondCopy.AnalyzedAt = time.Time{}, time.Time{}
	assert.Equal(t, firstCopy, secondCopy)

	all, err := st.ListAnalytics(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1, "one record per entry")
	assert.True(t, all[0].AnalyzedAt.Equal(second.AnalyzedAt))
}

func TestAnalyze_ClampsNearMisses(t *testing.T) {
	a, st := newTestAnalyzer(t, fixed(`{"happiness": 104, "valence": -1.1, "arousal": 0.5,
		"emotions": {"joy": -0.05}, "confidence": 1}`))
	e := putEntry(t, st, "e1", "ok", "2024-01-01")

	rec, err := a.Analyze(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rec.HappinessScore)
	assert.Equal(t, -1.0, rec.Valence)
	assert.Equal(t, 0.0, rec.Emotions.Joy)
	assert.Equal(t, 0.5, rec.Emotions.Sadness, "missing emotions are neutral")
	assert.NotNil(t, rec.Events)
}

func TestAnalyze_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		kind   error
	}{
		{"happiness far out of range", `{"happiness": 150, "valence": 0, "arousal": 0, "confidence": 0.5}`, journal.ErrValidation},
		{"confidence above one", `{"happiness": 50, "valence": 0, "arousal": 0, "confidence": 1.01}`, journal.ErrValidation},
		{"negative confidence", `{"happiness": 50, "valence": 0, "arousal": 0, "confidence": -0.01}`, journal.ErrValidation},
		{"event sentiment out of range", `{"happiness": 50, "valence": 0, "arousal": 0, "confidence": 0.5,
			"events": [{"title": "x", "sentiment": 3}]}`, journal.ErrValidation},
		{"missing happiness", `{"valence": 0, "arousal": 0, "confidence": 0.5}`, journal.ErrMalformedResponse},
		{"missing confidence", `{"happiness": 50, "valence": 0, "arousal": 0}`, journal.ErrMalformedResponse},
		{"wrong type", `{"happiness": "high"}`, journal.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fixed(tt.answer)
			a, st := newTestAnalyzer(t, p)
			e := putEntry(t, st, "e1", "text", "2024-01-01")

			_, err := a.Analyze(context.Background(), e)
			assert.ErrorIs(t, err, tt.kind)
			assert.EqualValues(t, 1, p.calls.Load(), "not retried")

			_, err = st.GetAnalytics(context.Background(), "e1")
			assert.ErrorIs(t, err, journal.ErrNotFound, "nothing stored")
		})
	}
}

func TestNormalizer_NonFinite(t *testing.T) {
	n := normalizer{tolerance: 0.1}
	_, err := n.clamp("happiness", math.NaN(), percent)
	assert.ErrorIs(t, err, journal.ErrValidation)
	_, err = n.clamp("happiness", math.Inf(1), percent)
	assert.ErrorIs(t, err, journal.ErrValidation)

	v, err := n.clamp("happiness", 110, percent)
	require.NoError(t, err, "exactly at the tolerance edge is clamp-safe")
	assert.Equal(t, 100.0, v)
	_, err = n.clamp("happiness", 110.01, percent)
	assert.ErrorIs(t, err, journal.ErrValidation)

	var ve *journal.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "happiness", ve.Field)
}

func TestAnalyze_RetriesTransient(t *testing.T) {
	p := &stubProvider{fn: func(call int, _ string) (string, error) {
		if call < 3 {
			return "", transient()
		}
		return goodAnswer, nil
	}}
	a, st := newTestAnalyzer(t, p)
	e := putEntry(t, st, "e1", entryText, "2024-03-04")

	_, err := a.Analyze(context.Background(), e)
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestAnalyze_RetryExhausted(t *testing.T) {
	p := &stubProvider{fn: func(int, string) (string, error) { return "", transient() }}
	a, st := newTestAnalyzer(t, p)
	e := putEntry(t, st, "e1", entryText, "2024-03-04")

	_, err := a.Analyze(context.Background(), e)
	assert.ErrorIs(t, err, journal.ErrTransientProvider)
	assert.EqualValues(t, DefaultOptions().MaxAttempts, p.calls.Load())
}

func TestAnalyze_NoProvider(t *testing.T) {
	a, st := newTestAnalyzer(t, nil)
	e := putEntry(t, st, "e1", "x", "2024-01-01")
	_, err := a.Analyze(context.Background(), e)
	assert.Error(t, err)
}

func TestAnalyzeAll_SkipsUnchangedAndIsolatesFailures(t *testing.T) {
	p := &stubProvider{fn: func(_ int, prompt string) (string, error) {
		if strings.Contains(prompt, "garbled") {
			return `{"happiness": 50}`, nil
		}
		return goodAnswer, nil
	}}
	a, st := newTestAnalyzer(t, p)
	ctx := context.Background()
	putEntry(t, st, "a", "first day", "2024-01-01")
	putEntry(t, st, "b", "garbled day", "2024-01-02")
	putEntry(t, st, "c", "third day", "2024-01-03")

	report, err := a.AnalyzeAll(ctx, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Analyzed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "b", report.Failures[0].EntryID)
	assert.EqualValues(t, 3, p.calls.Load())

	report, err = a.AnalyzeAll(ctx, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped, "unchanged entries are skipped")
	assert.Equal(t, 1, report.Attempted, "the failed entry is tried again")
	assert.EqualValues(t, 4, p.calls.Load())

	putEntry(t, st, "a", "first day, edited", "2024-01-01")
	report, err = a.AnalyzeAll(ctx, BatchOptions{EntryIDs: []string{"a", "c", "missing"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Analyzed)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "missing", report.Failures[0].EntryID)

	report, err = a.AnalyzeAll(ctx, BatchOptions{Force: true, EntryIDs: []string{"c"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Analyzed)
	assert.Zero(t, report.Skipped)
}

func TestAnalyzeAll_UnauthorizedStopsBatch(t *testing.T) {
	p := &stubProvider{fn: func(int, string) (string, error) {
		return "", &journal.ProviderError{Kind: journal.ErrUnauthorized, Provider: "stub", StatusCode: 401}
	}}
	a, st := newTestAnalyzer(t, p)
	putEntry(t, st, "a", "one", "2024-01-01")
	putEntry(t, st, "b", "two", "2024-01-02")

	report, err := a.AnalyzeAll(context.Background(), BatchOptions{})
	assert.ErrorIs(t, err, journal.ErrUnauthorized)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Attempted)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestAnalyzeAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &stubProvider{fn: func(call int, _ string) (string, error) {
		if call == 1 {
			cancel()
		}
		return goodAnswer, nil
	}}
	a, st := newTestAnalyzer(t, p)
	putEntry(t, st, "a", "one", "2024-01-01")
	putEntry(t, st, "b", "two", "2024-01-02")

	report, err := a.AnalyzeAll(ctx, BatchOptions{})
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.Analyzed+len(report.Failures))
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestAnalyzeAll_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	p := &stubProvider{fn: func(int, string) (string, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return goodAnswer, nil
	}}
	a, st := newTestAnalyzer(t, p)
	putEntry(t, st, "a", "one", "2024-01-01")

	var wg sync.WaitGroup
	reports := make([]*BatchReport, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = a.AnalyzeAll(context.Background(), BatchOptions{})
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = a.AnalyzeAll(context.Background(), BatchOptions{})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, p.calls.Load())
	assert.Same(t, reports[0], reports[1])
}

func TestAnalyzeAll_DifferentOptionsRunSeparately(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	p := &stubProvider{fn: func(int, string) (string, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return goodAnswer, nil
	}}
	a, st := newTestAnalyzer(t, p)
	putEntry(t, st, "a", "one", "2024-01-01")
	putEntry(t, st, "b", "two", "2024-01-02")

	var wg sync.WaitGroup
	reports := make([]*BatchReport, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], errs[0] = a.AnalyzeAll(context.Background(), BatchOptions{EntryIDs: []string{"a"}})
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], errs[1] = a.AnalyzeAll(context.Background(), BatchOptions{EntryIDs: []string{"b"}, Force: true})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotSame(t, reports[0], reports[1])
	assert.Equal(t, 1, reports[1].Analyzed)
	assert.EqualValues(t, 2, p.calls.Load())

	_, err := st.GetAnalytics(context.Background(), "b")
	assert.NoError(t, err, "the second batch analyzed its own entry")
}

func TestAnalyzeAll_JoinerSurvivesStarterCancel(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	p := &stubProvider{fn: func(int, string) (string, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return goodAnswer, nil
	}}
	a, st := newTestAnalyzer(t, p)
	putEntry(t, st, "a", "one", "2024-01-01")
	putEntry(t, st, "b", "two", "2024-01-02")

	starterCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var joined *BatchReport
	var joinErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.AnalyzeAll(starterCtx, BatchOptions{})
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		joined, joinErr = a.AnalyzeAll(context.Background(), BatchOptions{})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)
	wg.Wait()

	require.NoError(t, joinErr)
	require.NotNil(t, joined)
	assert.False(t, joined.Cancelled)

	for _, id := range []string{"a", "b"} {
		_, err := st.GetAnalytics(context.Background(), id)
		assert.NoError(t, err, "entry %s analyzed", id)
	}
}

func TestBatchKey(t *testing.T) {
	assert.Equal(t, batchKey(BatchOptions{EntryIDs: []string{"b", "a", "b"}}), batchKey(BatchOptions{EntryIDs: []string{"a", "b"}}))
	assert.NotEqual(t, batchKey(BatchOptions{}), batchKey(BatchOptions{Force: true}))
	assert.NotEqual(t, batchKey(BatchOptions{}), batchKey(BatchOptions{EntryIDs: []string{"a"}}))
}

func TestLocate(t *testing.T) {
	text := []rune("Café crème at noon.\nThen  a nap.")

	span, ok := locate(text, "crème at noon")
	require.True(t, ok)
	assert.Equal(t, journal.SourceSpan{Start: 5, End: 18}, span)

	span, ok = locate(text, `"then a NAP"`)
	require.True(t, ok)
	assert.Equal(t, "Then  a nap", string(text[span.Start:span.End]))

	_, ok = locate(text, "not there")
	assert.False(t, ok)
	_, ok = locate(text, "  ")
	assert.False(t, ok)
}

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, analyticsID("e1"), analyticsID("e1"))
	assert.NotEqual(t, analyticsID("e1"), analyticsID("e2"))
	assert.NotEqual(t, eventID("e1", 0, "x"), eventID("e1", 1, "x"))

	var raw rawAnalysis
	require.NoError(t, json.Unmarshal([]byte(goodAnswer), &raw))
	assert.Len(t, raw.Events, 2)
}
