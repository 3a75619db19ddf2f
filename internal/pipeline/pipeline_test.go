package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/quill/internal/chunk"
	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/store"
)

// memSource is an in-memory entry source.
type memSource struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memSource) ListEntries(ctx context.Context) ([]journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.Entry(nil), m.entries...), nil
}

func (m *memSource) GetEntry(ctx context.Context, id string) (*journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e := e
			return &e, nil
		}
	}
	return nil, journal.ErrNotFound
}

func (m *memSource) set(entries []journal.Entry) {
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
}

// stubEmbedder counts calls and successful embeddings per text.
type stubEmbedder struct {
	mu      sync.Mutex
	calls   int
	perText map[string]int
	before  func(call int)
	fail    func(call int, texts []string) error
}

func newStub() *stubEmbedder {
	return &stubEmbedder{perText: make(map[string]int)}
}

func (s *stubEmbedder) Dimensions() int { return 2 }
func (s *stubEmbedder) MaxBatch() int   { return 0 }

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.before != nil {
		s.before(n)
	}
	if s.fail != nil {
		if err := s.fail(n, texts); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		s.perText[t]++
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (s *stubEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubEmbedder) embedCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.perText))
	for k, v := range s.perText {
		out[k] = v
	}
	return out
}

func makeEntries(n int) []journal.Entry {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]journal.Entry, n)
	for i := range out {
		out[i] = journal.Entry{
			ID:   fmt.Sprintf("entry-%02d", i),
			Text: fmt.Sprintf("Day %d: walked by the river and thought about work.", i),
			Date: base.AddDate(0, 0, i),
		}
	}
	return out
}

type fixture struct {
	source *memSource
	store  *store.SQLiteStore
	stub   *stubEmbedder
	p      *Pipeline
}

func newFixture(t *testing.T, entries int, batch int) *fixture {
	t.Helper()
	st, err := store.Open(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{source: &memSource{entries: makeEntries(entries)}, store: st, stub: newStub()}
	opts := Options{BatchSize: batch, MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	f.p = New(f.source, st, chunk.New(chunk.DefaultPolicy(), chunk.HeuristicCounter{}), f.stub, opts, nil)
	return f
}

func transient(msg string) error {
	return &journal.ProviderError{Kind: journal.ErrTransientProvider, Provider: "stub", Msg: msg}
}

func TestPipeline_EmbedsAllChunks(t *testing.T) {
	f := newFixture(t, 5, 2)

	rep, err := f.p.RunSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, Progress{
		ProcessedEntries: 5, TotalEntries: 5,
		ProcessedChunks: 5, TotalChunks: 5,
		EmbeddedChunks: 5,
	}, rep.Progress)
	assert.Equal(t, 5, rep.RechunkedCount)
	assert.Equal(t, 3, f.stub.callCount())

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stats.ChunkCount, stats.EmbeddedChunkCount)

	// Nothing left to do on a second run.
	rep, err = f.p.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Zero(t, rep.Progress.TotalChunks)
	assert.Zero(t, rep.RechunkedCount)
	assert.Equal(t, 3, f.stub.callCount())
}

func TestPipeline_CancelAndResume(t *testing.T) {
	f := newFixture(t, 10, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.stub.before = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	run, started := f.p.Start(ctx)
	require.True(t, started)
	rep, err := run.Wait(context.Background())
	require.NoError(t, err)

	// The second call finishes and is committed; nothing after it starts.
	assert.Equal(t, StateCancelled, rep.State)
	assert.Equal(t, 4, rep.Progress.EmbeddedChunks)
	assert.Equal(t, 4, rep.Progress.ProcessedChunks)
	assert.Equal(t, 10, rep.Progress.TotalChunks)
	assert.Equal(t, 2, f.stub.callCount())

	f.stub.before = nil
	rep, err = f.p.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 6, rep.Progress.TotalChunks)
	assert.Equal(t, 6, rep.Progress.EmbeddedChunks)
	assert.Equal(t, 5, f.stub.callCount())

	counts := f.stub.embedCounts()
	assert.Len(t, counts, 10)
	for text, n := range counts {
		assert.Equal(t, 1, n, "chunk embedded more than once: %q", text)
	}

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 10, stats.ChunkCount)
	assert.EqualValues(t, 10, stats.EmbeddedChunkCount)
}

func TestRun_CancelDoesNotInterruptProviderCall(t *testing.T) {
	f := newFixture(t, 6, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	f.stub.before = func(call int) {
		if call == 1 {
			close(started)
			<-release
		}
	}

	run, _ := f.p.Start(context.Background())
	<-started
	run.Cancel()
	run.Cancel()
	close(release)

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	rep := run.Report()
	assert.Equal(t, StateCancelled, rep.State)
	assert.Equal(t, 2, rep.Progress.EmbeddedChunks)
	assert.Equal(t, 1, f.stub.callCount())
	assert.False(t, rep.FinishedAt.IsZero())
}

func TestPipeline_SingleFlight(t *testing.T) {
	f := newFixture(t, 4, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	f.stub.before = func(call int) {
		if call == 1 {
			close(started)
			<-release
		}
	}

	r1, ok1 := f.p.Start(context.Background())
	<-started
	r2, ok2 := f.p.Start(context.Background())

	assert.True(t, ok1)
	assert.False(t, ok2)
	assert.Same(t, r1, r2)
	assert.Same(t, r1, f.p.Active())
	assert.Equal(t, StateEmbedding, r1.State())

	close(release)
	rep, err := r1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Nil(t, f.p.Active())
	assert.Same(t, r1, f.p.Last())

	r3, ok3 := f.p.Start(context.Background())
	assert.True(t, ok3)
	assert.NotEqual(t, r1.ID, r3.ID)
	_, err = r3.Wait(context.Background())
	require.NoError(t, err)
}

func TestPipeline_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t, 2, 2)
	f.stub.fail = func(call int, texts []string) error {
		if call <= 2 {
			return transient("flaky")
		}
		return nil
	}

	rep, err := f.p.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 2, rep.Progress.EmbeddedChunks)
	assert.Equal(t, 3, f.stub.callCount())
	assert.Empty(t, rep.Failures)
}

func TestPipeline_IsolatesFailingChunk(t *testing.T) {
	f := newFixture(t, 3, 3)
	entries := makeEntries(3)
	entries[1].Text = "poison pill"
	f.source.set(entries)

	f.stub.fail = func(call int, texts []string) error {
		for _, txt := range texts {
			if strings.Contains(txt, "poison") {
				return &journal.ProviderError{Kind: journal.ErrInvalidInput, Provider: "stub", StatusCode: 400, Msg: "bad"}
			}
		}
		return nil
	}

	rep, err := f.p.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 2, rep.Progress.EmbeddedChunks)
	assert.Equal(t, 1, rep.Progress.FailedChunks)
	assert.Equal(t, 3, rep.Progress.ProcessedChunks)
	assert.Equal(t, 3, rep.Progress.ProcessedEntries)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "entry-01", rep.Failures[0].EntryID)
	// one batch call, then one call per chunk
	assert.Equal(t, 4, f.stub.callCount())

	// The failed chunk stays pending for the next run.
	rep, err = f.p.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Progress.TotalChunks)
	assert.Equal(t, 1, rep.Progress.FailedChunks)
	assert.Equal(t, 5, f.stub.callCount())
}

func TestPipeline_RetryExhaustionSkipsChunk(t *testing.T) {
	f := newFixture(t, 1, 4)
	f.stub.fail = func(call int, texts []string) error { return transient("down") }

	rep, err := f.p.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 1, rep.Progress.FailedChunks)
	assert.Equal(t, 3, f.stub.callCount(), "MaxAttempts caps provider calls")
}

func TestPipeline_UnauthorizedFailsRun(t *testing.T) {
	f := newFixture(t, 4, 2)
	f.stub.fail = func(call int, texts []string) error {
		return &journal.ProviderError{Kind: journal.ErrUnauthorized, Provider: "stub", StatusCode: 401, Msg: "bad key"}
	}

	rep, err := f.p.RunSync(context.Background())
	require.ErrorIs(t, err, journal.ErrUnauthorized)
	assert.Equal(t, StateFailed, rep.State)
	assert.NotEmpty(t, rep.Error)
	assert.Equal(t, 1, f.stub.callCount())
}

func TestPipeline_RechunksChangedAndPrunesRemoved(t *testing.T) {
	f := newFixture(t, 3, 8)
	ctx := context.Background()

	_, err := f.p.RunSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.stub.callCount())

	entries := makeEntries(3)
	entries[0].Text = "Rewritten: a quiet morning with coffee."
	f.source.set(entries[:2])

	rep, err := f.p.RunSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RechunkedCount)
	assert.Equal(t, 1, rep.PrunedCount)
	assert.Equal(t, 1, rep.Progress.TotalChunks)
	assert.Equal(t, 2, f.stub.callCount())
	assert.Equal(t, 1, f.stub.embedCounts()[entries[0].Text])

	fps, err := f.store.ChunkFingerprints(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, 2)
	assert.Equal(t, journal.Fingerprint(entries[0].Text), fps[entries[0].ID])

	left, err := f.store.ListEntryChunks(ctx, "entry-02")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPipeline_RateLimitsBatches(t *testing.T) {
	f := newFixture(t, 3, 1)
	f.p.opts.RequestsPerSecond = 20

	start := time.Now()
	_, err := f.p.RunSync(context.Background())
	require.NoError(t, err)
	// burst of one, then 50ms per call
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestHintedBackOff(t *testing.T) {
	h := &hintedBackOff{BackOff: backoff.NewConstantBackOff(time.Millisecond)}
	h.hint = 40 * time.Millisecond
	assert.Equal(t, 40*time.Millisecond, h.NextBackOff())
	assert.Equal(t, time.Millisecond, h.NextBackOff())
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateIdle, StateScanning, StateEmbedding} {
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []State{StateCompleted, StateCancelled, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
}
