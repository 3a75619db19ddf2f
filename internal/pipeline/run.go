package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/hurttlocker/quill/internal/journal"
)

// State is the lifecycle position of a run. Only the pipeline moves a run
// between states.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateEmbedding State = "embedding"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Progress counts attempted units. Counters never decrease within a run.
type Progress struct {
	ProcessedEntries int `json:"processed_entries"`
	TotalEntries     int `json:"total_entries"`
	ProcessedChunks  int `json:"processed_chunks"`
	TotalChunks      int `json:"total_chunks"`
	EmbeddedChunks   int `json:"embedded_chunks"`
	FailedChunks     int `json:"failed_chunks"`
}

// ChunkFailure records a chunk that could not be embedded in this run.
type ChunkFailure struct {
	ChunkID string `json:"chunk_id"`
	EntryID string `json:"entry_id"`
	Error   string `json:"error"`
}

// Report is a snapshot of a run.
type Report struct {
	RunID          string         `json:"run_id"`
	State          State          `json:"state"`
	Progress       Progress       `json:"progress"`
	RechunkedCount int            `json:"rechunked_entries"`
	PrunedCount    int            `json:"pruned_entries"`
	Failures       []ChunkFailure `json:"failures,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
}

// Run is the handle to one pipeline run.
type Run struct {
	ID string

	mu        sync.RWMutex
	state     State
	progress  Progress
	rechunked int
	pruned    int
	failures  []ChunkFailure
	err       error
	startedAt time.Time
	endedAt   time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newRun() *Run {
	return &Run{
		ID:        runID(),
		state:     StateIdle,
		startedAt: time.Now().UTC(),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Progress returns a copy of the counters.
func (r *Run) Progress() Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress
}

// Cancel asks the run to stop before its next batch. Safe to call repeatedly
// and after the run finished.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx ends. A failed run returns its
// error alongside the report; a cancelled run is not an error.
func (r *Run) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.Report(), ctx.Err()
	}
	r.mu.RLock()
	err := r.err
	r.mu.RUnlock()
	return r.Report(), err
}

// Report returns a snapshot of the run.
func (r *Run) Report() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep := &Report{
		RunID:          r.ID,
		State:          r.state,
		Progress:       r.progress,
		RechunkedCount: r.rechunked,
		PrunedCount:    r.pruned,
		Failures:       append([]ChunkFailure(nil), r.failures...),
		StartedAt:      r.startedAt,
		FinishedAt:     r.endedAt,
	}
	if r.err != nil {
		rep.Error = r.err.Error()
	}
	return rep
}

func (r *Run) cancelRequested() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) setTotals(entries, chunks int) {
	r.mu.Lock()
	r.progress.TotalEntries = entries
	r.progress.TotalChunks = chunks
	r.mu.Unlock()
}

func (r *Run) addProcessed(entries, chunks int) {
	r.mu.Lock()
	r.progress.ProcessedEntries += entries
	r.progress.ProcessedChunks += chunks
	r.mu.Unlock()
}

func (r *Run) addEmbedded(n int) {
	r.mu.Lock()
	r.progress.EmbeddedChunks += n
	r.mu.Unlock()
}

func (r *Run) recordFailure(c journal.Chunk, err error) {
	r.mu.Lock()
	r.progress.FailedChunks++
	r.failures = append(r.failures, ChunkFailure{ChunkID: c.ID, EntryID: c.EntryID, Error: err.Error()})
	r.mu.Unlock()
}

func (r *Run) noteRechunked() {
	r.mu.Lock()
	r.rechunked++
	r.mu.Unlock()
}

func (r *Run) notePruned() {
	r.mu.Lock()
	r.pruned++
	r.mu.Unlock()
}

func (r *Run) finish(s State, err error) {
	r.mu.Lock()
	r.state = s
	r.err = err
	r.endedAt = time.Now().UTC()
	r.mu.Unlock()
	close(r.done)
}
