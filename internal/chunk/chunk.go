// Package chunk splits journal entries into bounded, span-tracked segments
// for semantic embedding.
//
// Chunks are cut at the most natural boundary available inside a size
// window: paragraph break, then line break, then sentence end, then word
// boundary, falling back to a hard cut. Consecutive chunks overlap so a
// thought crossing a boundary is retrievable from either side.
package chunk

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/hurttlocker/quill/internal/journal"
)

const (
	// DefaultMaxTokens is the default chunk size budget.
	DefaultMaxTokens = 256

	// DefaultOverlap is the default overlap fraction between chunks.
	DefaultOverlap = 0.15

	// runesPerToken is the rough rune/token ratio used to size the first
	// candidate window before the counter is consulted.
	runesPerToken = 4

	// maxOverlap keeps the window advancing.
	maxOverlap = 0.5
)

// Policy controls chunk size and overlap.
type Policy struct {
	MaxTokens int
	Overlap   float64
}

// DefaultPolicy returns the default chunking policy.
func DefaultPolicy() Policy {
	return Policy{MaxTokens: DefaultMaxTokens, Overlap: DefaultOverlap}
}

func (p Policy) normalized() Policy {
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.Overlap < 0 {
		p.Overlap = 0
	}
	if p.Overlap > maxOverlap {
		p.Overlap = maxOverlap
	}
	return p
}

// Chunker splits entries. It holds no state besides its configuration and
// is safe for concurrent use if its TokenCounter is.
type Chunker struct {
	policy  Policy
	counter TokenCounter
}

// New creates a Chunker. A nil counter uses HeuristicCounter.
func New(policy Policy, counter TokenCounter) *Chunker {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &Chunker{policy: policy.normalized(), counter: counter}
}

// Policy returns the effective policy.
func (c *Chunker) Policy() Policy { return c.policy }

// Split chunks one entry. The same text and policy always produce the same
// spans and texts; only the ids differ between calls.
func (c *Chunker) Split(entry journal.Entry) []journal.Chunk {
	spans := c.Spans(entry.Text)
	if len(spans) == 0 {
		return nil
	}

	runes := []rune(entry.Text)
	chunks := make([]journal.Chunk, 0, len(spans))
	for _, sp := range spans {
		text := string(runes[sp[0]:sp[1]])
		chunks = append(chunks, journal.Chunk{
			ID:         uuid.NewString(),
			EntryID:    entry.ID,
			Text:       text,
			Span:       journal.SourceSpan{EntryID: entry.ID, Start: sp[0], End: sp[1]},
			Date:       entry.Date,
			TokenCount: c.counter.Count(text),
		})
	}
	return chunks
}

// Spans returns the [start, end) rune ranges Split would produce.
func (c *Chunker) Spans(text string) [][2]int {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	n := len(runes)

	var spans [][2]int
	start := 0
	for start < n {
		end := c.windowEnd(runes, start)
		if end < n {
			end = boundary(runes, start, end)
		}
		spans = append(spans, [2]int{start, end})
		if end >= n {
			break
		}
		start = c.nextStart(runes, start, end)
	}
	return absorbBlank(runes, spans)
}

// absorbBlank folds whitespace-only spans into their neighbours: into the
// previous span when there is one, otherwise into the next. Coverage of
// the text is unchanged.
func absorbBlank(runes []rune, spans [][2]int) [][2]int {
	out := spans[:0]
	pending := -1
	for _, sp := range spans {
		if isBlank(runes[sp[0]:sp[1]]) {
			switch {
			case len(out) > 0:
				out[len(out)-1][1] = max(out[len(out)-1][1], sp[1])
			case pending < 0:
				pending = sp[0]
			}
			continue
		}
		if pending >= 0 {
			sp[0] = pending
			pending = -1
		}
		out = append(out, sp)
	}
	return out
}

func isBlank(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// windowEnd finds the furthest end whose text fits the token budget.
func (c *Chunker) windowEnd(runes []rune, start int) int {
	n := len(runes)
	end := start + c.policy.MaxTokens*runesPerToken
	if end > n {
		end = n
	}
	for end-start > 1 && c.counter.Count(string(runes[start:end])) > c.policy.MaxTokens {
		shrink := (end - start) / 10
		if shrink < 1 {
			shrink = 1
		}
		end -= shrink
	}
	return end
}

// boundary moves end back to the best break in the second half of the window.
func boundary(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	if floor <= start {
		floor = start + 1
	}

	// paragraph break: cut after "\n\n"
	for i := end - 1; i > floor; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i >= floor; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	// sentence end: punctuation followed by whitespace
	for i := end - 2; i >= floor; i-- {
		if isSentenceEnd(runes[i]) && unicode.IsSpace(runes[i+1]) {
			return i + 2
		}
	}
	for i := end - 1; i >= floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

// nextStart backs off by the overlap and snaps forward to a word start.
func (c *Chunker) nextStart(runes []rune, start, end int) int {
	overlap := int(c.policy.Overlap * float64(end-start))
	next := end - overlap
	if overlap > 0 {
		for i := next; i < end; i++ {
			if i > 0 && unicode.IsSpace(runes[i-1]) && !unicode.IsSpace(runes[i]) {
				next = i
				break
			}
		}
	}
	if next <= start {
		next = end
	}
	return next
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
