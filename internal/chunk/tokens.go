package chunk

import (
	"fmt"
	"unicode"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// TokenCounter counts model tokens in a piece of text.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates tokens as non-whitespace runes/4, rounded up.
// Whitespace runs do not become tokens.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return (n + runesPerToken - 1) / runesPerToken
}

// TokenizerCounter counts tokens with a HuggingFace tokenizer definition,
// the same one the local embedder uses.
type TokenizerCounter struct {
	tk *tokenizer.Tokenizer
}

// NewTokenizerCounter loads a tokenizer.json file.
func NewTokenizerCounter(path string) (*TokenizerCounter, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %s: %w", path, err)
	}
	return &TokenizerCounter{tk: tk}, nil
}

// Count implements TokenCounter. Encoding failures fall back to the
// heuristic so chunking never fails on odd input.
func (c *TokenizerCounter) Count(text string) int {
	en, err := c.tk.EncodeSingle(text, false)
	if err != nil {
		return HeuristicCounter{}.Count(text)
	}
	return len(en.Ids)
}
