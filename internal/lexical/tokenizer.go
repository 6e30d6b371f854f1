// Package lexical implements the in-process inverted index: edge-gram
// tokenization, BM25 scoring, and the match-type ladder from exact down
// to the automatic fuzzy fallback.
package lexical

import (
	"strings"
	"unicode"
)

// Tokenizer splits content into lowercase terms and emits edge-grams
// (prefix substrings) so prefix queries hit posting lists directly instead
// of scanning the dictionary.
type Tokenizer struct {
	// EdgeGramMin and EdgeGramMax bound the emitted prefix lengths.
	EdgeGramMin int
	EdgeGramMax int
}

// NewTokenizer returns a tokenizer with the given edge-gram bounds
// (defaults 2..12 when out of range).
func NewTokenizer(minGram, maxGram int) *Tokenizer {
	if minGram <= 0 {
		minGram = 2
	}
	if maxGram < minGram {
		maxGram = 12
	}
	return &Tokenizer{EdgeGramMin: minGram, EdgeGramMax: maxGram}
}

// Terms returns the full terms of text, lowercased, split on any
// non-alphanumeric rune. Single-rune terms are kept: they still count for
// document length and exact matching.
func (t *Tokenizer) Terms(text string) []string {
	return splitTerms(text)
}

// EdgeGrams returns the proper prefixes of term within the configured
// bounds, excluding the term itself.
func (t *Tokenizer) EdgeGrams(term string) []string {
	runes := []rune(term)
	if len(runes) <= t.EdgeGramMin {
		return nil
	}
	max := t.EdgeGramMax
	if max > len(runes)-1 {
		max = len(runes) - 1
	}
	grams := make([]string, 0, max-t.EdgeGramMin+1)
	for n := t.EdgeGramMin; n <= max; n++ {
		grams = append(grams, string(runes[:n]))
	}
	return grams
}

func splitTerms(text string) []string {
	var terms []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			terms = append(terms, b.String())
			b.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return terms
}
