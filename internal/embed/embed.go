// Package embed turns normalized message text into fixed-width vectors
// for the semantic index. Two providers exist: a word-vector model
// loaded from a local artifact, and a deterministic hashing fallback
// that needs no model file. Both are stable across restarts, so vectors
// written in one run remain comparable in the next.
package embed

import (
	"math"
	"strings"
	"unicode"

	"github.com/cass-search/cass/internal/logging"
)

// Embedder produces a fixed-width vector for a piece of text.
type Embedder interface {
	Embed(text string) []float32
	Dimension() int
	Name() string
}

// Select returns the word-vector embedder when modelPath names a
// readable artifact of the right dimension, and the hashing embedder
// otherwise. Selection failures are logged, not fatal: search quality
// degrades, search availability does not.
func Select(modelPath string, dim int) Embedder {
	log := logging.ForComponent(logging.CompEmbed)
	if modelPath != "" {
		wv, err := LoadWordVectors(modelPath, dim)
		if err != nil {
			log.Warn("model load failed, falling back to hashing embedder",
				"path", modelPath, "error", err)
		} else {
			log.Info("using word-vector model", "path", modelPath, "words", wv.Words())
			return wv
		}
	}
	return NewHashEmbedder(dim)
}

// tokens lowercases and splits on non-alphanumeric runes. The embedders
// share one tokenization so hash and model vectors see the same terms.
func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales v to unit length in place. A zero vector is left
// untouched so cosine scoring drops it.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
