package embed

import (
	"crypto/sha256"
	"encoding/binary"
)

// HashEmbedder projects text into a fixed-width space by hashing each
// token into a handful of signed buckets. It carries no semantics beyond
// token overlap, but it is deterministic, dependency-free, and gives the
// semantic pipeline a working vector source on machines without a model.
type HashEmbedder struct {
	dim int
}

// probesPerToken spreads each token over several buckets, which keeps
// collisions from dominating at small dimensions.
const probesPerToken = 4

func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dimension() int { return e.dim }

func (e *HashEmbedder) Name() string { return "hash" }

// Embed returns a unit vector derived only from the token multiset, so
// identical normalized content always embeds identically.
func (e *HashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, tok := range tokens(text) {
		sum := sha256.Sum256([]byte(tok))
		for p := 0; p < probesPerToken; p++ {
			chunk := binary.LittleEndian.Uint64(sum[p*8:])
			bucket := int(chunk % uint64(e.dim))
			sign := float32(1)
			if chunk&(1<<63) != 0 {
				sign = -1
			}
			vec[bucket] += sign
		}
	}
	normalize(vec)
	return vec
}
