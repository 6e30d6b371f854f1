// Package search is the query side of the index: it coordinates lexical,
// semantic, and hybrid lookups against an immutable index generation,
// applies ranking policies and filters, and pages results with opaque
// cursors.
package search

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cass-search/cass/internal/embed"
	"github.com/cass-search/cass/internal/lexical"
	"github.com/cass-search/cass/internal/vector"
)

// Generation is one immutable snapshot of the queryable indexes. A
// rebuild constructs a complete new Generation off to the side and then
// swaps it in; queries running against the old one keep it alive until
// they finish.
type Generation struct {
	Num      uint64
	Lexical  *lexical.Index
	Vectors  *vector.Index // nil until a vector index has been built
	Embedder embed.Embedder
	BuiltAt  time.Time
}

// Generations hands out the current snapshot. Swap is atomic: readers
// see either the old generation or the new one, never a mix. The
// generation displaced two swaps ago has outlived any query that could
// still hold it, so its vector mapping is released then.
type Generations struct {
	cur atomic.Pointer[Generation]

	mu   sync.Mutex
	prev *Generation
}

// Current returns the visible generation, or nil before the first build.
func (g *Generations) Current() *Generation {
	return g.cur.Load()
}

// Swap publishes gen and returns the previous generation, if any.
func (g *Generations) Swap(gen *Generation) *Generation {
	old := g.cur.Swap(gen)

	g.mu.Lock()
	retired := g.prev
	g.prev = old
	g.mu.Unlock()

	if retired != nil && retired.Vectors != nil &&
		(old == nil || retired.Vectors != old.Vectors) && retired.Vectors != gen.Vectors {
		_ = retired.Vectors.Close()
	}
	return old
}
