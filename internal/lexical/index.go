package lexical

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/cass-search/cass/internal/transcript"
)

// MatchType explains how a hit matched the query, sharpest first.
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchPrefix    MatchType = "prefix"
	MatchSuffix    MatchType = "suffix"
	MatchSubstring MatchType = "substring"
	MatchFuzzy     MatchType = "fuzzy"
)

// Sharpness orders match types for exactness weighting; higher is sharper.
func (m MatchType) Sharpness() int {
	switch m {
	case MatchExact:
		return 5
	case MatchPrefix:
		return 4
	case MatchSuffix:
		return 3
	case MatchSubstring:
		return 2
	case MatchFuzzy:
		return 1
	default:
		return 0
	}
}

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Hit is one lexically ranked message.
type Hit struct {
	MessageID string
	Score     float64
	Match     MatchType
	Timestamp time.Time
}

type docInfo struct {
	ts     time.Time
	length int
}

// Index is the in-memory inverted index over message content. One writer
// appends batches under the write lock; any number of readers query
// concurrently. A full rebuild constructs a fresh Index and the caller
// swaps it in as part of a new generation.
type Index struct {
	mu sync.RWMutex

	tok          *Tokenizer
	fuzzyMinHits int

	docs     map[string]*docInfo
	postings map[string]map[string]int // full term -> doc id -> tf
	edges    map[string]map[string]int // edge-gram -> doc id -> tf
	dict     []string                  // full terms in first-seen order
	totalLen int
}

// NewIndex returns an empty index. fuzzyMinHits is the sparse-result
// threshold below which softer match types are tried automatically.
func NewIndex(tok *Tokenizer, fuzzyMinHits int) *Index {
	if fuzzyMinHits <= 0 {
		fuzzyMinHits = 5
	}
	return &Index{
		tok:          tok,
		fuzzyMinHits: fuzzyMinHits,
		docs:         make(map[string]*docInfo),
		postings:     make(map[string]map[string]int),
		edges:        make(map[string]map[string]int),
	}
}

// AddBatch appends postings for new messages. Messages already indexed are
// skipped, so incremental updates never reprocess unchanged ones. The
// batch becomes visible to readers atomically.
func (ix *Index) AddBatch(msgs []transcript.Message) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i := range msgs {
		m := &msgs[i]
		if _, done := ix.docs[m.ID]; done {
			continue
		}
		terms := ix.tok.Terms(m.Content)
		ix.docs[m.ID] = &docInfo{ts: m.Timestamp, length: len(terms)}
		ix.totalLen += len(terms)

		for _, term := range terms {
			pl, ok := ix.postings[term]
			if !ok {
				pl = make(map[string]int)
				ix.postings[term] = pl
				ix.dict = append(ix.dict, term)
			}
			pl[m.ID]++

			for _, gram := range ix.tok.EdgeGrams(term) {
				el, ok := ix.edges[gram]
				if !ok {
					el = make(map[string]int)
					ix.edges[gram] = el
				}
				el[m.ID]++
			}
		}
	}
}

// Clone returns a deep copy sharing no mutable state with the receiver.
// Incremental publishes append into the copy, so the index inside an
// already visible generation never changes under its readers.
func (ix *Index) Clone() *Index {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	cp := NewIndex(ix.tok, ix.fuzzyMinHits)
	cp.totalLen = ix.totalLen
	cp.dict = append([]string(nil), ix.dict...)
	for id, d := range ix.docs {
		di := *d
		cp.docs[id] = &di
	}
	for term, pl := range ix.postings {
		cp.postings[term] = clonePostings(pl)
	}
	for gram, el := range ix.edges {
		cp.edges[gram] = clonePostings(el)
	}
	return cp
}

func clonePostings(pl map[string]int) map[string]int {
	cp := make(map[string]int, len(pl))
	for id, tf := range pl {
		cp[id] = tf
	}
	return cp
}

// DocCount returns the number of indexed messages.
func (ix *Index) DocCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// candidate accumulates per-document scoring state during a query.
type candidate struct {
	score float64
	match MatchType
}

// Search ranks messages for query by BM25. Exact and prefix matching run
// first; when they return fewer than the sparse threshold, suffix and
// substring dictionary scans widen the net, and fuzzy matching is the
// final fallback. limit <= 0 returns everything.
func (ix *Index) Search(query string, limit int) []Hit {
	qterms := ix.tok.Terms(query)
	if len(qterms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	cands := make(map[string]*candidate)
	for _, qt := range qterms {
		if pl, ok := ix.postings[qt]; ok {
			ix.score(cands, pl, MatchExact)
		}
		if el, ok := ix.edges[qt]; ok {
			ix.score(cands, el, MatchPrefix)
		}
	}

	// Sparse results: widen through the softer match types in order.
	if len(cands) < ix.fuzzyMinHits {
		for _, qt := range qterms {
			for _, term := range ix.expandSuffix(qt) {
				ix.score(cands, ix.postings[term], MatchSuffix)
			}
		}
	}
	if len(cands) < ix.fuzzyMinHits {
		for _, qt := range qterms {
			for _, term := range ix.expandSubstring(qt) {
				ix.score(cands, ix.postings[term], MatchSubstring)
			}
		}
	}
	if len(cands) < ix.fuzzyMinHits {
		for _, qt := range qterms {
			for _, term := range ix.expandFuzzy(qt) {
				ix.score(cands, ix.postings[term], MatchFuzzy)
			}
		}
	}

	hits := make([]Hit, 0, len(cands))
	for id, c := range cands {
		hits = append(hits, Hit{
			MessageID: id,
			Score:     c.score,
			Match:     c.match,
			Timestamp: ix.docs[id].ts,
		})
	}

	// Equal BM25 scores break to the more recent message; the final
	// message-id tiebreak keeps the total order stable.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Timestamp.Equal(hits[j].Timestamp) {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].MessageID < hits[j].MessageID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// score folds a posting list into the candidate set with BM25 weighting.
// A doc already matched keeps its sharpest match type.
func (ix *Index) score(cands map[string]*candidate, pl map[string]int, match MatchType) {
	if len(pl) == 0 {
		return
	}
	n := float64(len(ix.docs))
	df := float64(len(pl))
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	avgLen := 1.0
	if len(ix.docs) > 0 {
		avgLen = float64(ix.totalLen) / float64(len(ix.docs))
	}

	for id, tf := range pl {
		doc := ix.docs[id]
		norm := 1 - bm25B + bm25B*float64(doc.length)/avgLen
		s := idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)

		c, ok := cands[id]
		if !ok {
			cands[id] = &candidate{score: s, match: match}
			continue
		}
		c.score += s
		if match.Sharpness() > c.match.Sharpness() {
			c.match = match
		}
	}
}

func (ix *Index) expandSuffix(qt string) []string {
	var out []string
	for _, term := range ix.dict {
		if term != qt && hasSuffix(term, qt) {
			out = append(out, term)
		}
	}
	return out
}

func (ix *Index) expandSubstring(qt string) []string {
	var out []string
	for _, term := range ix.dict {
		if term != qt && !hasSuffix(term, qt) && containsMiddle(term, qt) {
			out = append(out, term)
		}
	}
	return out
}

// expandFuzzy matches qt against the term dictionary with typo tolerance.
// Only the top few dictionary terms are taken; fuzzy is a rescue path, not
// a recall amplifier.
func (ix *Index) expandFuzzy(qt string) []string {
	const maxFuzzyTerms = 5
	matches := fuzzy.Find(qt, ix.dict)
	if len(matches) > maxFuzzyTerms {
		matches = matches[:maxFuzzyTerms]
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Str != qt {
			out = append(out, m.Str)
		}
	}
	return out
}

func hasSuffix(term, q string) bool {
	return len(term) > len(q) && term[len(term)-len(q):] == q
}

// containsMiddle reports a strict substring match that is neither a prefix
// nor a suffix (those are covered by sharper match types).
func containsMiddle(term, q string) bool {
	if len(term) <= len(q) {
		return false
	}
	for i := 1; i+len(q) < len(term); i++ {
		if term[i:i+len(q)] == q {
			return true
		}
	}
	return false
}
