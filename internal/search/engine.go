package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cass-search/cass/internal/cerr"
	"github.com/cass-search/cass/internal/config"
	"github.com/cass-search/cass/internal/lexical"
	"github.com/cass-search/cass/internal/logging"
	"github.com/cass-search/cass/internal/store"
	"github.com/cass-search/cass/internal/transcript"
	"github.com/cass-search/cass/internal/vector"
)

// maxCandidates bounds how deep each sub-index is queried. Pagination
// resumes inside this window; pages past it would need a deeper scan,
// which no interactive caller asks for.
const maxCandidates = 512

// exactnessStep is the per-level multiplicative bonus for sharper match
// types (exact > prefix > suffix > substring > fuzzy).
const exactnessStep = 0.08

// Hit is one search result, shaped by the query's projection.
type Hit struct {
	MessageID  string    `json:"message_id"`
	SourcePath string    `json:"source_path"`
	LineNumber int       `json:"line_number"`
	Agent      string    `json:"agent,omitempty"`
	Workspace  string    `json:"workspace,omitempty"`
	Title      string    `json:"title,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	Score      float64   `json:"score"`
	MatchType  string    `json:"match_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Freshness reports how stale the visible generation is relative to the
// record store.
type Freshness struct {
	Stale      bool  `json:"stale"`
	AgeSeconds int64 `json:"age_seconds"`
}

// Meta carries per-query diagnostics.
type Meta struct {
	ElapsedMS  int64     `json:"elapsed_ms"`
	CacheHit   bool      `json:"cache_hit"`
	Partial    bool      `json:"partial"`
	Generation uint64    `json:"generation"`
	Freshness  Freshness `json:"index_freshness"`
}

// Result is one page of ranked hits.
type Result struct {
	Hits         []Hit  `json:"hits"`
	TotalMatches int    `json:"total_matches"`
	NextCursor   string `json:"next_cursor,omitempty"`
	Meta         Meta   `json:"meta"`
}

// Engine dispatches queries against the current generation and the
// record store.
type Engine struct {
	store    *store.Store
	gens     *Generations
	rrfK     int
	halfLife time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	cache *cacheEntry
}

type cacheEntry struct {
	key string
	gen uint64
	res Result
}

// NewEngine wires the query side. gens may start empty; queries then run
// on the record store's fallback path until the first generation lands.
func NewEngine(st *store.Store, gens *Generations, cfg config.RankingSettings) *Engine {
	return &Engine{
		store:    st,
		gens:     gens,
		rrfK:     cfg.RRFConstant,
		halfLife: time.Duration(cfg.RecencyHalfLifeDays) * 24 * time.Hour,
		log:      logging.ForComponent(logging.CompSearch),
	}
}

// scored is a candidate before hydration and pagination.
type scored struct {
	id      string
	score   float64
	match   string
	semRank int
	msg     *transcript.Message
	sess    *store.SessionRow
}

// Search runs one query. On a caller timeout the accumulated page is
// returned alongside a PartialResult error so the caller can render what
// exists and retry for the rest.
func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	if err := q.normalize(); err != nil {
		return nil, err
	}

	gen := e.gens.Current()
	var genNum uint64
	if gen != nil {
		genNum = gen.Num
	}

	key := q.cacheKey()
	if res, ok := e.cacheGet(key, genNum); ok {
		res.Meta.CacheHit = true
		res.Meta.ElapsedMS = time.Since(start).Milliseconds()
		return &res, nil
	}

	var cur *cursor
	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		if c.Generation != genNum {
			return nil, cerr.Newf(cerr.UsageError,
				"cursor is from generation %d, index is at %d; restart the query", c.Generation, genNum)
		}
		cur = &c
	}

	cands, err := e.gather(ctx, gen, &q)
	if err != nil {
		return nil, err
	}

	cands, partial := e.hydrate(ctx, cands, &q.Filters)
	e.rank(cands, q.Ranking)

	total := len(cands)
	if cur != nil {
		cands = skipPast(cands, cur)
	}
	page := cands
	next := ""
	if len(page) > q.Limit {
		page = page[:q.Limit]
		last := page[len(page)-1]
		next = encodeCursor(cursor{Score: last.score, MessageID: last.id, Generation: genNum})
	}

	res := Result{
		Hits:         e.project(page, &q),
		TotalMatches: total,
		NextCursor:   next,
		Meta: Meta{
			ElapsedMS:  time.Since(start).Milliseconds(),
			Partial:    partial,
			Generation: genNum,
			Freshness:  e.freshness(gen),
		},
	}

	if partial {
		return &res, cerr.Newf(cerr.PartialResult,
			"query timed out with %d of %d candidates resolved", len(res.Hits), total)
	}
	e.cachePut(key, genNum, res)
	e.log.Debug("query",
		"mode", string(q.Mode), "ranking", string(q.Ranking),
		"total", total, "returned", len(res.Hits),
		"elapsed_ms", res.Meta.ElapsedMS)
	return &res, nil
}

// gather collects ranked candidate ids from the sub-indexes. Hybrid runs
// the lexical and semantic arms concurrently and fuses their rankings.
func (e *Engine) gather(ctx context.Context, gen *Generation, q *Query) ([]*scored, error) {
	semanticReady := gen != nil && gen.Vectors != nil && gen.Embedder != nil

	if q.Mode == ModeSemantic && !semanticReady {
		return nil, cerr.Newf(cerr.IndexMissing, "no vector index built yet")
	}

	var lexHits []lexical.Hit
	var semHits []vector.Hit

	g, gctx := errgroup.WithContext(ctx)
	if q.Mode != ModeSemantic {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			var err error
			lexHits, err = e.lexicalArm(gen, q.Text)
			return err
		})
	}
	if q.Mode != ModeLexical && semanticReady {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			var err error
			semHits, err = gen.Vectors.Search(gen.Embedder.Embed(q.Text), maxCandidates)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, cerr.New(cerr.PartialResult, ctx.Err())
		}
		return nil, err
	}

	var cands []*scored
	switch q.Mode {
	case ModeLexical:
		cands = make([]*scored, len(lexHits))
		for i, h := range lexHits {
			cands[i] = &scored{id: h.MessageID, score: h.Score, match: string(h.Match)}
		}
	case ModeSemantic:
		cands = make([]*scored, len(semHits))
		for i, h := range semHits {
			cands[i] = &scored{id: h.MessageID, score: h.Score, match: "semantic"}
		}
	case ModeHybrid:
		matches := make(map[string]string, len(lexHits))
		lexIDs := make([]string, len(lexHits))
		for i, h := range lexHits {
			lexIDs[i] = h.MessageID
			matches[h.MessageID] = string(h.Match)
		}
		semIDs := make([]string, len(semHits))
		for i, h := range semHits {
			semIDs[i] = h.MessageID
		}
		fused := fuseRRF(e.rrfK, lexIDs, semIDs)
		cands = make([]*scored, len(fused))
		for i, d := range fused {
			match := matches[d.id]
			if match == "" {
				match = "semantic"
			}
			cands[i] = &scored{id: d.id, score: d.score, match: match, semRank: d.semRank}
		}
	}
	return cands, nil
}

// lexicalArm queries the in-memory index, or falls back to the record
// store's LIKE scan when no generation exists yet.
func (e *Engine) lexicalArm(gen *Generation, text string) ([]lexical.Hit, error) {
	if gen != nil {
		return gen.Lexical.Search(text, maxCandidates), nil
	}
	e.log.Debug("lexical index absent, using record store fallback")
	rows, err := e.store.FallbackSearch(text, maxCandidates)
	if err != nil {
		return nil, err
	}
	hits := make([]lexical.Hit, len(rows))
	for i, r := range rows {
		hits[i] = lexical.Hit{
			MessageID: r.Message.ID,
			Score:     float64(r.Matches),
			Match:     lexical.MatchSubstring,
			Timestamp: r.Message.Timestamp,
		}
	}
	return hits, nil
}

// hydrate resolves candidates against the record store and applies the
// metadata filters. A context deadline mid-hydration keeps whatever has
// been resolved and flags the result partial.
func (e *Engine) hydrate(ctx context.Context, cands []*scored, f *Filters) ([]*scored, bool) {
	sessions := make(map[string]*store.SessionRow)
	kept := cands[:0]
	for i, c := range cands {
		if i%32 == 0 && ctx.Err() != nil {
			return kept, true
		}
		msg, err := e.store.GetMessage(c.id)
		if err != nil || msg == nil {
			continue
		}
		sess, ok := sessions[msg.SessionID]
		if !ok {
			sess, err = e.store.SessionByID(msg.SessionID)
			if err != nil {
				continue
			}
			sessions[msg.SessionID] = sess
		}
		if !matchFilters(msg, sess, f) {
			continue
		}
		c.msg = msg
		c.sess = sess
		kept = append(kept, c)
	}
	return kept, false
}

func matchFilters(m *transcript.Message, s *store.SessionRow, f *Filters) bool {
	if f.Agent != "" && (s == nil || s.Agent != f.Agent) {
		return false
	}
	if f.Workspace != "" && (s == nil || s.Workspace != f.Workspace) {
		return false
	}
	if !f.From.IsZero() && m.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.Timestamp.After(f.To) {
		return false
	}
	return true
}

// rank computes the final sort score per policy and orders the set.
// Every policy yields the same total order shape (score desc, id asc)
// so cursors resume uniformly.
func (e *Engine) rank(cands []*scored, policy Policy) {
	for _, c := range cands {
		switch policy {
		case RankNewest:
			c.score = float64(c.msg.Timestamp.Unix())
		case RankOldest:
			c.score = -float64(c.msg.Timestamp.Unix())
		case RankRecency:
			c.score = c.score * exactnessBonus(c.match) * e.decay(c.msg.Timestamp)
		default:
			c.score = c.score * exactnessBonus(c.match)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].semRank != cands[j].semRank {
			return cands[i].semRank < cands[j].semRank
		}
		return cands[i].id < cands[j].id
	})
}

func exactnessBonus(match string) float64 {
	s := lexical.MatchType(match).Sharpness()
	if s <= 1 {
		return 1
	}
	return 1 + exactnessStep*float64(s-1)
}

// decay halves a score every configured half-life.
func (e *Engine) decay(ts time.Time) float64 {
	if e.halfLife <= 0 {
		return 1
	}
	age := time.Since(ts)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(e.halfLife))
}

// skipPast drops every candidate at or before the cursor position in
// the total order. If the cursor row itself is gone, resume at the
// first row ordered after (score, id), so rows tying the cursor score
// are kept rather than skipped with it.
func skipPast(cands []*scored, c *cursor) []*scored {
	for i, cd := range cands {
		if cd.score == c.Score && cd.id == c.MessageID {
			return cands[i+1:]
		}
	}
	for i, cd := range cands {
		if cd.score < c.Score || (cd.score == c.Score && cd.id > c.MessageID) {
			return cands[i:]
		}
	}
	return nil
}

// project shapes the page according to the requested projection.
func (e *Engine) project(page []*scored, q *Query) []Hit {
	hits := make([]Hit, 0, len(page))
	for _, c := range page {
		h := Hit{
			MessageID:  c.id,
			LineNumber: c.msg.LineNo,
			Score:      c.score,
			MatchType:  c.match,
			CreatedAt:  c.msg.Timestamp,
		}
		if c.sess != nil {
			h.SourcePath = c.sess.SourcePath
		}
		switch q.Projection {
		case ProjectMinimal:
		case ProjectFull:
			h.Snippet = c.msg.Content
			fallthrough
		default:
			if c.sess != nil {
				h.Agent = c.sess.Agent
				h.Workspace = c.sess.Workspace
				h.Title = c.sess.Title
			}
			if h.Snippet == "" {
				h.Snippet = makeSnippet(c.msg.Content, q.Text)
			}
		}
		hits = append(hits, h)
	}
	return hits
}

// freshness compares the visible generation with the store's state.
func (e *Engine) freshness(gen *Generation) Freshness {
	var f Freshness
	last, err := e.store.LastScan()
	if err == nil && !last.IsZero() {
		f.AgeSeconds = int64(time.Since(last).Seconds())
	}
	storeGen, err := e.store.Generation()
	if err != nil {
		return f
	}
	f.Stale = gen == nil || gen.Num < storeGen
	return f
}

func (e *Engine) cacheGet(key string, gen uint64) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache != nil && e.cache.key == key && e.cache.gen == gen {
		return e.cache.res, true
	}
	return Result{}, false
}

func (e *Engine) cachePut(key string, gen uint64, res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = &cacheEntry{key: key, gen: gen, res: res}
}
