package search

import (
	"strconv"
	"strings"
	"time"

	"github.com/cass-search/cass/internal/cerr"
)

// Mode selects which index serves the query.
type Mode string

const (
	ModeLexical  Mode = "lexical"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// Policy orders the matched set. Relevance and recency rank by score;
// the chronological policies bypass relevance entirely.
type Policy string

const (
	RankRelevance Policy = "relevance"
	RankRecency   Policy = "recency"
	RankNewest    Policy = "newest"
	RankOldest    Policy = "oldest"
)

// Projection controls how much of each hit is materialized.
type Projection string

const (
	ProjectMinimal Projection = "minimal" // locator and score only
	ProjectSummary Projection = "summary" // plus title and a short snippet
	ProjectFull    Projection = "full"    // plus the full message content
)

// Filters restrict the matched set before ranking.
type Filters struct {
	Agent     string
	Workspace string
	From      time.Time
	To        time.Time
}

// Query describes one search request.
type Query struct {
	Text       string
	Mode       Mode
	Filters    Filters
	Ranking    Policy
	Projection Projection
	Limit      int
	Cursor     string
}

const defaultLimit = 20

// normalize fills defaults and validates the request.
func (q *Query) normalize() error {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return cerr.Newf(cerr.UsageError, "empty query text")
	}
	if q.Mode == "" {
		q.Mode = ModeHybrid
	}
	switch q.Mode {
	case ModeLexical, ModeSemantic, ModeHybrid:
	default:
		return cerr.Newf(cerr.UsageError, "unknown search mode %q", q.Mode)
	}
	if q.Ranking == "" {
		q.Ranking = RankRelevance
	}
	switch q.Ranking {
	case RankRelevance, RankRecency, RankNewest, RankOldest:
	default:
		return cerr.Newf(cerr.UsageError, "unknown ranking policy %q", q.Ranking)
	}
	if q.Projection == "" {
		q.Projection = ProjectSummary
	}
	switch q.Projection {
	case ProjectMinimal, ProjectSummary, ProjectFull:
	default:
		return cerr.Newf(cerr.UsageError, "unknown projection %q", q.Projection)
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if !q.Filters.From.IsZero() && !q.Filters.To.IsZero() && q.Filters.To.Before(q.Filters.From) {
		return cerr.Newf(cerr.UsageError, "time range ends before it starts")
	}
	return nil
}

// cacheKey canonicalizes the request for the single-entry query cache.
func (q *Query) cacheKey() string {
	var b strings.Builder
	b.WriteString(q.Text)
	b.WriteByte(0)
	b.WriteString(string(q.Mode))
	b.WriteByte(0)
	b.WriteString(string(q.Ranking))
	b.WriteByte(0)
	b.WriteString(string(q.Projection))
	b.WriteByte(0)
	b.WriteString(q.Filters.Agent)
	b.WriteByte(0)
	b.WriteString(q.Filters.Workspace)
	b.WriteByte(0)
	b.WriteString(q.Filters.From.UTC().Format(time.RFC3339))
	b.WriteByte(0)
	b.WriteString(q.Filters.To.UTC().Format(time.RFC3339))
	b.WriteByte(0)
	b.WriteString(q.Cursor)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(q.Limit))
	return b.String()
}
