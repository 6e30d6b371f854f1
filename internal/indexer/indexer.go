// Package indexer drives ingestion: it walks transcript roots, feeds
// files through the normalizer into the record store, and rebuilds or
// appends to the lexical and vector indexes, publishing each update as
// a new generation.
package indexer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cass-search/cass/internal/cerr"
	"github.com/cass-search/cass/internal/config"
	"github.com/cass-search/cass/internal/embed"
	"github.com/cass-search/cass/internal/lexical"
	"github.com/cass-search/cass/internal/logging"
	"github.com/cass-search/cass/internal/search"
	"github.com/cass-search/cass/internal/store"
	"github.com/cass-search/cass/internal/transcript"
	"github.com/cass-search/cass/internal/vector"
)

// Result summarizes one indexing run.
type Result struct {
	MessagesIndexed int   `json:"messages_indexed"`
	SessionsIndexed int   `json:"sessions_indexed"`
	DurationMS      int64 `json:"duration_ms"`
}

// Indexer owns index mutation. One Indexer writes at a time; readers go
// through the generation the last run published.
type Indexer struct {
	cfg      *config.Config
	store    *store.Store
	gens     *search.Generations
	norm     *transcript.Normalizer
	emb      embed.Embedder
	vecPath  string
	prec     vector.Precision
	limiter  *rate.Limiter
	log      *slog.Logger

	mu        sync.Mutex
	lastRowID int64 // watermark of rows already in the lexical index
}

// New wires the ingestion side. vecPath is where the CVVI file lives.
func New(cfg *config.Config, st *store.Store, gens *search.Generations, vecPath string) (*Indexer, error) {
	prec, err := vector.ParsePrecision(cfg.Vector.Precision)
	if err != nil {
		return nil, err
	}
	lim := rate.Inf
	if cfg.Watch.IndexRateLimit > 0 {
		lim = rate.Limit(cfg.Watch.IndexRateLimit)
	}
	return &Indexer{
		cfg:     cfg,
		store:   st,
		gens:    gens,
		norm:    transcript.NewNormalizer(cfg.FingerprintPrefix, cfg.IndexSystem),
		emb:     embed.Select(cfg.Vector.ModelPath, cfg.Vector.Dimension),
		vecPath: vecPath,
		prec:    prec,
		limiter: rate.NewLimiter(lim, 1),
		log:     logging.ForComponent(logging.CompIndexer),
	}, nil
}

// Full ingests every session file under the configured roots and
// publishes a generation. With forceRebuild the lexical and vector
// indexes are rebuilt from scratch instead of reusing stored vectors.
func (ix *Indexer) Full(ctx context.Context, forceRebuild bool) (*Result, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	start := time.Now()

	paths, err := ix.discover(nil)
	if err != nil {
		return nil, err
	}
	res, err := ix.ingest(ctx, paths)
	if err != nil {
		return nil, err
	}
	if _, err := ix.store.PruneSessions(); err != nil {
		ix.log.Warn("prune failed", "error", err)
	}
	if err := ix.publish(ctx, forceRebuild); err != nil {
		return nil, err
	}
	if err := ix.store.SetLastScan(start); err != nil {
		return nil, err
	}
	res.DurationMS = time.Since(start).Milliseconds()
	ix.log.Info("full index done",
		"files", len(paths), "messages", res.MessagesIndexed, "elapsed_ms", res.DurationMS)
	return res, nil
}

// Incremental ingests only files modified since the last recorded scan
// and appends their messages to the current generation's indexes.
func (ix *Indexer) Incremental(ctx context.Context) (*Result, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	start := time.Now()

	since, err := ix.store.LastScan()
	if err != nil {
		return nil, err
	}
	paths, err := ix.discover(func(info fs.FileInfo) bool {
		return info.ModTime().After(since)
	})
	if err != nil {
		return nil, err
	}
	res, err := ix.ingest(ctx, paths)
	if err != nil {
		return nil, err
	}
	if err := ix.publish(ctx, false); err != nil {
		return nil, err
	}
	if err := ix.store.SetLastScan(start); err != nil {
		return nil, err
	}
	res.DurationMS = time.Since(start).Milliseconds()
	ix.log.Info("incremental index done",
		"files", len(paths), "messages", res.MessagesIndexed, "elapsed_ms", res.DurationMS)
	return res, nil
}

// discover walks the roots collecting session files, optionally filtered.
func (ix *Indexer) discover(keep func(fs.FileInfo) bool) ([]string, error) {
	var paths []string
	for _, root := range ix.cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// A root may not exist yet on a fresh machine.
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() || !transcript.IsSessionFile(d.Name()) {
				return nil
			}
			if keep != nil {
				info, err := d.Info()
				if err != nil || !keep(info) {
					return nil
				}
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return paths, nil
}

// ingest parses and stores each file, counting new messages.
func (ix *Indexer) ingest(ctx context.Context, paths []string) (*Result, error) {
	res := &Result{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		parsed, err := ix.norm.ParseFile(path)
		if err != nil {
			ix.log.Warn("parse failed", "path", path, "error", err)
			continue
		}
		if len(parsed.Messages) == 0 {
			continue
		}
		var inserted int
		err = store.WithRetry(ctx, func() error {
			var ierr error
			inserted, ierr = ix.store.InsertBatch(&parsed.Meta, parsed.Messages)
			return ierr
		})
		if err != nil {
			return res, err
		}
		res.MessagesIndexed += inserted
		res.SessionsIndexed++
	}
	return res, nil
}

// publish rebuilds or extends the lexical and vector indexes from the
// record store and swaps in a new generation. The previous generation
// stays intact for queries already running against it.
func (ix *Indexer) publish(ctx context.Context, forceRebuild bool) error {
	cur := ix.gens.Current()

	var lex *lexical.Index
	var afterRow int64
	if cur != nil && !forceRebuild {
		// Append into a copy so the visible generation stays frozen
		// until the swap.
		lex = cur.Lexical.Clone()
		afterRow = ix.lastRowID
	} else {
		lex = lexical.NewIndex(
			lexical.NewTokenizer(ix.cfg.Lexical.EdgeGramMin, ix.cfg.Lexical.EdgeGramMax),
			ix.cfg.Lexical.FuzzyMinHits)
	}

	msgs, watermark, err := ix.store.MessagesSince(afterRow)
	if err != nil {
		return err
	}
	lex.AddBatch(msgs)

	var w *vector.Writer
	if forceRebuild {
		w = vector.NewWriter(ix.cfg.Vector.Dimension, ix.prec)
	} else {
		w, err = vector.LoadWriter(ix.vecPath, ix.cfg.Vector.Dimension, ix.prec)
		if err != nil {
			return err
		}
	}
	added := 0
	err = ix.store.AllMessages(func(m *transcript.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.Has(m.ContentHash) {
			return nil
		}
		added++
		return w.Add(m.ContentHash, ix.emb.Embed(m.Content))
	})
	if err != nil {
		return err
	}
	if added > 0 || forceRebuild || cur == nil {
		if err := w.WriteFile(ix.vecPath); err != nil {
			return err
		}
	}
	vecIdx, err := vector.Open(ix.vecPath)
	if err != nil {
		return err
	}

	num, err := ix.store.BumpGeneration()
	if err != nil {
		vecIdx.Close()
		return err
	}
	ix.gens.Swap(&search.Generation{
		Num:      num,
		Lexical:  lex,
		Vectors:  vecIdx,
		Embedder: ix.emb,
		BuiltAt:  time.Now(),
	})
	ix.lastRowID = watermark
	ix.log.Debug("generation published",
		"generation", num, "new_postings", len(msgs), "new_vectors", added)
	return nil
}

// LoadCurrent builds a queryable generation from what is already on
// disk without ingesting anything: the lexical index is reconstructed
// from the record store and the vector index is opened in place.
func (ix *Indexer) LoadCurrent(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	msgs, watermark, err := ix.store.MessagesSince(0)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return cerr.Newf(cerr.IndexMissing, "nothing indexed yet")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lex := lexical.NewIndex(
		lexical.NewTokenizer(ix.cfg.Lexical.EdgeGramMin, ix.cfg.Lexical.EdgeGramMax),
		ix.cfg.Lexical.FuzzyMinHits)
	lex.AddBatch(msgs)

	vecIdx, err := vector.Open(ix.vecPath)
	if err != nil {
		if cerr.KindOf(err) != cerr.IndexMissing {
			return err
		}
		vecIdx = nil // lexical-only until the next index run
	}

	num, err := ix.store.Generation()
	if err != nil {
		return err
	}
	ix.gens.Swap(&search.Generation{
		Num:      num,
		Lexical:  lex,
		Vectors:  vecIdx,
		Embedder: ix.emb,
		BuiltAt:  time.Now(),
	})
	ix.lastRowID = watermark
	return nil
}

// ingestPaths is the flush target for the watch loop: ingest exactly the
// changed files, then extend the indexes.
func (ix *Indexer) ingestPaths(ctx context.Context, paths []string) (*Result, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	start := time.Now()

	res, err := ix.ingest(ctx, paths)
	if err != nil {
		return res, err
	}
	if err := ix.publish(ctx, false); err != nil {
		return res, err
	}
	if err := ix.store.SetLastScan(start); err != nil {
		return res, err
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}
