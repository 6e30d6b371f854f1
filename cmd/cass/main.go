package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cass-search/cass/internal/cerr"
	"github.com/cass-search/cass/internal/config"
	"github.com/cass-search/cass/internal/indexer"
	"github.com/cass-search/cass/internal/logging"
	"github.com/cass-search/cass/internal/search"
	"github.com/cass-search/cass/internal/store"
	"github.com/cass-search/cass/internal/vector"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Println("cass " + Version)
	case "help", "--help", "-h":
		printHelp()
	case "index":
		err = indexCmd(os.Args[2:])
	case "watch":
		err = watchCmd(os.Args[2:])
	case "search":
		err = searchCmd(os.Args[2:])
	case "stats":
		err = statsCmd(os.Args[2:])
	case "prune":
		err = pruneCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "cass: unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cass: %v\n", err)
		var ce *cerr.Error
		if errors.As(err, &ce) && ce.Hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", ce.Hint)
		}
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Print(`cass - search your coding agent sessions

Usage:
  cass index [-full] [-rebuild]     ingest transcripts and build the index
  cass watch                        follow transcript roots and index changes
  cass search <query> [flags]       query the index
  cass stats                        show index counts and freshness
  cass prune                        drop sessions whose files are gone
  cass version                      print the version

Search flags:
  -mode lexical|semantic|hybrid   search mode (default hybrid)
  -rank relevance|recency|newest|oldest
  -agent, -workspace              metadata filters
  -since, -until                  RFC3339 time bounds
  -limit N                        page size (default 20)
  -cursor C                       resume from a previous page
  -fields minimal|summary|full    hit projection (default summary)
  -timeout D                      query deadline (default 10s)
  -json                           machine-readable output
`)
}

// app bundles what every command needs: config, logging, the record
// store, and the generation holder.
type app struct {
	cfg   *config.Config
	store *store.Store
	gens  *search.Generations
	home  string
}

func openApp() (*app, error) {
	home, err := config.HomeDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		LogDir:     filepath.Join(home, "logs"),
		Level:      cfg.Logs.Level,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
	})

	st, err := store.Open(filepath.Join(home, "cass.db"))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: st, gens: &search.Generations{}, home: home}, nil
}

func (a *app) close() {
	a.store.Close()
	logging.Shutdown()
}

func (a *app) vectorPath() string {
	return filepath.Join(a.home, fmt.Sprintf("vectors-%d.cvvi", a.cfg.Vector.Dimension))
}

// resetDataDir removes the record store and every vector index file.
func resetDataDir() error {
	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	if err := store.Reset(filepath.Join(home, "cass.db")); err != nil {
		return err
	}
	vecs, err := filepath.Glob(filepath.Join(home, "vectors-*.cvvi"))
	if err != nil {
		return err
	}
	for _, p := range vecs {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func indexCmd(args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	full := fs.Bool("full", false, "scan every file instead of only changes since the last run")
	rebuild := fs.Bool("rebuild", false, "discard and rebuild the lexical and vector indexes")
	fs.Parse(args)

	a, err := openApp()
	if err != nil && *rebuild && cerr.KindOf(err) == cerr.DataCorruption {
		// The corrupt files are exactly what -rebuild discards; clear
		// them so a rebuild can actually start.
		fmt.Fprintln(os.Stderr, "store is corrupt, resetting for rebuild")
		if rerr := resetDataDir(); rerr != nil {
			return rerr
		}
		a, err = openApp()
	}
	if err != nil {
		return err
	}
	defer a.close()

	ix, err := indexer.New(a.cfg, a.store, a.gens, a.vectorPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *indexer.Result
	last, _ := a.store.LastScan()
	if *full || *rebuild || last.IsZero() {
		res, err = ix.Full(ctx, *rebuild)
	} else {
		res, err = ix.Incremental(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d messages across %d sessions in %dms\n",
		res.MessagesIndexed, res.SessionsIndexed, res.DurationMS)
	return nil
}

func watchCmd(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Parse(args)

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ix, err := indexer.New(a.cfg, a.store, a.gens, a.vectorPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Catch up before following, so the watcher only has deltas to chase.
	if _, err := ix.Incremental(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "watching for session changes (ctrl-c to stop)")
	return ix.Watch(ctx)
}

func searchCmd(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	mode := fs.String("mode", "hybrid", "lexical, semantic, or hybrid")
	rank := fs.String("rank", "relevance", "relevance, recency, newest, or oldest")
	agent := fs.String("agent", "", "filter by agent")
	workspace := fs.String("workspace", "", "filter by workspace")
	since := fs.String("since", "", "only messages at or after this RFC3339 time")
	until := fs.String("until", "", "only messages at or before this RFC3339 time")
	limit := fs.Int("limit", 20, "page size")
	cursorFlag := fs.String("cursor", "", "resume cursor from a previous page")
	fields := fs.String("fields", "summary", "minimal, summary, or full")
	timeout := fs.Duration("timeout", 10*time.Second, "query deadline")
	asJSON := fs.Bool("json", false, "emit JSON")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return cerr.Newf(cerr.UsageError, "search needs a query")
	}
	text := fs.Arg(0)
	for _, arg := range fs.Args()[1:] {
		text += " " + arg
	}

	q := search.Query{
		Text:       text,
		Mode:       search.Mode(*mode),
		Ranking:    search.Policy(*rank),
		Projection: search.Projection(*fields),
		Limit:      *limit,
		Cursor:     *cursorFlag,
		Filters: search.Filters{
			Agent:     *agent,
			Workspace: *workspace,
		},
	}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			return cerr.Newf(cerr.UsageError, "bad -since value %q", *since)
		}
		q.Filters.From = t
	}
	if *until != "" {
		t, err := time.Parse(time.RFC3339, *until)
		if err != nil {
			return cerr.Newf(cerr.UsageError, "bad -until value %q", *until)
		}
		q.Filters.To = t
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Queries run against the freshest index the store has; build the
	// in-memory generation from what is on disk.
	ix, err := indexer.New(a.cfg, a.store, a.gens, a.vectorPath())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := ix.LoadCurrent(ctx); err != nil && cerr.KindOf(err) != cerr.IndexMissing {
		return err
	}

	eng := search.NewEngine(a.store, a.gens, a.cfg.Ranking)
	res, err := eng.Search(ctx, q)
	if err != nil && (cerr.KindOf(err) != cerr.PartialResult || res == nil) {
		return err
	}

	if *asJSON {
		out, jerr := json.MarshalIndent(res, "", "  ")
		if jerr != nil {
			return jerr
		}
		fmt.Println(string(out))
		return err
	}

	if res.Meta.Partial {
		fmt.Fprintln(os.Stderr, "warning: query timed out, results are partial")
	}
	if len(res.Hits) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for i, h := range res.Hits {
		fmt.Printf("%2d. [%.4f %s] %s\n", i+1, h.Score, h.MatchType,
			h.CreatedAt.Local().Format("2006-01-02 15:04"))
		if h.Title != "" {
			fmt.Printf("    %s\n", h.Title)
		}
		if h.Snippet != "" {
			fmt.Printf("    %s\n", h.Snippet)
		}
		fmt.Printf("    %s:%d\n", h.SourcePath, h.LineNumber)
	}
	fmt.Printf("\n%d matches in %dms", res.TotalMatches, res.Meta.ElapsedMS)
	if res.Meta.Freshness.Stale {
		fmt.Print(" (index is stale, run: cass index)")
	}
	fmt.Println()
	if res.NextCursor != "" {
		fmt.Printf("next page: cass search -cursor %s ...\n", res.NextCursor)
	}
	return err
}

func statsCmd(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON")
	fs.Parse(args)

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	msgs, sessions, err := a.store.Counts()
	if err != nil {
		return err
	}
	gen, err := a.store.Generation()
	if err != nil {
		return err
	}
	last, err := a.store.LastScan()
	if err != nil {
		return err
	}
	vectors := 0
	if vi, err := vector.Open(a.vectorPath()); err == nil {
		vectors = vi.Count()
		vi.Close()
	}

	if *asJSON {
		out, _ := json.MarshalIndent(map[string]any{
			"messages":   msgs,
			"sessions":   sessions,
			"vectors":    vectors,
			"generation": gen,
			"last_scan":  last,
		}, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	fmt.Printf("messages:   %d\n", msgs)
	fmt.Printf("sessions:   %d\n", sessions)
	fmt.Printf("vectors:    %d\n", vectors)
	fmt.Printf("generation: %d\n", gen)
	if last.IsZero() {
		fmt.Println("last scan:  never (run: cass index)")
	} else {
		fmt.Printf("last scan:  %s\n", last.Local().Format(time.RFC1123))
	}
	return nil
}

func pruneCmd(args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	fs.Parse(args)

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.store.PruneSessions()
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d sessions\n", n)
	return nil
}
