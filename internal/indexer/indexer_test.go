package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cass-search/cass/internal/cerr"
	"github.com/cass-search/cass/internal/config"
	"github.com/cass-search/cass/internal/search"
	"github.com/cass-search/cass/internal/store"
)

func writeSessionFile(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, uuid.NewString()+".jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func record(role, content, ts string) string {
	return fmt.Sprintf(
		`{"sessionId":"","type":"%s","message":{"role":"%s","content":"%s"},"timestamp":"%s","cwd":"/proj"}`,
		role, role, content, ts)
}

type harness struct {
	cfg   *config.Config
	store *store.Store
	gens  *search.Generations
	ix    *Indexer
	root  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "projects")
	require.NoError(t, os.MkdirAll(root, 0700))

	cfg := config.Default()
	cfg.Roots = []string{root}
	cfg.Vector.Dimension = 32

	st, err := store.Open(filepath.Join(dir, "cass.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	gens := &search.Generations{}
	ix, err := New(cfg, st, gens, filepath.Join(dir, "vectors.cvvi"))
	require.NoError(t, err)
	return &harness{cfg: cfg, store: st, gens: gens, ix: ix, root: root}
}

func TestFullIndexPipeline(t *testing.T) {
	h := newHarness(t)
	writeSessionFile(t, h.root,
		record("user", "how does the watch indexer batch events", "2024-03-01T10:00:00Z"),
		record("assistant", "changes are debounced and flushed as one batch", "2024-03-01T10:00:05Z"),
	)
	writeSessionFile(t, h.root,
		record("user", "explain reciprocal rank fusion", "2024-03-02T09:00:00Z"),
	)

	res, err := h.ix.Full(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.MessagesIndexed)
	assert.Equal(t, 2, res.SessionsIndexed)

	gen := h.gens.Current()
	require.NotNil(t, gen, "a generation is published after the first run")
	assert.Equal(t, 3, gen.Lexical.DocCount())
	require.NotNil(t, gen.Vectors)
	assert.Equal(t, 3, gen.Vectors.Count())
}

func TestFullIndexIdempotent(t *testing.T) {
	h := newHarness(t)
	writeSessionFile(t, h.root,
		record("user", "idempotence check message", "2024-03-01T10:00:00Z"),
	)

	_, err := h.ix.Full(context.Background(), false)
	require.NoError(t, err)
	msgs1, sess1, err := h.store.Counts()
	require.NoError(t, err)

	res, err := h.ix.Full(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, res.MessagesIndexed, "re-ingesting identical files inserts nothing")

	msgs2, sess2, err := h.store.Counts()
	require.NoError(t, err)
	assert.Equal(t, msgs1, msgs2)
	assert.Equal(t, sess1, sess2)
}

func TestIncrementalPicksUpNewFiles(t *testing.T) {
	h := newHarness(t)
	writeSessionFile(t, h.root,
		record("user", "first session before the scan", "2024-03-01T10:00:00Z"),
	)
	_, err := h.ix.Full(context.Background(), false)
	require.NoError(t, err)
	gen1 := h.gens.Current().Num

	// Written after the recorded scan time, so the incremental pass
	// must pick it up.
	writeSessionFile(t, h.root,
		record("user", "second session after the scan", "2024-03-05T10:00:00Z"),
	)

	res, err := h.ix.Incremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesIndexed)

	gen := h.gens.Current()
	assert.Greater(t, gen.Num, gen1, "each update publishes a new generation")
	assert.Equal(t, 2, gen.Lexical.DocCount())
	assert.Equal(t, 2, gen.Vectors.Count())
}

func TestIncrementalLeavesVisibleGenerationFrozen(t *testing.T) {
	h := newHarness(t)
	writeSessionFile(t, h.root,
		record("user", "first session before the scan", "2024-03-01T10:00:00Z"),
	)
	_, err := h.ix.Full(context.Background(), false)
	require.NoError(t, err)
	gen1 := h.gens.Current()

	writeSessionFile(t, h.root,
		record("user", "second session after the scan", "2024-03-05T10:00:00Z"),
	)
	_, err = h.ix.Incremental(context.Background())
	require.NoError(t, err)

	// A query that started against gen1 keeps seeing gen1 exactly.
	assert.Equal(t, 1, gen1.Lexical.DocCount())
	assert.Empty(t, gen1.Lexical.Search("second", 10))
	assert.Equal(t, 2, h.gens.Current().Lexical.DocCount())
}

func TestForceRebuildKeepsCounts(t *testing.T) {
	h := newHarness(t)
	writeSessionFile(t, h.root,
		record("user", "rebuild survives with the same data", "2024-03-01T10:00:00Z"),
		record("assistant", "and the vector index is rewritten", "2024-03-01T10:00:10Z"),
	)
	_, err := h.ix.Full(context.Background(), false)
	require.NoError(t, err)

	_, err = h.ix.Full(context.Background(), true)
	require.NoError(t, err)
	gen := h.gens.Current()
	assert.Equal(t, 2, gen.Lexical.DocCount())
	assert.Equal(t, 2, gen.Vectors.Count())
}

func TestVectorDedupAcrossSessions(t *testing.T) {
	h := newHarness(t)
	// Same role, content, and timestamp in two different files: one
	// message row and one stored vector.
	line := record("user", "identical content in two places", "2024-03-01T10:00:00Z")
	writeSessionFile(t, h.root, line)
	writeSessionFile(t, h.root, line,
		record("assistant", "padding so fingerprints differ", "2024-03-01T10:01:00Z"))

	_, err := h.ix.Full(context.Background(), false)
	require.NoError(t, err)

	gen := h.gens.Current()
	msgs, _, err := h.store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, msgs)
	assert.Equal(t, 2, gen.Vectors.Count())
}

func TestLoadCurrentRebuildsGeneration(t *testing.T) {
	h := newHarness(t)
	writeSessionFile(t, h.root,
		record("user", "persisted across process restarts", "2024-03-01T10:00:00Z"),
	)
	_, err := h.ix.Full(context.Background(), false)
	require.NoError(t, err)

	// A fresh process sees the store and the vector file, not the
	// in-memory indexes.
	gens2 := &search.Generations{}
	ix2, err := New(h.cfg, h.store, gens2, h.ix.vecPath)
	require.NoError(t, err)
	require.NoError(t, ix2.LoadCurrent(context.Background()))

	gen := gens2.Current()
	require.NotNil(t, gen)
	assert.Equal(t, 1, gen.Lexical.DocCount())
	require.NotNil(t, gen.Vectors)
	assert.Equal(t, 1, gen.Vectors.Count())
	assert.Equal(t, h.gens.Current().Num, gen.Num)
}

func TestLoadCurrentEmptyStore(t *testing.T) {
	h := newHarness(t)
	err := h.ix.LoadCurrent(context.Background())
	require.Error(t, err)
	assert.Equal(t, cerr.IndexMissing, cerr.KindOf(err))
}

func TestWatchIndexesChangedFile(t *testing.T) {
	h := newHarness(t)
	h.cfg.Watch.DebounceMS = 100
	h.cfg.Watch.MaxWaitMS = 400

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- h.ix.Watch(ctx) }()

	// Give the watcher a moment to register the root.
	time.Sleep(200 * time.Millisecond)
	writeSessionFile(t, h.root,
		record("user", "written while watching", "2024-03-01T10:00:00Z"),
	)

	require.Eventually(t, func() bool {
		msgs, _, err := h.store.Counts()
		return err == nil && msgs == 1
	}, 5*time.Second, 50*time.Millisecond, "watch flush ingests the new file")

	cancel()
	select {
	case err := <-watchDone:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not shut down")
	}
}
