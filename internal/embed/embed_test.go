package embed

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cass-search/cass/internal/cerr"
)

func vecNorm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a := e.Embed("how do I debounce file watcher events")
	b := e.Embed("how do I debounce file watcher events")
	assert.Equal(t, a, b, "same text must embed identically")
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, vecNorm(a), 1e-5, "vectors are unit length")
}

func TestHashEmbedderDistinguishesText(t *testing.T) {
	e := NewHashEmbedder(64)
	a := e.Embed("sqlite write ahead logging")
	b := e.Embed("cosine similarity ranking")
	assert.NotEqual(t, a, b)
}

func TestHashEmbedderEmptyText(t *testing.T) {
	e := NewHashEmbedder(16)
	v := e.Embed("")
	assert.Len(t, v, 16)
	assert.Zero(t, vecNorm(v), "no tokens yields the zero vector")
}

func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.vec")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadWordVectors(t *testing.T) {
	path := writeModel(t, "2 3\nsqlite 1 0 0\nindex 0 1 0\n")
	wv, err := LoadWordVectors(path, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, wv.Words())
	assert.Equal(t, 3, wv.Dimension())

	v := wv.Embed("SQLite")
	assert.InDelta(t, 1.0, float64(v[0]), 1e-6)

	// Mean pooling of two orthogonal unit words, then renormalized.
	v = wv.Embed("sqlite index")
	assert.InDelta(t, v[0], v[1], 1e-6)
	assert.InDelta(t, 1.0, vecNorm(v), 1e-5)
}

func TestWordVectorsFallbackOnUnknownText(t *testing.T) {
	path := writeModel(t, "1 3\nsqlite 1 0 0\n")
	wv, err := LoadWordVectors(path, 3)
	require.NoError(t, err)

	got := wv.Embed("zzyzzx")
	want := NewHashEmbedder(3).Embed("zzyzzx")
	assert.Equal(t, want, got, "unknown vocabulary falls back to hashing")
}

func TestLoadWordVectorsDimensionMismatch(t *testing.T) {
	path := writeModel(t, "1 3\nsqlite 1 0 0\n")
	_, err := LoadWordVectors(path, 8)
	require.Error(t, err)
	assert.Equal(t, cerr.IncompatibleVersion, cerr.KindOf(err))
}

func TestLoadWordVectorsMalformed(t *testing.T) {
	for _, content := range []string{
		"",
		"not a header\n",
		"1 3\nsqlite 1 0\n",
		"1 3\nsqlite 1 0 nope\n",
	} {
		path := writeModel(t, content)
		_, err := LoadWordVectors(path, 3)
		require.Error(t, err, "content %q", content)
		assert.Equal(t, cerr.DataCorruption, cerr.KindOf(err))
	}
}

func TestSelectPrefersModel(t *testing.T) {
	path := writeModel(t, "1 4\nsqlite 1 0 0 0\n")
	e := Select(path, 4)
	assert.Equal(t, "wordvec", e.Name())

	e = Select("", 4)
	assert.Equal(t, "hash", e.Name())

	// An unreadable model degrades to hashing instead of failing.
	e = Select(filepath.Join(t.TempDir(), "missing.vec"), 4)
	assert.Equal(t, "hash", e.Name())
}
