package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cass-search/cass/internal/cerr"
	"github.com/cass-search/cass/internal/store"
)

func writeTestHome(t *testing.T) (home, roots string) {
	t.Helper()
	home = t.TempDir()
	roots = filepath.Join(home, "transcripts")
	require.NoError(t, os.MkdirAll(roots, 0o755))
	conf := fmt.Sprintf("roots = [%q]\n\n[vector]\ndimension = 32\n", roots)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(conf), 0o644))
	t.Setenv("CASS_HOME", home)
	return home, roots
}

func writeTestSession(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, uuid.NewString()+".jsonl")
	var body string
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i, content := range lines {
		body += fmt.Sprintf(
			`{"type":"user","message":{"role":"user","content":%q},"timestamp":%q,"cwd":"/home/u/proj"}`+"\n",
			content, base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339))
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// A rebuild must get past a record store that fails the integrity check:
// the corrupt files are discarded and the full pipeline runs from empty.
func TestIndexRebuildRecoversCorruptStore(t *testing.T) {
	home, roots := writeTestHome(t)
	writeTestSession(t, roots, "rebuild survives corruption", "second message")

	dbPath := filepath.Join(home, "cass.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("SQLite format 3\x00not-really"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(home, "vectors-32.cvvi"), []byte("junk"), 0o644))

	_, err := store.Open(dbPath)
	require.Equal(t, cerr.DataCorruption, cerr.KindOf(err))

	require.NoError(t, indexCmd([]string{"-rebuild"}))

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()
	msgs, sessions, err := s.Counts()
	require.NoError(t, err)
	require.Equal(t, 2, msgs)
	require.Equal(t, 1, sessions)
}

// Without -rebuild a corrupt store still surfaces DataCorruption so the
// caller can decide to discard data.
func TestIndexWithoutRebuildSurfacesCorruption(t *testing.T) {
	home, _ := writeTestHome(t)
	dbPath := filepath.Join(home, "cass.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("SQLite format 3\x00not-really"), 0o644))

	err := indexCmd([]string{"-full"})
	require.Equal(t, cerr.DataCorruption, cerr.KindOf(err))
}
