package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 16, cfg.FingerprintPrefix)
	assert.Equal(t, 2, cfg.Lexical.EdgeGramMin)
	assert.Equal(t, 12, cfg.Lexical.EdgeGramMax)
	assert.Equal(t, 5, cfg.Lexical.FuzzyMinHits)
	assert.Equal(t, 256, cfg.Vector.Dimension)
	assert.Equal(t, "f32", cfg.Vector.Precision)
	assert.Equal(t, 60, cfg.Ranking.RRFConstant)
	assert.Equal(t, 2*time.Second, cfg.Debounce())
	assert.Equal(t, 5*time.Second, cfg.MaxWait())
}

func TestLoadOverridesAndFills(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
roots = ["/data/sessions"]

[lexical]
edge_gram_max = 8

[watch]
debounce_ms = 500
`), 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/sessions"}, cfg.Roots)
	assert.Equal(t, 8, cfg.Lexical.EdgeGramMax)
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce())
	// Unset keys keep their defaults.
	assert.Equal(t, 2, cfg.Lexical.EdgeGramMin)
	assert.Equal(t, 5*time.Second, cfg.MaxWait())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestHomeDirHonorsEnv(t *testing.T) {
	t.Setenv("CASS_HOME", "/custom/home")
	home, err := HomeDir()
	require.NoError(t, err)
	assert.Equal(t, "/custom/home", home)
}
