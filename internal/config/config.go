// Package config loads the cass configuration file and supplies
// documented defaults for every tunable the core exposes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file under the cass home directory.
const ConfigFileName = "config.toml"

// Config is the user-facing configuration in TOML format.
type Config struct {
	// Roots are the transcript directories scanned by the indexer.
	// Defaults to ~/.claude/projects when empty.
	Roots []string `toml:"roots"`

	// IndexSystem includes system-role messages in the index (default: false).
	IndexSystem bool `toml:"index_system"`

	// FingerprintPrefix is the number of leading message hashes folded into
	// a session fingerprint. Too small risks false duplicates, too large
	// makes fingerprinting large sessions expensive.
	FingerprintPrefix int `toml:"fingerprint_prefix"`

	Lexical LexicalSettings `toml:"lexical"`
	Vector  VectorSettings  `toml:"vector"`
	Ranking RankingSettings `toml:"ranking"`
	Watch   WatchSettings   `toml:"watch"`
	Logs    LogSettings     `toml:"logs"`
}

// LexicalSettings tunes tokenization and the fuzzy fallback.
type LexicalSettings struct {
	// EdgeGramMin/EdgeGramMax bound the prefix substrings indexed per term.
	EdgeGramMin int `toml:"edge_gram_min"`
	EdgeGramMax int `toml:"edge_gram_max"`

	// FuzzyMinHits triggers the fuzzy fallback when sharper match types
	// return fewer hits than this.
	FuzzyMinHits int `toml:"fuzzy_min_hits"`
}

// VectorSettings tunes the embedding store.
type VectorSettings struct {
	// Dimension is the embedding width. Must match the model artifact when
	// one is present.
	Dimension int `toml:"dimension"`

	// Precision is "f32" (default) or "f16" (half storage, approximate
	// distances).
	Precision string `toml:"precision"`

	// ModelPath points at the word-vector artifact. When the file is absent
	// the deterministic hash embedder is used instead.
	ModelPath string `toml:"model_path"`
}

// RankingSettings tunes score fusion and composite policies.
type RankingSettings struct {
	// RRFConstant dampens rank position differences during fusion.
	RRFConstant int `toml:"rrf_constant"`

	// RecencyHalfLifeDays controls the exponential decay used by the
	// recency-weighted policy.
	RecencyHalfLifeDays int `toml:"recency_half_life_days"`
}

// WatchSettings tunes the debounce state machine.
type WatchSettings struct {
	// DebounceMS is the quiet period after the last change event before a
	// flush (default 2000).
	DebounceMS int `toml:"debounce_ms"`

	// MaxWaitMS bounds flush latency from the first event of a burst
	// (default 5000).
	MaxWaitMS int `toml:"max_wait_ms"`

	// IndexRateLimit caps background index operations per second.
	IndexRateLimit int `toml:"index_rate_limit"`
}

// LogSettings configures the debug log.
type LogSettings struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Roots) == 0 {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Roots = []string{filepath.Join(home, ".claude", "projects")}
		}
	}
	if c.FingerprintPrefix <= 0 {
		c.FingerprintPrefix = 16
	}
	if c.Lexical.EdgeGramMin <= 0 {
		c.Lexical.EdgeGramMin = 2
	}
	if c.Lexical.EdgeGramMax <= 0 {
		c.Lexical.EdgeGramMax = 12
	}
	if c.Lexical.EdgeGramMax < c.Lexical.EdgeGramMin {
		c.Lexical.EdgeGramMax = c.Lexical.EdgeGramMin
	}
	if c.Lexical.FuzzyMinHits <= 0 {
		c.Lexical.FuzzyMinHits = 5
	}
	if c.Vector.Dimension <= 0 {
		c.Vector.Dimension = 256
	}
	if c.Vector.Precision == "" {
		c.Vector.Precision = "f32"
	}
	if c.Ranking.RRFConstant <= 0 {
		c.Ranking.RRFConstant = 60
	}
	if c.Ranking.RecencyHalfLifeDays <= 0 {
		c.Ranking.RecencyHalfLifeDays = 30
	}
	if c.Watch.DebounceMS <= 0 {
		c.Watch.DebounceMS = 2000
	}
	if c.Watch.MaxWaitMS <= 0 {
		c.Watch.MaxWaitMS = 5000
	}
	if c.Watch.IndexRateLimit <= 0 {
		c.Watch.IndexRateLimit = 20
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
}

// Debounce returns the debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

// MaxWait returns the max-wait deadline as a duration.
func (c *Config) MaxWait() time.Duration {
	return time.Duration(c.Watch.MaxWaitMS) * time.Millisecond
}

// HomeDir returns the cass data directory (~/.cass), creating it if needed.
func HomeDir() (string, error) {
	if dir := os.Getenv("CASS_HOME"); dir != "" {
		return dir, os.MkdirAll(dir, 0700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home dir: %w", err)
	}
	dir := filepath.Join(home, ".cass")
	return dir, os.MkdirAll(dir, 0700)
}

// Load reads config.toml from dir, returning defaults when the file is
// absent. A malformed file is an error; a missing one is not.
func Load(dir string) (*Config, error) {
	cfg := &Config{}
	path := filepath.Join(dir, ConfigFileName)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
