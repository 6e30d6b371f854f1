// Package logging wires log/slog to a rotating debug log. Component
// sub-loggers resolve the active handler at log time, so package-level
// loggers created before Init still emit once Init runs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names for structured logging.
const (
	CompStore      = "store"
	CompLexical    = "lexical"
	CompVector     = "vector"
	CompEmbed      = "embed"
	CompSearch     = "search"
	CompIndexer    = "indexer"
	CompTranscript = "transcript"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for the debug log (e.g. ~/.cass).
	// Empty discards all output.
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string

	// MaxSizeMB is the rotation threshold (default 10).
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (default 5).
	MaxBackups int

	// MaxAgeDays is how long rotated files live (default 10).
	MaxAgeDays int
}

var (
	mu      sync.RWMutex
	root    *slog.Logger
	rotator *lumberjack.Logger
)

// Init initializes the global logging system.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.LogDir == "" {
		root = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return
	}

	rotator = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "debug.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	root = slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level}))
}

// Logger returns the global logger. Safe to call before Init.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return root
}

// ForComponent returns a sub-logger with the component field set. The
// returned logger delegates to whatever handler is installed when the
// record is emitted, not when the logger was created.
func ForComponent(name string) *slog.Logger {
	return slog.New(&lateHandler{component: name})
}

// Shutdown closes the rotating writer.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	root = nil
}

// lateHandler defers handler resolution to log time.
type lateHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *lateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *lateHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &lateHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *lateHandler) WithGroup(name string) slog.Handler {
	return &lateHandler{component: h.component, attrs: h.attrs, group: name}
}
