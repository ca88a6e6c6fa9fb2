// Package logging configures the daemon's slog output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/benaskins/watchmin/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a config level name onto a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing text to stderr and, when cfg.File is set, JSON
// to a rotating file. The returned closer releases the file.
func New(cfg config.Log, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	console := slog.NewTextHandler(stderr, opts)

	if cfg.File == "" {
		return slog.New(console), io.NopCloser(nil), nil
	}

	path := config.ExpandHome(cfg.File)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    valOr(cfg.MaxSizeMB, 10),
		MaxBackups: valOr(cfg.MaxBackups, 3),
		MaxAge:     valOr(cfg.MaxAgeDays, 28),
		Compress:   cfg.Compress,
	}
	return slog.New(fanout{console, slog.NewJSONHandler(file, opts)}), file, nil
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
