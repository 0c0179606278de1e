package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/tonimelisma/drivesync/internal/config"
)

const (
	logFilePermissions = 0o644
	logDirPermissions  = 0o755
)

// parseLevel maps a validated log_level to a slog level.
func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger creates the process logger. The config-file level is the
// baseline; --verbose and --quiet override it. Console output goes to
// stderr; log_file, when set, receives a JSON copy of every record.
func buildLogger(cfg *config.LoggingConfig, flags CLIFlags) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.LogLevel)

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	console := consoleHandler(os.Stderr, cfg.LogFormat, level, isatty.IsTerminal(os.Stderr.Fd()))

	if cfg.LogFile == "" {
		return slog.New(console), nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), logDirPermissions); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})

	return slog.New(newMultiHandler(console, file)), f, nil
}

// consoleHandler picks the console format. "auto" uses the colored tint
// handler on a terminal and plain text otherwise.
func consoleHandler(w io.Writer, format string, level slog.Level, tty bool) slog.Handler {
	switch format {
	case config.LogFormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case config.LogFormatText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	if !tty {
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

// multiHandler forwards every record to each handler that accepts it.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error

	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			errs = append(errs, hh.Handle(ctx, r.Clone()))
		}
	}

	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}

	return newMultiHandler(out...)
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}

	return newMultiHandler(out...)
}
