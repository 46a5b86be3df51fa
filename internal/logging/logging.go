// Package logging builds the structured logger the core and its commands
// share. Grounded on itsmenewbie03-greg's internal/config/logger.go: a slog.Logger backed
// by a rotating lumberjack.Logger writer, chosen over plain os.Stdout so long-running
// downloads don't grow an unbounded log file.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how logs are written.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // "json" or "text"
	FilePath   string // empty disables file rotation; logs go to stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig returns sane defaults: info level, text format, no file rotation.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", MaxSizeMB: 20, MaxBackups: 5, MaxAgeDays: 28}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a *slog.Logger per cfg, writing to stderr or, when FilePath is set, to a
// rotating lumberjack file. Records are formatted and written synchronously on the
// caller's goroutine; there is no background queue, so a slow writer blocks the caller.
func New(cfg Config) *slog.Logger {
	var w = os.Stderr
	var writer interface {
		Write([]byte) (int, error)
	} = w

	if cfg.FilePath != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler)
}

// Nop returns a logger that discards everything, for tests and library callers who don't
// want core log lines on their own stderr.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
