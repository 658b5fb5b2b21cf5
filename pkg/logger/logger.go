// Package logger is the zerolog wrapper shared by every signalpost process.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with pipeline context helpers
type Logger struct {
	zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr or a file path
}

// New creates a logger from cfg. An output file that cannot be opened
// falls back to stderr with a warning line.
func New(cfg Config) *Logger {
	out, openErr := openOutput(cfg.Output)
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Caller().
		Logger()

	if openErr != nil {
		zl.Warn().Err(openErr).Str("output", cfg.Output).Msg("Logging to stderr")
	}
	return &Logger{Logger: zl}
}

func openOutput(path string) (io.Writer, error) {
	switch path {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, fmt.Errorf("open log output: %w", err)
	}
	return f, nil
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Default is an info-level console logger on stdout
func Default() *Logger {
	return New(Config{Level: "info", Format: "console"})
}

// Nop discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{Logger: fn(l.With()).Logger()}
}

// WithComponent tags lines with the emitting component
func (l *Logger) WithComponent(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithTask adds the task identity fields carried by every handler log line
func (l *Logger) WithTask(kind, taskID string, attempt int) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("task_kind", kind).Str("task_id", taskID).Int("attempt", attempt)
	})
}

func (l *Logger) WithSourceID(id uint) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Uint("source_id", id) })
}

func (l *Logger) WithJobID(id uint) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Uint("job_id", id) })
}
