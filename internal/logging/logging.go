// Package logging builds the slog loggers used across the node, the
// append-only audit trail and the goroutine crash handler.
//
// Attribute values whose key looks like key material or a push credential
// are replaced with "[REDACTED]" before they reach any output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config describes where and how a Logger writes.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output string

	// File rotation, used when Output names a file.
	FilePath   string
	MaxSize    int64 // megabytes
	MaxAge     int   // days
	MaxBackups int
	Compress   bool

	AddSource bool
	Component string

	// Writer replaces Output entirely when set.
	Writer io.Writer
}

// Logger is a *slog.Logger that remembers the file it owns.
type Logger struct {
	*slog.Logger
	file *FileRotator
}

// New builds a logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: LevelInfo, Output: "stderr"}
	}
	w, file, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}
	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	sl := slog.New(h)
	if cfg.Component != "" {
		sl = sl.With("component", cfg.Component)
	}
	return &Logger{Logger: sl, file: file}, nil
}

func openOutput(cfg *Config) (io.Writer, *FileRotator, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil, nil
	}
	output := strings.ToLower(cfg.Output)
	if output != "file" && output != "both" {
		if output == "stdout" {
			return os.Stdout, nil, nil
		}
		return os.Stderr, nil, nil
	}

	file, err := NewFileRotator(cfg)
	if err != nil {
		return nil, nil, err
	}
	if output == "both" {
		return io.MultiWriter(os.Stderr, file), file, nil
	}
	return file, file, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// SetDefault installs l as the process-wide slog default.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// WithComponent tags every record with component=name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name), file: l.file}
}

// With returns a logger carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), file: l.file}
}

// Close closes the log file, if any. Derived loggers share the file, so
// only the root logger should be closed.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// redactedFragments match attribute keys case-insensitively. Public keys,
// hashes and signatures are fine to log.
var redactedFragments = []string{
	"secret", "private", "seed", "token", "password", "credential",
	"auth", "cookie", "p256dh", "vapid",
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, frag := range redactedFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// ParseFormat accepts text (the default) and json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %q", s)
}
