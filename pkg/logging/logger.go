// Package logging provides a simple slog based logger for go-p11pki with
// secret redaction.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Config controls handler selection.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format is text or json.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// Logger provides logging functionality for token operations
type Logger struct {
	logger  *slog.Logger
	debug   bool
	secrets []string
}

// NewLogger creates a new logger instance
func NewLogger(debug bool) *Logger {
	level := "info"
	if debug {
		level = "debug"
	}
	return NewLoggerWithConfig(Config{Level: level, Format: "text"})
}

// NewLoggerWithConfig creates a logger from a level/format pair.
func NewLoggerWithConfig(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{
		logger: slog.New(&redactingHandler{next: handler}),
		debug:  level <= slog.LevelDebug,
	}
}

// ParseLevel maps a configuration string to a slog level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger:  slog.New(l.logger.Handler().WithAttrs(argsToAttrs(args))),
		debug:   l.debug,
		secrets: l.secrets,
	}
}

// WithSecrets returns a child logger that masks every occurrence of the
// given values in messages and string attributes.
func (l *Logger) WithSecrets(secrets ...string) *Logger {
	merged := make([]string, 0, len(l.secrets)+len(secrets))
	merged = append(merged, l.secrets...)
	for _, s := range secrets {
		if s != "" {
			merged = append(merged, s)
		}
	}
	next := l.logger.Handler()
	if h, ok := next.(*redactingHandler); ok {
		next = h.next
	}
	return &Logger{
		logger:  slog.New(&redactingHandler{next: next, secrets: merged}),
		debug:   l.debug,
		secrets: merged,
	}
}

// Slog exposes the underlying slog logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Infof logs a formatted informational message
func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	if l.debug {
		l.logger.Debug(msg, args...)
	}
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...any) {
	if l.debug {
		l.logger.Debug(fmt.Sprintf(format, args...))
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Error logs an error
func (l *Logger) Error(err error, args ...any) {
	l.logger.Error(err.Error(), args...)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// FatalError logs a fatal error and exits
func (l *Logger) FatalError(err error) {
	log.Fatal(l.Redact(err.Error()))
}

// MaybeError logs an error if it's not nil
func (l *Logger) MaybeError(err error) {
	if err != nil {
		l.logger.Error(err.Error())
	}
}

// Redact masks the logger's secrets in s.
func (l *Logger) Redact(s string) string {
	return Redact(s, l.secrets...)
}

// Redact replaces every occurrence of each secret in s with a mask.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "****")
	}
	return s
}

// DefaultLogger returns a default logger instance with debug=false
func DefaultLogger() *Logger {
	return NewLogger(false)
}

// Discard returns a logger that writes nowhere. Useful in tests.
func Discard() *Logger {
	return NewLoggerWithConfig(Config{Level: "error", Output: io.Discard})
}

func argsToAttrs(args []any) []slog.Attr {
	r := slog.Record{}
	r.Add(args...)
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return attrs
}
