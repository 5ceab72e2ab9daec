// Package logging provides structured logging for simdash components.
package logging

// File: internal/logging/logger.go
// Purpose: slog wrapper carrying a component name and run-scoped helpers.

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	*slog.Logger
	root      *slog.Logger
	component string
}

// Config selects level, format and output.
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or text
	Output    string `yaml:"output"` // stdout, stderr, or file path
	Component string `yaml:"-"`
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}
	return NewWithWriter(cfg, output)
}

// NewWithWriter builds a Logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	root := slog.New(handler)
	l := root
	if cfg.Component != "" {
		l = root.With(slog.String("component", cfg.Component))
	}
	return &Logger{Logger: l, root: root, component: cfg.Component}
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// Default reads LOG_LEVEL and LOG_FORMAT from the environment.
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Discard returns a Logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(Config{Level: "error"}, io.Discard)
}

// Component returns a child logger for another component.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.root.With(slog.String("component", name)), root: l.root, component: name}
}

// WithRunID adds the run id.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("run_id", runID)),
		root:      l.root,
		component: l.component,
	}
}

// WithError adds an error attribute.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		root:      l.root,
		component: l.component,
	}
}

// HTTPRequestLog logs one served request.
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// DBQueryLog logs a store operation; failures at error level.
func (l *Logger) DBQueryLog(operation, table string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("table", table),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("DB query failed", attrs...)
	} else {
		l.Logger.Debug("DB query", attrs...)
	}
}
