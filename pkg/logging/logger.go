// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures structured logging for concierge binaries.
//
// # Description
//
// The package wraps log/slog with the conventions every concierge
// process follows: a console stream on stderr and an optional JSON file
// stream under a log directory. Console output picks its format by
// destination. When stderr is a terminal the human-readable text
// handler is used; when it is a pipe or a container log collector the
// output switches to JSON so downstream parsers get one object per
// line. The Format field overrides the detection for either direction.
//
// File logging writes {service}_{date}.log in the configured directory
// and is always JSON. Both streams share one level.
//
//	┌──────────────┐     ┌─────────────────────────────┐
//	│  slog.Logger  │────▶│ console (text on TTY, else  │
//	│  (fanout)     │     │ JSON) on stderr             │
//	│               │────▶│ {service}_{date}.log (JSON) │
//	└──────────────┘     └─────────────────────────────┘
//
// # Thread Safety
//
// Loggers returned by Setup are safe for concurrent use. Close may be
// called once, after all goroutines using the logger have stopped.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Format selects the console encoding.
type Format string

const (
	// FormatAuto uses text on a terminal and JSON otherwise.
	FormatAuto Format = "auto"
	// FormatJSON forces JSON console output.
	FormatJSON Format = "json"
	// FormatText forces human-readable console output.
	FormatText Format = "text"
)

// Config controls logger construction.
type Config struct {
	// Service names the process; it appears as a "service" attribute
	// on every record and in the log file name.
	Service string `yaml:"service"`

	// Level is the minimum severity: "debug", "info", "warn" or
	// "error". Empty means info.
	Level string `yaml:"level"`

	// Dir enables file logging when non-empty. The directory is
	// created if missing.
	Dir string `yaml:"dir"`

	// Format overrides console format detection. Empty means auto.
	Format Format `yaml:"format"`
}

// Logger bundles the slog logger with the resources behind it.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Setup builds a logger from the config and installs it as the slog
// default so package-level slog calls land in the same streams.
func Setup(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{consoleHandler(os.Stderr, cfg.Format, opts)}

	var file *os.File
	if cfg.Dir != "" {
		file, err = openLogFile(cfg.Dir, cfg.Service)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &fanoutHandler{handlers: handlers}
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	slog.SetDefault(logger)

	return &Logger{Logger: logger, file: file}, nil
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// consoleHandler picks the console encoding. Detection asks isatty so
// that `concierge serve 2>&1 | jq` and container runtimes both see
// JSON while an interactive shell sees text.
func consoleHandler(w io.Writer, format Format, opts *slog.HandlerOptions) slog.Handler {
	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case FormatText:
		return slog.NewTextHandler(w, opts)
	}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return slog.NewTextHandler(w, opts)
		}
	}
	return slog.NewJSONHandler(w, opts)
}

func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	if service == "" {
		service = "concierge"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, nil
}

// fanoutHandler duplicates every record to all child handlers. A
// failure on one stream does not suppress the others; the first error
// is reported.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
