// SPDX-License-Identifier: MPL-2.0

// Package logging opens the proxy's file logger. Standard output and standard
// error belong to the proxied tool, so log records only ever go to a file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// Options selects the log destination and verbosity.
type Options struct {
	// File is appended to; it is created with mode 0644 if missing.
	File string
	// Level is a charmbracelet/log level name (debug, info, warn, error).
	Level string
	// Prefix is shown on every record, typically frt-<invocation id>.
	Prefix string
}

// Open returns a logfmt logger appending to opts.File, and the closer for the
// file. When the file cannot be opened the logger discards everything and the
// open error is returned alongside it, so callers may keep going.
func Open(opts Options) (*log.Logger, io.Closer, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(opts.Level)
		if err != nil {
			return Discard(), nopCloser{}, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}

	if opts.File == "" {
		return Discard(), nopCloser{}, nil
	}

	f, err := os.OpenFile(filepath.Clean(opts.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Discard(), nopCloser{}, fmt.Errorf("open log file: %w", err)
	}
	return New(f, level, opts.Prefix), f, nil
}

// New builds a logfmt logger writing to w.
func New(w io.Writer, level log.Level, prefix string) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.LogfmtFormatter,
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard returns a logger that drops every record.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel + 1})
}

// InvocationPrefix shortens an invocation id to the log prefix form.
func InvocationPrefix(id string) string {
	if len(id) > 6 {
		id = id[:6]
	}
	return "frt-" + id
}
