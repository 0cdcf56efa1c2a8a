// Package logging provides utilities for structured logging across fhirsieve.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger (filter runner, watcher,
//     artifact server, import client)
//   - Logger scoping happens once at construction time via slog.With
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in
// main(). Components must never call slog.SetDefault or touch global loggers.
//
// Logging is intentionally sparse: never inside the per-line matching loops.
// Task start/completion, run boundaries, and failures are the intended log
// points; per-file throughput is reported once, at task completion.
package logging

import (
	"context"
	"log/slog"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewRunner(cfg Config) *Runner {
//	    logger := logging.Default(cfg.Logger)
//	    return &Runner{logger: logger.With("component", "filter")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
