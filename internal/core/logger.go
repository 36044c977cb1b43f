// Package core implements the derivation-and-provenance engine: study
// spec registries, selectors, pipelines, the dependency resolver, the
// incremental processor, and their supporting plumbing.
package core

import (
	"fmt"
	"io"
)

// Logger receives informational and warning messages from the engine,
// chiefly the processor's skip/dilation notices. Implementations must be
// safe for sequential reuse; the engine itself is single-threaded.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// NopLogger discards all messages.
type NopLogger struct{}

// Infof implements Logger.
func (NopLogger) Infof(string, ...any) {}

// Warnf implements Logger.
func (NopLogger) Warnf(string, ...any) {}

// WriterLogger writes prefixed lines to an io.Writer. Used by the CLI.
type WriterLogger struct {
	W io.Writer
}

// Infof implements Logger.
func (l WriterLogger) Infof(format string, args ...any) {
	fmt.Fprintf(l.W, "info: "+format+"\n", args...)
}

// Warnf implements Logger.
func (l WriterLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(l.W, "warn: "+format+"\n", args...)
}
