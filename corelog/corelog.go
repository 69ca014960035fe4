// Package corelog is the small logging idiom shared by every core processor:
// plain lines to stdout for progress, an emoji-prefixed line to stderr for
// warnings. No structured logging library is involved; see DESIGN.md for why.
package corelog

import (
	"fmt"
	"os"
)

// Logger collects warnings as it goes so callers (the orchestrator, the CLI)
// can decide what to do with them after a pack/unpack run finishes.
type Logger struct {
	Verbose  bool
	Warnings []string
}

// New returns a Logger; verbose controls whether Info lines are printed.
func New(verbose bool) *Logger {
	return &Logger{Verbose: verbose}
}

// Warn prints a "⚠️ "-prefixed line to stderr and records the message.
func (l *Logger) Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "⚠️  %s\n", msg)
	if l != nil {
		l.Warnings = append(l.Warnings, msg)
	}
}

// Info prints a plain progress line to stdout when verbose is enabled.
func (l *Logger) Info(format string, args ...any) {
	if l == nil || !l.Verbose {
		return
	}
	fmt.Printf(format+"\n", args...)
}
