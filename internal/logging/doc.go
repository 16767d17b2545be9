// Package logging assembles structured slog loggers and formatting helpers used
// across loom.
//
// It owns the console and JSON handlers, the tee that mirrors a run's output
// into its per-run log file, and context-aware helpers so pipeline code can tag
// log lines with run, node, stage, channel, and delivery correlation IDs. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
//
// Warnings and errors should go through WarnWithContext and ErrorWithContext
// so every line names its event type, a hint for the operator, and its impact.
package logging
