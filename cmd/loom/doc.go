// Package main hosts the loom CLI entrypoint and command graph.
//
// The Cobra-based command tree runs a pipeline to completion, renders the
// durable snapshot and the event journal for operators, runs preflight
// checks, and scaffolds configuration. Configuration resolution lives here so
// subcommands stay declarative; the heavy lifting is in internal/workflow.
package main
