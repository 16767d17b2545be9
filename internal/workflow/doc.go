// Package workflow drives one pipeline run from seeded prompts to a fully
// completed job tree.
//
// The Runner refuses to start when preflight fails or another run holds the
// work directory lock. It then seeds one generate node per prompt, starts a
// lane per remote channel, and feeds webhook notifications into the pipeline
// machine on a single goroutine. A watcher re-evaluates the completion
// predicate after every tree change; the run ends when no node remains
// incomplete, or earlier when a lane reports a fatal error.
package workflow
