// Package journal keeps an append-only sqlite audit trail of every
// submission attempt, throttling decision, notification and download made
// during a run.
//
// The journal is observational: the pipeline never reads it back for control
// flow, and a failed write is logged rather than aborting the run. `loom
// journal` renders it for operators.
package journal
