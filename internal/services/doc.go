// Package services holds the cross-cutting vocabulary shared by loom's
// components: context annotations for run, node, stage, channel, and delivery
// correlation identifiers, plus the sentinel error markers used to classify
// failures.
//
// Errors produced by remote clients and stores are wrapped with Wrap so the run
// controller can decide with Fatal whether a failure ends the run or is simply
// recorded on the job tree. These helpers carry no I/O; keep them free of
// dependencies on other internal packages so everything can import them.
package services
