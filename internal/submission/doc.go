// Package submission performs one outbound stage submission and translates
// the reply into a lane outcome.
//
// Throttling replies (429) never touch the job tree: they either pause the
// lane until the next enqueue or retry the same request after the rate limit
// window. Everything else, including 504 overflow after its long pause, is
// recorded on exactly the node the task was built for and advances the lane.
// Connection retry exhaustion and snapshot failures are returned as errors so
// the run controller can abort.
package submission
