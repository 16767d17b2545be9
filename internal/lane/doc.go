// Package lane implements the single-flight submission queue used for each
// external channel.
//
// A Queue holds tasks in FIFO order and runs at most one at a time. Each task
// reports an Outcome: advance pops it, retry runs it again after the requested
// delay, and full parks the queue with the task still at the head until the
// next Enqueue (in practice, a completion notification pushing follow-up work
// or an acknowledgment). A task that returns an error or panics is dropped and
// reported to the ErrorHandler; draining continues with the next task.
//
// Distinct queues share nothing and drain concurrently.
package lane
