package lane

import (
	"context"
	"time"
)

// Outcome is what a task reports back to its queue.
type Outcome int

const (
	// OutcomeAdvance removes the task: it succeeded or failed terminally.
	OutcomeAdvance Outcome = iota
	// OutcomeRetry keeps the task at the head and runs it again after Result.Delay.
	OutcomeRetry
	// OutcomeFull keeps the task at the head and pauses the queue until the next Enqueue.
	OutcomeFull
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvance:
		return "advance"
	case OutcomeRetry:
		return "retry"
	case OutcomeFull:
		return "full"
	default:
		return "unknown"
	}
}

// Result carries a task outcome and, for retries, the pause before the next attempt.
type Result struct {
	Outcome Outcome
	Delay   time.Duration
	Reason  string
}

// Advance reports that the task is finished.
func Advance() Result { return Result{Outcome: OutcomeAdvance} }

// Retry asks the queue to run the same task again after delay.
func Retry(delay time.Duration, reason string) Result {
	return Result{Outcome: OutcomeRetry, Delay: delay, Reason: reason}
}

// Full reports that the channel is at capacity.
func Full(reason string) Result {
	return Result{Outcome: OutcomeFull, Reason: reason}
}

// Task is one queued unit of work. Run receives the queue's context, which is
// cancelled when the queue stops.
type Task struct {
	Name string
	Node string
	Run  func(ctx context.Context) (Result, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper. A non-positive d only reports ctx.Err().
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
