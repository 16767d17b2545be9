package lane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"loom/internal/logging"
	"loom/internal/services"
)

// ErrorHandler observes tasks dropped because Run returned an error or panicked.
type ErrorHandler func(task Task, err error)

// Stats counts what a queue has done since it was created.
type Stats struct {
	Pending     int
	Running     bool
	Paused      bool
	Executed    int64
	Retried     int64
	Full        int64
	Dropped     int64
	MaxInFlight int
}

// Queue runs the tasks of one external channel strictly one at a time in FIFO
// order. Draining happens on a single goroutine that exists only while there
// is work; Enqueue never blocks on task execution.
type Queue struct {
	name    string
	logger  *slog.Logger
	sleep   Sleeper
	onError ErrorHandler

	mu       sync.Mutex
	tasks    []Task
	running  bool
	paused   bool
	wakes    uint64
	inFlight int
	stats    Stats
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithSleeper replaces the retry wait, primarily for tests.
func WithSleeper(s Sleeper) Option {
	return func(q *Queue) {
		if s != nil {
			q.sleep = s
		}
	}
}

// WithErrorHandler is called after a task is dropped for returning an error.
func WithErrorHandler(h ErrorHandler) Option {
	return func(q *Queue) { q.onError = h }
}

// New builds a stopped queue for the named channel. Tasks enqueued before
// Start are held until it is called.
func New(name string, opts ...Option) *Queue {
	q := &Queue{name: name, logger: logging.NewNop(), sleep: SleepContext}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(logging.String(logging.FieldChannel, name))
	return q
}

// Name returns the channel name.
func (q *Queue) Name() string { return q.name }

// Start begins draining under ctx. Calling Start twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.ctx != nil {
		q.mu.Unlock()
		return
	}
	q.ctx, q.cancel = context.WithCancel(services.WithChannel(ctx, q.name))
	runCtx := q.ctx
	start := q.claimLocked()
	q.mu.Unlock()
	if start {
		go q.drain(runCtx)
	}
}

// Stop cancels the running task, if any, and waits for the drain goroutine to exit.
// Pending tasks stay queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue appends task and clears a capacity pause. If nothing is draining,
// draining starts immediately on a new goroutine.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.wakes++
	resumed := q.paused
	q.paused = false
	start := q.claimLocked()
	ctx := q.ctx
	q.mu.Unlock()

	if resumed {
		q.logger.Debug("queue resumed by enqueue",
			logging.String(logging.FieldEventType, "lane_resumed"),
			logging.String("task", task.Name),
		)
	}
	if start {
		go q.drain(ctx)
	}
}

// claimLocked marks the queue running when there is work and no drainer.
func (q *Queue) claimLocked() bool {
	if q.ctx == nil || q.ctx.Err() != nil || q.running || q.paused || len(q.tasks) == 0 {
		return false
	}
	q.running = true
	q.wg.Add(1)
	return true
}

// Stats returns a copy of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.tasks)
	s.Running = q.running
	s.Paused = q.paused
	return s
}

// Idle reports whether the queue has nothing pending and nothing running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && len(q.tasks) == 0
}

func (q *Queue) drain(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if ctx.Err() != nil || q.paused || len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		head := q.tasks[0]
		wake := q.wakes
		q.inFlight++
		if q.inFlight > q.stats.MaxInFlight {
			q.stats.MaxInFlight = q.inFlight
		}
		q.stats.Executed++
		q.mu.Unlock()

		result, err := q.execute(ctx, head)

		q.mu.Lock()
		q.inFlight--
		if err != nil {
			q.tasks = q.tasks[1:]
			q.stats.Dropped++
			q.mu.Unlock()
			q.reportDropped(head, err)
			continue
		}
		switch result.Outcome {
		case OutcomeRetry:
			q.stats.Retried++
			q.mu.Unlock()
			q.logger.Info("task will retry",
				logging.String(logging.FieldEventType, "lane_retry"),
				logging.String("task", head.Name),
				logging.String(logging.FieldNode, head.Node),
				logging.Duration("delay", result.Delay),
				logging.String("reason", result.Reason),
			)
			if err := q.sleep(ctx, result.Delay); err != nil {
				continue
			}
		case OutcomeFull:
			q.stats.Full++
			if q.wakes != wake {
				// Enqueued during the call: capacity may already be free.
				q.mu.Unlock()
				continue
			}
			q.paused = true
			q.running = false
			q.mu.Unlock()
			q.logger.Info("channel at capacity; queue paused until next enqueue",
				logging.String(logging.FieldEventType, "lane_full"),
				logging.String("task", head.Name),
				logging.String(logging.FieldNode, head.Node),
				logging.String("reason", result.Reason),
			)
			return
		default:
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
		}
	}
}

func (q *Queue) execute(ctx context.Context, task Task) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	if task.Run == nil {
		return Result{}, fmt.Errorf("task %s has no run function", task.Name)
	}
	return task.Run(services.WithNodeKey(ctx, task.Node))
}

func (q *Queue) reportDropped(task Task, err error) {
	logging.ErrorWithContext(q.logger, "task failed; dropped from queue", "lane_task_dropped",
		logging.String("task", task.Name),
		logging.String(logging.FieldNode, task.Node),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "inspect the error; the queue continues with the next task"),
	)
	if q.onError != nil {
		q.onError(task, err)
	}
}
