package lane_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/lane"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recorder struct {
	mu       sync.Mutex
	order    []string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (r *recorder) task(name string, result func(attempt int) lane.Result) lane.Task {
	attempts := 0
	return lane.Task{Name: name, Run: func(ctx context.Context) (lane.Result, error) {
		cur := r.inFlight.Add(1)
		defer r.inFlight.Add(-1)
		for {
			prev := r.maxSeen.Load()
			if cur <= prev || r.maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		attempts++
		if result == nil {
			return lane.Advance(), nil
		}
		return result(attempts), nil
	}}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func startQueue(t *testing.T, opts ...lane.Option) *lane.Queue {
	t.Helper()
	q := lane.New("midjourney", opts...)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func TestQueueRunsFIFOWithoutSkipsOrDuplicates(t *testing.T) {
	rec := &recorder{}
	q := startQueue(t)

	want := make([]string, 0, 25)
	for i := range 25 {
		name := fmt.Sprintf("task-%02d", i)
		want = append(want, name)
		q.Enqueue(rec.task(name, nil))
	}
	waitFor(t, "queue to drain", q.Idle)

	got := rec.snapshot()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order mismatch:\n got %v\nwant %v", got, want)
	}
	if rec.maxSeen.Load() != 1 || q.Stats().MaxInFlight != 1 {
		t.Fatalf("expected single flight, saw %d concurrent", rec.maxSeen.Load())
	}
}

func TestQueueSingleFlightUnderConcurrentEnqueue(t *testing.T) {
	rec := &recorder{}
	q := startQueue(t)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				q.Enqueue(rec.task(fmt.Sprintf("g%d-%d", g, i), nil))
			}
		}()
	}
	wg.Wait()
	waitFor(t, "queue to drain", q.Idle)

	got := rec.snapshot()
	if len(got) != 80 {
		t.Fatalf("expected 80 executions, got %d", len(got))
	}
	seen := make(map[string]bool, len(got))
	for _, name := range got {
		if seen[name] {
			t.Fatalf("task %s ran twice", name)
		}
		seen[name] = true
	}
	if rec.maxSeen.Load() != 1 {
		t.Fatalf("expected single flight, saw %d concurrent", rec.maxSeen.Load())
	}
}

func TestQueueFullFreezesUntilEnqueue(t *testing.T) {
	rec := &recorder{}
	q := lane.New("midjourney")
	q.Enqueue(rec.task("submit-a", func(attempt int) lane.Result {
		if attempt == 1 {
			return lane.Full("executing jobs")
		}
		return lane.Advance()
	}))
	q.Enqueue(rec.task("submit-b", nil))
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	waitFor(t, "queue to pause", func() bool { return q.Stats().Paused })
	time.Sleep(30 * time.Millisecond)
	if got := rec.snapshot(); fmt.Sprint(got) != "[submit-a]" {
		t.Fatalf("expected no draining while full, got %v", got)
	}
	if st := q.Stats(); st.Pending != 2 || st.Running {
		t.Fatalf("expected both tasks held and no drainer, got %+v", st)
	}

	q.Enqueue(rec.task("ack", nil))
	waitFor(t, "queue to drain", q.Idle)
	if got := rec.snapshot(); fmt.Sprint(got) != "[submit-a submit-a submit-b ack]" {
		t.Fatalf("expected head retried before later tasks, got %v", got)
	}
}

func TestQueueRetryReusesHeadAfterDelay(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	sleeper := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}
	q := startQueue(t, lane.WithSleeper(sleeper))

	type payload struct{ prompt string }
	var seen []payload
	arg := payload{prompt: "a red fox"}
	attempts := 0
	q.Enqueue(lane.Task{Name: "imagine", Run: func(ctx context.Context) (lane.Result, error) {
		seen = append(seen, arg)
		attempts++
		if attempts < 3 {
			return lane.Retry(10*time.Second, "host throttled"), nil
		}
		return lane.Advance(), nil
	}})
	rec := &recorder{}
	q.Enqueue(rec.task("next", nil))
	waitFor(t, "queue to drain", q.Idle)

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	for _, p := range seen {
		if p != arg {
			t.Fatalf("retry changed arguments: %+v", p)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(delays) != "[10s 10s]" {
		t.Fatalf("unexpected retry delays: %v", delays)
	}
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("expected next task to run once after retries, got %v", got)
	}
	if st := q.Stats(); st.Retried != 2 || st.Executed != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestQueueDropsFailingAndPanickingTasks(t *testing.T) {
	var (
		mu      sync.Mutex
		dropped []string
	)
	handler := func(task lane.Task, err error) {
		mu.Lock()
		dropped = append(dropped, task.Name+": "+err.Error())
		mu.Unlock()
	}
	q := startQueue(t, lane.WithErrorHandler(handler))
	rec := &recorder{}

	q.Enqueue(lane.Task{Name: "broken", Run: func(context.Context) (lane.Result, error) {
		return lane.Result{}, errors.New("malformed payload")
	}})
	q.Enqueue(lane.Task{Name: "panics", Run: func(context.Context) (lane.Result, error) {
		panic("nil map")
	}})
	q.Enqueue(lane.Task{Name: "empty"})
	q.Enqueue(rec.task("healthy", nil))
	waitFor(t, "queue to drain", q.Idle)

	if got := rec.snapshot(); fmt.Sprint(got) != "[healthy]" {
		t.Fatalf("expected healthy task to run, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 3 {
		t.Fatalf("expected 3 dropped tasks, got %v", dropped)
	}
	if q.Stats().Dropped != 3 {
		t.Fatalf("unexpected dropped count: %+v", q.Stats())
	}
}

func TestQueueFullDuringEnqueueDoesNotPause(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	q := startQueue(t)
	rec := &recorder{}

	attempts := 0
	q.Enqueue(lane.Task{Name: "blocking", Run: func(context.Context) (lane.Result, error) {
		attempts++
		if attempts == 1 {
			close(entered)
			<-release
			return lane.Full("executing jobs"), nil
		}
		return lane.Advance(), nil
	}})
	<-entered
	q.Enqueue(rec.task("follow-up", nil))
	close(release)

	waitFor(t, "queue to drain", q.Idle)
	if attempts != 2 {
		t.Fatalf("expected head to be retried immediately, got %d attempts", attempts)
	}
	if got := rec.snapshot(); fmt.Sprint(got) != "[follow-up]" {
		t.Fatalf("expected follow-up to run, got %v", got)
	}
}

func TestQueueHoldsTasksUntilStart(t *testing.T) {
	rec := &recorder{}
	q := lane.New("faceswap")
	q.Enqueue(rec.task("early", nil))
	time.Sleep(10 * time.Millisecond)
	if len(rec.snapshot()) != 0 {
		t.Fatal("expected no execution before Start")
	}
	q.Start(context.Background())
	defer q.Stop()
	waitFor(t, "queue to drain", q.Idle)
	if got := rec.snapshot(); fmt.Sprint(got) != "[early]" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestStopInterruptsRetryWait(t *testing.T) {
	q := lane.New("pika")
	q.Start(context.Background())
	started := make(chan struct{}, 1)
	q.Enqueue(lane.Task{Name: "slow", Run: func(context.Context) (lane.Result, error) {
		started <- struct{}{}
		return lane.Retry(time.Hour, "throttled"), nil
	}})
	<-started

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the retry wait")
	}
	if st := q.Stats(); st.Pending != 1 {
		t.Fatalf("expected retried task to stay queued, got %+v", st)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[lane.Outcome]string{
		lane.OutcomeAdvance: "advance",
		lane.OutcomeRetry:   "retry",
		lane.OutcomeFull:    "full",
		lane.Outcome(9):     "unknown",
	} {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}

func TestSleepContext(t *testing.T) {
	if err := lane.SleepContext(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
	if err := lane.SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("short sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := lane.SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
