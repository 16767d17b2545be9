package workflow

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"loom/internal/jobtree"
	"loom/internal/journal"
	"loom/internal/lane"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/services/useapi"
	"loom/internal/submission"
	"loom/internal/webhook"
)

// RootKey names the generate node for the i-th prompt.
func RootKey(i int) string {
	return fmt.Sprintf("imagine-%d", i)
}

// seed adds one generate node per prompt with every variant slot declared.
func (rn *run) seed(prompts []string) error {
	variants := rn.cfg.Pipeline.Variants
	return rn.tree.Mutate(func(tx *jobtree.Tx) error {
		for i, prompt := range prompts {
			if _, err := tx.AddRoot(RootKey(i), jobtree.GenerateParams{Prompt: prompt}, variants); err != nil {
				return err
			}
		}
		return nil
	})
}

func (rn *run) execute(ctx context.Context, prompts []string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := rn.server.Start(runCtx); err != nil {
		return err
	}
	for _, q := range rn.lanes {
		q.Start(runCtx)
	}
	defer rn.shutdown()

	rn.record(runCtx, journal.Event{Kind: journal.KindRun, Status: "started", Detail: fmt.Sprintf("%d prompts", len(prompts))})
	rn.logger.Info("run started",
		logging.String(logging.FieldEventType, "run_started"),
		logging.Int("prompts", len(prompts)),
		logging.String("reply_url", rn.cfg.ReplyURL()),
		logging.String("snapshot", rn.file.Path()),
	)

	primary := rn.lanes[useapi.ChannelMidjourney]
	for i, prompt := range prompts {
		key := RootKey(i)
		req := rn.client.Imagine(prompt, rn.cfg.Pipeline.PromptSuffix, key)
		primary.Enqueue(rn.subs.Task(submission.Target{Node: key}, req))
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return rn.eventLoop(gctx, rn.server.Notifications()) })
	g.Go(func() error { return rn.watch(gctx) })
	err := g.Wait()
	if errors.Is(err, errRunComplete) {
		err = nil
	}

	// Stamp the final snapshot with the finish time.
	if flushErr := rn.tree.Flush(); flushErr != nil {
		logging.WarnWithContext(rn.logger, "final snapshot write failed", "snapshot_flush_failed",
			logging.Error(flushErr),
			logging.String(logging.FieldErrorHint, "check free space under paths.work_dir"),
			logging.String(logging.FieldImpact, "the snapshot reflects the last mutation only"),
		)
	}

	status := "completed"
	if err != nil {
		status = "aborted"
	}
	rn.record(context.WithoutCancel(ctx), journal.Event{Kind: journal.KindRun, Status: status, Detail: errString(err)})
	return err
}

// eventLoop applies notifications one at a time.
func (rn *run) eventLoop(ctx context.Context, notes <-chan webhook.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case note, ok := <-notes:
			if !ok {
				return nil
			}
			nctx := services.WithCorrelationID(ctx, note.CorrelationID)
			if err := rn.machine.Handle(nctx, note.Job); err != nil {
				if services.Fatal(err) {
					return err
				}
				logging.WarnWithContext(logging.WithContext(nctx, rn.logger), "notification handling failed", "notification_failed",
					logging.String(logging.FieldJobID, note.Job.JobID),
					logging.Error(err),
					logging.String(logging.FieldImpact, "the notification is discarded"),
				)
			}
		}
	}
}

// watch evaluates the completion predicate after every tree change.
func (rn *run) watch(ctx context.Context) error {
	for {
		if rn.tree.Done() {
			return errRunComplete
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-rn.errCh:
			return err
		case <-rn.tree.Changed():
		}
	}
}

// taskDropped runs when a lane drops a task after an error or panic. Fatal
// errors abort the run. Anything else finishes the task's node so the run can
// still complete.
func (rn *run) taskDropped(task lane.Task, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if services.Fatal(err) {
		rn.errOnce.Do(func() { rn.errCh <- err })
		return
	}
	if task.Node == "" {
		return
	}
	mutateErr := rn.tree.Mutate(func(tx *jobtree.Tx) error {
		n, ok := tx.Node(task.Node)
		if !ok || n.Completed {
			return nil
		}
		if !n.Status.Terminal() {
			n.Status = jobtree.StatusFailed
			n.Error = err.Error()
		}
		n.SkipPending(tx.Now())
		tx.Complete(n)
		return nil
	})
	if mutateErr != nil {
		rn.errOnce.Do(func() { rn.errCh <- mutateErr })
	}
}

func (rn *run) shutdown() {
	rn.server.Stop()
	for name, q := range rn.lanes {
		if !q.Idle() {
			stats := q.Stats()
			rn.logger.Info("lane stopped with work outstanding",
				logging.String(logging.FieldEventType, "lane_abandoned"),
				logging.String(logging.FieldChannel, name),
				logging.Int("pending", stats.Pending),
				logging.Bool("running", stats.Running),
			)
		}
		q.Stop()
	}
}

func (rn *run) record(ctx context.Context, ev journal.Event) {
	if err := rn.journal.Record(ctx, ev); err != nil {
		rn.logger.Warn("journal write failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "journal_write_failed"),
			logging.String(logging.FieldErrorHint, "check disk space for the journal database"),
			logging.String(logging.FieldImpact, "the event is missing from the audit trail"),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
