package workflow

import (
	"log/slog"
	"time"

	"loom/internal/jobtree"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/webhook"
)

// Summary describes the tree when a run exits.
type Summary struct {
	RunID     string
	Snapshot  string
	Nodes     int
	Completed int
	ByStatus  map[jobtree.Status]int
	Pending   []string
	Received  int64
	Duration  time.Duration
}

// Done reports whether every node completed.
func (s Summary) Done() bool {
	return s.Nodes > 0 && s.Completed == s.Nodes
}

func (s Summary) report(err error) notifications.RunReport {
	return notifications.RunReport{
		RunID:     s.RunID,
		Nodes:     s.Nodes,
		Completed: s.Completed,
		Failed:    s.ByStatus[jobtree.StatusFailed] + s.ByStatus[jobtree.StatusModerated] + s.ByStatus[jobtree.StatusCancelled],
		Duration:  s.Duration,
		Err:       err,
	}
}

func (rn *run) summary(started time.Time) Summary {
	stats := rn.tree.Stats()
	s := Summary{
		RunID:     rn.id,
		Snapshot:  rn.file.Path(),
		Nodes:     stats.Nodes,
		Completed: stats.Completed,
		ByStatus:  stats.ByStatus,
		Pending:   stats.Pending,
		Received:  rn.server.Received(),
	}
	if !started.IsZero() {
		s.Duration = time.Since(started)
	}
	return s
}

// status feeds the webhook's /api/status endpoint.
func (rn *run) status() webhook.Status {
	stats := rn.tree.Stats()
	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, n := range stats.ByStatus {
		byStatus[string(status)] = n
	}
	lanes := make(map[string]webhook.LaneStatus, len(rn.lanes))
	for name, q := range rn.lanes {
		st := q.Stats()
		lanes[name] = webhook.LaneStatus{
			Pending:  st.Pending,
			Running:  st.Running,
			Paused:   st.Paused,
			Executed: st.Executed,
			Retried:  st.Retried,
			Full:     st.Full,
			Dropped:  st.Dropped,
		}
	}
	return webhook.Status{
		RunID:     rn.id,
		Nodes:     stats.Nodes,
		Completed: stats.Completed,
		ByStatus:  byStatus,
		Pending:   stats.Pending,
		Lanes:     lanes,
	}
}

func (r *Runner) logSummary(logger *slog.Logger, s Summary, err error) {
	attrs := []logging.Attr{
		logging.Int("nodes", s.Nodes),
		logging.Int("completed", s.Completed),
		logging.Int("failed", s.ByStatus[jobtree.StatusFailed]),
		logging.Int("moderated", s.ByStatus[jobtree.StatusModerated]),
		logging.Int64("notifications", s.Received),
		logging.Duration("duration", s.Duration),
	}
	if err != nil {
		logging.ErrorWithContext(logger, "run aborted", "run_aborted",
			append(attrs,
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "inspect the snapshot and journal for the last applied change"),
			)...,
		)
		return
	}
	logger.Info("run complete", logging.Args(append(attrs, logging.String(logging.FieldEventType, "run_completed"))...)...)
}
