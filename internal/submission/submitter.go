package submission

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"loom/internal/jobtree"
	"loom/internal/journal"
	"loom/internal/lane"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/services/useapi"
)

// Poster performs the HTTP call for a request.
type Poster interface {
	Submit(ctx context.Context, req useapi.Request) (*useapi.Response, error)
}

// Policy adjusts throttling behaviour for one channel.
type Policy struct {
	// FullOnAny429 treats every 429 as capacity exhaustion. The face swap
	// service never reports host throttling.
	FullOnAny429 bool
	// SkipOverflowWait records a 504 without the overflow pause.
	SkipOverflowWait bool
}

// Target identifies what a submission writes to: the node itself for the
// generate and select stages, or one of its stage slots for auxiliary stages.
type Target struct {
	Node  string
	Stage jobtree.Stage
}

func (t Target) ownStage(n *jobtree.Node) bool {
	return t.Stage == "" || t.Stage == n.Stage
}

// Submitter executes submissions for every lane.
type Submitter struct {
	poster    Poster
	tree      *jobtree.Tree
	logger    *slog.Logger
	journal   journal.Recorder
	sleep     lane.Sleeper
	rateLimit time.Duration
	overflow  time.Duration
	policies  map[string]Policy
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithLogger sets the submitter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJournal records every reply in rec.
func WithJournal(rec journal.Recorder) Option {
	return func(s *Submitter) {
		if rec != nil {
			s.journal = rec
		}
	}
}

// WithSleeper replaces the overflow pause, primarily for tests.
func WithSleeper(sleep lane.Sleeper) Option {
	return func(s *Submitter) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithBackoff sets the 429 retry delay and the 504 overflow pause.
func WithBackoff(rateLimit, overflow time.Duration) Option {
	return func(s *Submitter) {
		s.rateLimit = rateLimit
		s.overflow = overflow
	}
}

// WithPolicy sets the throttling policy for channel.
func WithPolicy(channel string, p Policy) Option {
	return func(s *Submitter) {
		s.policies[channel] = p
	}
}

const (
	defaultRateLimit = 10 * time.Second
	defaultOverflow  = 3 * time.Minute
)

// New returns a submitter writing outcomes into tree.
func New(poster Poster, tree *jobtree.Tree, opts ...Option) *Submitter {
	s := &Submitter{
		poster:    poster,
		tree:      tree,
		logger:    logging.NewNop(),
		journal:   journal.Nop{},
		sleep:     lane.SleepContext,
		rateLimit: defaultRateLimit,
		overflow:  defaultOverflow,
		policies:  make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "submission")
	return s
}

// Task wraps a submission as a lane task. The request is built once, so a
// retried task repeats the exact same call.
func (s *Submitter) Task(target Target, req useapi.Request) lane.Task {
	return lane.Task{
		Name: path.Base(req.Endpoint),
		Node: target.Node,
		Run: func(ctx context.Context) (lane.Result, error) {
			return s.Submit(ctx, target, req)
		},
	}
}

// Submit performs req and classifies the reply.
func (s *Submitter) Submit(ctx context.Context, target Target, req useapi.Request) (lane.Result, error) {
	ctx = services.WithNodeKey(ctx, target.Node)
	if target.Stage != "" {
		ctx = services.WithStage(ctx, string(target.Stage))
	}
	logger := logging.WithContext(ctx, s.logger)
	policy := s.policies[req.Channel]

	resp, err := s.poster.Submit(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return lane.Result{}, ctxErr
		}
		s.record(ctx, journal.Event{Kind: journal.KindSubmit, Channel: req.Channel, Node: target.Node, Status: "error", Detail: err.Error()})
		if services.Fatal(err) {
			logging.ErrorWithContext(logger, "submission transport failed", "submission_transport_failed",
				logging.String("request", req.Describe()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check network connectivity to useapi.net"),
			)
			return lane.Result{}, err
		}
		// The request could not be built (for example a missing local asset).
		// That is terminal for the node, not for the run.
		logging.WarnWithContext(logger, "submission rejected locally", "submission_invalid",
			logging.String("request", req.Describe()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "node is marked failed and its later stages are skipped"),
		)
		if err := s.apply(target, reply{status: jobtree.StatusFailed, err: err.Error()}); err != nil {
			return lane.Result{}, err
		}
		return lane.Advance(), nil
	}

	job := resp.Job
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		executing := policy.FullOnAny429 || job.Executing()
		s.record(ctx, journal.Event{
			Kind:    journal.KindThrottle,
			Channel: req.Channel,
			Node:    target.Node,
			Code:    resp.StatusCode,
			Detail:  throttleDetail(executing, string(job.Error)),
		})
		if executing {
			logger.Info("channel at capacity, pausing lane",
				logging.String(logging.FieldEventType, "lane_full"),
				logging.String("request", req.Describe()),
			)
			return lane.Full("jobs executing"), nil
		}
		logger.Info("rate limited, retrying",
			logging.String(logging.FieldEventType, "rate_limited"),
			logging.Duration("delay", s.rateLimit),
		)
		return lane.Retry(s.rateLimit, "rate limited"), nil

	case http.StatusGatewayTimeout:
		s.record(ctx, journal.Event{Kind: journal.KindOverflow, Channel: req.Channel, Node: target.Node, Code: resp.StatusCode, Detail: string(job.Error)})
		if !policy.SkipOverflowWait {
			logging.WarnWithContext(logger, "query overflow detected, pausing for running jobs to complete", "capacity_overflow",
				logging.Duration("pause", s.overflow),
				logging.String(logging.FieldErrorHint, "check useapi.max_jobs against the account's concurrent job limit"),
				logging.String(logging.FieldImpact, "lane stalls for the overflow window and the submission is not repeated"),
			)
			if err := s.sleep(ctx, s.overflow); err != nil {
				return lane.Result{}, err
			}
		}
	}

	r := reply{
		jobID:        strings.TrimSpace(job.JobID),
		status:       replyStatus(job.Status),
		content:      job.Content,
		err:          strings.TrimSpace(string(job.Error)),
		errorDetails: strings.TrimSpace(string(job.ErrorDetails)),
		code:         resp.StatusCode,
	}
	if r.err == "" && resp.StatusCode >= http.StatusBadRequest {
		r.err = http.StatusText(resp.StatusCode)
		if resp.DecodeErr != nil {
			r.errorDetails = resp.DecodeErr.Error()
		}
	}
	s.record(ctx, journal.Event{
		Kind:    journal.KindSubmit,
		Channel: req.Channel,
		JobID:   r.jobID,
		Node:    target.Node,
		Status:  string(r.status),
		Code:    resp.StatusCode,
		Detail:  r.err,
	})
	logger.Info("submission recorded",
		logging.String(logging.FieldEventType, "submission_recorded"),
		logging.String(logging.FieldJobID, r.jobID),
		logging.Int("http_status", resp.StatusCode),
		logging.String("status", string(r.status)),
	)
	if err := s.apply(target, r); err != nil {
		return lane.Result{}, err
	}
	return lane.Advance(), nil
}

type reply struct {
	jobID        string
	status       jobtree.Status
	content      string
	err          string
	errorDetails string
	code         int
}

// rejected reports whether the reply ends the node's participation: an error,
// an HTTP failure, a terminal remote status, or a 2xx without any job id to
// wait for.
func (r reply) rejected() bool {
	return r.err != "" || r.code >= http.StatusBadRequest || r.jobID == "" || r.status.Terminal()
}

// apply records r on the target node and persists the tree.
func (s *Submitter) apply(target Target, r reply) error {
	err := s.tree.Mutate(func(tx *jobtree.Tx) error {
		n, ok := tx.Node(target.Node)
		if !ok {
			s.logger.Warn("submission target missing from tree",
				logging.String(logging.FieldNode, target.Node),
				logging.String(logging.FieldEventType, "submission_target_missing"),
				logging.String(logging.FieldErrorHint, "the tree was modified outside the run"),
				logging.String(logging.FieldImpact, "reply is journaled but not recorded"),
			)
			return nil
		}
		if target.ownStage(n) {
			applyNode(tx, n, r)
		} else {
			applyStage(tx, n, target.Stage, r)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record reply for %s: %w", target.Node, err)
	}
	return nil
}

func applyNode(tx *jobtree.Tx, n *jobtree.Node, r reply) {
	// A notification that outran the reply already recorded the outcome; the
	// reply may only supply the job id.
	if n.Status.Terminal() {
		_ = tx.AssignJobID(n, r.jobID)
		tx.Touch(n)
		return
	}
	if err := tx.AssignJobID(n, r.jobID); err != nil {
		r.err = err.Error()
	}
	n.Status = r.status
	if r.content != "" && n.Content == "" {
		n.Content = r.content
	}
	n.Error = r.err
	n.ErrorDetails = r.errorDetails
	n.Code = r.code
	if r.rejected() {
		if !n.Status.Terminal() {
			n.Status = jobtree.StatusFailed
		}
		n.SkipPending(tx.Now())
		tx.Complete(n)
		return
	}
	tx.Touch(n)
}

func applyStage(tx *jobtree.Tx, n *jobtree.Node, stage jobtree.Stage, r reply) {
	res := n.Result(stage)
	if r.jobID != "" && res.JobID == "" {
		res.JobID = r.jobID
	}
	if res.Status.Terminal() {
		tx.Touch(n)
		return
	}
	res.Status = r.status
	res.Error = r.err
	res.ErrorDetails = r.errorDetails
	res.Code = r.code
	res.UpdatedAt = tx.Now()
	if r.rejected() {
		if !res.Status.Terminal() {
			res.Status = jobtree.StatusFailed
		}
		n.SkipPending(tx.Now())
		tx.Complete(n)
		return
	}
	tx.Touch(n)
}

// replyStatus maps the status in a synchronous reply. Completion is only
// ever learned from a notification, so the reply can at most mark the job
// submitted or report an immediate terminal failure.
func replyStatus(remote string) jobtree.Status {
	switch s := jobtree.ParseRemoteStatus(remote); s {
	case jobtree.StatusUnsubmitted, jobtree.StatusCompleted:
		return jobtree.StatusSubmitted
	default:
		return s
	}
}

func (s *Submitter) record(ctx context.Context, ev journal.Event) {
	if err := s.journal.Record(ctx, ev); err != nil {
		logging.WarnWithContext(s.logger, "journal write failed", "journal_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "audit trail is incomplete for this run"),
		)
	}
}

func throttleDetail(executing bool, msg string) string {
	kind := "host throttling"
	if executing {
		kind = "jobs executing"
	}
	if msg == "" {
		return kind
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}
