package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/config"
	"loom/internal/jobtree"
	"loom/internal/journal"
	"loom/internal/lane"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/pipeline"
	"loom/internal/preflight"
	"loom/internal/services"
	"loom/internal/services/useapi"
	"loom/internal/snapshot"
	"loom/internal/submission"
	"loom/internal/webhook"
)

// errRunComplete stops the errgroup once the completion predicate holds.
var errRunComplete = errors.New("run complete")

// Runner executes pipeline runs for one configuration.
type Runner struct {
	cfg        *config.Config
	out        io.Writer
	httpClient *http.Client
	sleeper    lane.Sleeper
	skipChecks bool
	runID      string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogOutput sends console log output to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(r *Runner) {
		if w != nil {
			r.out = w
		}
	}
}

// WithHTTPClient routes submissions and downloads through client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Runner) { r.httpClient = client }
}

// WithSleeper replaces backoff waits in lanes and the submitter.
func WithSleeper(s lane.Sleeper) Option {
	return func(r *Runner) { r.sleeper = s }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// WithoutPreflight skips readiness checks.
func WithoutPreflight() Option {
	return func(r *Runner) { r.skipChecks = true }
}

// NewRunner builds a runner for cfg.
func NewRunner(cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{cfg: cfg, out: os.Stdout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run holds the collaborators of one Run call.
type run struct {
	id      string
	cfg     *config.Config
	logger  *slog.Logger
	tree    *jobtree.Tree
	file    *snapshot.File
	journal journal.Recorder
	lanes   map[string]*lane.Queue
	server  *webhook.Server
	machine *pipeline.Machine
	subs    *submission.Submitter
	client  *useapi.Client

	errOnce sync.Once
	errCh   chan error
}

// Run seeds the tree with prompts and blocks until every node has completed,
// ctx is cancelled, or a fatal error stops the run. The summary describes the
// tree at exit in every case.
func (r *Runner) Run(ctx context.Context, prompts []string) (Summary, error) {
	if r.cfg == nil {
		return Summary{}, services.Wrap(services.ErrConfiguration, "workflow", "run", "config is required", nil)
	}
	if len(prompts) == 0 {
		return Summary{}, services.Wrap(services.ErrValidation, "workflow", "run", "no prompts to run", nil)
	}
	if !r.skipChecks {
		if failed := preflight.Failed(preflight.RunAll(ctx, r.cfg)); failed != "" {
			return Summary{}, services.Wrap(services.ErrConfiguration, "workflow", "preflight", failed, nil)
		}
	}
	if err := r.cfg.EnsureDirectories(); err != nil {
		return Summary{}, err
	}

	lock, err := acquireLock(r.cfg.LockPath())
	if err != nil {
		return Summary{}, err
	}
	defer lock.release()

	runID := r.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	runLog, err := logging.NewRunLogger(r.cfg, runID, r.out)
	if err != nil {
		return Summary{}, fmt.Errorf("open run log: %w", err)
	}
	defer runLog.Close()
	logger := runLog.Logger.With(logging.String(logging.FieldRunID, runID))
	ctx = services.WithRunID(ctx, runID)
	logging.PruneRunLogs(logger, r.cfg.Paths.LogDir, r.cfg.Logging.RetentionDays, runLog.Path)

	rec, closeJournal := r.openJournal(ctx, logger, runID)
	defer closeJournal()

	rn := r.assemble(runID, logger, rec)
	if err := rn.seed(prompts); err != nil {
		return rn.summary(time.Time{}), err
	}
	notifier := notifications.NewService(r.cfg)
	notifyCtx := context.WithoutCancel(ctx)
	warnNotify(logger, notifier.NotifyRunStarted(notifyCtx, runID, len(prompts)))

	started := time.Now()
	err = rn.execute(ctx, prompts)
	summary := rn.summary(started)
	r.logSummary(logger, summary, err)
	warnNotify(logger, notifier.NotifyRunFinished(notifyCtx, summary.report(err)))
	return summary, err
}

func warnNotify(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	logging.WarnWithContext(logger, "ntfy notification failed", "notification_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
	)
}

func (r *Runner) openJournal(ctx context.Context, logger *slog.Logger, runID string) (journal.Recorder, func()) {
	if !r.cfg.Journal.Enabled {
		return journal.Nop{}, func() {}
	}
	store, err := journal.Open(ctx, r.cfg.Paths.JournalPath, runID)
	if err != nil {
		logging.WarnWithContext(logger, "journal unavailable", "journal_open_failed",
			logging.String("path", r.cfg.Paths.JournalPath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check journal_path permissions or set journal.enabled=false"),
			logging.String(logging.FieldImpact, "the run proceeds without an audit trail"),
		)
		return journal.Nop{}, func() {}
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("journal close failed", logging.Error(err))
		}
	}
}

func (r *Runner) assemble(runID string, logger *slog.Logger, rec journal.Recorder) *run {
	cfg := r.cfg
	rn := &run{
		id:      runID,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "workflow"),
		file:    snapshot.NewFile(cfg.Paths.SnapshotPath),
		journal: rec,
		lanes:   make(map[string]*lane.Queue, 3),
		errCh:   make(chan error, 1),
	}
	rn.tree = jobtree.New(runID, jobtree.WithPersister(rn.file))

	clientOpts := []useapi.Option{
		useapi.WithRetryMaxAttempts(cfg.Backoff.NetworkAttempts),
		useapi.WithRetryDelay(config.Seconds(cfg.Backoff.NetworkRetrySeconds)),
	}
	if r.httpClient != nil {
		clientOpts = append(clientOpts, useapi.WithHTTPClient(r.httpClient))
	}
	if r.sleeper != nil {
		clientOpts = append(clientOpts, useapi.WithSleeper(r.sleeper))
	}
	rn.client = useapi.NewClient(useapi.Config{
		Token:          cfg.UseAPI.Token,
		MidjourneyURL:  cfg.UseAPI.MidjourneyURL,
		FaceSwapURL:    cfg.UseAPI.FaceSwapURL,
		PikaURL:        cfg.UseAPI.PikaURL,
		ReplyURL:       cfg.ReplyURL(),
		Discord:        cfg.UseAPI.Discord,
		Server:         cfg.UseAPI.Server,
		Channel:        cfg.UseAPI.Channel,
		MaxJobs:        cfg.UseAPI.MaxJobs,
		TimeoutSeconds: cfg.UseAPI.RequestTimeoutSeconds,
	}, clientOpts...)

	subOpts := []submission.Option{
		submission.WithLogger(logger),
		submission.WithJournal(rec),
		submission.WithBackoff(config.Seconds(cfg.Backoff.RateLimitSeconds), config.Seconds(cfg.Backoff.OverflowSeconds)),
		submission.WithPolicy(useapi.ChannelFaceSwap, submission.Policy{FullOnAny429: true, SkipOverflowWait: true}),
	}
	if r.sleeper != nil {
		subOpts = append(subOpts, submission.WithSleeper(r.sleeper))
	}
	rn.subs = submission.New(rn.client, rn.tree, subOpts...)

	enqueuers := make(map[string]pipeline.Enqueuer, 3)
	for _, channel := range []string{useapi.ChannelMidjourney, useapi.ChannelFaceSwap, useapi.ChannelPika} {
		opts := []lane.Option{
			lane.WithLogger(logger),
			lane.WithErrorHandler(rn.taskDropped),
		}
		if r.sleeper != nil {
			opts = append(opts, lane.WithSleeper(r.sleeper))
		}
		q := lane.New(channel, opts...)
		rn.lanes[channel] = q
		enqueuers[channel] = q
	}

	rn.machine = pipeline.New(pipeline.Deps{
		Tree:       rn.tree,
		Lanes:      enqueuers,
		Requests:   rn.client,
		Tasks:      rn.subs,
		Downloader: rn.client,
		Journal:    rec,
		Logger:     logger,
	}, pipeline.SettingsFromConfig(cfg))

	rn.server = webhook.New(cfg.Webhook.Bind, cfg.Webhook.Path,
		webhook.WithLogger(logger),
		webhook.WithStatus(rn.status),
	)
	return rn
}
