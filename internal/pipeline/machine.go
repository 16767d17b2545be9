package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"loom/internal/jobtree"
	"loom/internal/journal"
	"loom/internal/lane"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/services/useapi"
	"loom/internal/submission"
)

// Enqueuer accepts lane tasks. *lane.Queue satisfies it.
type Enqueuer interface {
	Enqueue(task lane.Task)
}

// Requests builds follow-up submissions. *useapi.Client satisfies it.
type Requests interface {
	Button(parentJobID, label, replyRef string) useapi.Request
	FaceSwap(sourceFace, target, replyRef string) useapi.Request
	Animate(image, prompt, replyRef string) useapi.Request
}

// Tasks wraps a request as a lane task. *submission.Submitter satisfies it.
type Tasks interface {
	Task(target submission.Target, req useapi.Request) lane.Task
}

// Downloader fetches an attachment to a local path.
type Downloader interface {
	Download(ctx context.Context, rawURL, dest string) (int64, error)
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Tree       *jobtree.Tree
	Lanes      map[string]Enqueuer
	Requests   Requests
	Tasks      Tasks
	Downloader Downloader
	Journal    journal.Recorder
	Logger     *slog.Logger
}

// Machine is the notification state machine. Handle must be called from a
// single goroutine.
type Machine struct {
	tree       *jobtree.Tree
	lanes      map[string]Enqueuer
	requests   Requests
	tasks      Tasks
	downloader Downloader
	journal    journal.Recorder
	logger     *slog.Logger
	settings   Settings
}

// New returns a machine for the given pipeline shape.
func New(deps Deps, settings Settings) *Machine {
	m := &Machine{
		tree:       deps.Tree,
		lanes:      deps.Lanes,
		requests:   deps.Requests,
		tasks:      deps.Tasks,
		downloader: deps.Downloader,
		journal:    deps.Journal,
		logger:     logging.NewComponentLogger(deps.Logger, "pipeline"),
		settings:   settings,
	}
	if m.journal == nil {
		m.journal = journal.Nop{}
	}
	if m.lanes == nil {
		m.lanes = make(map[string]Enqueuer)
	}
	return m
}

type outcome int

const (
	unmatched outcome = iota
	duplicate
	handled
)

type followUp struct {
	channel string
	task    lane.Task
}

// plan is what the first transaction decided. When fetch is set the asset is
// downloaded outside the tree lock and finish runs in a second transaction
// with the local path, or "" if nothing was retrieved.
type plan struct {
	outcome outcome
	key     string
	reason  string
	fetch   *fetch
	finish  func(tx *jobtree.Tx, n *jobtree.Node, asset string) []followUp
	out     []followUp
}

type fetch struct {
	url  string
	dest string
}

// Handle applies one notification. Returned errors carry the failing
// transaction's marker: ErrSnapshot when the tree could not be persisted,
// ErrValidation when the notification conflicts with the tree. Every other
// condition is absorbed into node state or logged and discarded.
func (m *Machine) Handle(ctx context.Context, job useapi.Job) error {
	logger := logging.WithContext(ctx, m.logger).With(
		logging.String(logging.FieldJobID, job.JobID),
		logging.String("verb", job.Verb),
		logging.String("status", job.Status),
	)
	channel, ok := useapi.ChannelForVerb(job.Verb)
	if !ok {
		m.discard(ctx, logger, job, "", "unknown verb")
		return nil
	}
	ctx = services.WithChannel(ctx, channel)
	logger = logger.With(logging.String(logging.FieldChannel, channel))

	status := jobtree.ParseRemoteStatus(job.Status)
	if !status.Terminal() {
		logger.Debug("job in progress", logging.String(logging.FieldEventType, "notification_progress"))
		return nil
	}

	var p plan
	err := m.tree.Mutate(func(tx *jobtree.Tx) error {
		var err error
		switch channel {
		case useapi.ChannelMidjourney:
			p, err = m.primary(tx, job, status)
		case useapi.ChannelFaceSwap:
			p = m.transform(tx, job, status)
		case useapi.ChannelPika:
			p = m.animate(tx, job, status)
		}
		return err
	})
	if err != nil {
		return applyErr(p.key, err)
	}

	switch p.outcome {
	case unmatched:
		m.discard(ctx, logger, job, "", "no matching node")
		return nil
	case duplicate:
		m.discard(ctx, logger, job, p.key, p.reason)
		m.dispatch(ctx, channel, p.key, nil)
		return nil
	}

	ctx = services.WithNodeKey(ctx, p.key)
	logger = logger.With(logging.String(logging.FieldNode, p.key))
	m.record(ctx, journal.Event{
		Kind:    journal.KindNotify,
		Channel: channel,
		JobID:   job.JobID,
		Node:    p.key,
		Status:  string(status),
		Code:    job.Code,
		Detail:  truncate(job.Content, 120),
	})
	logger.Info("notification applied", logging.String(logging.FieldEventType, "notification_applied"))

	if p.finish != nil {
		asset := ""
		if p.fetch != nil {
			asset = m.download(ctx, logger, channel, p.key, p.fetch)
		}
		err := m.tree.Mutate(func(tx *jobtree.Tx) error {
			n, ok := tx.Node(p.key)
			if !ok {
				return fmt.Errorf("%w: node %q vanished", services.ErrValidation, p.key)
			}
			p.out = append(p.out, p.finish(tx, n, asset)...)
			return nil
		})
		if err != nil {
			return applyErr(p.key, err)
		}
	}

	m.dispatch(ctx, channel, p.key, p.out)
	return nil
}

// primary handles imagine, button, describe and blend notifications.
func (m *Machine) primary(tx *jobtree.Tx, job useapi.Job, status jobtree.Status) (plan, error) {
	n := matchPrimary(tx, job)
	if n == nil {
		return plan{outcome: unmatched}, nil
	}
	if n.Status.Terminal() {
		return plan{outcome: duplicate, key: n.Key, reason: "node already " + string(n.Status)}, nil
	}

	n.Status = status
	if job.Content != "" {
		n.Content = job.Content
	}
	applyErrors(n, job)
	p := plan{outcome: handled, key: n.Key}

	if status != jobtree.StatusCompleted {
		n.SkipPending(tx.Now())
		tx.Complete(n)
		return p, nil
	}

	url := job.FirstAttachmentURL()
	switch n.Stage {
	case jobtree.StageGenerate:
		out, err := m.fanOut(tx, n)
		if err != nil {
			return p, err
		}
		p.out = out
		if m.settings.AdvanceFromRoot && url != "" && len(m.settings.Phases()) > 0 {
			for _, phase := range m.settings.Phases() {
				n.Result(phase)
			}
			tx.Touch(n)
			p.fetch = &fetch{url: url, dest: m.assetPath(n.ShortID(), "grid", url)}
			p.finish = m.chainFinish
			return p, nil
		}
		tx.Complete(n)
	case jobtree.StageSelect:
		if url == "" {
			n.SkipPending(tx.Now())
			tx.Complete(n)
			return p, nil
		}
		tx.Touch(n)
		p.fetch = &fetch{url: url, dest: m.assetPath(n.ShortID(), n.Label(), url)}
		if m.settings.Advances(n.Label()) {
			p.finish = m.chainFinish
		} else {
			p.finish = keepFinish
		}
	default:
		tx.Complete(n)
	}
	return p, nil
}

// matchPrimary finds the node by its own job id. A notification can outrun
// the submission reply, so a replyRef naming a node that has no id yet
// matches too and assigns the id.
func matchPrimary(tx *jobtree.Tx, job useapi.Job) *jobtree.Node {
	if id := strings.TrimSpace(job.JobID); id != "" {
		if n, ok := tx.ByJobID(id); ok {
			return n
		}
	}
	ref := strings.TrimSpace(job.ReplyRef)
	if ref == "" {
		return nil
	}
	n, ok := tx.Node(ref)
	if !ok || n.JobID != "" {
		return nil
	}
	if err := tx.AssignJobID(n, strings.TrimSpace(job.JobID)); err != nil {
		return nil
	}
	return n
}

// fanOut creates one select child per declared slot and returns their button
// submissions.
func (m *Machine) fanOut(tx *jobtree.Tx, root *jobtree.Node) ([]followUp, error) {
	out := make([]followUp, 0, len(root.Slots))
	for _, label := range root.Slots {
		if _, exists := root.Children[label]; exists {
			continue
		}
		var phases []jobtree.Stage
		if m.settings.Advances(label) {
			phases = m.settings.Phases()
		}
		params := jobtree.SelectParams{ParentJobID: root.JobID, Button: useapi.ButtonName(label)}
		child, err := tx.AddChild(root, label, params, phases...)
		if err != nil {
			return nil, err
		}
		req := m.requests.Button(root.JobID, label, child.Key)
		out = append(out, followUp{
			channel: useapi.ChannelMidjourney,
			task:    m.tasks.Task(submission.Target{Node: child.Key}, req),
		})
	}
	return out, nil
}

// chainFinish starts the first auxiliary stage from the downloaded asset.
func (m *Machine) chainFinish(tx *jobtree.Tx, n *jobtree.Node, asset string) []followUp {
	if asset == "" {
		n.SkipPending(tx.Now())
		tx.Complete(n)
		return nil
	}
	n.Asset = asset
	tx.Touch(n)
	if m.settings.FaceSwapEnabled {
		return []followUp{m.faceSwapTask(tx, n, asset)}
	}
	return []followUp{m.animateTask(tx, n, asset)}
}

func keepFinish(tx *jobtree.Tx, n *jobtree.Node, asset string) []followUp {
	if asset != "" {
		n.Asset = asset
	}
	n.SkipPending(tx.Now())
	tx.Complete(n)
	return nil
}

func (m *Machine) faceSwapTask(tx *jobtree.Tx, n *jobtree.Node, asset string) followUp {
	res := n.Result(jobtree.StageTransform)
	res.Input = asset
	res.UpdatedAt = tx.Now()
	req := m.requests.FaceSwap(m.settings.SourceFace, asset, n.JobID)
	return followUp{
		channel: useapi.ChannelFaceSwap,
		task:    m.tasks.Task(submission.Target{Node: n.Key, Stage: jobtree.StageTransform}, req),
	}
}

func (m *Machine) animateTask(tx *jobtree.Tx, n *jobtree.Node, image string) followUp {
	res := n.Result(jobtree.StageAnimate)
	res.Input = image
	res.UpdatedAt = tx.Now()
	req := m.requests.Animate(image, m.settings.AnimatePrompt, n.JobID)
	return followUp{
		channel: useapi.ChannelPika,
		task:    m.tasks.Task(submission.Target{Node: n.Key, Stage: jobtree.StageAnimate}, req),
	}
}

// transform handles face swap notifications. Any terminal status moves on to
// animation; without a swapped image the pre-transform asset is animated.
func (m *Machine) transform(tx *jobtree.Tx, job useapi.Job, status jobtree.Status) plan {
	n, res, p := matchStage(tx, job, jobtree.StageTransform)
	if res == nil {
		return p
	}
	applyStageResult(tx, res, job, status)
	tx.Touch(n)

	if url := job.FirstAttachmentURL(); status == jobtree.StatusCompleted && url != "" {
		p.fetch = &fetch{url: url, dest: m.assetPath(n.ShortID(), "faceswap", url)}
	}
	p.finish = func(tx *jobtree.Tx, n *jobtree.Node, asset string) []followUp {
		res := n.Result(jobtree.StageTransform)
		input := n.Asset
		if asset != "" {
			res.Attachment = asset
			input = asset
		}
		if !m.settings.AnimateEnabled || input == "" {
			n.SkipPending(tx.Now())
			tx.Complete(n)
			return nil
		}
		return []followUp{m.animateTask(tx, n, input)}
	}
	return p
}

// animate handles Pika notifications, the last stage of a chain.
func (m *Machine) animate(tx *jobtree.Tx, job useapi.Job, status jobtree.Status) plan {
	n, res, p := matchStage(tx, job, jobtree.StageAnimate)
	if res == nil {
		return p
	}
	applyStageResult(tx, res, job, status)
	if url := job.FirstAttachmentURL(); url != "" {
		tx.Touch(n)
		p.fetch = &fetch{url: url, dest: m.assetPath(n.ShortID(), "animated", url)}
		p.finish = func(tx *jobtree.Tx, n *jobtree.Node, asset string) []followUp {
			if asset != "" {
				n.Result(jobtree.StageAnimate).Attachment = asset
			}
			tx.Complete(n)
			return nil
		}
		return p
	}
	tx.Complete(n)
	return p
}

// matchStage finds the node whose job id equals the replyRef and its stage
// slot. A nil result means the plan is final (unmatched or duplicate).
func matchStage(tx *jobtree.Tx, job useapi.Job, stage jobtree.Stage) (*jobtree.Node, *jobtree.StageResult, plan) {
	ref := strings.TrimSpace(job.ReplyRef)
	if ref == "" {
		return nil, nil, plan{outcome: unmatched}
	}
	n, ok := tx.ByJobID(ref)
	if !ok {
		return nil, nil, plan{outcome: unmatched}
	}
	res, ok := n.StageResults[stage]
	if !ok {
		return nil, nil, plan{outcome: duplicate, key: n.Key, reason: "no " + string(stage) + " stage declared"}
	}
	if res.Status.Terminal() {
		return nil, nil, plan{outcome: duplicate, key: n.Key, reason: string(stage) + " already " + string(res.Status)}
	}
	return n, res, plan{outcome: handled, key: n.Key}
}

func applyErrors(n *jobtree.Node, job useapi.Job) {
	if e := strings.TrimSpace(string(job.Error)); e != "" {
		n.Error = e
	}
	if d := strings.TrimSpace(string(job.ErrorDetails)); d != "" {
		n.ErrorDetails = d
	}
	if job.Code != 0 {
		n.Code = job.Code
	}
}

func applyStageResult(tx *jobtree.Tx, res *jobtree.StageResult, job useapi.Job, status jobtree.Status) {
	res.Status = status
	if res.JobID == "" {
		res.JobID = strings.TrimSpace(job.JobID)
	}
	if job.Content != "" {
		res.Content = job.Content
	}
	if e := strings.TrimSpace(string(job.Error)); e != "" {
		res.Error = e
	}
	if d := strings.TrimSpace(string(job.ErrorDetails)); d != "" {
		res.ErrorDetails = d
	}
	if job.Code != 0 {
		res.Code = job.Code
	}
	res.UpdatedAt = tx.Now()
}

func (m *Machine) assetPath(prefix, suffix, rawURL string) string {
	return filepath.Join(m.settings.AssetsDir, useapi.AssetFileName(prefix, suffix, rawURL))
}

func (m *Machine) download(ctx context.Context, logger *slog.Logger, channel, key string, f *fetch) string {
	if m.downloader == nil {
		return ""
	}
	n, err := m.downloader.Download(ctx, f.url, f.dest)
	if err != nil {
		logging.WarnWithContext(logger, "asset download failed", "asset_download_failed",
			logging.String("url", f.url),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the attachment URL is still reachable"),
			logging.String(logging.FieldImpact, "stages that need this asset are skipped or use the previous image"),
		)
		m.record(ctx, journal.Event{Kind: journal.KindDownload, Channel: channel, Node: key, Status: "failed", Detail: err.Error()})
		return ""
	}
	logger.Info("asset downloaded",
		logging.String(logging.FieldEventType, "asset_downloaded"),
		logging.String("path", f.dest),
		logging.Int64("bytes", n),
	)
	m.record(ctx, journal.Event{Kind: journal.KindDownload, Channel: channel, Node: key, Status: "completed", Detail: f.dest})
	return f.dest
}

// dispatch enqueues follow-ups. The originating lane always receives a task:
// if no follow-up targets it, a no-op acknowledgement is enqueued so a lane
// paused at capacity resumes.
func (m *Machine) dispatch(ctx context.Context, origin, key string, out []followUp) {
	kicked := false
	for _, f := range out {
		q, ok := m.lanes[f.channel]
		if !ok {
			logging.WarnWithContext(m.logger, "no lane for follow-up", "lane_missing",
				logging.String(logging.FieldChannel, f.channel),
				logging.String("task", f.task.Name),
				logging.String(logging.FieldImpact, "follow-up submission is dropped"),
			)
			continue
		}
		q.Enqueue(f.task)
		if f.channel == origin {
			kicked = true
		}
	}
	if kicked {
		return
	}
	if q, ok := m.lanes[origin]; ok {
		q.Enqueue(ackTask(logging.WithContext(ctx, m.logger), origin, key))
	}
}

func ackTask(logger *slog.Logger, channel, key string) lane.Task {
	return lane.Task{
		Name: "ack",
		Node: key,
		Run: func(context.Context) (lane.Result, error) {
			logger.Debug("notification acknowledged",
				logging.String(logging.FieldEventType, "lane_ack"),
				logging.String(logging.FieldChannel, channel),
			)
			return lane.Advance(), nil
		},
	}
}

func (m *Machine) discard(ctx context.Context, logger *slog.Logger, job useapi.Job, key, reason string) {
	logger.Info("notification discarded",
		logging.String(logging.FieldEventType, "notification_discarded"),
		logging.String("reason", reason),
		logging.String("reply_ref", job.ReplyRef),
	)
	channel, _ := useapi.ChannelForVerb(job.Verb)
	m.record(ctx, journal.Event{
		Kind:    journal.KindDiscard,
		Channel: channel,
		JobID:   job.JobID,
		Node:    key,
		Status:  job.Status,
		Detail:  reason,
	})
}

func (m *Machine) record(ctx context.Context, ev journal.Event) {
	if ev.CorrelationID == "" {
		ev.CorrelationID, _ = services.CorrelationIDFromContext(ctx)
	}
	if err := m.journal.Record(ctx, ev); err != nil {
		logging.WarnWithContext(m.logger, "journal write failed", "journal_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "audit trail is incomplete for this run"),
		)
	}
}

// applyErr annotates a failed transaction. The tree already marks persister
// failures with ErrSnapshot; anything else keeps its own marker.
func applyErr(key string, err error) error {
	if key == "" {
		return fmt.Errorf("apply notification: %w", err)
	}
	return fmt.Errorf("apply notification to %s: %w", key, err)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
